// Package blobstore stores revision contents that are too large or too
// incompressible for delta encoding. Revisions carrying the external flag
// keep only a reference in the revlog data file; the payload itself lives
// here, chunked into a badger key-value store.
package blobstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/stratavcs/strata/internal/chunker"
	"github.com/stratavcs/strata/pkg/types"
)

// ErrNotFound is returned by Get when no blob exists for the id.
var ErrNotFound = errors.New("blobstore: blob not found")

type Config struct {
	Path   string
	Logger *logrus.Logger
}

type Store struct {
	db  *badger.DB
	log *logrus.Logger
}

func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // max size of each value log file, 100MB
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening blob store at %s: %w", config.Path, err)
	}

	return &Store{db: db, log: config.Logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func metaKey(id types.NodeID) []byte {
	return append([]byte("blob:meta:"), id.Bytes()...)
}

func chunkKey(id types.NodeID, n uint32) []byte {
	key := append([]byte("blob:chunk:"), id.Bytes()...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], n)
	return append(key, idx[:]...)
}

// Put stores content under its node id, split into fixed-size chunks so
// badger never holds one oversized value. Re-putting the same id is a
// no-op since content addressing makes the value identical.
func (s *Store) Put(id types.NodeID, content []byte) error {
	has, err := s.Has(id)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	ck := chunker.NewChunker(bytes.NewReader(content))
	var count uint32

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for {
		chunk, err := ck.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("chunking blob %s: %w", id.Short(), err)
		}
		if err := wb.Set(chunkKey(id, count), chunk); err != nil {
			return fmt.Errorf("staging blob chunk: %w", err)
		}
		count++
	}

	var meta [8]byte
	binary.BigEndian.PutUint32(meta[0:4], count)
	binary.BigEndian.PutUint32(meta[4:8], uint32(len(content)))
	if err := wb.Set(metaKey(id), meta[:]); err != nil {
		return fmt.Errorf("staging blob meta: %w", err)
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("writing blob %s: %w", id.Short(), err)
	}

	s.log.WithFields(logrus.Fields{
		"blob":   id.Short(),
		"chunks": count,
		"bytes":  len(content),
	}).Debug("stored external blob")
	return nil
}

// Get reassembles the blob stored under id.
func (s *Store) Get(id types.NodeID) ([]byte, error) {
	var out []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		meta, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(meta) != 8 {
			return fmt.Errorf("blob %s: malformed meta record", id.Short())
		}
		count := binary.BigEndian.Uint32(meta[0:4])
		total := binary.BigEndian.Uint32(meta[4:8])

		out = make([]byte, 0, total)
		for n := uint32(0); n < count; n++ {
			item, err := txn.Get(chunkKey(id, n))
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("blob %s: missing chunk %d of %d", id.Short(), n, count)
			}
			if err != nil {
				return err
			}
			chunk, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, chunk...)
		}
		if uint32(len(out)) != total {
			return fmt.Errorf("blob %s: reassembled %d bytes, expected %d", id.Short(), len(out), total)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Has(id types.NodeID) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(id))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a blob and its chunks. Used by strip when external
// revisions fall out of the truncated range.
func (s *Store) Delete(id types.NodeID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		meta, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		count := binary.BigEndian.Uint32(meta[0:4])
		for n := uint32(0); n < count; n++ {
			if err := txn.Delete(chunkKey(id, n)); err != nil {
				return err
			}
		}
		return txn.Delete(metaKey(id))
	})
}
