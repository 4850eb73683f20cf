package transaction

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
)

// Journal entry kinds. A Truncate entry records the size a file had when
// the transaction first touched it; a Backup entry preserves bytes about
// to be overwritten in place; a TempFile entry names a staged replacement
// file that must be removed on rollback.
const (
	entryTruncate uint8 = iota + 1
	entryBackup
	entryTempFile
)

type journalEntry struct {
	Kind   uint8
	TxnID  string
	Path   string
	Offset int64
	Data   []byte
}

// appendJournalEntry writes one length-prefixed gob record and syncs the
// journal so the entry is durable before the guarded write happens.
func appendJournalEntry(f *os.File, e journalEntry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("encoding journal entry: %w", err)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing journal entry length: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}
	return nil
}

// readJournal decodes every complete entry in the journal file. A torn
// trailing entry (crash while journaling) is ignored: the guarded write it
// was about to protect never happened.
func readJournal(path string) ([]journalEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading journal %s: %w", path, err)
	}

	var entries []journalEntry
	for len(b) >= 4 {
		n := int(binary.LittleEndian.Uint32(b[:4]))
		if n > len(b)-4 {
			break
		}
		var e journalEntry
		dec := gob.NewDecoder(bytes.NewReader(b[4 : 4+n]))
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decoding journal entry: %w", err)
		}
		entries = append(entries, e)
		b = b[4+n:]
	}
	return entries, nil
}

// rollbackJournal restores every file named by the journal to its
// pre-transaction state, replaying entries newest-first.
func rollbackJournal(entries []journalEntry) error {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch e.Kind {
		case entryTruncate:
			if err := truncateTo(e.Path, e.Offset); err != nil {
				return err
			}
		case entryBackup:
			if err := restoreBytes(e.Path, e.Offset, e.Data); err != nil {
				return err
			}
		case entryTempFile:
			if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing staged file %s: %w", e.Path, err)
			}
		default:
			return fmt.Errorf("unknown journal entry kind %d", e.Kind)
		}
	}
	return nil
}

func truncateTo(path string, size int64) error {
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		if size == 0 {
			return nil
		}
		return fmt.Errorf("rollback: %s missing but had %d bytes", path, size)
	}
	if err != nil {
		return fmt.Errorf("rollback stat %s: %w", path, err)
	}
	if size == 0 && st.Size() > 0 {
		// The file did not exist when the transaction began.
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("rollback remove %s: %w", path, err)
		}
		return nil
	}
	if err := os.Truncate(path, size); err != nil {
		return fmt.Errorf("rollback truncate %s to %d: %w", path, size, err)
	}
	return nil
}

func restoreBytes(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("rollback open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("rollback restore %s at %d: %w", path, offset, err)
	}
	return f.Sync()
}
