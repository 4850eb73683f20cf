package revlog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Strip physically truncates the store, removing rev and every revision
// with a larger number. Cross-store linkrev coordination is the
// repository's responsibility; this only undoes the local files.
//
// The removed byte ranges are preserved in the journal first, so an
// aborted transaction restores them exactly.
func (r *Revlog) Strip(tx Tx, rev int) error {
	if tx == nil || !tx.Active() {
		return ErrNoTransaction
	}
	if err := r.checkRev(rev); err != nil {
		return err
	}

	// Surviving payloads may live past removed ones in the data file
	// (censor appends out of rev order), so keep everything any
	// survivor references.
	var dataEnd int64
	for _, rec := range r.records[:rev] {
		if end := int64(rec.offset) + int64(rec.storedLen); end > dataEnd {
			dataEnd = end
		}
	}
	indexEnd := recordOffset(rev)

	if err := backupTail(tx, r.indexPath, indexEnd); err != nil {
		return err
	}
	if err := backupTail(tx, r.dataPath, dataEnd); err != nil {
		return err
	}
	// Later appends can bring the index back to its pre-strip size, which
	// would hide the strip from other processes' generation checks.
	if err := r.bumpRewriteGen(tx); err != nil {
		return err
	}

	if err := os.Truncate(r.indexPath, indexEnd); err != nil {
		return fmt.Errorf("truncating revlog index %s: %w", r.indexPath, err)
	}
	if err := truncateIfExists(r.dataPath, dataEnd); err != nil {
		return err
	}

	removed := len(r.records) - rev
	for _, rec := range r.records[rev:] {
		delete(r.byID, rec.id)
	}
	r.records = r.records[:rev]

	r.log.WithFields(logrus.Fields{
		"store":   r.name,
		"rev":     rev,
		"removed": removed,
	}).Info("stripped revisions")
	return nil
}

// backupTail journals the bytes of path beyond offset so rollback can
// restore a truncation.
func backupTail(tx Tx, path string, offset int64) error {
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size() <= offset {
		return nil
	}
	return tx.Backup(path, offset, int(st.Size()-offset))
}

func truncateIfExists(path string, size int64) error {
	if err := os.Truncate(path, size); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncating %s: %w", path, err)
	}
	return nil
}

func openWrite(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s for write: %w", path, err)
	}
	return f, nil
}
