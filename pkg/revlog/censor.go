package revlog

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stratavcs/strata/pkg/delta"
	"github.com/stratavcs/strata/pkg/types"
)

// Censor replaces the stored content of rev with tombstone. The revision
// keeps its id, parents and DAG position; reads of it fail under
// PolicyAbort. Revisions whose delta chain passes through rev are
// re-derived against the tombstone bytes so their contents are unchanged.
//
// Head protection and working-directory checks are enforced by the
// repository layer, which sees the DAG and the mutation log.
func (r *Revlog) Censor(tx Tx, rev int, tombstone []byte) error {
	if tx == nil || !tx.Active() {
		return ErrNoTransaction
	}
	if err := r.checkRev(rev); err != nil {
		return err
	}

	rec := r.records[rev]
	if rec.flags.Has(types.FlagCensored) {
		return fmt.Errorf("%w: revision %d", ErrAlreadyCensored, rev)
	}
	if len(tombstone) > int(rec.fullLen) {
		return &TombstoneTooLargeError{
			Rev:          rev,
			TombstoneLen: len(tombstone),
			ContentLen:   int(rec.fullLen),
		}
	}

	// Direct delta children must be re-derived before the content they
	// delta against disappears. Revisions deeper in those chains delta
	// against unchanged contents and stay valid, and children that were
	// censored themselves already carry a base-independent tombstone
	// frame.
	type rederive struct {
		rev  int
		text []byte
	}
	var children []rederive
	for d := rev + 1; d < len(r.records); d++ {
		if int(r.records[d].baseRev) != rev {
			continue
		}
		if r.records[d].flags.Has(types.FlagCensored) {
			continue
		}
		text, err := r.reconstruct(d)
		if err != nil {
			return fmt.Errorf("reading delta child %d before censor: %w", d, err)
		}
		children = append(children, rederive{rev: d, text: text})
	}

	// Replace the payload of rev with the framed tombstone: in place
	// when it fits the allocated region, appended otherwise.
	framedLen := len(tombstone) + tombstoneOverhead
	newRec := rec
	newRec.flags |= types.FlagCensored
	newRec.flags &^= types.FlagExternal
	newRec.fullLen = uint32(len(tombstone))

	if framedLen <= int(rec.storedLen) {
		framed := frameTombstone(tombstone, int(rec.storedLen))
		if err := tx.Backup(r.dataPath, int64(rec.offset), int(rec.storedLen)); err != nil {
			return err
		}
		if err := r.writeAtData(framed, int64(rec.offset)); err != nil {
			return err
		}
	} else {
		framed := frameTombstone(tombstone, framedLen)
		offset, err := r.appendData(tx, framed)
		if err != nil {
			return err
		}
		newRec.offset = uint64(offset)
		newRec.storedLen = uint32(framedLen)

		// The superseded region is zeroed, not just unlinked: censoring
		// must destroy the bytes, and nothing references them anymore.
		if err := tx.Backup(r.dataPath, int64(rec.offset), int(rec.storedLen)); err != nil {
			return err
		}
		if err := r.writeAtData(make([]byte, rec.storedLen), int64(rec.offset)); err != nil {
			return err
		}
	}
	if err := r.rewriteRecord(tx, rev, newRec); err != nil {
		return err
	}

	// Re-derive the children against the tombstone text.
	for _, c := range children {
		d, err := delta.Diff(tombstone, c.text)
		if err != nil {
			return fmt.Errorf("re-deriving revision %d: %w", c.rev, err)
		}
		framed, err := framePayload(d)
		if err != nil {
			return err
		}
		offset, err := r.appendData(tx, framed)
		if err != nil {
			return err
		}
		crec := r.records[c.rev]
		crec.offset = uint64(offset)
		crec.storedLen = uint32(len(framed))
		if err := r.rewriteRecord(tx, c.rev, crec); err != nil {
			return err
		}
	}

	// The blob of an external revision is removed only after the
	// transaction commits; an abort must restore the revision.
	if rec.flags.Has(types.FlagExternal) {
		r.pendingScrub = append(r.pendingScrub, rec.id)
	}

	if err := r.bumpRewriteGen(tx); err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{
		"store":     r.name,
		"rev":       rev,
		"node":      rec.id.Short(),
		"rederived": len(children),
	}).Info("censored revision")
	return nil
}

// ScrubCensoredBlobs deletes the external payloads of revisions censored
// in a committed transaction. Callers invoke it after Commit; on abort
// the pending list is dropped by Reload instead.
func (r *Revlog) ScrubCensoredBlobs() error {
	if len(r.pendingScrub) == 0 || r.opts.Blobs == nil {
		r.pendingScrub = nil
		return nil
	}
	for i, id := range r.pendingScrub {
		if err := r.opts.Blobs.Delete(id); err != nil {
			r.pendingScrub = r.pendingScrub[i:]
			return fmt.Errorf("deleting censored blob %s: %w", id.Short(), err)
		}
	}
	r.pendingScrub = nil
	return nil
}

func (r *Revlog) writeAtData(b []byte, offset int64) error {
	f, err := openWrite(r.dataPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(b, offset); err != nil {
		return fmt.Errorf("rewriting revlog data at %d: %w", offset, err)
	}
	return nil
}
