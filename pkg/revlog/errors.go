package revlog

import (
	"errors"
	"fmt"

	"github.com/stratavcs/strata/pkg/types"
)

// ErrNoTransaction is returned when a mutating operation is called
// without an active transaction.
var ErrNoTransaction = errors.New("revlog: mutation outside an active transaction")

// ErrNoSuchRev is returned for revision numbers outside the store.
var ErrNoSuchRev = errors.New("revlog: no such revision")

// ErrUnknownParent is returned by Append when a parent or base revision
// does not exist yet. Revisions may only depend on smaller rev numbers.
var ErrUnknownParent = errors.New("revlog: parent revision does not exist")

// ErrAlreadyCensored is returned when censoring a revision twice.
var ErrAlreadyCensored = errors.New("revlog: revision is already censored")

// CorruptionError reports a revision whose reconstructed content failed
// its integrity check. It is never repaired silently.
type CorruptionError struct {
	Store  string
	Rev    int
	Node   types.NodeID
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("revlog %s: revision %d (%s) is corrupt: %s",
		e.Store, e.Rev, e.Node.Short(), e.Reason)
}

// CensoredError reports a read of censored content under the abort
// policy.
type CensoredError struct {
	Store string
	Rev   int
	Node  types.NodeID
}

func (e *CensoredError) Error() string {
	return fmt.Sprintf("revlog %s: revision %d (%s) is censored",
		e.Store, e.Rev, e.Node.Short())
}

// TombstoneTooLargeError rejects a censor whose tombstone does not fit
// the byte length of the original content.
type TombstoneTooLargeError struct {
	Rev          int
	TombstoneLen int
	ContentLen   int
}

func (e *TombstoneTooLargeError) Error() string {
	return fmt.Sprintf("revlog: tombstone of %d bytes exceeds the %d bytes of revision %d",
		e.TombstoneLen, e.ContentLen, e.Rev)
}
