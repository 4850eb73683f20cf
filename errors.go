package strata

import (
	"errors"
	"fmt"

	"github.com/stratavcs/strata/pkg/types"
)

// ErrClosed is returned by operations on a closed repository.
var ErrClosed = errors.New("strata: repository closed")

// ErrNoSuchStore is returned when a named store does not exist on disk.
var ErrNoSuchStore = errors.New("strata: no such store")

// HeadCensorError rejects censoring a revision that is currently a
// visible head with no non-obsolete descendant. Obsolete it or give it a
// child first.
type HeadCensorError struct {
	Store string
	Rev   int
	Node  types.NodeID
}

func (e *HeadCensorError) Error() string {
	return fmt.Sprintf("strata: cannot censor %s revision %d (%s): it is a visible head with no non-obsolete descendant",
		e.Store, e.Rev, e.Node.Short())
}

// WorkingDirectoryCensorError reports a censor vetoed by a registered
// pre-censor hook, typically because the revision is still materialized
// in the caller's working state.
type WorkingDirectoryCensorError struct {
	Store string
	Node  types.NodeID
	Cause error
}

func (e *WorkingDirectoryCensorError) Error() string {
	return fmt.Sprintf("strata: cannot censor %s revision %s: %v", e.Store, e.Node.Short(), e.Cause)
}

func (e *WorkingDirectoryCensorError) Unwrap() error { return e.Cause }
