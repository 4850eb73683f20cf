// Package interfaces defines the extension points the
// repository exposes to embedding applications.
package interfaces

import (
	"context"

	"github.com/stratavcs/strata/pkg/types"
)

// Hooks lets an embedding application intercept repository
// operations. Every method may veto by returning an error;
// the operation is then not performed.
type Hooks interface {
	// PreTransaction runs after the exclusive lock is taken
	// and before any write.
	PreTransaction(ctx context.Context) error
	// PostTransaction runs after a successful commit.
	PostTransaction(ctx context.Context) error
	// PreCensor runs before a revision's content is
	// destroyed. Applications use it to block censoring
	// revisions their working state still depends on.
	PreCensor(ctx context.Context, store string, id types.NodeID) error
}

// NopHooks is the default: every hook passes.
type NopHooks struct{}

func (NopHooks) PreTransaction(context.Context) error  { return nil }
func (NopHooks) PostTransaction(context.Context) error { return nil }
func (NopHooks) PreCensor(context.Context, string, types.NodeID) error {
	return nil
}
