package revlog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratavcs/strata/pkg/revlog"
	"github.com/stratavcs/strata/pkg/transaction"
	"github.com/stratavcs/strata/pkg/types"
)

func drain(c *revlog.Cursor) []int {
	var got []int
	for {
		rev, ok := c.Next()
		if !ok {
			return got
		}
		got = append(got, rev)
	}
}

func TestCursor_Ascending(t *testing.T) {
	e := newEnv(t, revlog.Options{})
	e.appendAll(t, "a", "b", "c")

	c := e.rl.Cursor()
	assert.Equal(t, []int{0, 1, 2}, drain(c))
	assert.Equal(t, 0, c.Remaining())
}

func TestAncestorCursor_SkipsUnrelatedBranch(t *testing.T) {
	e := newEnv(t, revlog.Options{})

	// 0 <- 1 <- 3, with 2 on a side branch off 0.
	e.inTxn(t, func(tx *transaction.Transaction) {
		_, err := e.rl.Append(tx, types.NullRev, types.NullRev, 0, []byte("root"), 0)
		require.NoError(t, err)
		_, err = e.rl.Append(tx, 0, types.NullRev, 1, []byte("left"), 0)
		require.NoError(t, err)
		_, err = e.rl.Append(tx, 0, types.NullRev, 2, []byte("right"), 0)
		require.NoError(t, err)
		_, err = e.rl.Append(tx, 1, types.NullRev, 3, []byte("tip"), 0)
		require.NoError(t, err)
	})

	c, err := e.rl.AncestorCursor(3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 0}, drain(c))
}

func TestAncestorCursor_PauseAndResume(t *testing.T) {
	e := newEnv(t, revlog.Options{})
	e.appendAll(t, "a", "b")

	c, err := e.rl.AncestorCursor(1)
	require.NoError(t, err)

	rev, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, 1, rev)
	assert.Equal(t, 1, c.Remaining())

	// The cursor keeps its place across unrelated work.
	rev, ok = c.Next()
	require.True(t, ok)
	assert.Equal(t, 0, rev)

	_, ok = c.Next()
	assert.False(t, ok)
}

func TestAncestorCursor_BadHead(t *testing.T) {
	e := newEnv(t, revlog.Options{})
	_, err := e.rl.AncestorCursor(0)
	assert.ErrorIs(t, err, revlog.ErrNoSuchRev)
}
