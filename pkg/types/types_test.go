package types_test

import (
	"crypto/sha256"
	"testing"

	"github.com/stratavcs/strata/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContent_ParentOrderDoesNotMatter(t *testing.T) {
	a := types.NodeID(sha256.Sum256([]byte("parent a")))
	b := types.NodeID(sha256.Sum256([]byte("parent b")))
	content := []byte("hello world")

	assert.Equal(t, types.HashContent(a, b, content), types.HashContent(b, a, content))
}

func TestHashContent_ContentChangesID(t *testing.T) {
	a := types.NodeID(sha256.Sum256([]byte("parent a")))

	id1 := types.HashContent(a, types.NullID, []byte("one"))
	id2 := types.HashContent(a, types.NullID, []byte("two"))
	assert.NotEqual(t, id1, id2)
}

func TestNodeIDFromHex_RoundTrip(t *testing.T) {
	id := types.HashContent(types.NullID, types.NullID, []byte("x"))

	parsed, err := types.NodeIDFromHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestNodeIDFromHex_RejectsShortInput(t *testing.T) {
	_, err := types.NodeIDFromHex("abcdef")
	assert.Error(t, err)
}

func TestFlags(t *testing.T) {
	f := types.FlagCensored | types.FlagExternal
	assert.True(t, f.Has(types.FlagCensored))
	assert.True(t, f.Has(types.FlagExternal))
	assert.False(t, types.Flags(0).Has(types.FlagCensored))
}

func TestParseCensorPolicy(t *testing.T) {
	p, err := types.ParseCensorPolicy("")
	require.NoError(t, err)
	assert.Equal(t, types.PolicyAbort, p)

	p, err = types.ParseCensorPolicy("ignore")
	require.NoError(t, err)
	assert.Equal(t, types.PolicyIgnore, p)

	_, err = types.ParseCensorPolicy("panic")
	assert.Error(t, err)
}
