package idindex_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratavcs/strata/pkg/idindex"
	"github.com/stratavcs/strata/pkg/types"
)

// fakeSource lets tests construct ids with forced shared prefixes.
type fakeSource struct {
	ids []types.NodeID
	gen int64
}

func (f *fakeSource) Len() int { return len(f.ids) }

func (f *fakeSource) Node(rev int) (types.NodeID, error) {
	return f.ids[rev], nil
}

func (f *fakeSource) Generation() (int64, error) { return f.gen, nil }

func (f *fakeSource) add(hexPrefix string) {
	var id types.NodeID
	b, _ := hex.DecodeString(hexPrefix)
	copy(id[:], b)
	id[types.NodeIDSize-1] = byte(len(f.ids)) // keep ids distinct
	f.ids = append(f.ids, id)
	f.gen++
}

func TestLookup_FullAndPrefix(t *testing.T) {
	src := &fakeSource{}
	src.add("aa11")
	src.add("bb22")
	ix := idindex.New(src)

	rev, err := ix.Lookup(src.ids[0].String())
	require.NoError(t, err)
	assert.Equal(t, 0, rev)

	rev, err = ix.Lookup("bb22")
	require.NoError(t, err)
	assert.Equal(t, 1, rev)
}

func TestLookup_SharedPrefixIsAmbiguous(t *testing.T) {
	src := &fakeSource{}
	src.add("abcd01")
	src.add("abcd02")
	ix := idindex.New(src)

	_, err := ix.Lookup("abcd")
	var ambErr *idindex.AmbiguousIDError
	require.ErrorAs(t, err, &ambErr)
	assert.Equal(t, 2, ambErr.Matches)

	// Full ids still resolve.
	rev, err := ix.Lookup(src.ids[0].String())
	require.NoError(t, err)
	assert.Equal(t, 0, rev)
	rev, err = ix.Lookup(src.ids[1].String())
	require.NoError(t, err)
	assert.Equal(t, 1, rev)

	// A longer prefix disambiguates.
	rev, err = ix.Lookup("abcd01")
	require.NoError(t, err)
	assert.Equal(t, 0, rev)
}

func TestLookup_Unknown(t *testing.T) {
	src := &fakeSource{}
	src.add("aa")
	ix := idindex.New(src)

	_, err := ix.Lookup("ff")
	var unknownErr *idindex.UnknownIDError
	assert.ErrorAs(t, err, &unknownErr)

	_, err = ix.Lookup("")
	assert.ErrorAs(t, err, &unknownErr)
}

func TestRefresh_PicksUpNewRevisions(t *testing.T) {
	src := &fakeSource{}
	src.add("aa")
	ix := idindex.New(src)

	_, err := ix.Lookup("aa")
	require.NoError(t, err)

	// Another writer appends; the generation moves.
	src.add("bb")

	rev, err := ix.Lookup("bb")
	require.NoError(t, err)
	assert.Equal(t, 1, rev)
}

func TestRefresh_RebuildsAfterStrip(t *testing.T) {
	src := &fakeSource{}
	src.add("aa")
	src.add("bb")
	ix := idindex.New(src)
	require.NoError(t, ix.Refresh())

	// Strip: the store shrank and the generation moved backwards.
	src.ids = src.ids[:1]
	src.gen = 1

	_, err := ix.Lookup("bb")
	var unknownErr *idindex.UnknownIDError
	assert.ErrorAs(t, err, &unknownErr)

	rev, err := ix.Lookup("aa")
	require.NoError(t, err)
	assert.Equal(t, 0, rev)
}

func TestExtend_InProcessAppend(t *testing.T) {
	src := &fakeSource{}
	src.add("aa")
	ix := idindex.New(src)
	require.NoError(t, ix.Refresh())

	src.add("09")
	ix.Extend(1, src.ids[1])

	rev, err := ix.Lookup("09")
	require.NoError(t, err)
	assert.Equal(t, 1, rev)

	// Sorted order must survive the insertion.
	rev, err = ix.Lookup("aa")
	require.NoError(t, err)
	assert.Equal(t, 0, rev)
}
