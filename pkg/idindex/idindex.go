// Package idindex maps content ids and unambiguous id prefixes to
// revision numbers. The index is built lazily by one linear scan of a
// revision store, extended in-process as revisions are appended, and
// rebuilt when the store's on-disk generation moves underneath us
// (another process committed).
package idindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stratavcs/strata/pkg/types"
)

// AmbiguousIDError is returned when a prefix matches several ids.
type AmbiguousIDError struct {
	Prefix  string
	Matches int
}

func (e *AmbiguousIDError) Error() string {
	return fmt.Sprintf("id prefix %q is ambiguous (%d matches)", e.Prefix, e.Matches)
}

// UnknownIDError is returned when a prefix matches nothing.
type UnknownIDError struct {
	Prefix string
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("unknown id %q", e.Prefix)
}

// Source is the slice of the revision store the index reads.
type Source interface {
	Len() int
	Node(rev int) (types.NodeID, error)
	Generation() (int64, error)
}

type entry struct {
	hex string
	rev int
}

// Index resolves ids over one Source. Entries are kept sorted by hex id
// so prefix queries are two binary searches.
type Index struct {
	src     Source
	entries []entry
	scanned int
	gen     int64
}

func New(src Source) *Index {
	return &Index{src: src, gen: -1}
}

// Refresh rebuilds or extends the index so it reflects the source. A
// generation that moved backwards (strip) or that we have never seen
// forces a full rebuild; new appends only extend.
func (ix *Index) Refresh() error {
	gen, err := ix.src.Generation()
	if err != nil {
		return err
	}
	if gen == ix.gen && ix.scanned == ix.src.Len() {
		return nil
	}

	if gen < ix.gen || ix.src.Len() < ix.scanned {
		ix.entries = nil
		ix.scanned = 0
	}

	for rev := ix.scanned; rev < ix.src.Len(); rev++ {
		id, err := ix.src.Node(rev)
		if err != nil {
			return err
		}
		ix.entries = append(ix.entries, entry{hex: id.String(), rev: rev})
	}
	ix.scanned = ix.src.Len()
	ix.gen = gen

	sort.Slice(ix.entries, func(i, j int) bool { return ix.entries[i].hex < ix.entries[j].hex })
	return nil
}

// Extend registers one freshly appended revision without a rescan.
func (ix *Index) Extend(rev int, id types.NodeID) {
	if rev != ix.scanned {
		// Out-of-order extension; the next Refresh rebuilds.
		ix.gen = -1
		return
	}
	e := entry{hex: id.String(), rev: rev}
	pos := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].hex >= e.hex })
	ix.entries = append(ix.entries, entry{})
	copy(ix.entries[pos+1:], ix.entries[pos:])
	ix.entries[pos] = e
	ix.scanned++
}

// Lookup resolves a full hex id or an unambiguous prefix to a revision
// number.
func (ix *Index) Lookup(prefix string) (int, error) {
	if err := ix.Refresh(); err != nil {
		return types.NullRev, err
	}
	prefix = strings.ToLower(prefix)
	if prefix == "" {
		return types.NullRev, &UnknownIDError{Prefix: prefix}
	}

	lo := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].hex >= prefix })
	hi := lo
	for hi < len(ix.entries) && strings.HasPrefix(ix.entries[hi].hex, prefix) {
		hi++
	}

	switch hi - lo {
	case 0:
		return types.NullRev, &UnknownIDError{Prefix: prefix}
	case 1:
		return ix.entries[lo].rev, nil
	default:
		return types.NullRev, &AmbiguousIDError{Prefix: prefix, Matches: hi - lo}
	}
}

// LookupNode is Lookup plus the full id of the match.
func (ix *Index) LookupNode(prefix string) (int, types.NodeID, error) {
	rev, err := ix.Lookup(prefix)
	if err != nil {
		return types.NullRev, types.NullID, err
	}
	id, err := ix.src.Node(rev)
	if err != nil {
		return types.NullRev, types.NullID, err
	}
	return rev, id, nil
}
