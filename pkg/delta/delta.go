// Package delta implements the byte-diff codec used by the revision store.
//
// A delta is a flat sequence of hunks. Each hunk replaces the base range
// [start, end) with the literal bytes carried by the hunk:
//
//	start  uint32  little-endian offset into the base
//	end    uint32  little-endian end offset into the base
//	insLen uint32  length of the literal that follows
//	data   insLen bytes
//
// Applying a delta copies base bytes between hunks verbatim, so content
// reconstruction is Apply(base, Diff(base, target)) == target for all byte
// strings. Both functions are pure.
package delta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTooLarge is returned by Diff when an offset or length does not fit
// the fixed 32-bit hunk fields. Callers fall back to storing a full
// snapshot instead of a delta.
var ErrTooLarge = errors.New("delta: input too large for 32-bit hunk offsets")

// ErrCorrupt is returned by Apply when the delta bytes are malformed or
// reference ranges outside the base.
var ErrCorrupt = errors.New("delta: corrupt delta data")

const hunkHeaderSize = 12

// Diff encodes target as a delta against base. The current strategy trims
// the longest common prefix and suffix and emits a single replacement hunk
// for the middle; the framing supports any number of hunks so the strategy
// can tighten later without a format change.
func Diff(base, target []byte) ([]byte, error) {
	if len(base) > math.MaxUint32 || len(target) > math.MaxUint32 {
		return nil, ErrTooLarge
	}

	prefix := commonPrefix(base, target)
	suffix := commonSuffix(base[prefix:], target[prefix:])

	start := prefix
	end := len(base) - suffix
	insert := target[prefix : len(target)-suffix]

	if start == end && len(insert) == 0 {
		// Identical inputs encode as the empty delta.
		return []byte{}, nil
	}

	out := make([]byte, hunkHeaderSize, hunkHeaderSize+len(insert))
	binary.LittleEndian.PutUint32(out[0:4], uint32(start))
	binary.LittleEndian.PutUint32(out[4:8], uint32(end))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(insert)))
	out = append(out, insert...)
	return out, nil
}

// Apply reconstructs the target from base plus a delta produced by Diff.
func Apply(base, delta []byte) ([]byte, error) {
	var out bytes.Buffer
	pos := 0

	for len(delta) > 0 {
		if len(delta) < hunkHeaderSize {
			return nil, fmt.Errorf("%w: truncated hunk header", ErrCorrupt)
		}
		start := int(binary.LittleEndian.Uint32(delta[0:4]))
		end := int(binary.LittleEndian.Uint32(delta[4:8]))
		insLen := int(binary.LittleEndian.Uint32(delta[8:12]))
		delta = delta[hunkHeaderSize:]

		if insLen > len(delta) {
			return nil, fmt.Errorf("%w: truncated hunk literal", ErrCorrupt)
		}
		if start < pos || start > end || end > len(base) {
			return nil, fmt.Errorf("%w: hunk range [%d,%d) invalid at position %d (base length %d)",
				ErrCorrupt, start, end, pos, len(base))
		}

		out.Write(base[pos:start])
		out.Write(delta[:insLen])
		pos = end
		delta = delta[insLen:]
	}

	out.Write(base[pos:])
	if out.Len() == 0 {
		// Mirror Diff: empty output is a non-nil empty slice.
		return []byte{}, nil
	}
	return out.Bytes(), nil
}

func commonPrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func commonSuffix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[len(a)-1-i] != b[len(b)-1-i] {
			return i
		}
	}
	return n
}
