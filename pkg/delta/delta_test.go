package delta_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stratavcs/strata/pkg/delta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, base, target []byte) {
	t.Helper()
	d, err := delta.Diff(base, target)
	require.NoError(t, err)
	got, err := delta.Apply(base, d)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestRoundTrip_Basic(t *testing.T) {
	cases := []struct {
		name   string
		base   string
		target string
	}{
		{"append line", "x", "x\ny"},
		{"append another", "x\ny", "x\ny\nz"},
		{"shrink", "hello cruel world", "hello world"},
		{"replace middle", "aaa bbb ccc", "aaa XYZ ccc"},
		{"identical", "same", "same"},
		{"empty base", "", "new content"},
		{"empty target", "old content", ""},
		{"both empty", "", ""},
		{"total rewrite", "abc", "xyz"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			roundTrip(t, []byte(tc.base), []byte(tc.target))
		})
	}
}

func TestRoundTrip_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		base := make([]byte, rng.Intn(512))
		rng.Read(base)

		// Derive the target by mutating a copy of the base, which is
		// the realistic revision shape.
		target := append([]byte(nil), base...)
		for j := 0; j < rng.Intn(4); j++ {
			if len(target) == 0 {
				target = append(target, byte(rng.Intn(256)))
				continue
			}
			pos := rng.Intn(len(target))
			switch rng.Intn(3) {
			case 0:
				target[pos] = byte(rng.Intn(256))
			case 1:
				target = append(target[:pos], target[pos+1:]...)
			case 2:
				extra := make([]byte, rng.Intn(32))
				rng.Read(extra)
				target = append(target[:pos], append(extra, target[pos:]...)...)
			}
		}

		roundTrip(t, base, target)
	}
}

func TestDiff_IdenticalInputsAreEmpty(t *testing.T) {
	d, err := delta.Diff([]byte("unchanged"), []byte("unchanged"))
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestApply_RejectsTruncatedHeader(t *testing.T) {
	_, err := delta.Apply([]byte("base"), []byte{1, 2, 3})
	assert.ErrorIs(t, err, delta.ErrCorrupt)
}

func TestApply_RejectsOutOfRangeHunk(t *testing.T) {
	d, err := delta.Diff([]byte("a longer base text"), []byte("a longer base text!"))
	require.NoError(t, err)

	// Same delta applied against a much shorter base must fail, not
	// read out of bounds.
	_, err = delta.Apply([]byte("ab"), d)
	assert.ErrorIs(t, err, delta.ErrCorrupt)
}

func TestApply_RejectsTruncatedLiteral(t *testing.T) {
	d, err := delta.Diff([]byte("base"), []byte("base plus more"))
	require.NoError(t, err)
	_, err = delta.Apply([]byte("base"), d[:len(d)-1])
	assert.ErrorIs(t, err, delta.ErrCorrupt)
}

func TestRoundTrip_BinaryContent(t *testing.T) {
	base := bytes.Repeat([]byte{0x00, 0xff, 0x7f}, 1000)
	target := append(append([]byte{}, base[:1500]...), bytes.Repeat([]byte{0xaa}, 100)...)
	roundTrip(t, base, target)
}
