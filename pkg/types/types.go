// Package types holds the identifiers and flag values shared by every
// storage component: content-addressed node ids, revision flags and the
// censorship read policy.
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NodeIDSize is the width of a content address in bytes (sha256).
const NodeIDSize = 32

// NullRev is the revision number of the null revision, the implicit
// parent of every root revision.
const NullRev = -1

// NodeID is the content address of one revision: sha256 over the sorted
// parent ids followed by the full content bytes.
type NodeID [NodeIDSize]byte

// NullID is the id of the null revision. All zero bytes.
var NullID = NodeID{}

// HashContent computes the id of a revision from its parents and full
// content. Parents are sorted so the id does not depend on parent order.
func HashContent(p1, p2 NodeID, content []byte) NodeID {
	if bytes.Compare(p2[:], p1[:]) < 0 {
		p1, p2 = p2, p1
	}
	h := sha256.New()
	h.Write(p1[:])
	h.Write(p2[:])
	h.Write(content)
	var id NodeID
	copy(id[:], h.Sum(nil))
	return id
}

func (id NodeID) Bytes() []byte {
	return id[:]
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the conventional 12-character abbreviation used in logs.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:6])
}

func (id NodeID) IsNull() bool {
	return id == NullID
}

// NodeIDFromHex parses a full-length hex id.
func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	if len(s) != NodeIDSize*2 {
		return id, fmt.Errorf("node id must be %d hex characters, got %d", NodeIDSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	copy(id[:], b)
	return id, nil
}

// Flags carries the per-revision bit flags stored in the index record.
type Flags uint32

const (
	// FlagCensored marks a revision whose stored content was replaced by
	// a tombstone.
	FlagCensored Flags = 1 << 0
	// FlagExternal marks a revision whose content lives in the blob
	// store; the data file holds only the blob reference.
	FlagExternal Flags = 1 << 1
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// CensorPolicy decides what a read of censored content does. It is passed
// explicitly into reads, never held as global state.
type CensorPolicy int

const (
	// PolicyAbort makes reads of censored revisions fail with a
	// CensoredError. This is the default.
	PolicyAbort CensorPolicy = iota
	// PolicyIgnore makes reads of censored revisions return the stored
	// tombstone bytes.
	PolicyIgnore
)

// ParseCensorPolicy maps the configuration strings "abort" and "ignore".
func ParseCensorPolicy(s string) (CensorPolicy, error) {
	switch s {
	case "", "abort":
		return PolicyAbort, nil
	case "ignore":
		return PolicyIgnore, nil
	}
	return PolicyAbort, fmt.Errorf("unknown censor policy %q", s)
}
