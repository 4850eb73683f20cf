// Package visibility maintains the durable set of visible head ids. The
// set is a cache: it can always be recomputed from the change-history DAG
// plus the mutation log, but incremental recomputes after each commit
// keep it cheap. Manual hide/unhide decisions live in an auxiliary file
// consulted by recompute.
package visibility

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stratavcs/strata/pkg/types"
)

const formatVersion = "v1"

// ErrNoTransaction is returned when a mutating operation runs outside an
// active transaction.
var ErrNoTransaction = errors.New("visibility: mutation outside an active transaction")

// History is the change-history DAG surface recompute walks.
type History interface {
	// HeadIDs returns the DAG heads (revisions that are no one's parent).
	HeadIDs() ([]types.NodeID, error)
	// ParentIDs returns the non-null parent ids of id.
	ParentIDs(id types.NodeID) ([]types.NodeID, error)
	// HasID reports whether the store contains id.
	HasID(id types.NodeID) bool
}

// Mutations is the mutation-log surface recompute consults.
type Mutations interface {
	IsObsolete(id types.NodeID) bool
	SuccessorsOf(id types.NodeID) []types.NodeID
}

// Tx is the transaction surface used to persist the set atomically.
type Tx interface {
	Active() bool
	ReplaceFile(path string, content []byte) error
}

type Config struct {
	// Path is the visible-heads file.
	Path string
	// ManualPath is the auxiliary hide/show file.
	ManualPath string
	Logger     *logrus.Logger
}

// Set holds the visible heads plus the manual overrides.
type Set struct {
	path       string
	manualPath string
	log        *logrus.Logger

	heads  map[types.NodeID]bool
	hidden map[types.NodeID]bool
	shown  map[types.NodeID]bool
}

func Open(config Config) (*Set, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	s := &Set{
		path:       config.Path,
		manualPath: config.ManualPath,
		log:        config.Logger,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads both files, discarding in-memory state. Readers call
// this when they observe a generation change.
func (s *Set) Reload() error {
	heads, err := readHeadsFile(s.path)
	if err != nil {
		return err
	}
	hidden, shown, err := readManualFile(s.manualPath)
	if err != nil {
		return err
	}
	s.heads = heads
	s.hidden = hidden
	s.shown = shown
	return nil
}

// Heads returns the visible head ids in sorted order.
func (s *Set) Heads() []types.NodeID {
	return sortedIDs(s.heads)
}

func (s *Set) Contains(id types.NodeID) bool {
	return s.heads[id]
}

// Hide marks ids as manually hidden.
func (s *Set) Hide(ids ...types.NodeID) {
	for _, id := range ids {
		s.hidden[id] = true
		delete(s.shown, id)
	}
}

// Unhide removes ids from the hidden set and pins them shown, which
// overrides obsolescence during recompute.
func (s *Set) Unhide(ids ...types.NodeID) {
	for _, id := range ids {
		delete(s.hidden, id)
		s.shown[id] = true
	}
}

// Recompute derives the visible heads from the change-history DAG and
// the mutation log: obsoleted or hidden heads are replaced by their
// visible successors (falling back to their parents when pruned), and
// the result is reduced to its own maximal elements. The computation is
// deterministic for given inputs.
func (s *Set) Recompute(h History, m Mutations) error {
	dagHeads, err := h.HeadIDs()
	if err != nil {
		return err
	}

	resolved := make(map[types.NodeID][]types.NodeID)
	visiting := make(map[types.NodeID]bool)

	var resolve func(id types.NodeID) ([]types.NodeID, error)
	resolve = func(id types.NodeID) ([]types.NodeID, error) {
		if got, ok := resolved[id]; ok {
			return got, nil
		}
		if visiting[id] {
			// The mutation log rejects cycles; a cycle here means a
			// damaged store. Treat the entry as pruned.
			return nil, nil
		}
		visiting[id] = true
		defer delete(visiting, id)

		visible := !s.hidden[id] && (s.shown[id] || !m.IsObsolete(id))
		if visible {
			resolved[id] = []types.NodeID{id}
			return resolved[id], nil
		}

		var out []types.NodeID
		for _, succ := range m.SuccessorsOf(id) {
			if !h.HasID(succ) {
				// Successor lives in another clone.
				continue
			}
			r, err := resolve(succ)
			if err != nil {
				return nil, err
			}
			out = append(out, r...)
		}
		if out == nil {
			// Pruned or hidden with no visible replacement: surface
			// the parents instead.
			parents, err := h.ParentIDs(id)
			if err != nil {
				return nil, err
			}
			for _, p := range parents {
				r, err := resolve(p)
				if err != nil {
					return nil, err
				}
				out = append(out, r...)
			}
		}
		resolved[id] = out
		return out, nil
	}

	candidates := make(map[types.NodeID]bool)
	for _, head := range dagHeads {
		r, err := resolve(head)
		if err != nil {
			return err
		}
		for _, id := range r {
			candidates[id] = true
		}
	}

	reduced, err := reduceToMaximal(h, candidates)
	if err != nil {
		return err
	}
	s.heads = reduced
	return nil
}

// reduceToMaximal drops every candidate that is an ancestor of another
// candidate.
func reduceToMaximal(h History, candidates map[types.NodeID]bool) (map[types.NodeID]bool, error) {
	ancestors := make(map[types.NodeID]bool)
	for _, id := range sortedIDs(candidates) {
		stack, err := h.ParentIDs(id)
		if err != nil {
			return nil, err
		}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if ancestors[cur] {
				continue
			}
			ancestors[cur] = true
			parents, err := h.ParentIDs(cur)
			if err != nil {
				return nil, err
			}
			stack = append(stack, parents...)
		}
	}

	out := make(map[types.NodeID]bool)
	for id := range candidates {
		if !ancestors[id] {
			out[id] = true
		}
	}
	return out, nil
}

// Save stages both files for atomic replacement at commit.
func (s *Set) Save(tx Tx) error {
	if tx == nil || !tx.Active() {
		return ErrNoTransaction
	}
	if err := tx.ReplaceFile(s.path, encodeHeadsFile(s.heads)); err != nil {
		return err
	}
	if err := tx.ReplaceFile(s.manualPath, encodeManualFile(s.hidden, s.shown)); err != nil {
		return err
	}
	s.log.WithField("heads", len(s.heads)).Debug("staged visibility set")
	return nil
}

// DropNodes removes stripped ids from every set. Called by strip in the
// same transaction that truncates the stores.
func (s *Set) DropNodes(remove map[types.NodeID]bool) {
	for id := range remove {
		delete(s.heads, id)
		delete(s.hidden, id)
		delete(s.shown, id)
	}
}

func sortedIDs(set map[types.NodeID]bool) []types.NodeID {
	out := make([]types.NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func encodeHeadsFile(heads map[types.NodeID]bool) []byte {
	var b bytes.Buffer
	b.WriteString(formatVersion + "\n")
	for _, id := range sortedIDs(heads) {
		b.WriteString(id.String() + "\n")
	}
	return b.Bytes()
}

func readHeadsFile(path string) (map[types.NodeID]bool, error) {
	heads := make(map[types.NodeID]bool)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return heads, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening visible heads %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			if line != formatVersion {
				return nil, fmt.Errorf("visible heads %s: unsupported format %q", path, line)
			}
			first = false
			continue
		}
		if line == "" {
			continue
		}
		id, err := types.NodeIDFromHex(line)
		if err != nil {
			return nil, fmt.Errorf("visible heads %s: %w", path, err)
		}
		heads[id] = true
	}
	return heads, sc.Err()
}

func encodeManualFile(hidden, shown map[types.NodeID]bool) []byte {
	var b bytes.Buffer
	b.WriteString(formatVersion + "\n")
	for _, id := range sortedIDs(hidden) {
		b.WriteString("hide " + id.String() + "\n")
	}
	for _, id := range sortedIDs(shown) {
		b.WriteString("show " + id.String() + "\n")
	}
	return b.Bytes()
}

func readManualFile(path string) (hidden, shown map[types.NodeID]bool, err error) {
	hidden = make(map[types.NodeID]bool)
	shown = make(map[types.NodeID]bool)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return hidden, shown, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening manual visibility %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			if line != formatVersion {
				return nil, nil, fmt.Errorf("manual visibility %s: unsupported format %q", path, line)
			}
			first = false
			continue
		}
		if line == "" {
			continue
		}
		verb, rest, found := strings.Cut(line, " ")
		if !found {
			return nil, nil, fmt.Errorf("manual visibility %s: malformed line %q", path, line)
		}
		id, err := types.NodeIDFromHex(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("manual visibility %s: %w", path, err)
		}
		switch verb {
		case "hide":
			hidden[id] = true
		case "show":
			shown[id] = true
		default:
			return nil, nil, fmt.Errorf("manual visibility %s: unknown verb %q", path, verb)
		}
	}
	return hidden, shown, sc.Err()
}
