// Package mutation is the durable record of revision rewrites: which
// revisions replaced which, under what operation. The log is append-only;
// the only way a record ever disappears is a strip that also removes the
// revisions it references. Visibility of history is derived from this log.
package mutation

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratavcs/strata/pkg/types"
)

// ErrCycle is returned when a record would make a revision id transitively
// its own successor.
var ErrCycle = errors.New("mutation: record would create a successor cycle")

// ErrNoPredecessors rejects records that do not rewrite anything.
var ErrNoPredecessors = errors.New("mutation: record needs at least one predecessor")

// ErrNoTransaction is returned when Add is called outside a transaction.
var ErrNoTransaction = errors.New("mutation: record outside an active transaction")

// Record is one rewrite edge: every predecessor was rewritten into the
// successors. An empty successor set means pruned with no replacement.
type Record struct {
	Predecessors []types.NodeID
	Successors   []types.NodeID
	// Op names the rewrite operation: amend, rebase, split, fold,
	// histedit, prune.
	Op          string
	User        string
	Time        int64
	EffectFlags uint32
	Meta        map[string]string
}

// Tx is the transaction surface the log writes through.
type Tx interface {
	Active() bool
	Add(path string) error
	ReplaceFile(path string, content []byte) error
}

type Config struct {
	Path   string
	Logger *logrus.Logger
}

// Log is the append-only mutation store plus its derived direction
// indices, rebuilt by linear scan and kept current in-process.
type Log struct {
	path string
	log  *logrus.Logger

	records []Record
	succ    map[types.NodeID][]int // id -> record indices naming it predecessor
	pred    map[types.NodeID][]int // id -> record indices naming it successor
	gen     int64
}

func Open(config Config) (*Log, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	l := &Log{path: config.Path, log: config.Logger, gen: -1}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload rebuilds the in-memory state from the file.
func (l *Log) Reload() error {
	l.records = nil
	l.succ = make(map[types.NodeID][]int)
	l.pred = make(map[types.NodeID][]int)

	b, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		l.gen = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading mutation log %s: %w", l.path, err)
	}

	data := b
	for len(data) >= 4 {
		n := int(binary.LittleEndian.Uint32(data[:4]))
		if n > len(data)-4 {
			return fmt.Errorf("mutation log %s: truncated record", l.path)
		}
		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(data[4 : 4+n])).Decode(&rec); err != nil {
			return fmt.Errorf("decoding mutation record: %w", err)
		}
		l.index(rec)
		data = data[4+n:]
	}
	l.gen = int64(len(b))
	return nil
}

func (l *Log) index(rec Record) {
	i := len(l.records)
	l.records = append(l.records, rec)
	for _, p := range rec.Predecessors {
		l.succ[p] = append(l.succ[p], i)
	}
	for _, s := range rec.Successors {
		l.pred[s] = append(l.pred[s], i)
	}
}

// refresh re-reads the file when another process appended.
func (l *Log) refresh() error {
	st, err := os.Stat(l.path)
	if os.IsNotExist(err) {
		if l.gen > 0 {
			return l.Reload()
		}
		return nil
	}
	if err != nil {
		return err
	}
	if st.Size() != l.gen {
		return l.Reload()
	}
	return nil
}

// Refresh re-reads the file if its size moved since the last load.
func (l *Log) Refresh() error {
	return l.refresh()
}

// Len returns the number of records.
func (l *Log) Len() int {
	return len(l.records)
}

// Records returns a copy of all records in append order.
func (l *Log) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Add validates and appends one record atomically within tx.
func (l *Log) Add(tx Tx, rec Record) error {
	if tx == nil || !tx.Active() {
		return ErrNoTransaction
	}
	if err := l.refresh(); err != nil {
		return err
	}
	if len(rec.Predecessors) == 0 {
		return ErrNoPredecessors
	}
	if rec.Time == 0 {
		rec.Time = time.Now().Unix()
	}

	if err := l.checkCycle(rec); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encoding mutation record: %w", err)
	}
	framed := make([]byte, 4, 4+buf.Len())
	binary.LittleEndian.PutUint32(framed, uint32(buf.Len()))
	framed = append(framed, buf.Bytes()...)

	if err := tx.Add(l.path); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening mutation log %s: %w", l.path, err)
	}
	defer f.Close()
	if _, err := f.Write(framed); err != nil {
		return fmt.Errorf("appending mutation record: %w", err)
	}

	l.index(rec)
	l.gen += int64(len(framed))

	l.log.WithFields(logrus.Fields{
		"op":           rec.Op,
		"predecessors": len(rec.Predecessors),
		"successors":   len(rec.Successors),
	}).Debug("recorded mutation")
	return nil
}

// checkCycle rejects a record whose edges, composed with the existing
// ones, would let some predecessor reach itself through successors.
func (l *Log) checkCycle(rec Record) error {
	targets := make(map[types.NodeID]bool, len(rec.Predecessors))
	for _, p := range rec.Predecessors {
		targets[p] = true
	}
	for _, s := range rec.Successors {
		if targets[s] {
			return fmt.Errorf("%w: %s", ErrCycle, s.Short())
		}
	}

	// DFS from each new successor over the existing successor edges.
	seen := make(map[types.NodeID]bool)
	stack := append([]types.NodeID(nil), rec.Successors...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, i := range l.succ[id] {
			for _, next := range l.records[i].Successors {
				if targets[next] {
					return fmt.Errorf("%w: %s", ErrCycle, next.Short())
				}
				if !seen[next] {
					stack = append(stack, next)
				}
			}
		}
	}
	return nil
}

// SuccessorsOf returns the ids recorded as replacing id.
func (l *Log) SuccessorsOf(id types.NodeID) []types.NodeID {
	var out []types.NodeID
	seen := make(map[types.NodeID]bool)
	for _, i := range l.succ[id] {
		for _, s := range l.records[i].Successors {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// PredecessorsOf returns the ids id is recorded as replacing.
func (l *Log) PredecessorsOf(id types.NodeID) []types.NodeID {
	var out []types.NodeID
	seen := make(map[types.NodeID]bool)
	for _, i := range l.pred[id] {
		for _, p := range l.records[i].Predecessors {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// IsObsolete reports whether id has been rewritten (named predecessor by
// any record).
func (l *Log) IsObsolete(id types.NodeID) bool {
	return len(l.succ[id]) > 0
}

// PurgeNodes removes every record that references one of the given ids,
// rewriting the log through the transaction's atomic file replacement.
// Called by strip so that no record dangles into removed history.
func (l *Log) PurgeNodes(tx Tx, remove map[types.NodeID]bool) error {
	if tx == nil || !tx.Active() {
		return ErrNoTransaction
	}
	if len(remove) == 0 {
		return nil
	}

	var kept []Record
	dropped := 0
	for _, rec := range l.records {
		if recordTouches(rec, remove) {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	if dropped == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range kept {
		var body bytes.Buffer
		if err := gob.NewEncoder(&body).Encode(rec); err != nil {
			return fmt.Errorf("encoding mutation record: %w", err)
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()))
		buf.Write(lenBuf[:])
		buf.Write(body.Bytes())
	}

	if err := tx.ReplaceFile(l.path, buf.Bytes()); err != nil {
		return err
	}

	l.records = nil
	l.succ = make(map[types.NodeID][]int)
	l.pred = make(map[types.NodeID][]int)
	for _, rec := range kept {
		l.index(rec)
	}
	l.gen = int64(buf.Len())

	l.log.WithField("dropped", dropped).Info("purged mutation records for stripped revisions")
	return nil
}

func recordTouches(rec Record, ids map[types.NodeID]bool) bool {
	for _, p := range rec.Predecessors {
		if ids[p] {
			return true
		}
	}
	for _, s := range rec.Successors {
		if ids[s] {
			return true
		}
	}
	return false
}
