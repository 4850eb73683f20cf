// Package revlog implements the append-only, delta-compressed revision
// store. One revlog holds the history of a single logical stream (the
// change history, the manifest, or one tracked file) as two files: a
// fixed-record index and a concatenated payload data file. Revisions are
// content-addressed, delta chains are bounded, and every reconstruction
// is verified against its id.
package revlog

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/stratavcs/strata/pkg/blobstore"
	"github.com/stratavcs/strata/pkg/delta"
	"github.com/stratavcs/strata/pkg/types"
)

// Tx is the slice of the transaction API the revlog needs: a rollback
// checkpoint per touched file and byte backups for in-place rewrites.
type Tx interface {
	Active() bool
	Add(path string) error
	Backup(path string, offset int64, length int) error
}

// Options tune delta selection and wire the optional external blob store.
type Options struct {
	// DeltaRatio is the largest delta/content size fraction still worth
	// storing as a delta; above it a full snapshot is written.
	DeltaRatio float64
	// MaxChainLen bounds the number of deltas between any revision and
	// its nearest snapshot, which bounds worst-case read cost.
	MaxChainLen int
	// BlobThreshold routes contents of at least this many bytes to the
	// blob store (external flag). Zero disables automatic routing.
	BlobThreshold int

	Blobs  *blobstore.Store
	Logger *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.DeltaRatio <= 0 {
		o.DeltaRatio = 0.5
	}
	if o.MaxChainLen <= 0 {
		o.MaxChainLen = 64
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
}

// Revlog is one revision store. A single writer mutates it under a
// transaction; any number of readers may use it concurrently because the
// files only ever grow between commits.
type Revlog struct {
	name      string
	indexPath string
	dataPath  string
	opts      Options
	log       *logrus.Logger

	records    []record
	byID       map[types.NodeID]int
	rewriteGen uint64

	// pendingScrub holds blob ids whose revisions were censored in the
	// open transaction; the blobs are deleted only after commit, since an
	// abort must restore the revision. Reload discards the list.
	pendingScrub []types.NodeID
}

// Open loads (or creates) the revlog stored at indexPath/dataPath. name
// is used in errors and logs only.
func Open(name, indexPath, dataPath string, opts Options) (*Revlog, error) {
	opts.setDefaults()

	r := &Revlog{
		name:      name,
		indexPath: indexPath,
		dataPath:  dataPath,
		opts:      opts,
		log:       opts.Logger,
	}

	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		if err := os.WriteFile(indexPath, encodeHeader(0), 0o644); err != nil {
			return nil, fmt.Errorf("creating revlog %s: %w", name, err)
		}
	}

	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the index from disk, discarding in-memory state. Used
// after another process committed (generation change) and after aborts.
func (r *Revlog) Reload() error {
	b, err := os.ReadFile(r.indexPath)
	if err != nil {
		return fmt.Errorf("reading revlog index %s: %w", r.indexPath, err)
	}
	rewriteGen, err := checkHeader(b)
	if err != nil {
		return fmt.Errorf("revlog %s: %w", r.name, err)
	}

	body := b[headerSize:]
	n := len(body) / recordSize
	records := make([]record, 0, n)
	byID := make(map[types.NodeID]int, n)
	for i := 0; i < n; i++ {
		rec, err := decodeRecord(body[i*recordSize : (i+1)*recordSize])
		if err != nil {
			return fmt.Errorf("revlog %s: %w", r.name, err)
		}
		records = append(records, rec)
		byID[rec.id] = i
	}

	r.records = records
	r.byID = byID
	r.rewriteGen = rewriteGen
	r.pendingScrub = nil
	return nil
}

func (r *Revlog) Name() string { return r.name }

// Len returns the number of revisions.
func (r *Revlog) Len() int { return len(r.records) }

// Generation is the counter readers use to spot commits by other
// processes: the index file size (appends, strips) plus the header's
// rewrite counter (in-place record rewrites, which leave the size alone).
func (r *Revlog) Generation() (int64, error) {
	f, err := os.Open(r.indexPath)
	if err != nil {
		return 0, fmt.Errorf("opening revlog index %s: %w", r.indexPath, err)
	}
	defer f.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, fmt.Errorf("reading revlog index header %s: %w", r.indexPath, err)
	}
	rewriteGen, err := checkHeader(hdr[:])
	if err != nil {
		return 0, fmt.Errorf("revlog %s: %w", r.name, err)
	}
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat revlog index %s: %w", r.indexPath, err)
	}
	return st.Size() + int64(rewriteGen), nil
}

// Stale reports whether another process changed the on-disk index since
// the last Reload. Callers reload and rebuild their caches when it is
// true.
func (r *Revlog) Stale() (bool, error) {
	gen, err := r.Generation()
	if err != nil {
		return false, err
	}
	return gen != int64(headerSize+len(r.records)*recordSize)+int64(r.rewriteGen), nil
}

func (r *Revlog) checkRev(rev int) error {
	if rev < 0 || rev >= len(r.records) {
		return fmt.Errorf("%w: %d (store %s has %d revisions)", ErrNoSuchRev, rev, r.name, len(r.records))
	}
	return nil
}

// Parents returns the parent revision numbers of rev; NullRev for absent
// parents. O(1) index lookup.
func (r *Revlog) Parents(rev int) (int, int, error) {
	if err := r.checkRev(rev); err != nil {
		return types.NullRev, types.NullRev, err
	}
	return int(r.records[rev].p1), int(r.records[rev].p2), nil
}

// Node returns the content id of rev.
func (r *Revlog) Node(rev int) (types.NodeID, error) {
	if err := r.checkRev(rev); err != nil {
		return types.NullID, err
	}
	return r.records[rev].id, nil
}

// Rev resolves a full node id to its revision number.
func (r *Revlog) Rev(id types.NodeID) (int, bool) {
	rev, ok := r.byID[id]
	return rev, ok
}

// LinkRev returns the change-history revision that introduced rev.
func (r *Revlog) LinkRev(rev int) (int, error) {
	if err := r.checkRev(rev); err != nil {
		return types.NullRev, err
	}
	return int(r.records[rev].linkRev), nil
}

// Flags returns the stored bit flags of rev.
func (r *Revlog) Flags(rev int) (types.Flags, error) {
	if err := r.checkRev(rev); err != nil {
		return 0, err
	}
	return r.records[rev].flags, nil
}

// FullLen returns the byte length of rev's reconstructed content (the
// tombstone length for censored revisions).
func (r *Revlog) FullLen(rev int) (int, error) {
	if err := r.checkRev(rev); err != nil {
		return 0, err
	}
	return int(r.records[rev].fullLen), nil
}

// Heads returns the revision numbers that are not a parent of any other
// revision, in ascending order.
func (r *Revlog) Heads() []int {
	isParent := make([]bool, len(r.records))
	for _, rec := range r.records {
		if rec.p1 != int32(types.NullRev) {
			isParent[rec.p1] = true
		}
		if rec.p2 != int32(types.NullRev) {
			isParent[rec.p2] = true
		}
	}
	var heads []int
	for rev := range r.records {
		if !isParent[rev] {
			heads = append(heads, rev)
		}
	}
	return heads
}

// Children returns the revision numbers whose parents include rev.
func (r *Revlog) Children(rev int) []int {
	var children []int
	for i, rec := range r.records {
		if int(rec.p1) == rev || int(rec.p2) == rev {
			children = append(children, i)
		}
	}
	return children
}

// chainLen counts the deltas between rev and its nearest snapshot (or
// censored tombstone, which also restarts a chain).
func (r *Revlog) chainLen(rev int) int {
	n := 0
	for {
		rec := r.records[rev]
		if int(rec.baseRev) == rev || rec.flags.Has(types.FlagCensored) {
			return n
		}
		n++
		rev = int(rec.baseRev)
	}
}

func (r *Revlog) nodeOf(rev int) types.NodeID {
	if rev == types.NullRev {
		return types.NullID
	}
	return r.records[rev].id
}

// Append adds a new revision inside tx and returns its revision number.
// Appending content that hashes to an existing id returns the existing
// revision. Parents must already exist.
func (r *Revlog) Append(tx Tx, p1Rev, p2Rev, linkRev int, content []byte, flags types.Flags) (int, error) {
	if tx == nil || !tx.Active() {
		return types.NullRev, ErrNoTransaction
	}
	for _, p := range []int{p1Rev, p2Rev} {
		if p != types.NullRev {
			if err := r.checkRev(p); err != nil {
				return types.NullRev, fmt.Errorf("%w: rev %d", ErrUnknownParent, p)
			}
		}
	}

	id := types.HashContent(r.nodeOf(p1Rev), r.nodeOf(p2Rev), content)
	if rev, ok := r.byID[id]; ok {
		return rev, nil
	}

	rev := len(r.records)
	rec := record{
		fullLen: uint32(len(content)),
		baseRev: int32(rev),
		linkRev: int32(linkRev),
		p1:      int32(p1Rev),
		p2:      int32(p2Rev),
		flags:   flags,
		id:      id,
	}

	var framed []byte
	external := flags.Has(types.FlagExternal) ||
		(r.opts.Blobs != nil && r.opts.BlobThreshold > 0 && len(content) >= r.opts.BlobThreshold)

	switch {
	case external:
		if r.opts.Blobs == nil {
			return types.NullRev, fmt.Errorf("revlog %s: external content without a blob store", r.name)
		}
		if err := r.opts.Blobs.Put(id, content); err != nil {
			return types.NullRev, err
		}
		rec.flags |= types.FlagExternal
		framed = append([]byte{markerExternal}, id.Bytes()...)
	default:
		payload, baseRev, err := r.encodeContent(rev, p1Rev, content)
		if err != nil {
			return types.NullRev, err
		}
		rec.baseRev = int32(baseRev)
		framed, err = framePayload(payload)
		if err != nil {
			return types.NullRev, err
		}
	}

	offset, err := r.appendData(tx, framed)
	if err != nil {
		return types.NullRev, err
	}
	rec.offset = uint64(offset)
	rec.storedLen = uint32(len(framed))

	if err := r.appendRecord(tx, rec); err != nil {
		return types.NullRev, err
	}

	r.records = append(r.records, rec)
	r.byID[rec.id] = rev

	r.log.WithFields(logrus.Fields{
		"store": r.name,
		"rev":   rev,
		"node":  rec.id.Short(),
		"delta": int(rec.baseRev) != rev,
	}).Debug("appended revision")
	return rev, nil
}

// encodeContent applies the base selection heuristic: delta against p1
// unless the chain bound, the size ratio, or the codec's offset width
// forces a full snapshot.
func (r *Revlog) encodeContent(rev, p1Rev int, content []byte) (payload []byte, baseRev int, err error) {
	if p1Rev == types.NullRev || len(content) == 0 {
		return content, rev, nil
	}
	if r.chainLen(p1Rev)+1 > r.opts.MaxChainLen {
		return content, rev, nil
	}

	baseText, err := r.chainText(p1Rev)
	if err != nil {
		return nil, 0, fmt.Errorf("reading delta base: %w", err)
	}

	d, err := delta.Diff(baseText, content)
	if err == delta.ErrTooLarge {
		return content, rev, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if float64(len(d)) > r.opts.DeltaRatio*float64(len(content)) {
		return content, rev, nil
	}
	return d, p1Rev, nil
}

// chainText is the text deltas apply against: the reconstructed content
// for ordinary revisions, the tombstone bytes for censored ones.
func (r *Revlog) chainText(rev int) ([]byte, error) {
	return r.reconstruct(rev)
}

// Read reconstructs the full content of rev, verifying it against the
// stored id. Censored revisions fail with CensoredError under PolicyAbort
// and return the tombstone bytes under PolicyIgnore.
func (r *Revlog) Read(rev int, policy types.CensorPolicy) ([]byte, error) {
	if err := r.checkRev(rev); err != nil {
		return nil, err
	}
	rec := r.records[rev]
	if rec.flags.Has(types.FlagCensored) && policy == types.PolicyAbort {
		return nil, &CensoredError{Store: r.name, Rev: rev, Node: rec.id}
	}
	return r.reconstruct(rev)
}

// reconstruct walks the delta chain from rev back to the nearest snapshot
// or tombstone and applies the deltas forward. The result of a
// non-censored revision is checked against the stored id; a censored
// revision yields its tombstone bytes, which intentionally do not hash to
// the id.
func (r *Revlog) reconstruct(rev int) ([]byte, error) {
	rec := r.records[rev]

	// Collect the chain, newest first.
	var chain []int
	cur := rev
	for {
		c := r.records[cur]
		if c.flags.Has(types.FlagCensored) || int(c.baseRev) == cur {
			chain = append(chain, cur)
			break
		}
		chain = append(chain, cur)
		cur = int(c.baseRev)
	}

	// Base of the chain.
	baseRev := chain[len(chain)-1]
	baseRec := r.records[baseRev]
	text, err := r.baseText(baseRev, baseRec)
	if err != nil {
		return nil, err
	}

	// Apply deltas forward.
	for i := len(chain) - 2; i >= 0; i-- {
		framed, err := r.readFrame(r.records[chain[i]])
		if err != nil {
			return nil, err
		}
		d, err := unframePayload(framed)
		if err != nil {
			return nil, &CorruptionError{Store: r.name, Rev: chain[i], Node: r.records[chain[i]].id, Reason: err.Error()}
		}
		text, err = delta.Apply(text, d)
		if err != nil {
			return nil, &CorruptionError{Store: r.name, Rev: chain[i], Node: r.records[chain[i]].id, Reason: err.Error()}
		}
	}

	if rec.flags.Has(types.FlagCensored) {
		// Tombstone bytes; the id intentionally does not match.
		return text, nil
	}
	want := types.HashContent(r.nodeOf(int(rec.p1)), r.nodeOf(int(rec.p2)), text)
	if want != rec.id {
		return nil, &CorruptionError{
			Store:  r.name,
			Rev:    rev,
			Node:   rec.id,
			Reason: "reconstructed content does not match stored id",
		}
	}
	return text, nil
}

// baseText reads the chain base: a snapshot payload, an external blob, or
// a censor tombstone.
func (r *Revlog) baseText(rev int, rec record) ([]byte, error) {
	framed, err := r.readFrame(rec)
	if err != nil {
		return nil, err
	}
	if len(framed) == 0 {
		if rec.flags.Has(types.FlagCensored) || rec.fullLen == 0 {
			return nil, nil
		}
		return nil, &CorruptionError{Store: r.name, Rev: rev, Node: rec.id, Reason: "empty payload"}
	}

	switch framed[0] {
	case markerTombstone:
		tomb, err := unframeTombstone(framed)
		if err != nil {
			return nil, &CorruptionError{Store: r.name, Rev: rev, Node: rec.id, Reason: err.Error()}
		}
		return tomb, nil
	case markerExternal:
		if r.opts.Blobs == nil {
			return nil, &CorruptionError{Store: r.name, Rev: rev, Node: rec.id, Reason: "external payload without a blob store"}
		}
		content, err := r.opts.Blobs.Get(rec.id)
		if err != nil {
			return nil, &CorruptionError{Store: r.name, Rev: rev, Node: rec.id, Reason: err.Error()}
		}
		return content, nil
	default:
		text, err := unframePayload(framed)
		if err != nil {
			return nil, &CorruptionError{Store: r.name, Rev: rev, Node: rec.id, Reason: err.Error()}
		}
		return text, nil
	}
}

// readFrame reads the stored payload region of one record.
func (r *Revlog) readFrame(rec record) ([]byte, error) {
	if rec.storedLen == 0 {
		return nil, nil
	}
	f, err := os.Open(r.dataPath)
	if err != nil {
		return nil, fmt.Errorf("opening revlog data %s: %w", r.dataPath, err)
	}
	defer f.Close()

	b := make([]byte, rec.storedLen)
	if _, err := f.ReadAt(b, int64(rec.offset)); err != nil {
		return nil, fmt.Errorf("reading revlog data %s at %d: %w", r.dataPath, rec.offset, err)
	}
	return b, nil
}

// appendData appends framed bytes to the data file and returns the offset
// they were written at.
func (r *Revlog) appendData(tx Tx, framed []byte) (int64, error) {
	if err := tx.Add(r.dataPath); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(r.dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening revlog data %s: %w", r.dataPath, err)
	}
	defer f.Close()

	offset, err := f.Seek(0, 2)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(framed); err != nil {
		return 0, fmt.Errorf("appending revlog data: %w", err)
	}
	return offset, nil
}

func (r *Revlog) appendRecord(tx Tx, rec record) error {
	if err := tx.Add(r.indexPath); err != nil {
		return err
	}
	f, err := os.OpenFile(r.indexPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening revlog index %s: %w", r.indexPath, err)
	}
	defer f.Close()
	if _, err := f.Write(rec.encode()); err != nil {
		return fmt.Errorf("appending revlog index record: %w", err)
	}
	return nil
}

// bumpRewriteGen advances the header counter so handles in other
// processes notice changes that leave the index file size alone. The old
// header goes into the journal first.
func (r *Revlog) bumpRewriteGen(tx Tx) error {
	if err := tx.Backup(r.indexPath, 0, headerSize); err != nil {
		return err
	}
	f, err := openWrite(r.indexPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(encodeHeader(r.rewriteGen+1), 0); err != nil {
		return fmt.Errorf("rewriting revlog index header: %w", err)
	}
	r.rewriteGen++
	return nil
}

// rewriteRecord overwrites the index record of rev in place, preserving
// the old bytes in the journal first.
func (r *Revlog) rewriteRecord(tx Tx, rev int, rec record) error {
	if err := tx.Backup(r.indexPath, recordOffset(rev), recordSize); err != nil {
		return err
	}
	f, err := os.OpenFile(r.indexPath, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening revlog index %s: %w", r.indexPath, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(rec.encode(), recordOffset(rev)); err != nil {
		return fmt.Errorf("rewriting revlog index record %d: %w", rev, err)
	}
	r.records[rev] = rec
	return nil
}
