// Package strata is an append-only, content-addressed revision storage
// engine: delta-compressed per-stream revision stores, a mutation log
// recording history rewrites, a derived visible-heads set, censorship
// tombstones, and a journaling transaction manager with crash recovery.
//
// One Repository handle owns the change-history store ("changelog"), the
// tree-manifest store ("manifest"), lazily opened per-file stores, the
// external blob store, and the exclusive write lock.
package strata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratavcs/strata/internal/config"
	"github.com/stratavcs/strata/pkg/blobstore"
	"github.com/stratavcs/strata/pkg/idindex"
	"github.com/stratavcs/strata/pkg/interfaces"
	"github.com/stratavcs/strata/pkg/mutation"
	"github.com/stratavcs/strata/pkg/revlog"
	"github.com/stratavcs/strata/pkg/transaction"
	"github.com/stratavcs/strata/pkg/types"
	"github.com/stratavcs/strata/pkg/visibility"
	"github.com/stratavcs/strata/pkg/workerpool"
)

// Store names with fixed on-disk locations. Any other name is a per-file
// store under data/.
const (
	ChangelogStore = "changelog"
	ManifestStore  = "manifest"
)

const (
	changelogBase = "00changelog"
	manifestBase  = "00manifest"
	obsstoreFile  = "obsstore"
	headsFile     = "visibleheads"
	manualFile    = "manualvis"
	blobsDir      = "blobs"
	dataDir       = "data"
)

// Repository is the main storage handle. It is safe for concurrent
// readers; all writes go through one open Txn at a time.
type Repository struct {
	path   string
	log    *logrus.Logger
	hooks  interfaces.Hooks
	tuning config.Tuning

	txm   *transaction.Manager
	blobs *blobstore.Store
	pool  *workerpool.Pool

	mutations *mutation.Log
	visible   *visibility.Set

	mu      sync.Mutex
	stores  map[string]*revlog.Revlog
	indices map[string]*idindex.Index
	inTxn   *Txn
	closed  bool
}

// Open opens (or creates) the repository at config.Path. A journal left
// behind by a crashed transaction is rolled back before anything is read,
// unless a live writer currently holds the lock.
func Open(conf Config) (*Repository, error) {
	if conf.Path == "" {
		return nil, fmt.Errorf("strata: a repository path must be provided")
	}
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	if conf.Hooks == nil {
		conf.Hooks = interfaces.NopHooks{}
	}
	if err := os.MkdirAll(filepath.Join(conf.Path, dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("strata: creating repository directories: %w", err)
	}

	tuning, err := config.Load(filepath.Join(conf.Path, config.FileName))
	if err != nil {
		return nil, err
	}
	if conf.DeltaRatio > 0 {
		tuning.DeltaRatio = conf.DeltaRatio
	}
	if conf.MaxChainLen > 0 {
		tuning.MaxChainLen = conf.MaxChainLen
	}
	if conf.BlobThreshold > 0 {
		tuning.BlobThreshold = conf.BlobThreshold
	}
	lockTimeout := time.Duration(tuning.LockTimeoutSeconds) * time.Second
	if conf.LockTimeout > 0 {
		lockTimeout = conf.LockTimeout
	}

	r := &Repository{
		path:    conf.Path,
		log:     conf.Logger,
		hooks:   conf.Hooks,
		tuning:  tuning,
		stores:  make(map[string]*revlog.Revlog),
		indices: make(map[string]*idindex.Index),
	}

	r.txm = transaction.NewManager(conf.Path, transaction.ManagerConfig{
		LockTimeout: lockTimeout,
		Logger:      conf.Logger,
	})

	// Crash recovery. A held lock means a live writer owns the journal;
	// its own Begin path recovers if that writer later dies.
	if _, err := r.txm.Recover(context.Background()); err != nil {
		var lockErr *transaction.LockHeldError
		if !errors.As(err, &lockErr) {
			return nil, err
		}
		r.log.WithField("holder", lockErr.Holder).Warn("skipping crash recovery: lock held by a live writer")
	}

	r.blobs, err = blobstore.Open(blobstore.Config{
		Path:   filepath.Join(conf.Path, blobsDir),
		Logger: conf.Logger,
	})
	if err != nil {
		return nil, err
	}

	if _, err := r.store(ChangelogStore, true); err != nil {
		r.blobs.Close()
		return nil, err
	}
	if _, err := r.store(ManifestStore, true); err != nil {
		r.blobs.Close()
		return nil, err
	}

	r.mutations, err = mutation.Open(mutation.Config{
		Path:   filepath.Join(conf.Path, obsstoreFile),
		Logger: conf.Logger,
	})
	if err != nil {
		r.blobs.Close()
		return nil, err
	}

	r.visible, err = visibility.Open(visibility.Config{
		Path:       filepath.Join(conf.Path, headsFile),
		ManualPath: filepath.Join(conf.Path, manualFile),
		Logger:     conf.Logger,
	})
	if err != nil {
		r.blobs.Close()
		return nil, err
	}

	r.pool = workerpool.New(workerpool.Config{})

	r.log.WithField("path", conf.Path).Debug("repository open")
	return r, nil
}

// Close releases the blob store. Open transactions must be finished
// first.
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.blobs.Close()
}

func (r *Repository) revlogOptions() revlog.Options {
	return revlog.Options{
		DeltaRatio:    r.tuning.DeltaRatio,
		MaxChainLen:   r.tuning.MaxChainLen,
		BlobThreshold: r.tuning.BlobThreshold,
		Blobs:         r.blobs,
		Logger:        r.log,
	}
}

func (r *Repository) storePaths(name string) (indexPath, dataPath string) {
	var base string
	switch name {
	case ChangelogStore:
		base = filepath.Join(r.path, changelogBase)
	case ManifestStore:
		base = filepath.Join(r.path, manifestBase)
	default:
		base = filepath.Join(r.path, dataDir, name)
	}
	return base + ".i", base + ".d"
}

// store returns the named revision store, opening it on first use.
func (r *Repository) store(name string, create bool) (*revlog.Revlog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if rl, ok := r.stores[name]; ok {
		return rl, nil
	}

	indexPath, dataPath := r.storePaths(name)
	if !create {
		if _, err := os.Stat(indexPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchStore, name)
		}
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return nil, fmt.Errorf("strata: creating store directory for %s: %w", name, err)
	}

	rl, err := revlog.Open(name, indexPath, dataPath, r.revlogOptions())
	if err != nil {
		return nil, err
	}
	r.stores[name] = rl
	r.indices[name] = idindex.New(rl)
	return rl, nil
}

func (r *Repository) index(name string) *idindex.Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indices[name]
}

// storeNames lists every store present on disk.
func (r *Repository) storeNames() ([]string, error) {
	names := []string{ChangelogStore, ManifestStore}

	root := filepath.Join(r.path, dataDir)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return names, nil
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".i") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		names = append(names, strings.TrimSuffix(filepath.ToSlash(rel), ".i"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("strata: listing stores: %w", err)
	}
	return names, nil
}

// refresh picks up commits made by other processes: any store whose
// on-disk generation moved is reloaded. No-op while this process has a
// transaction open (its own view is authoritative).
func (r *Repository) refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inTxn != nil {
		return nil
	}
	for _, rl := range r.stores {
		stale, err := rl.Stale()
		if err != nil {
			return err
		}
		if stale {
			if err := rl.Reload(); err != nil {
				return err
			}
		}
	}
	if r.mutations != nil {
		if err := r.mutations.Refresh(); err != nil {
			return err
		}
	}
	if r.visible != nil {
		if err := r.visible.Reload(); err != nil {
			return err
		}
	}
	return nil
}

// reloadAll discards all in-memory state after a rollback.
func (r *Repository) reloadAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rl := range r.stores {
		if err := rl.Reload(); err != nil {
			return err
		}
	}
	if err := r.mutations.Reload(); err != nil {
		return err
	}
	return r.visible.Reload()
}

// Txn is one open repository transaction. All mutating operations take
// it; Commit makes them durable as a unit, Abort (or crash recovery)
// undoes them all.
type Txn struct {
	repo *Repository
	tx   *transaction.Transaction
	ctx  context.Context
}

// ID returns the transaction identifier used in journals and logs.
func (t *Txn) ID() string { return t.tx.ID() }

// Begin opens a transaction: exclusive lock, stale-journal recovery, then
// the pre-transaction hook.
func (r *Repository) Begin(ctx context.Context) (*Txn, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	if err := r.refresh(); err != nil {
		return nil, err
	}

	tx, err := r.txm.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.hooks.PreTransaction(ctx); err != nil {
		tx.Abort()
		return nil, fmt.Errorf("strata: pre-transaction hook: %w", err)
	}

	t := &Txn{repo: r, tx: tx, ctx: ctx}
	r.mu.Lock()
	r.inTxn = t
	r.mu.Unlock()
	return t, nil
}

func (r *Repository) clearTxn(t *Txn) {
	r.mu.Lock()
	if r.inTxn == t {
		r.inTxn = nil
	}
	r.mu.Unlock()
}

// Commit recomputes and stages the visible-heads set, then makes every
// write of the transaction durable in one atomic unit.
func (t *Txn) Commit() error {
	r := t.repo
	defer r.clearTxn(t)

	if err := r.recomputeVisibility(); err != nil {
		t.tx.Abort()
		r.reloadAll()
		return err
	}
	if err := r.visible.Save(t.tx); err != nil {
		t.tx.Abort()
		r.reloadAll()
		return err
	}
	if err := t.tx.Commit(); err != nil {
		r.reloadAll()
		return err
	}
	r.scrubCensoredBlobs()
	if err := r.hooks.PostTransaction(t.ctx); err != nil {
		return fmt.Errorf("strata: post-transaction hook: %w", err)
	}
	return nil
}

// scrubCensoredBlobs deletes external payloads whose revisions were
// censored by the transaction that just committed. The commit is already
// durable, so a failed delete is logged and retried by the next censor's
// commit rather than failing the caller.
func (r *Repository) scrubCensoredBlobs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, rl := range r.stores {
		if err := rl.ScrubCensoredBlobs(); err != nil {
			r.log.WithField("store", name).Warnf("censored blob scrub: %v", err)
		}
	}
}

// Abort rolls every write back and discards the in-memory state built on
// top of them.
func (t *Txn) Abort() error {
	r := t.repo
	defer r.clearTxn(t)

	err := t.tx.Abort()
	if rerr := r.reloadAll(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// changelogHistory adapts the changelog store to the DAG surface the
// visibility computation walks.
type changelogHistory struct {
	rl *revlog.Revlog
}

func (h *changelogHistory) HeadIDs() ([]types.NodeID, error) {
	var ids []types.NodeID
	for _, rev := range h.rl.Heads() {
		id, err := h.rl.Node(rev)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *changelogHistory) ParentIDs(id types.NodeID) ([]types.NodeID, error) {
	rev, ok := h.rl.Rev(id)
	if !ok {
		return nil, nil
	}
	p1, p2, err := h.rl.Parents(rev)
	if err != nil {
		return nil, err
	}
	var out []types.NodeID
	for _, p := range []int{p1, p2} {
		if p == types.NullRev {
			continue
		}
		pid, err := h.rl.Node(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pid)
	}
	return out, nil
}

func (h *changelogHistory) HasID(id types.NodeID) bool {
	_, ok := h.rl.Rev(id)
	return ok
}

func (r *Repository) recomputeVisibility() error {
	cl, err := r.store(ChangelogStore, true)
	if err != nil {
		return err
	}
	return r.visible.Recompute(&changelogHistory{rl: cl}, r.mutations)
}

// Append adds one revision to the named store, creating the store on
// first use. Parents are given by id (NullID for none). For the
// changelog, linkRev is ignored and set to the new revision itself.
func (r *Repository) Append(t *Txn, store string, p1, p2 types.NodeID, linkRev int, content []byte, flags types.Flags) (int, types.NodeID, error) {
	rl, err := r.store(store, true)
	if err != nil {
		return types.NullRev, types.NullID, err
	}

	p1Rev, err := r.parentRev(rl, p1)
	if err != nil {
		return types.NullRev, types.NullID, err
	}
	p2Rev, err := r.parentRev(rl, p2)
	if err != nil {
		return types.NullRev, types.NullID, err
	}

	if store == ChangelogStore {
		linkRev = rl.Len()
	}

	rev, err := rl.Append(t.tx, p1Rev, p2Rev, linkRev, content, flags)
	if err != nil {
		return types.NullRev, types.NullID, err
	}
	id, err := rl.Node(rev)
	if err != nil {
		return types.NullRev, types.NullID, err
	}
	r.index(store).Extend(rev, id)
	return rev, id, nil
}

func (r *Repository) parentRev(rl *revlog.Revlog, id types.NodeID) (int, error) {
	if id.IsNull() {
		return types.NullRev, nil
	}
	rev, ok := rl.Rev(id)
	if !ok {
		return types.NullRev, fmt.Errorf("%w: %s", revlog.ErrUnknownParent, id.Short())
	}
	return rev, nil
}

// Read reconstructs the content of one revision, addressed by revision
// number or by an unambiguous id prefix.
func (r *Repository) Read(store, revOrPrefix string, policy types.CensorPolicy) ([]byte, error) {
	if err := r.refresh(); err != nil {
		return nil, err
	}
	rl, err := r.store(store, false)
	if err != nil {
		return nil, err
	}
	rev, err := r.resolveRev(store, revOrPrefix)
	if err != nil {
		return nil, err
	}
	return rl.Read(rev, policy)
}

func (r *Repository) resolveRev(store, revOrPrefix string) (int, error) {
	if rev, err := strconv.Atoi(revOrPrefix); err == nil {
		return rev, nil
	}
	return r.index(store).Lookup(revOrPrefix)
}

// Lookup resolves a full id or unambiguous hex prefix in the named store.
func (r *Repository) Lookup(store, prefix string) (int, types.NodeID, error) {
	if err := r.refresh(); err != nil {
		return types.NullRev, types.NullID, err
	}
	if _, err := r.store(store, false); err != nil {
		return types.NullRev, types.NullID, err
	}
	return r.index(store).LookupNode(prefix)
}

// Parents returns the parent revision numbers of rev in the named store.
func (r *Repository) Parents(store string, rev int) (int, int, error) {
	if err := r.refresh(); err != nil {
		return types.NullRev, types.NullRev, err
	}
	rl, err := r.store(store, false)
	if err != nil {
		return types.NullRev, types.NullRev, err
	}
	return rl.Parents(rev)
}

// Strip removes rev and everything after it from the named store.
// Stripping the changelog also strips every store whose linkrevs point
// into the removed range and purges mutation and visibility entries for
// the removed ids, all in the same transaction.
func (r *Repository) Strip(t *Txn, store string, rev int) error {
	rl, err := r.store(store, false)
	if err != nil {
		return err
	}
	if store != ChangelogStore {
		return rl.Strip(t.tx, rev)
	}

	removed := make(map[types.NodeID]bool)
	for i := rev; i < rl.Len(); i++ {
		id, err := rl.Node(i)
		if err != nil {
			return err
		}
		removed[id] = true
	}

	names, err := r.storeNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == ChangelogStore {
			continue
		}
		sub, err := r.store(name, false)
		if err != nil {
			return err
		}
		cut := types.NullRev
		for i := 0; i < sub.Len(); i++ {
			lr, err := sub.LinkRev(i)
			if err != nil {
				return err
			}
			if lr >= rev {
				cut = i
				break
			}
		}
		if cut != types.NullRev {
			if err := sub.Strip(t.tx, cut); err != nil {
				return err
			}
		}
	}

	if err := rl.Strip(t.tx, rev); err != nil {
		return err
	}
	if err := r.mutations.PurgeNodes(t.tx, removed); err != nil {
		return err
	}
	r.visible.DropNodes(removed)
	return nil
}

// Censor destroys the stored content of one revision, replacing it with
// tombstone. Censoring a visible changelog head with no non-obsolete
// descendant is rejected; registered pre-censor hooks may veto.
func (r *Repository) Censor(ctx context.Context, t *Txn, store string, rev int, tombstone []byte) error {
	rl, err := r.store(store, false)
	if err != nil {
		return err
	}
	id, err := rl.Node(rev)
	if err != nil {
		return err
	}

	if store == ChangelogStore && r.visible.Contains(id) && !r.hasNonObsoleteChild(rl, rev) {
		return &HeadCensorError{Store: store, Rev: rev, Node: id}
	}
	if err := r.hooks.PreCensor(ctx, store, id); err != nil {
		return &WorkingDirectoryCensorError{Store: store, Node: id, Cause: err}
	}
	return rl.Censor(t.tx, rev, tombstone)
}

func (r *Repository) hasNonObsoleteChild(rl *revlog.Revlog, rev int) bool {
	for _, child := range rl.Children(rev) {
		id, err := rl.Node(child)
		if err != nil {
			continue
		}
		if !r.mutations.IsObsolete(id) {
			return true
		}
	}
	return false
}

// RecordMutation appends one rewrite record to the mutation log.
func (r *Repository) RecordMutation(t *Txn, rec mutation.Record) error {
	return r.mutations.Add(t.tx, rec)
}

// VisibleHeads returns the current visible head ids, sorted.
func (r *Repository) VisibleHeads() ([]types.NodeID, error) {
	if err := r.refresh(); err != nil {
		return nil, err
	}
	return r.visible.Heads(), nil
}

// Hide marks changelog revisions as manually hidden. Takes effect at
// commit, when the visible set is recomputed.
func (r *Repository) Hide(t *Txn, ids ...types.NodeID) error {
	if t == nil || !t.tx.Active() {
		return visibility.ErrNoTransaction
	}
	r.visible.Hide(ids...)
	return nil
}

// Unhide pins changelog revisions visible, overriding obsolescence.
func (r *Repository) Unhide(t *Txn, ids ...types.NodeID) error {
	if t == nil || !t.tx.Active() {
		return visibility.ErrNoTransaction
	}
	r.visible.Unhide(ids...)
	return nil
}

type verifyResult struct {
	store   string
	corrupt int
	err     error
}

// Verify checks every revision of every store, in parallel across
// stores, and returns per-store corruption counts. Corruption is
// counted, not fatal; only environment failures abort.
func (r *Repository) Verify() (map[string]int, error) {
	if err := r.refresh(); err != nil {
		return nil, err
	}
	names, err := r.storeNames()
	if err != nil {
		return nil, err
	}

	opened := make(map[string]*revlog.Revlog, len(names))
	for _, name := range names {
		rl, err := r.store(name, false)
		if err != nil {
			return nil, err
		}
		opened[name] = rl
	}

	room := r.pool.NewRoom(len(names))
	for _, name := range names {
		name := name
		rl := opened[name]
		room.Submit(func() interface{} {
			corrupt, err := rl.Verify()
			return verifyResult{store: name, corrupt: corrupt, err: err}
		})
	}

	out := make(map[string]int, len(names))
	var firstErr error
	for _, res := range room.Collect() {
		vr := res.(verifyResult)
		out[vr.store] = vr.corrupt
		if vr.err != nil && firstErr == nil {
			firstErr = vr.err
		}
	}
	return out, firstErr
}
