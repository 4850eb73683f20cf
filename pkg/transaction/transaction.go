// Package transaction provides the single-writer transaction manager:
// an exclusive PID lock, a write-ahead journal, and rollback that restores
// every touched file to its pre-transaction state. Readers never take the
// lock; they rely on store files only ever being extended until the final
// atomic renames at commit.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateIdle State = iota
	StateOpen
	StateCommitting
	StateRollingBack
)

// ErrNotOpen is returned when a journaled write is attempted outside an
// open transaction.
var ErrNotOpen = errors.New("transaction: not open")

// ErrAlreadyOpen is returned by Begin while another transaction is open
// in this process. Cross-process exclusion is the lock file's job.
var ErrAlreadyOpen = errors.New("transaction: another transaction is open")

// ErrRollbackFailed signals that rollback could not run to completion.
// This is fatal for the repository: no further writes may happen.
var ErrRollbackFailed = errors.New("transaction: rollback failed")

const (
	lockFileName    = "lock"
	journalFileName = "journal"
)

type ManagerConfig struct {
	// LockTimeout bounds how long Begin waits for the exclusive lock.
	LockTimeout time.Duration
	Logger      *logrus.Logger
}

// Manager owns the repository lock and journal and hands out at most one
// open Transaction at a time.
type Manager struct {
	dir         string
	lockTimeout time.Duration
	log         *logrus.Logger

	mu       sync.Mutex
	current  *Transaction
	poisoned bool
}

func NewManager(dir string, config ManagerConfig) *Manager {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = 10 * time.Second
	}
	return &Manager{
		dir:         dir,
		lockTimeout: config.LockTimeout,
		log:         config.Logger,
	}
}

func (m *Manager) lockPath() string    { return filepath.Join(m.dir, lockFileName) }
func (m *Manager) journalPath() string { return filepath.Join(m.dir, journalFileName) }

// Recover rolls back a journal left behind by a crashed transaction. It
// returns false when there was nothing to do, which is the common case and
// not an error. The exclusive lock is taken for the duration so a live
// writer's journal is never mistaken for a stale one.
func (m *Manager) Recover(ctx context.Context) (bool, error) {
	if err := acquireLock(ctx, m.lockPath(), m.lockTimeout); err != nil {
		return false, err
	}
	defer releaseLock(m.lockPath())
	return m.recoverLocked()
}

func (m *Manager) recoverLocked() (bool, error) {
	if _, err := os.Stat(m.journalPath()); os.IsNotExist(err) {
		return false, nil
	}

	entries, err := readJournal(m.journalPath())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	if err := rollbackJournal(entries); err != nil {
		m.poison()
		return false, fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	if err := os.Remove(m.journalPath()); err != nil {
		m.poison()
		return false, fmt.Errorf("%w: removing journal: %v", ErrRollbackFailed, err)
	}

	m.log.WithField("journal", m.journalPath()).Warn("recovered interrupted transaction")
	return true, nil
}

func (m *Manager) poison() {
	m.mu.Lock()
	m.poisoned = true
	m.mu.Unlock()
}

// Begin opens a transaction, acquiring the exclusive lock first and
// recovering any stale journal from a previous crash.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	m.mu.Lock()
	if m.poisoned {
		m.mu.Unlock()
		return nil, ErrRollbackFailed
	}
	if m.current != nil && m.current.state == StateOpen {
		m.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	m.mu.Unlock()

	if err := acquireLock(ctx, m.lockPath(), m.lockTimeout); err != nil {
		return nil, err
	}

	if _, err := m.recoverLocked(); err != nil {
		releaseLock(m.lockPath())
		return nil, err
	}

	jf, err := os.OpenFile(m.journalPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		releaseLock(m.lockPath())
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	tx := &Transaction{
		m:        m,
		id:       uuid.NewString(),
		journal:  jf,
		state:    StateOpen,
		recorded: make(map[string]bool),
		staged:   make(map[string]string),
	}

	m.mu.Lock()
	m.current = tx
	m.mu.Unlock()

	m.log.WithField("txn", tx.id).Debug("transaction open")
	return tx, nil
}

// Transaction journals every mutation of the store files so a failure at
// any point can be rolled back to the checkpoint Begin recorded.
type Transaction struct {
	m       *Manager
	id      string
	journal *os.File
	state   State

	// recorded tracks which files already have a Truncate checkpoint.
	recorded map[string]bool
	// touched keeps file paths to fsync at commit, in first-touch order.
	touched []string
	// staged maps final path -> temp path for atomic replacements.
	staged map[string]string
	// stagedOrder preserves replacement order for deterministic commits.
	stagedOrder []string
}

func (tx *Transaction) ID() string { return tx.id }

func (tx *Transaction) Active() bool {
	return tx != nil && tx.state == StateOpen
}

// Add records the rollback checkpoint for a file the transaction is about
// to extend. It must be called before the first write to that file.
func (tx *Transaction) Add(path string) error {
	if !tx.Active() {
		return ErrNotOpen
	}
	if tx.recorded[path] {
		return nil
	}

	var size int64
	if st, err := os.Stat(path); err == nil {
		size = st.Size()
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	err := appendJournalEntry(tx.journal, journalEntry{
		Kind:   entryTruncate,
		TxnID:  tx.id,
		Path:   path,
		Offset: size,
	})
	if err != nil {
		return err
	}
	tx.recorded[path] = true
	tx.touched = append(tx.touched, path)
	return nil
}

// Backup preserves bytes that are about to be overwritten in place. Used
// by censor, the only operation that rewrites existing file regions.
func (tx *Transaction) Backup(path string, offset int64, length int) error {
	if !tx.Active() {
		return ErrNotOpen
	}
	if err := tx.Add(path); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for backup: %w", path, err)
	}
	defer f.Close()

	data := make([]byte, length)
	if _, err := f.ReadAt(data, offset); err != nil {
		return fmt.Errorf("reading %s backup region: %w", path, err)
	}

	return appendJournalEntry(tx.journal, journalEntry{
		Kind:   entryBackup,
		TxnID:  tx.id,
		Path:   path,
		Offset: offset,
		Data:   data,
	})
}

// ReplaceFile stages an atomic whole-file replacement. The temp file is
// written immediately; the rename happens at Commit so concurrent readers
// observe either the old or the new content, never a mix.
func (tx *Transaction) ReplaceFile(path string, content []byte) error {
	if !tx.Active() {
		return ErrNotOpen
	}

	tmp := path + ".pending"
	if err := appendJournalEntry(tx.journal, journalEntry{
		Kind:  entryTempFile,
		TxnID: tx.id,
		Path:  tmp,
	}); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if _, ok := tx.staged[path]; !ok {
		tx.stagedOrder = append(tx.stagedOrder, path)
	}
	tx.staged[path] = tmp
	return nil
}

// Commit makes every journaled write durable and irrevocable: fsync all
// touched files, perform the staged renames, drop the journal, release
// the lock.
func (tx *Transaction) Commit() error {
	if !tx.Active() {
		return ErrNotOpen
	}
	tx.state = StateCommitting

	for _, path := range tx.touched {
		if err := syncFile(path); err != nil {
			tx.state = StateOpen
			abortErr := tx.Abort()
			if abortErr != nil {
				return abortErr
			}
			return fmt.Errorf("commit sync: %w", err)
		}
	}

	for _, path := range tx.stagedOrder {
		tmp := tx.staged[path]
		if err := syncFile(tmp); err != nil {
			tx.state = StateOpen
			if abortErr := tx.Abort(); abortErr != nil {
				return abortErr
			}
			return fmt.Errorf("commit sync staged: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			// Renames are the point of no return; a failure here
			// leaves a mixed state only rollback can fix.
			tx.state = StateOpen
			if abortErr := tx.Abort(); abortErr != nil {
				return abortErr
			}
			return fmt.Errorf("commit rename %s: %w", path, err)
		}
	}

	return tx.finish("commit")
}

// Abort rolls every touched file back to its checkpoint. It must always
// run to completion; a rollback failure poisons the manager and halts
// further writes.
func (tx *Transaction) Abort() error {
	if tx.state != StateOpen {
		return ErrNotOpen
	}
	tx.state = StateRollingBack

	if err := tx.journal.Sync(); err != nil {
		tx.m.poison()
		return fmt.Errorf("%w: syncing journal before rollback: %v", ErrRollbackFailed, err)
	}
	entries, err := readJournal(tx.m.journalPath())
	if err != nil {
		tx.m.poison()
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	if err := rollbackJournal(entries); err != nil {
		tx.m.poison()
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	return tx.finish("abort")
}

func (tx *Transaction) finish(how string) error {
	tx.journal.Close()
	if err := os.Remove(tx.m.journalPath()); err != nil && !os.IsNotExist(err) {
		tx.m.poison()
		return fmt.Errorf("%w: removing journal: %v", ErrRollbackFailed, err)
	}

	tx.m.mu.Lock()
	tx.m.current = nil
	tx.m.mu.Unlock()
	tx.state = StateIdle

	err := releaseLock(tx.m.lockPath())
	tx.m.log.WithFields(logrus.Fields{"txn": tx.id, "outcome": how}).Debug("transaction closed")
	return err
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open for sync %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}
