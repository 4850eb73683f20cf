package transaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewManager(dir, ManagerConfig{LockTimeout: 200 * time.Millisecond, Logger: log}), dir
}

func appendBytes(t *testing.T, path string, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(b)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestCommit_KeepsWrites(t *testing.T) {
	m, dir := testManager(t)
	target := filepath.Join(dir, "store.d")
	appendBytes(t, target, []byte("before"))

	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Add(target))
	appendBytes(t, target, []byte("+after"))
	require.NoError(t, tx.Commit())

	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "before+after", string(b))

	_, err = os.Stat(filepath.Join(dir, journalFileName))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, lockFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestAbort_TruncatesToCheckpoint(t *testing.T) {
	m, dir := testManager(t)
	target := filepath.Join(dir, "store.d")
	appendBytes(t, target, []byte("keep"))

	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Add(target))
	appendBytes(t, target, []byte("discard"))
	require.NoError(t, tx.Abort())

	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(b))
}

func TestAbort_RemovesFileCreatedInTransaction(t *testing.T) {
	m, dir := testManager(t)
	target := filepath.Join(dir, "new.d")

	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Add(target))
	appendBytes(t, target, []byte("fresh"))
	require.NoError(t, tx.Abort())

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestAbort_RestoresInPlaceRewrites(t *testing.T) {
	m, dir := testManager(t)
	target := filepath.Join(dir, "store.d")
	appendBytes(t, target, []byte("0123456789"))

	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Backup(target, 2, 4))

	f, err := os.OpenFile(target, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("XXXX"), 2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, tx.Abort())

	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))
}

func TestReplaceFile_VisibleOnlyAfterCommit(t *testing.T) {
	m, dir := testManager(t)
	target := filepath.Join(dir, "visibleheads")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.ReplaceFile(target, []byte("new")))

	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(b), "replacement must not be visible before commit")

	require.NoError(t, tx.Commit())

	b, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))
}

func TestReplaceFile_AbortDropsTemp(t *testing.T) {
	m, dir := testManager(t)
	target := filepath.Join(dir, "visibleheads")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.ReplaceFile(target, []byte("new")))
	require.NoError(t, tx.Abort())

	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
	_, err = os.Stat(target + ".pending")
	assert.True(t, os.IsNotExist(err))
}

func TestBegin_RecoversStaleJournal(t *testing.T) {
	m, dir := testManager(t)
	target := filepath.Join(dir, "store.d")
	appendBytes(t, target, []byte("committed"))

	// Simulate a crash: journal a checkpoint, extend the file, never
	// commit or abort.
	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Add(target))
	appendBytes(t, target, []byte("torn"))
	tx.journal.Close()
	require.NoError(t, releaseLock(m.lockPath()))

	m2 := NewManager(dir, ManagerConfig{LockTimeout: 200 * time.Millisecond, Logger: m.log})
	tx2, err := m2.Begin(context.Background())
	require.NoError(t, err)
	defer tx2.Abort()

	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "committed", string(b))
}

func TestRecover_NothingToDo(t *testing.T) {
	m, _ := testManager(t)
	rolledBack, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.False(t, rolledBack)
}

func TestBegin_LockHeld(t *testing.T) {
	m, dir := testManager(t)

	// A lock held by this (alive) process must block a second manager.
	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Abort()

	m2 := NewManager(dir, ManagerConfig{LockTimeout: 100 * time.Millisecond, Logger: m.log})
	_, err = m2.Begin(context.Background())
	var lockErr *LockHeldError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, int32(os.Getpid()), lockErr.Holder)
}

func TestBegin_BreaksStaleLock(t *testing.T) {
	m, dir := testManager(t)

	// A holder PID beyond pid_max cannot be alive; the lock is stale.
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte("99999999\n"), 0o644))

	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Abort())
}

func TestBegin_SecondOpenTransactionRejected(t *testing.T) {
	m, _ := testManager(t)
	tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Abort()

	_, err = m.Begin(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}
