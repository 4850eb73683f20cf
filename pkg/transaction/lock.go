package transaction

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"
)

// LockHeldError is returned when the exclusive repository lock could not
// be acquired before the timeout.
type LockHeldError struct {
	Path   string
	Holder int32
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock %s held by process %d", e.Path, e.Holder)
}

const lockRetryInterval = 50 * time.Millisecond

// acquireLock takes the lock file at path, breaking it if the recorded
// holder PID is no longer alive. It blocks until the lock is acquired,
// ctx is done, or timeout elapses.
func acquireLock(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return fmt.Errorf("writing lock file %s: %w", path, werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file %s: %w", path, err)
		}

		holder := lockHolder(path)
		if holder > 0 {
			alive, perr := process.PidExists(holder)
			if perr == nil && !alive {
				// Stale lock from a dead process.
				os.Remove(path)
				continue
			}
		} else if holder == 0 {
			// Unreadable or empty lock file, likely a crashed
			// writer that never got the PID out. Treat as stale.
			os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return &LockHeldError{Path: path, Holder: holder}
		}

		select {
		case <-ctx.Done():
			return &LockHeldError{Path: path, Holder: holder}
		case <-time.After(lockRetryInterval):
		}
	}
}

// lockHolder reads the PID recorded in the lock file. Returns 0 when the
// file is empty or malformed, -1 when it vanished.
func lockHolder(path string) int32 {
	b, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return int32(pid)
}

func releaseLock(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lock %s: %w", path, err)
	}
	return nil
}
