package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
)

// Lock acquisition parameters. The lock is advisory and best-effort: if it
// cannot be acquired within lockWait the caller proceeds with a local-only
// write rather than failing the run.
const (
	lockWait = 2 * time.Second
	lockPoll = 25 * time.Millisecond
)

// WithFileLock runs fn while holding the advisory lock at path. If the lock
// cannot be acquired within the bounded wait, fn runs anyway (best-effort
// fallback, logged once). Also used by the adaptive rate controller for
// adaptive-limits.json.
func WithFileLock(path string, fn func() error) error {
	lock := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, lockPoll)
	if err != nil || !locked {
		slog.Warn("File lock not acquired, proceeding with best-effort write",
			"lock_path", path, "error", err)
		return fn()
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			slog.Warn("Failed to release file lock", "lock_path", path, "error", unlockErr)
		}
	}()

	return fn()
}
