// Package lock provides host-local advisory file locks.
//
// The merge queue's real mutual exclusion lives in the tracking store. These
// locks only serialize read-then-create sequences between processes that
// share a filesystem, narrowing the window in which two of them can race.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// RetryDelay is how often a blocked Acquire re-attempts the lock.
const RetryDelay = 50 * time.Millisecond

// Acquire takes an exclusive lock on path, creating parent directories.
// It blocks until the lock is held or ctx is done. The returned func
// releases the lock.
func Acquire(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquiring flock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("acquiring flock %s: not locked", path)
	}
	return func() { _ = fl.Unlock() }, nil
}

// With runs fn while holding the lock on path.
func With(ctx context.Context, path string, fn func() error) error {
	unlock, err := Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
