package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"korgalore/internal/korgaerr"
)

// FeedLock is an advisory, cross-process exclusive lock held for the
// duration of one pull cycle against a single feed, preventing two
// korgalore invocations from racing on the same epoch directories and
// state files. One FeedLock file lives at <feedDir>/.korgalore.lock.
type FeedLock struct {
	fl *flock.Flock
}

// NewFeedLock builds (without acquiring) a lock rooted at feedDir.
func NewFeedLock(feedDir string) *FeedLock {
	return &FeedLock{fl: flock.New(filepath.Join(feedDir, ".korgalore.lock"))}
}

// Lock blocks until the lock is acquired or ctx is done, polling like the
// source's blocking flock(2) call but cooperative with cancellation. The
// feed directory is created first if it does not exist yet.
func (l *FeedLock) Lock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0o755); err != nil {
		return korgaerr.NewState("create feed directory for lock", err)
	}
	locked, err := l.fl.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return korgaerr.NewState("acquire feed lock", err)
	}
	if !locked {
		return korgaerr.NewState(fmt.Sprintf("could not lock %s", l.fl.Path()), nil)
	}
	return nil
}

// Unlock releases the lock. Safe to call even if Lock never succeeded.
func (l *FeedLock) Unlock() error {
	if !l.fl.Locked() {
		return nil
	}
	return l.fl.Unlock()
}
