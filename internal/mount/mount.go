// Package mount blocks startup until the target filesystem is mounted.
package mount

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/moby/sys/mountinfo"
)

// DefaultInterval is the delay between two mount table scans.
const DefaultInterval = time.Second

// Checker reports whether path is currently a mount point.
type Checker func(path string) (bool, error)

// IsMounted scans the mount table for an entry whose mount point is path.
// A stat-based check would accept a directory that exists on the root
// filesystem before the real filesystem is mounted over it.
func IsMounted(path string) (bool, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(filepath.Clean(path)))
	if err != nil {
		return false, fmt.Errorf("read mount table: %w", err)
	}
	return len(mounts) > 0, nil
}

// Waiter polls the mount table until a path is mounted.
type Waiter struct {
	Interval time.Duration
	Check    Checker
}

// NewWaiter creates a Waiter that scans the live mount table.
func NewWaiter() *Waiter {
	return &Waiter{
		Interval: DefaultInterval,
		Check:    IsMounted,
	}
}

// Wait returns once path is mounted. There is no upper bound on the wait;
// only cancellation of ctx ends it early.
func (w *Waiter) Wait(ctx context.Context, path string) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		mounted, err := w.Check(path)
		if err != nil {
			slog.Error("mount check failed", "path", path, "attempt", attempt, "error", err)
		} else if mounted {
			slog.Info("target mount point is ready", "path", path, "attempts", attempt)
			return nil
		} else {
			slog.Info("waiting for target mount point", "path", path, "attempt", attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
