package watcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/jandubois/kfmon/internal/config"
	"github.com/jandubois/kfmon/internal/db"
	"github.com/jandubois/kfmon/internal/inotify"
	"github.com/jandubois/kfmon/internal/logging"
)

// DebounceWindow is how long an identical trigger for the same watch is
// treated as part of the same filesystem operation.
const DebounceWindow = 2 * time.Second

// ReadinessChecker reports whether the reader application has finished
// processing the book matching the three match strings.
type ReadinessChecker interface {
	Processed(ctx context.Context, title, author, comment string) (bool, error)
}

// eventIdentity is the value hashed for debouncing. Every qualifying event
// kind counts as the same trigger, so the create, attribute and
// write-completion events of one operation on the target collapse into one.
type eventIdentity struct {
	WatchID int
	Path    string
}

type debounceRecord struct {
	hash uint64
	at   time.Time
}

// Gate decides whether a qualifying event may spawn its watch's action.
// It is only used from the event loop goroutine.
type Gate struct {
	window  time.Duration
	timeout time.Duration
	checker ReadinessChecker
	last    map[int]debounceRecord
	now     func() time.Time
}

// NewGate creates a gate. checker may be nil when no watch consults the
// library database.
func NewGate(checker ReadinessChecker, timeout time.Duration) *Gate {
	return &Gate{
		window:  DebounceWindow,
		timeout: timeout,
		checker: checker,
		last:    make(map[int]debounceRecord),
		now:     time.Now,
	}
}

// ShouldSpawn reports whether ev is a fresh trigger for watch and, when the
// watch asks for it, whether the library database no longer considers the
// target mid-import. Database failures allow the spawn.
func (g *Gate) ShouldSpawn(ctx context.Context, watch *config.WatchConfig, ev inotify.Event) bool {
	if !g.debounce(watch) {
		slog.Debug("duplicate trigger within debounce window, dropped",
			"watch", watch.ID,
			"event", inotify.MaskString(ev.Mask),
		)
		return false
	}

	if !watch.NeedsDBCheck() {
		return true
	}
	return g.checkLibrary(ctx, watch)
}

func (g *Gate) debounce(watch *config.WatchConfig) bool {
	hash, err := hashstructure.Hash(eventIdentity{WatchID: watch.ID, Path: watch.Filename}, hashstructure.FormatV2, nil)
	if err != nil {
		slog.Error("failed to hash event, not debouncing", "watch", watch.ID, "error", err)
		return true
	}

	now := g.now()
	if prev, ok := g.last[watch.ID]; ok && prev.hash == hash && now.Sub(prev.at) < g.window {
		return false
	}
	g.last[watch.ID] = debounceRecord{hash: hash, at: now}
	return true
}

type checkResult struct {
	processed bool
	err       error
}

// checkLibrary runs the readiness check with a hard deadline. A checker
// that ignores cancellation is abandoned once the deadline passes.
func (g *Gate) checkLibrary(ctx context.Context, watch *config.WatchConfig) bool {
	if g.checker == nil {
		logging.Crit("no library database configured, allowing spawn", "watch", watch.ID)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan checkResult, 1)
	go func() {
		processed, err := g.checker.Processed(ctx, watch.DBTitle, watch.DBAuthor, watch.DBComment)
		done <- checkResult{processed: processed, err: err}
	}()

	var res checkResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	switch {
	case errors.Is(res.err, db.ErrNotFound):
		logging.Crit("target not found in library database, allowing spawn",
			"watch", watch.ID,
			"title", watch.DBTitle,
		)
		return true
	case res.err != nil:
		logging.Crit("library database check failed, allowing spawn",
			"watch", watch.ID,
			"timeout", g.timeout,
			"error", res.err,
		)
		return true
	case !res.processed:
		slog.Info("target not processed by the reader yet, trigger dropped",
			"watch", watch.ID,
			"file", watch.Filename,
		)
		return false
	}
	return true
}
