package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	units "github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jandubois/kfmon/internal/config"
	"github.com/jandubois/kfmon/internal/inotify"
	"github.com/jandubois/kfmon/internal/proctab"
)

// Version is reported by the CLI.
const Version = "1.0.0"

// RearmInterval is how often pending re-arms are retried while the event
// loop is otherwise idle.
const RearmInterval = time.Second

// Watcher owns the inotify instance, the watch registry, the process table
// and the reaper for one daemon run.
type Watcher struct {
	cfg *config.Config

	ino      *inotify.Instance
	registry *Registry
	gate     *Gate
	table    *proctab.Table
	executor *Executor
	reaper   *Reaper

	overflowLog rate.Sometimes
	ready       chan struct{}
}

// New creates a Watcher for cfg. checker backs the library readiness check
// and may be nil when no watch uses it.
func New(cfg *config.Config, checker ReadinessChecker) (*Watcher, error) {
	ino, err := inotify.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize inotify: %w", err)
	}

	table := proctab.New(config.WatchMax)
	reaper := NewReaper(table)

	return &Watcher{
		cfg:         cfg,
		ino:         ino,
		registry:    NewRegistry(ino, cfg.Watches),
		gate:        NewGate(checker, cfg.Daemon.DBTimeout),
		table:       table,
		executor:    NewExecutor(table, reaper),
		reaper:      reaper,
		overflowLog: rate.Sometimes{Interval: time.Minute},
		ready:       make(chan struct{}),
	}, nil
}

// Ready is closed once Run has armed the watches.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run arms the watches and processes events until ctx is cancelled or the
// inotify descriptor fails.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.ino.Close()

	armed := w.registry.Setup()
	slog.Info("watches initialized", "armed", armed, "configured", len(w.cfg.Watches))
	close(w.ready)

	go w.reaper.Run()
	defer w.reaper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return w.ino.Wake()
	})
	g.Go(func() error {
		return w.loop(ctx)
	})

	err := g.Wait()
	w.logRunning()
	if ctx.Err() != nil {
		slog.Info("shutting down watcher")
		return nil
	}
	return err
}

// logRunning reports the actions that outlive the daemon. They run in their
// own sessions and are not signalled.
func (w *Watcher) logRunning() {
	for _, e := range w.table.Entries() {
		slog.Info("action still running at shutdown",
			"watch", e.WatchID,
			"pid", e.PID,
			"runtime", units.HumanDuration(time.Since(e.StartedAt)),
		)
	}
}
