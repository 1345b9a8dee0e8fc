package watcher

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/jandubois/kfmon/internal/inotify"
)

// loop blocks on the inotify descriptor and dispatches events until it is
// woken for shutdown. Pending re-arms are retried on every wake, and on a
// short timeout while any are outstanding.
func (w *Watcher) loop(ctx context.Context) error {
	for {
		timeout := RearmInterval
		if !w.registry.Pending() {
			timeout = -1
		}

		state, err := w.ino.Wait(timeout)
		if err != nil {
			return fmt.Errorf("wait for inotify events: %w", err)
		}
		if state == inotify.Woken {
			return nil
		}

		if w.registry.Pending() {
			w.registry.RearmPending()
		}
		if state != inotify.Readable {
			continue
		}

		events, err := w.ino.Read()
		for _, ev := range events {
			w.handleEvent(ctx, ev)
		}
		if err != nil {
			return err
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev inotify.Event) {
	switch {
	case ev.Overflow():
		w.overflowLog.Do(func() {
			slog.Warn("inotify queue overflowed, events were lost")
		})
		return
	case ev.Ignored():
		w.registry.Destroyed(ev.WD)
		return
	case ev.Has(unix.IN_MOVE_SELF):
		w.registry.Detach(ev.WD)
		return
	case ev.Has(unix.IN_DELETE_SELF):
		slog.Debug("watched directory deleted", "wd", ev.WD)
		return
	case ev.Has(unix.IN_ISDIR):
		// A directory carrying the target's name is never the target.
		return
	}

	for _, id := range w.registry.Lookup(ev.WD) {
		watch := w.registry.Watch(id)
		if ev.Name != watch.Base() {
			continue
		}
		slog.Debug("qualifying event",
			"watch", id,
			"event", inotify.MaskString(ev.Mask),
			"file", watch.Filename,
		)
		if !w.gate.ShouldSpawn(ctx, watch, ev) {
			continue
		}
		w.executor.Spawn(watch)
	}
}
