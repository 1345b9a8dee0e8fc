package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"syscall"

	"github.com/jandubois/kfmon/internal/config"
	"github.com/jandubois/kfmon/internal/proctab"
)

// Executor launches watch actions as child processes and records them in
// the process table. Children are reaped by the Reaper, never here.
type Executor struct {
	table   *proctab.Table
	reaper  *Reaper
	devNull string
}

// NewExecutor creates a new Executor.
func NewExecutor(table *proctab.Table, reaper *Reaper) *Executor {
	return &Executor{
		table:   table,
		reaper:  reaper,
		devNull: os.DevNull,
	}
}

// Spawn starts watch's action unless one is already running for it or the
// process table is full. Failures are logged and returned; none of them is
// fatal to the daemon.
func (e *Executor) Spawn(watch *config.WatchConfig) (int, error) {
	pid, err := e.table.Spawn(watch.ID, func() (int, error) {
		return e.forkExec(watch)
	})

	switch {
	case errors.Is(err, proctab.ErrAlreadySpawned):
		running, _ := e.table.PIDForWatch(watch.ID)
		slog.Info("action still running, trigger dropped",
			"watch", watch.ID,
			"pid", running,
		)
		return 0, err
	case errors.Is(err, proctab.ErrTableFull):
		slog.Warn("process table full, trigger dropped",
			"watch", watch.ID,
			"capacity", e.table.Capacity(),
		)
		return 0, err
	case err != nil:
		slog.Error("failed to spawn action",
			"watch", watch.ID,
			"action", watch.Action,
			"error", err,
		)
		return 0, err
	}

	slog.Info("spawned action",
		"watch", watch.ID,
		"pid", pid,
		"action", watch.Action,
	)
	if e.reaper != nil {
		e.reaper.Notify()
	}
	return pid, nil
}

// forkExec starts argv with its standard streams on /dev/null so the child
// never writes into the daemon's log stream, in its own session so signals
// aimed at the daemon's process group do not reach it.
func (e *Executor) forkExec(watch *config.WatchConfig) (int, error) {
	if len(watch.Argv) == 0 {
		return 0, fmt.Errorf("watch %d has no action", watch.ID)
	}

	null, err := os.OpenFile(e.devNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", e.devNull, err)
	}
	defer null.Close()

	fd := null.Fd()
	pid, err := syscall.ForkExec(watch.Argv[0], watch.Argv, &syscall.ProcAttr{
		Dir:   "/",
		Env:   buildEnv(watch),
		Files: []uintptr{fd, fd, fd},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return 0, fmt.Errorf("fork/exec %s: %w", watch.Argv[0], err)
	}
	return pid, nil
}

// buildEnv passes the daemon's environment plus the triggering watch.
func buildEnv(watch *config.WatchConfig) []string {
	env := os.Environ()
	return append(env,
		"KFMON_WATCH_ID="+strconv.Itoa(watch.ID),
		"KFMON_WATCH_FILE="+watch.Filename,
	)
}
