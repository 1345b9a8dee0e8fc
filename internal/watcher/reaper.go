package watcher

import (
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/jandubois/kfmon/internal/logging"
	"github.com/jandubois/kfmon/internal/proctab"
)

// DefaultSentinel is the program forked by Stop to unblock a reaper that is
// waiting for a child to exit.
const DefaultSentinel = "/bin/true"

// DefaultStopTimeout bounds how long Stop waits for the reaper to return.
const DefaultStopTimeout = 5 * time.Second

// Reaper collects every terminated child of the daemon and releases its
// process table slot. It blocks in wait4 rather than reacting to SIGCHLD,
// so table updates never happen in signal context.
type Reaper struct {
	table       *proctab.Table
	sentinel    string
	stopTimeout time.Duration

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	mu          sync.Mutex
	sentinelPID int
	stopOnce    sync.Once
	now         func() time.Time
}

// NewReaper creates a reaper for table. Run starts it.
func NewReaper(table *proctab.Table) *Reaper {
	return &Reaper{
		table:       table,
		sentinel:    DefaultSentinel,
		stopTimeout: DefaultStopTimeout,
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		now:         time.Now,
	}
}

// Notify tells an idle reaper that a child was started.
func (r *Reaper) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run reaps children until Stop is called. It must be the only caller of
// wait in the process.
func (r *Reaper) Run() {
	defer close(r.done)
	slog.Debug("reaper started")

	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, 0, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			if r.childrenAppeared() {
				continue
			}
			select {
			case <-r.wake:
				continue
			case <-r.quit:
				r.collectSentinel()
				slog.Debug("reaper stopped")
				return
			}
		case err != nil:
			slog.Error("wait for child failed", "error", err)
			select {
			case <-r.quit:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if r.isSentinel(pid) {
			slog.Debug("reaper stopped")
			return
		}
		r.reap(pid, status)
	}
}

// childrenAppeared runs after wait4 reported no children. A spawn may have
// landed since, so the table is read first and the kernel asked again
// without consuming any status; only a table entry with still no child
// behind it is an invariant violation.
func (r *Reaper) childrenAppeared() bool {
	n := r.table.Len()
	if n == 0 {
		return false
	}

	var info unix.Siginfo
	err := unix.Waitid(unix.P_ALL, 0, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
	switch {
	case err == nil, err == unix.EINTR:
		return true
	case err == unix.ECHILD:
		logging.Crit("no children left to wait for but the process table is not empty",
			"entries", n,
		)
	default:
		slog.Error("poll for children failed", "error", err)
	}
	return false
}

// collectSentinel reaps a sentinel forked after the last wait4 so it does
// not linger as a zombie.
func (r *Reaper) collectSentinel() {
	r.mu.Lock()
	pid := r.sentinelPID
	r.mu.Unlock()
	if pid == 0 {
		return
	}
	var status unix.WaitStatus
	for {
		if _, err := unix.Wait4(pid, &status, 0, nil); err != unix.EINTR {
			return
		}
	}
}

func (r *Reaper) isSentinel(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sentinelPID != 0 && pid == r.sentinelPID
}

func (r *Reaper) reap(pid int, status unix.WaitStatus) {
	entry, ok := r.table.Remove(pid)
	if !ok {
		slog.Debug("reaped untracked child", "pid", pid)
		return
	}

	ran := units.HumanDuration(r.now().Sub(entry.StartedAt))
	switch {
	case status.Exited() && status.ExitStatus() == 0:
		slog.Info("action exited",
			"watch", entry.WatchID,
			"pid", pid,
			"status", 0,
			"runtime", ran,
		)
	case status.Exited():
		slog.Warn("action exited with failure",
			"watch", entry.WatchID,
			"pid", pid,
			"status", status.ExitStatus(),
			"runtime", ran,
		)
	case status.Signaled():
		slog.Warn("action killed by signal",
			"watch", entry.WatchID,
			"pid", pid,
			"signal", status.Signal().String(),
			"runtime", ran,
		)
	default:
		slog.Warn("action ended with unexpected status",
			"watch", entry.WatchID,
			"pid", pid,
			"status", int(status),
		)
	}
}

// Stop ends Run and waits for it to return. A reaper blocked in wait4 is
// released by forking a short-lived sentinel child; an idle reaper exits on
// the quit signal. Run must have been started. If the sentinel cannot be
// started while actions are still running, Stop gives up after its timeout
// and leaves the reaper blocked.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		pid, err := r.forkSentinel()
		if err != nil {
			slog.Error("failed to start reaper sentinel", "error", err)
		} else {
			r.sentinelPID = pid
		}
		r.mu.Unlock()

		close(r.quit)
		r.Notify()
	})

	select {
	case <-r.done:
	case <-time.After(r.stopTimeout):
		slog.Warn("reaper did not stop, children still running",
			"entries", r.table.Len(),
			"timeout", r.stopTimeout,
		)
	}
}

func (r *Reaper) forkSentinel() (int, error) {
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer null.Close()

	fd := null.Fd()
	return syscall.ForkExec(r.sentinel, []string{r.sentinel}, &syscall.ProcAttr{
		Files: []uintptr{fd, fd, fd},
	})
}
