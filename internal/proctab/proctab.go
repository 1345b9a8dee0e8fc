// Package proctab tracks the actions currently running on behalf of each
// watch. A slot is occupied iff its pid is non-zero, and no two occupied
// slots share a watch id.
package proctab

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadySpawned is returned when the watch already has a live action.
	ErrAlreadySpawned = errors.New("action already running for watch")
	// ErrTableFull is returned when every slot is occupied.
	ErrTableFull = errors.New("process table is full")
)

// Entry describes one running action.
type Entry struct {
	PID       int
	WatchID   int
	StartedAt time.Time
}

// Table is a fixed-capacity, mutex-guarded map from watch id to the pid
// running that watch's action.
type Table struct {
	mu       sync.Mutex
	pids     []int
	watchIDs []int
	started  []time.Time
	now      func() time.Time
}

// New creates an empty table with room for capacity concurrent actions.
func New(capacity int) *Table {
	t := &Table{
		pids:     make([]int, capacity),
		watchIDs: make([]int, capacity),
		started:  make([]time.Time, capacity),
		now:      time.Now,
	}
	for i := range t.watchIDs {
		t.watchIDs[i] = -1
	}
	return t
}

// Capacity returns the hard ceiling on concurrent actions.
func (t *Table) Capacity() int {
	return len(t.pids)
}

// IsAlreadySpawned reports whether watchID has a live action.
func (t *Table) IsAlreadySpawned(watchID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slotForWatch(watchID) >= 0
}

// PIDForWatch returns the pid running watchID's action, if any.
func (t *Table) PIDForWatch(watchID int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.slotForWatch(watchID); i >= 0 {
		return t.pids[i], true
	}
	return 0, false
}

// Spawn reserves a slot for watchID and calls start to launch the action.
// The lock is held across the already-spawned check, the slot reservation,
// start and the pid store, so a concurrent reap or a second trigger for the
// same watch cannot interleave. start must not touch the table.
func (t *Table) Spawn(watchID int, start func() (int, error)) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slotForWatch(watchID) >= 0 {
		return 0, ErrAlreadySpawned
	}
	slot := t.freeSlot()
	if slot < 0 {
		return 0, ErrTableFull
	}

	pid, err := start()
	if err != nil {
		return 0, err
	}

	t.pids[slot] = pid
	t.watchIDs[slot] = watchID
	t.started[slot] = t.now()
	return pid, nil
}

// Remove releases the slot owned by pid. It reports false when pid is not
// tracked, leaving the table untouched.
func (t *Table) Remove(pid int) (Entry, bool) {
	if pid <= 0 {
		return Entry{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range t.pids {
		if p != pid {
			continue
		}
		e := Entry{PID: p, WatchID: t.watchIDs[i], StartedAt: t.started[i]}
		t.pids[i] = 0
		t.watchIDs[i] = -1
		t.started[i] = time.Time{}
		return e, true
	}
	return Entry{}, false
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.pids {
		if p != 0 {
			n++
		}
	}
	return n
}

// Entries returns a snapshot of the occupied slots in slot order.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var entries []Entry
	for i, p := range t.pids {
		if p != 0 {
			entries = append(entries, Entry{PID: p, WatchID: t.watchIDs[i], StartedAt: t.started[i]})
		}
	}
	return entries
}

func (t *Table) slotForWatch(watchID int) int {
	for i, p := range t.pids {
		if p != 0 && t.watchIDs[i] == watchID {
			return i
		}
	}
	return -1
}

func (t *Table) freeSlot() int {
	for i, p := range t.pids {
		if p == 0 {
			return i
		}
	}
	return -1
}
