package watcher

import (
	"log/slog"

	"github.com/jandubois/kfmon/internal/config"
	"github.com/jandubois/kfmon/internal/inotify"
)

// watchAdder is the part of the inotify instance the registry needs.
type watchAdder interface {
	AddWatch(path string, mask uint32) (int, error)
	RemoveWatch(wd int) error
}

// watchState is the mutable inotify side of a configured watch.
type watchState struct {
	wd       int
	invalid  bool // watch destroyed, re-arm pending
	disabled bool // could not be armed at startup; never retried
}

// Registry arms one directory-level inotify watch per distinct parent
// directory and maps watch descriptors back to logical watch ids.
// It is owned by the event loop goroutine.
type Registry struct {
	ino     watchAdder
	mask    uint32
	watches []config.WatchConfig
	states  []watchState
}

// NewRegistry creates a registry for watches. Nothing is armed until Setup.
func NewRegistry(ino watchAdder, watches []config.WatchConfig) *Registry {
	states := make([]watchState, len(watches))
	for i := range states {
		states[i] = watchState{wd: -1, invalid: true}
	}
	return &Registry{
		ino:     ino,
		mask:    inotify.DefaultMask,
		watches: watches,
		states:  states,
	}
}

// Setup arms every watch. A watch that cannot be armed is disabled; the
// others proceed. It returns the number of armed watches.
func (r *Registry) Setup() int {
	armed := 0
	for id := range r.watches {
		if err := r.arm(id); err != nil {
			r.states[id].disabled = true
			slog.Error("failed to arm watch, disabling it",
				"watch", id,
				"file", r.watches[id].Filename,
				"error", err,
			)
			continue
		}
		armed++
		slog.Info("watch armed",
			"watch", id,
			"file", r.watches[id].Filename,
			"wd", r.states[id].wd,
		)
	}
	return armed
}

func (r *Registry) arm(id int) error {
	wd, err := r.ino.AddWatch(r.watches[id].Dir(), r.mask)
	if err != nil {
		return err
	}
	r.states[id].wd = wd
	r.states[id].invalid = false
	return nil
}

// Lookup returns the ids of the live watches armed on wd.
func (r *Registry) Lookup(wd int) []int {
	var ids []int
	for id, s := range r.states {
		if s.wd == wd && !s.invalid && !s.disabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// Watch returns the config of watch id.
func (r *Registry) Watch(id int) *config.WatchConfig {
	return &r.watches[id]
}

// Destroyed handles IN_IGNORED for wd: every watch armed on it is marked
// invalid and re-armed on the same directory. Watches whose directory does
// not exist yet stay pending for RearmPending.
func (r *Registry) Destroyed(wd int) {
	for id := range r.states {
		s := &r.states[id]
		if s.wd != wd || s.invalid || s.disabled {
			continue
		}
		s.invalid = true
		slog.Warn("watch destroyed",
			"watch", id,
			"dir", r.watches[id].Dir(),
			"wd", wd,
		)
		r.rearm(id)
	}
}

// Detach removes the kernel watch wd, used when the watched directory was
// moved away from its configured path. The kernel then queues IN_IGNORED,
// which Destroyed turns into a re-arm on the configured path.
func (r *Registry) Detach(wd int) {
	if len(r.Lookup(wd)) == 0 {
		return
	}
	if err := r.ino.RemoveWatch(wd); err != nil {
		slog.Error("failed to detach moved directory watch", "wd", wd, "error", err)
	}
}

// Pending reports whether any watch awaits re-arming.
func (r *Registry) Pending() bool {
	for _, s := range r.states {
		if s.invalid && !s.disabled {
			return true
		}
	}
	return false
}

// RearmPending retries every pending re-arm and reports whether any remain.
func (r *Registry) RearmPending() bool {
	for id, s := range r.states {
		if s.invalid && !s.disabled {
			r.rearm(id)
		}
	}
	return r.Pending()
}

func (r *Registry) rearm(id int) {
	if err := r.arm(id); err != nil {
		slog.Debug("watch re-arm pending", "watch", id, "dir", r.watches[id].Dir(), "error", err)
		return
	}
	slog.Info("watch re-armed",
		"watch", id,
		"dir", r.watches[id].Dir(),
		"wd", r.states[id].wd,
	)
}
