package watcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jandubois/kfmon/internal/config"
	"github.com/jandubois/kfmon/internal/db"
	"github.com/jandubois/kfmon/internal/inotify"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeChecker struct {
	processed bool
	err       error
	delay     time.Duration
	ignoreCtx bool
	calls     atomic.Int32
}

func (f *fakeChecker) Processed(ctx context.Context, title, author, comment string) (bool, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
	return f.processed, f.err
}

func dbWatch() *config.WatchConfig {
	return &config.WatchConfig{
		ID:        0,
		Filename:  "/mnt/onboard/icons/koreader.png",
		DBCheck:   true,
		DBTitle:   "KOReader",
		DBAuthor:  "Reader",
		DBComment: "Start KOReader",
	}
}

func closeWrite(name string) inotify.Event {
	return inotify.Event{WD: 1, Mask: unix.IN_CLOSE_WRITE, Name: name}
}

func TestGateDebounce(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(nil, time.Second)
	g.now = clock.Now

	watch := &config.WatchConfig{ID: 0, Filename: "/mnt/onboard/books/foo.kepub.epub"}
	ctx := context.Background()

	create := inotify.Event{WD: 1, Mask: unix.IN_CREATE, Name: "foo.kepub.epub"}
	if !g.ShouldSpawn(ctx, watch, create) {
		t.Fatal("first trigger was rejected")
	}
	if g.ShouldSpawn(ctx, watch, closeWrite("foo.kepub.epub")) {
		t.Error("close after create within the window was not debounced")
	}

	clock.Advance(time.Second)
	if g.ShouldSpawn(ctx, watch, closeWrite("foo.kepub.epub")) {
		t.Error("second close one second later was not debounced")
	}

	attrib := inotify.Event{WD: 1, Mask: unix.IN_ATTRIB, Name: "foo.kepub.epub"}
	if g.ShouldSpawn(ctx, watch, attrib) {
		t.Error("attribute change within the window was not debounced")
	}

	clock.Advance(5 * time.Second)
	if !g.ShouldSpawn(ctx, watch, closeWrite("foo.kepub.epub")) {
		t.Error("close beyond the debounce window was rejected")
	}
}

func TestGateDebounceTouchBurst(t *testing.T) {
	checker := &fakeChecker{processed: true}
	g := NewGate(checker, time.Second)
	g.now = newFakeClock().Now
	ctx := context.Background()

	// touch on a new file: create, then utimensat, then close.
	burst := []uint32{unix.IN_CREATE, unix.IN_ATTRIB, unix.IN_CLOSE_WRITE}
	accepted := 0
	for _, mask := range burst {
		ev := inotify.Event{WD: 1, Mask: mask, Name: "koreader.png"}
		if g.ShouldSpawn(ctx, dbWatch(), ev) {
			accepted++
		}
	}

	if accepted != 1 {
		t.Errorf("accepted %d of %d events from one touch, want 1", accepted, len(burst))
	}
	if n := checker.calls.Load(); n != 1 {
		t.Errorf("checker called %d times, want 1", n)
	}
}

func TestGateDebouncePerWatch(t *testing.T) {
	g := NewGate(nil, time.Second)
	g.now = newFakeClock().Now
	ctx := context.Background()

	a := &config.WatchConfig{ID: 0, Filename: "/mnt/onboard/icons/a.png"}
	b := &config.WatchConfig{ID: 1, Filename: "/mnt/onboard/icons/b.png"}

	if !g.ShouldSpawn(ctx, a, closeWrite("a.png")) {
		t.Error("watch 0 rejected")
	}
	if !g.ShouldSpawn(ctx, b, closeWrite("b.png")) {
		t.Error("watch 1 rejected after an unrelated trigger")
	}
}

func TestGateLibraryCheck(t *testing.T) {
	tests := []struct {
		name    string
		checker *fakeChecker
		want    bool
	}{
		{"processed", &fakeChecker{processed: true}, true},
		{"still importing", &fakeChecker{processed: false}, false},
		{"not found fails open", &fakeChecker{err: db.ErrNotFound}, true},
		{"error fails open", &fakeChecker{err: errors.New("database is locked")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.checker, time.Second)
			got := g.ShouldSpawn(context.Background(), dbWatch(), closeWrite("koreader.png"))
			if got != tt.want {
				t.Errorf("ShouldSpawn() = %v, want %v", got, tt.want)
			}
			if n := tt.checker.calls.Load(); n != 1 {
				t.Errorf("checker called %d times, want 1", n)
			}
		})
	}
}

func TestGateSkipDBChecks(t *testing.T) {
	checker := &fakeChecker{processed: false}
	g := NewGate(checker, time.Second)

	watch := dbWatch()
	watch.SkipDBChecks = true

	if !g.ShouldSpawn(context.Background(), watch, closeWrite("koreader.png")) {
		t.Error("ShouldSpawn() = false with skip_db_checks set")
	}
	if n := checker.calls.Load(); n != 0 {
		t.Errorf("checker called %d times with skip_db_checks set", n)
	}
}

func TestGateNoChecker(t *testing.T) {
	g := NewGate(nil, time.Second)
	if !g.ShouldSpawn(context.Background(), dbWatch(), closeWrite("koreader.png")) {
		t.Error("ShouldSpawn() = false without a library database")
	}
}

func TestGateTimeoutFailsOpen(t *testing.T) {
	timeout := 50 * time.Millisecond

	for _, ignoreCtx := range []bool{false, true} {
		checker := &fakeChecker{processed: false, delay: 2 * time.Second, ignoreCtx: ignoreCtx}
		g := NewGate(checker, timeout)

		start := time.Now()
		got := g.ShouldSpawn(context.Background(), dbWatch(), closeWrite("koreader.png"))
		elapsed := time.Since(start)

		if !got {
			t.Errorf("ignoreCtx=%v: ShouldSpawn() = false after a timeout, want fail-open", ignoreCtx)
		}
		if elapsed > timeout+500*time.Millisecond {
			t.Errorf("ignoreCtx=%v: ShouldSpawn() took %v with a %v timeout", ignoreCtx, elapsed, timeout)
		}
	}
}

func TestGateDebounceBeforeLibraryCheck(t *testing.T) {
	checker := &fakeChecker{processed: true}
	g := NewGate(checker, time.Second)
	g.now = newFakeClock().Now
	ctx := context.Background()

	g.ShouldSpawn(ctx, dbWatch(), closeWrite("koreader.png"))
	if g.ShouldSpawn(ctx, dbWatch(), closeWrite("koreader.png")) {
		t.Error("duplicate trigger was accepted")
	}
	if n := checker.calls.Load(); n != 1 {
		t.Errorf("checker called %d times, want 1", n)
	}
}
