package inotify

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func rawEvent(wd int32, mask, cookie uint32, name string) []byte {
	nameLen := 0
	if name != "" {
		nameLen = (len(name) + 1 + 15) &^ 15
	}
	buf := make([]byte, unix.SizeofInotifyEvent+nameLen)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(wd))
	binary.NativeEndian.PutUint32(buf[4:8], mask)
	binary.NativeEndian.PutUint32(buf[8:12], cookie)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(nameLen))
	copy(buf[unix.SizeofInotifyEvent:], name)
	return buf
}

func TestDecode(t *testing.T) {
	var buf []byte
	buf = append(buf, rawEvent(1, unix.IN_CREATE, 0, "foo.kepub.epub")...)
	buf = append(buf, rawEvent(1, unix.IN_CLOSE_WRITE, 0, "foo.kepub.epub")...)
	buf = append(buf, rawEvent(2, unix.IN_IGNORED, 0, "")...)
	buf = append(buf, rawEvent(-1, unix.IN_Q_OVERFLOW, 0, "")...)

	events := Decode(buf)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	if events[0].WD != 1 || events[0].Name != "foo.kepub.epub" || !events[0].Has(unix.IN_CREATE) {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if !events[1].Has(unix.IN_CLOSE_WRITE) {
		t.Errorf("expected IN_CLOSE_WRITE, got %s", MaskString(events[1].Mask))
	}
	if !events[2].Ignored() || events[2].Name != "" {
		t.Errorf("expected nameless IN_IGNORED, got %+v", events[2])
	}
	if events[3].WD != -1 || !events[3].Overflow() {
		t.Errorf("expected overflow on wd -1, got %+v", events[3])
	}
}

func TestDecodeTruncated(t *testing.T) {
	buf := rawEvent(1, unix.IN_CREATE, 0, "complete")
	buf = append(buf, rawEvent(1, unix.IN_CREATE, 0, "truncated")[:20]...)

	events := Decode(buf)
	if len(events) != 1 || events[0].Name != "complete" {
		t.Errorf("expected only the complete event, got %+v", events)
	}
}

func TestMaskString(t *testing.T) {
	tests := []struct {
		mask     uint32
		expected string
	}{
		{0, "0"},
		{unix.IN_CREATE, "IN_CREATE"},
		{unix.IN_CLOSE_WRITE | unix.IN_ISDIR, "IN_CLOSE_WRITE|IN_ISDIR"},
		{unix.IN_DELETE_SELF | unix.IN_IGNORED, "IN_DELETE_SELF|IN_IGNORED"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := MaskString(tt.mask); got != tt.expected {
				t.Errorf("MaskString(%#x) = %q, want %q", tt.mask, got, tt.expected)
			}
		})
	}
}

func TestInstanceDeliversEvents(t *testing.T) {
	dir := t.TempDir()

	ino, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer ino.Close()

	wd, err := ino.AddWatch(dir, DefaultMask)
	if err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "target.png"), []byte("x"), 0644); err != nil {
		t.Fatalf("write target: %v", err)
	}

	state, err := ino.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if state != Readable {
		t.Fatalf("Wait() = %s, want readable", state)
	}

	events, err := ino.Read()
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	var sawCreate, sawClose bool
	for _, ev := range events {
		if ev.WD != wd || ev.Name != "target.png" {
			continue
		}
		sawCreate = sawCreate || ev.Has(unix.IN_CREATE)
		sawClose = sawClose || ev.Has(unix.IN_CLOSE_WRITE)
	}
	if !sawCreate || !sawClose {
		t.Errorf("expected IN_CREATE and IN_CLOSE_WRITE for target.png, got %+v", events)
	}
}

func TestInstanceSameDirectorySameWatch(t *testing.T) {
	dir := t.TempDir()

	ino, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer ino.Close()

	wd1, err := ino.AddWatch(dir, DefaultMask)
	if err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}
	wd2, err := ino.AddWatch(dir, DefaultMask)
	if err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}
	if wd1 != wd2 {
		t.Errorf("expected one watch per directory, got %d and %d", wd1, wd2)
	}
}

func TestInstanceRemovedDirectoryIsIgnored(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "books")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ino, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer ino.Close()

	wd, err := ino.AddWatch(dir, DefaultMask)
	if err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}
	if err := os.Remove(dir); err != nil {
		t.Fatalf("remove dir: %v", err)
	}

	if state, err := ino.Wait(time.Second); err != nil || state != Readable {
		t.Fatalf("Wait() = %s, %v", state, err)
	}
	events, err := ino.Read()
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	for _, ev := range events {
		if ev.WD == wd && ev.Ignored() {
			return
		}
	}
	t.Errorf("expected IN_IGNORED for wd %d, got %+v", wd, events)
}

func TestInstanceWakeAndTimeout(t *testing.T) {
	ino, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer ino.Close()

	state, err := ino.Wait(10 * time.Millisecond)
	if err != nil || state != TimedOut {
		t.Fatalf("Wait() = %s, %v; want timed out", state, err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		ino.Wake()
	}()
	state, err = ino.Wait(-1)
	if err != nil || state != Woken {
		t.Fatalf("Wait() = %s, %v; want woken", state, err)
	}

	// The wake token is consumed.
	state, err = ino.Wait(0)
	if err != nil || state != TimedOut {
		t.Errorf("Wait() after wake = %s, %v; want timed out", state, err)
	}
}

func TestInstanceClosed(t *testing.T) {
	ino, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ino.Close()

	if _, err := ino.AddWatch(t.TempDir(), DefaultMask); err != ErrClosed {
		t.Errorf("AddWatch() after Close = %v, want ErrClosed", err)
	}
	if _, err := ino.Wait(0); err != ErrClosed {
		t.Errorf("Wait() after Close = %v, want ErrClosed", err)
	}
}
