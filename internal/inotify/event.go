package inotify

import (
	"encoding/binary"
	"strings"

	"golang.org/x/sys/unix"
)

// Event is one decoded inotify_event.
type Event struct {
	WD     int
	Mask   uint32
	Cookie uint32
	Name   string // empty for events about the watched directory itself
}

// Has reports whether any bit of mask is set.
func (e Event) Has(mask uint32) bool {
	return e.Mask&mask != 0
}

// Ignored reports a destroyed watch: the directory was deleted, moved off
// its filesystem, unmounted, or the watch was removed explicitly.
func (e Event) Ignored() bool {
	return e.Has(unix.IN_IGNORED)
}

// Overflow reports that the kernel queue overflowed and events were lost.
func (e Event) Overflow() bool {
	return e.Has(unix.IN_Q_OVERFLOW)
}

var maskNames = []struct {
	bit  uint32
	name string
}{
	{unix.IN_ACCESS, "IN_ACCESS"},
	{unix.IN_MODIFY, "IN_MODIFY"},
	{unix.IN_ATTRIB, "IN_ATTRIB"},
	{unix.IN_CLOSE_WRITE, "IN_CLOSE_WRITE"},
	{unix.IN_CLOSE_NOWRITE, "IN_CLOSE_NOWRITE"},
	{unix.IN_OPEN, "IN_OPEN"},
	{unix.IN_MOVED_FROM, "IN_MOVED_FROM"},
	{unix.IN_MOVED_TO, "IN_MOVED_TO"},
	{unix.IN_CREATE, "IN_CREATE"},
	{unix.IN_DELETE, "IN_DELETE"},
	{unix.IN_DELETE_SELF, "IN_DELETE_SELF"},
	{unix.IN_MOVE_SELF, "IN_MOVE_SELF"},
	{unix.IN_UNMOUNT, "IN_UNMOUNT"},
	{unix.IN_Q_OVERFLOW, "IN_Q_OVERFLOW"},
	{unix.IN_IGNORED, "IN_IGNORED"},
	{unix.IN_ISDIR, "IN_ISDIR"},
}

// MaskString renders mask as IN_* names joined by "|".
func MaskString(mask uint32) string {
	var names []string
	for _, m := range maskNames {
		if mask&m.bit != 0 {
			names = append(names, m.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// Decode parses a buffer of raw inotify events. A truncated trailing event
// is dropped.
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, NUL padded
//	};
func Decode(buf []byte) []Event {
	var events []Event
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		hdr := buf[offset:]
		nameLen := int(binary.NativeEndian.Uint32(hdr[12:16]))
		size := unix.SizeofInotifyEvent + nameLen
		if offset+size > len(buf) {
			break
		}

		ev := Event{
			WD:     int(int32(binary.NativeEndian.Uint32(hdr[0:4]))),
			Mask:   binary.NativeEndian.Uint32(hdr[4:8]),
			Cookie: binary.NativeEndian.Uint32(hdr[8:12]),
		}
		if nameLen > 0 {
			name := hdr[unix.SizeofInotifyEvent:size]
			for i, b := range name {
				if b == 0 {
					name = name[:i]
					break
				}
			}
			ev.Name = string(name)
		}
		events = append(events, ev)
		offset += size
	}
	return events
}
