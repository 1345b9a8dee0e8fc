// Package inotify is a thin wrapper over the Linux inotify API. It exposes
// raw watch descriptors so callers can map them back to their own watches,
// and pairs the inotify descriptor with an eventfd so a blocked Wait can be
// interrupted on shutdown.
package inotify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultMask catches a target file being created, finishing a write,
// being renamed into place, or changing attributes, plus the watched
// directory itself going away. IN_IGNORED is always delivered by the kernel.
const DefaultMask uint32 = unix.IN_CREATE | unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO |
	unix.IN_ATTRIB | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

// bufferSize holds many events with maximum-length names.
const bufferSize = 64 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)

// ErrClosed is returned by operations on a closed Instance.
var ErrClosed = errors.New("inotify instance closed")

// State is the outcome of Wait.
type State int

const (
	Readable State = iota // events are ready to Read
	Woken                 // Wake was called
	TimedOut
)

func (s State) String() string {
	switch s {
	case Readable:
		return "readable"
	case Woken:
		return "woken"
	case TimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Instance owns one inotify descriptor.
type Instance struct {
	fd     int
	wakeFd int
	buf    []byte
	closed bool
}

// New initializes an inotify instance.
func New() (*Instance, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &Instance{
		fd:     fd,
		wakeFd: wakeFd,
		buf:    make([]byte, bufferSize),
	}, nil
}

// AddWatch adds or replaces a watch on path and returns its descriptor.
// Watching the same inode twice returns the same descriptor.
func (i *Instance) AddWatch(path string, mask uint32) (int, error) {
	if i.closed {
		return -1, ErrClosed
	}
	wd, err := unix.InotifyAddWatch(i.fd, path, mask)
	if err != nil {
		return -1, fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}
	return wd, nil
}

// RemoveWatch removes a watch. The kernel then queues IN_IGNORED for it.
func (i *Instance) RemoveWatch(wd int) error {
	if i.closed {
		return ErrClosed
	}
	if _, err := unix.InotifyRmWatch(i.fd, uint32(wd)); err != nil {
		return fmt.Errorf("inotify_rm_watch %d: %w", wd, err)
	}
	return nil
}

// Wait blocks until events are readable, Wake is called, or timeout
// elapses. A negative timeout waits forever.
func (i *Instance) Wait(timeout time.Duration) (State, error) {
	if i.closed {
		return 0, ErrClosed
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	fds := []unix.PollFd{
		{Fd: int32(i.fd), Events: unix.POLLIN},
		{Fd: int32(i.wakeFd), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return TimedOut, nil
		}
		break
	}

	if fds[1].Revents&unix.POLLIN != 0 {
		var b [8]byte
		unix.Read(i.wakeFd, b[:])
		return Woken, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, fmt.Errorf("inotify descriptor error (revents %#x)", fds[0].Revents)
	}
	return Readable, nil
}

// Wake interrupts a pending or the next Wait. Safe to call from any goroutine.
func (i *Instance) Wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(i.wakeFd, b[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("write eventfd: %w", err)
	}
	return nil
}

// Read drains every queued event.
func (i *Instance) Read() ([]Event, error) {
	if i.closed {
		return nil, ErrClosed
	}

	var events []Event
	for {
		n, err := unix.Read(i.fd, i.buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("read inotify: %w", err)
		}
		if n <= 0 {
			return events, nil
		}
		events = append(events, Decode(i.buf[:n])...)
	}
}

// Close releases both descriptors. Watches are dropped by the kernel.
func (i *Instance) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	err := unix.Close(i.fd)
	unix.Close(i.wakeFd)
	return err
}
