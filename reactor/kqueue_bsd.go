//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

// File: reactor/kqueue_bsd.go
// Author: momentics <momentics@gmail.com>
//
// kqueue(2) multiplexer. Both filters are added disabled and toggled with
// EV_ENABLE / EV_DISABLE.

package reactor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-netcore/core/socket"
)

// Kqueue implements Multiplexer.
type Kqueue struct {
	kq      int
	entries sync.Map // int fd -> *socket.Socket
	raw     []unix.Kevent_t
}

// NewKqueue creates the kqueue.
func NewKqueue() (*Kqueue, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue")
	}
	unix.CloseOnExec(kq)
	return &Kqueue{kq: kq}, nil
}

func filterOf(dir socket.Direction) int {
	if dir == socket.Send {
		return unix.EVFILT_WRITE
	}
	return unix.EVFILT_READ
}

func (k *Kqueue) apply(fd, flags int, filters ...int) error {
	changes := make([]unix.Kevent_t, len(filters))
	for i, f := range filters {
		unix.SetKevent(&changes[i], fd, f, flags)
	}
	_, err := unix.Kevent(k.kq, changes, nil, nil)
	return err
}

// Add registers both filters disabled.
func (k *Kqueue) Add(s *socket.Socket) error {
	fd := int(s.Handle())
	if err := k.apply(fd, unix.EV_ADD|unix.EV_DISABLE, unix.EVFILT_READ, unix.EVFILT_WRITE); err != nil {
		return errors.Wrap(err, "kevent add")
	}
	k.entries.Store(fd, s)
	return nil
}

// Remove deletes both filters. Unknown descriptors are ignored.
func (k *Kqueue) Remove(s *socket.Socket) error {
	fd := int(s.Handle())
	v, ok := k.entries.Load(fd)
	if !ok || v.(*socket.Socket) != s {
		return nil
	}
	k.entries.Delete(fd)
	err := k.apply(fd, unix.EV_DELETE, unix.EVFILT_READ, unix.EVFILT_WRITE)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return errors.Wrap(err, "kevent delete")
	}
	return nil
}

// Enable turns on the filter for dir.
func (k *Kqueue) Enable(s *socket.Socket, dir socket.Direction) error {
	return errors.Wrap(k.apply(int(s.Handle()), unix.EV_ENABLE, filterOf(dir)), "kevent enable")
}

// Disable turns off the filter for dir.
func (k *Kqueue) Disable(s *socket.Socket, dir socket.Direction) error {
	return errors.Wrap(k.apply(int(s.Handle()), unix.EV_DISABLE, filterOf(dir)), "kevent disable")
}

// Wait fills events with up to len(events) ready filters.
func (k *Kqueue) Wait(events []ReadyEvent, timeout time.Duration) (int, error) {
	if cap(k.raw) < len(events) {
		k.raw = make([]unix.Kevent_t, len(events))
	}
	raw := k.raw[:len(events)]
	ts := unix.NsecToTimespec(int64(timeout))
	n, err := unix.Kevent(k.kq, nil, raw, &ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "kevent wait")
	}
	out := 0
	for i := 0; i < n; i++ {
		v, ok := k.entries.Load(int(raw[i].Ident))
		if !ok {
			continue
		}
		var kind EventKind
		switch {
		case raw[i].Flags&unix.EV_ERROR != 0:
			kind = EventError
		case raw[i].Filter == unix.EVFILT_READ:
			kind = EventRead
		case raw[i].Flags&unix.EV_EOF != 0:
			kind = EventError
		default:
			kind = EventWrite
		}
		events[out] = ReadyEvent{Socket: v.(*socket.Socket), Kind: kind}
		out++
	}
	return out, nil
}

// Close releases the kqueue descriptor.
func (k *Kqueue) Close() error {
	return unix.Close(k.kq)
}
