//go:build linux
// +build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
//
// Level-triggered epoll(7) multiplexer. Interest masks are kept per
// descriptor so the two directions can be toggled independently.

package reactor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-netcore/core/socket"
	"github.com/momentics/hioload-netcore/internal/concurrency"
)

type epollEntry struct {
	s    *socket.Socket
	lock concurrency.SpinLock
	mask uint32
}

// Epoll implements Multiplexer.
type Epoll struct {
	epfd    int
	entries sync.Map // int fd -> *epollEntry
	raw     []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}
	return &Epoll{epfd: epfd}, nil
}

func interestBits(dir socket.Direction) uint32 {
	if dir == socket.Send {
		return unix.EPOLLOUT
	}
	return unix.EPOLLIN | unix.EPOLLRDHUP
}

// Add registers s with no interest; errors and hangups are still reported.
func (e *Epoll) Add(s *socket.Socket) error {
	fd := int(s.Handle())
	ev := unix.EpollEvent{Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrap(err, "epoll ctl add")
	}
	e.entries.Store(fd, &epollEntry{s: s})
	return nil
}

// Remove unregisters s. Unknown descriptors are ignored.
func (e *Epoll) Remove(s *socket.Socket) error {
	fd := int(s.Handle())
	v, ok := e.entries.Load(fd)
	if !ok || v.(*epollEntry).s != s {
		return nil
	}
	e.entries.Delete(fd)
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return errors.Wrap(err, "epoll ctl del")
	}
	return nil
}

// Enable turns on notifications for dir.
func (e *Epoll) Enable(s *socket.Socket, dir socket.Direction) error {
	return e.modify(s, interestBits(dir), 0)
}

// Disable turns off notifications for dir.
func (e *Epoll) Disable(s *socket.Socket, dir socket.Direction) error {
	return e.modify(s, 0, interestBits(dir))
}

func (e *Epoll) modify(s *socket.Socket, set, clear uint32) error {
	fd := int(s.Handle())
	v, ok := e.entries.Load(fd)
	if !ok {
		return errors.Errorf("epoll: socket %d not registered", s.ID())
	}
	ent := v.(*epollEntry)
	ent.lock.Lock()
	defer ent.lock.Unlock()
	mask := ent.mask&^clear | set
	if mask == ent.mask {
		return nil
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.Wrap(err, "epoll ctl mod")
	}
	ent.mask = mask
	return nil
}

// Wait fills events with up to len(events) ready sockets.
func (e *Epoll) Wait(events []ReadyEvent, timeout time.Duration) (int, error) {
	if cap(e.raw) < len(events) {
		e.raw = make([]unix.EpollEvent, len(events))
	}
	raw := e.raw[:len(events)]
	n, err := unix.EpollWait(e.epfd, raw, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll wait")
	}
	out := 0
	for i := 0; i < n; i++ {
		v, ok := e.entries.Load(int(raw[i].Fd))
		if !ok {
			continue
		}
		var kind EventKind
		flags := raw[i].Events
		if flags&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			kind |= EventError
		}
		if flags&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			kind |= EventRead
		}
		if flags&unix.EPOLLOUT != 0 {
			kind |= EventWrite
		}
		events[out] = ReadyEvent{Socket: v.(*epollEntry).s, Kind: kind}
		out++
	}
	return out, nil
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	return unix.Close(e.epfd)
}
