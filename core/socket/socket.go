// File: core/socket/socket.go
// Package socket implements the reference-counted socket handle shared by
// the reactor workers and the application.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Each direction has its own CAS lock so one receive and one send may be
// in flight at once. Every in-flight operation holds a reference; the
// registry holds one more. Release callbacks run once the socket is
// deleted, unreferenced and both locks are free.

package socket

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-netcore/internal/concurrency"
)

// Direction selects the receive or send lock.
type Direction uint8

const (
	Recv Direction = iota
	Send
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "recv"
}

var lastID atomic.Uint64

// Socket is created by the transport layer and shared by pointer.
type Socket struct {
	id     uint64
	handle uintptr

	ref       atomic.Int32
	locks     [2]int32
	closing   int32
	connected atomic.Bool
	deleted   atomic.Bool
	destroyed atomic.Bool

	cbLock    concurrency.SpinLock
	onClose   []func(*Socket)
	onRelease []func(*Socket)

	ctx atomic.Value
}

// New wraps an OS handle. The returned socket is connected and holds the
// registry reference.
func New(handle uintptr) *Socket {
	s := &Socket{
		id:     lastID.Add(1),
		handle: handle,
	}
	s.ref.Store(1)
	s.connected.Store(true)
	return s
}

// ID is unique for the life of the process.
func (s *Socket) ID() uint64 { return s.id }

// Handle is the OS descriptor.
func (s *Socket) Handle() uintptr { return s.handle }

// Ref is the current reference count.
func (s *Socket) Ref() int32 { return s.ref.Load() }

// IsConnected is false once Close has started.
func (s *Socket) IsConnected() bool { return s.connected.Load() }

// IsDeleted reports whether Delete was called.
func (s *Socket) IsDeleted() bool { return s.deleted.Load() }

// IsReleased reports whether release callbacks have run.
func (s *Socket) IsReleased() bool { return s.destroyed.Load() }

// Locked reports whether the direction lock is held.
func (s *Socket) Locked(dir Direction) bool {
	return atomic.LoadInt32(&s.locks[dir]) == 1
}

// SetContext attaches owner data, typically the transport connection.
func (s *Socket) SetContext(v any) { s.ctx.Store(v) }

// Context returns the value passed to SetContext.
func (s *Socket) Context() any { return s.ctx.Load() }

// OnClose registers fn to run once when the socket closes. Callbacks run
// in registration order.
func (s *Socket) OnClose(fn func(*Socket)) {
	s.cbLock.Lock()
	s.onClose = append(s.onClose, fn)
	s.cbLock.Unlock()
}

// OnRelease registers fn to run once when the socket is released.
func (s *Socket) OnRelease(fn func(*Socket)) {
	s.cbLock.Lock()
	s.onRelease = append(s.onRelease, fn)
	s.cbLock.Unlock()
}

// TryAcquire takes the direction lock and a reference. It fails when the
// lock is held or the socket is closing.
func (s *Socket) TryAcquire(dir Direction) (Guard, bool) {
	if atomic.LoadInt32(&s.closing) != 0 {
		return Guard{}, false
	}
	if !atomic.CompareAndSwapInt32(&s.locks[dir], 0, 1) {
		return Guard{}, false
	}
	s.ref.Add(1)
	if atomic.LoadInt32(&s.closing) != 0 {
		atomic.StoreInt32(&s.locks[dir], 0)
		s.Put()
		return Guard{}, false
	}
	return Guard{s: s, dir: dir}, true
}

// Get adds a reference.
func (s *Socket) Get() { s.ref.Add(1) }

// Put drops a reference and releases the socket when it was the last one.
func (s *Socket) Put() {
	n := s.ref.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		logrus.WithFields(s.Fields()).Error("socket reference count below zero")
		return
	case !s.deleted.Load():
		logrus.WithFields(s.Fields()).Error("socket unreferenced before delete")
		return
	case s.Locked(Recv) || s.Locked(Send):
		// a racing TryAcquire owns the lock and will drop the last reference
		return
	}
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	s.cbLock.Lock()
	fns := s.onRelease
	s.onRelease = nil
	s.cbLock.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Close marks the socket disconnected and runs close callbacks. Only the
// first call does anything; it reports whether this call closed it.
func (s *Socket) Close() bool {
	if !atomic.CompareAndSwapInt32(&s.closing, 0, 1) {
		return false
	}
	s.connected.Store(false)
	s.cbLock.Lock()
	fns := s.onClose
	s.onClose = nil
	s.cbLock.Unlock()
	for _, fn := range fns {
		fn(s)
	}
	return true
}

// Delete closes the socket and drops the registry reference. Repeated
// calls are ignored.
func (s *Socket) Delete() {
	if !s.deleted.CompareAndSwap(false, true) {
		return
	}
	s.Close()
	s.Put()
}

// AssertLocked logs loudly when dir is not held by the caller.
func (s *Socket) AssertLocked(dir Direction) bool {
	if s.Locked(dir) {
		return true
	}
	logrus.WithFields(s.Fields()).Errorf("%s lock not held", dir)
	return false
}

// Fields describes the socket for structured logs.
func (s *Socket) Fields() logrus.Fields {
	return logrus.Fields{
		"socket":    s.id,
		"handle":    s.handle,
		"ref":       s.ref.Load(),
		"recvlock":  atomic.LoadInt32(&s.locks[Recv]),
		"sendlock":  atomic.LoadInt32(&s.locks[Send]),
		"connected": s.connected.Load(),
		"deleted":   s.deleted.Load(),
	}
}

func (s *Socket) unlock(dir Direction) {
	atomic.StoreInt32(&s.locks[dir], 0)
}

// Guard is proof of holding one direction lock plus one reference.
type Guard struct {
	s   *Socket
	dir Direction
}

// Socket returns the guarded socket, nil for the zero Guard.
func (g Guard) Socket() *Socket { return g.s }

// Direction reports which lock is held.
func (g Guard) Direction() Direction { return g.dir }

// Valid is false for the zero Guard.
func (g Guard) Valid() bool { return g.s != nil }

// Release unlocks the direction, then drops the reference. Each guard
// must be released exactly once.
func (g Guard) Release() {
	if g.s == nil {
		return
	}
	g.s.unlock(g.dir)
	g.s.Put()
}
