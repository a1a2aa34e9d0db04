// File: reactor/readiness.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Leader/follower engine for readiness notification. One worker at a time
// waits on the multiplexer, publishes the batch through an atomic cursor
// and wakes enough followers to share it; every worker claims events by
// decrementing the cursor.

package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/core/socket"
)

// EventKind is a bit set of readiness conditions.
type EventKind uint8

const (
	EventRead EventKind = 1 << iota
	EventWrite
	EventError
)

// ReadyEvent is one entry of a Multiplexer batch.
type ReadyEvent struct {
	Socket *socket.Socket
	Kind   EventKind
}

// Multiplexer is the OS readiness primitive. Sockets are added with both
// directions disabled. Wait is only called by one goroutine at a time and
// reports an interrupted wait as zero events.
type Multiplexer interface {
	Add(s *socket.Socket) error
	Remove(s *socket.Socket) error
	Enable(s *socket.Socket, dir socket.Direction) error
	Disable(s *socket.Socket, dir socket.Direction) error
	Wait(events []ReadyEvent, timeout time.Duration) (int, error)
	Close() error
}

// Readiness drives a Multiplexer.
type Readiness struct {
	cfg Config
	mux Multiplexer
	h   Handler

	events   []ReadyEvent
	cursor   atomic.Int64
	inflight atomic.Int64

	exit   atomic.Bool
	leader chan struct{}
	wake   chan struct{}
	quit   chan struct{}
	wg     sync.WaitGroup

	started   atomic.Bool
	closeOnce sync.Once
	stats     counters
}

// NewReadiness wires mux to h. Call Start to launch the workers.
func NewReadiness(mux Multiplexer, cfg Config, h Handler) *Readiness {
	cfg = cfg.withDefaults()
	return &Readiness{
		cfg:    cfg,
		mux:    mux,
		h:      h,
		events: make([]ReadyEvent, cfg.BatchSize),
		leader: make(chan struct{}, 1),
		wake:   make(chan struct{}, cfg.Threads),
		quit:   make(chan struct{}),
	}
}

// Kind is KindReadiness.
func (r *Readiness) Kind() Kind { return KindReadiness }

// Stats snapshots the engine counters.
func (r *Readiness) Stats() Stats { return r.stats.snapshot() }

// Register adds s to the multiplexer with both directions disabled.
func (r *Readiness) Register(s *socket.Socket) error {
	if r.exit.Load() {
		return api.ErrReactorClosed
	}
	if err := r.mux.Add(s); err != nil {
		return errors.Wrapf(err, "register socket %d", s.ID())
	}
	s.OnClose(func(s *socket.Socket) {
		if err := r.Deregister(s); err != nil {
			logrus.WithFields(s.Fields()).Warnf("deregister: %v", err)
		}
	})
	return nil
}

// Deregister removes s; unknown sockets are ignored.
func (r *Readiness) Deregister(s *socket.Socket) error {
	return r.mux.Remove(s)
}

// ArmRecv enables read interest and releases the guard; the next read
// event takes the lock again.
func (r *Readiness) ArmRecv(g socket.Guard, _ []byte) error {
	return r.arm(g, socket.Recv)
}

// ArmSend enables write interest and releases the guard.
func (r *Readiness) ArmSend(g socket.Guard, _ []byte) error {
	return r.arm(g, socket.Send)
}

func (r *Readiness) arm(g socket.Guard, dir socket.Direction) error {
	s := g.Socket()
	if !s.AssertLocked(dir) {
		return errors.Wrapf(api.ErrInvalidArgument, "arm %s without its lock", dir)
	}
	if err := r.mux.Enable(s, dir); err != nil {
		r.stats.issueFailures.Add(1)
		s.Close()
		g.Release()
		return errors.Wrapf(err, "enable %s", dir)
	}
	g.Release()
	return nil
}

// DisarmRecv stops read notifications.
func (r *Readiness) DisarmRecv(s *socket.Socket) error {
	return r.mux.Disable(s, socket.Recv)
}

// DisarmSend stops write notifications.
func (r *Readiness) DisarmSend(s *socket.Socket) error {
	return r.mux.Disable(s, socket.Send)
}

// Start launches the worker pool once.
func (r *Readiness) Start() error {
	if r.exit.Load() {
		return api.ErrReactorClosed
	}
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}
	r.wg.Add(r.cfg.Threads)
	for i := 0; i < r.cfg.Threads; i++ {
		go r.worker(i)
	}
	r.leader <- struct{}{}
	logrus.Debugf("readiness reactor started with %d workers", r.cfg.Threads)
	return nil
}

// Close stops the workers, waits for them and closes the multiplexer.
func (r *Readiness) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.exit.Store(true)
		close(r.quit)
		r.wg.Wait()
		err = r.mux.Close()
		logrus.Debug("readiness reactor stopped")
	})
	return err
}

func (r *Readiness) worker(i int) {
	r.cfg.pinWorker(i)
	defer runtime.UnlockOSThread()
	defer r.wg.Done()

	for {
		select {
		case <-r.quit:
			return
		case <-r.leader:
			r.lead()
			r.leader <- struct{}{}
		case <-r.wake:
			r.drain()
		}
	}
}

func (r *Readiness) lead() {
	if r.exit.Load() {
		return
	}
	n, err := r.mux.Wait(r.events, r.cfg.WaitTimeout)
	r.stats.cycles.Add(1)
	if err != nil {
		logrus.Errorf("readiness wait: %v", err)
		time.Sleep(r.cfg.WaitTimeout)
		return
	}
	if n <= 0 {
		return
	}
	r.stats.events.Add(uint64(n))
	r.cursor.Store(int64(n))

	followers := (n+r.cfg.EventsPerWorker-1)/r.cfg.EventsPerWorker - 1
	if followers > r.cfg.Threads-1 {
		followers = r.cfg.Threads - 1
	}
	for i := 0; i < followers; i++ {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	r.drain()
	// the next wait reuses the event array
	for r.inflight.Load() > 0 {
		runtime.Gosched()
	}
}

func (r *Readiness) drain() {
	for !r.exit.Load() {
		r.inflight.Add(1)
		idx := r.cursor.Add(-1)
		if idx < 0 {
			r.inflight.Add(-1)
			return
		}
		ev := r.events[idx]
		r.events[idx] = ReadyEvent{}
		r.dispatch(ev)
		r.inflight.Add(-1)
	}
}

func (r *Readiness) dispatch(ev ReadyEvent) {
	s := ev.Socket
	if s == nil {
		return
	}
	if ev.Kind&EventError != 0 {
		r.stats.errorCloses.Add(1)
		s.Close()
		return
	}
	if ev.Kind&EventRead != 0 {
		if g, ok := s.TryAcquire(socket.Recv); ok {
			r.stats.recv.Add(1)
			invoke(s, func() { r.h.OnRecv(g, 0, nil) })
		} else {
			r.stats.lockMisses.Add(1)
		}
	}
	if ev.Kind&EventWrite != 0 {
		if g, ok := s.TryAcquire(socket.Send); ok {
			r.stats.send.Add(1)
			invoke(s, func() { r.h.OnSend(g, 0, nil) })
		} else {
			r.stats.lockMisses.Add(1)
		}
	}
}
