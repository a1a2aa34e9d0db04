// File: reactor/completion.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion engine. Every armed direction owns one Operation descriptor
// that carries the guard through the port; workers dequeue finished
// operations and hand the guard to the handler.

package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/core/socket"
)

// OpKind tags an Operation.
type OpKind uint8

const (
	OpRecv OpKind = iota
	OpSend
	OpShutdown
)

// Operation is one asynchronous request. A nil Buf requests a zero-byte
// notification.
type Operation struct {
	sys   opSys // first field: ports may map their native handle back to it
	Kind  OpKind
	Guard socket.Guard
	Buf   []byte
}

// CompletionPort is the OS completion primitive.
type CompletionPort interface {
	Associate(s *socket.Socket) error
	// Issue starts op; its completion is later returned by Dequeue.
	Issue(op *Operation) error
	// Post queues a completion for op without doing any I/O.
	Post(op *Operation) error
	// Cancel aborts outstanding operations of s so they complete.
	Cancel(s *socket.Socket) error
	// Dequeue blocks for the next completion. A nil op with an error means
	// the port failed or was closed.
	Dequeue() (op *Operation, transferred int, err error)
	Close() error
}

type socketOps struct {
	recv Operation
	send Operation
}

// Completion drives a CompletionPort.
type Completion struct {
	cfg  Config
	port CompletionPort
	h    Handler

	ops      sync.Map // *socket.Socket -> *socketOps
	shutdown []*Operation

	// issueMu orders issues against Close: shutdown descriptors are
	// posted only after every issue that saw exit unset has reached the
	// port.
	issueMu   sync.RWMutex
	exit      atomic.Bool
	started   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
	stats     counters
}

// NewCompletion wires port to h. Call Start to launch the workers.
func NewCompletion(port CompletionPort, cfg Config, h Handler) *Completion {
	cfg = cfg.withDefaults()
	c := &Completion{cfg: cfg, port: port, h: h}
	for i := 0; i < cfg.Threads; i++ {
		c.shutdown = append(c.shutdown, &Operation{Kind: OpShutdown})
	}
	return c
}

// Kind is KindCompletion.
func (c *Completion) Kind() Kind { return KindCompletion }

// Stats snapshots the engine counters.
func (c *Completion) Stats() Stats { return c.stats.snapshot() }

// Register associates s with the port. Its descriptors live until the
// socket is released, which is after every in-flight operation returned.
func (c *Completion) Register(s *socket.Socket) error {
	if c.exit.Load() {
		return api.ErrReactorClosed
	}
	if err := c.port.Associate(s); err != nil {
		return errors.Wrapf(err, "associate socket %d", s.ID())
	}
	c.ops.Store(s, &socketOps{
		recv: Operation{Kind: OpRecv},
		send: Operation{Kind: OpSend},
	})
	s.OnClose(func(s *socket.Socket) {
		if err := c.Deregister(s); err != nil {
			logrus.WithFields(s.Fields()).Warnf("deregister: %v", err)
		}
	})
	s.OnRelease(func(s *socket.Socket) { c.ops.Delete(s) })
	return nil
}

// Deregister cancels outstanding I/O so the held guards come back.
func (c *Completion) Deregister(s *socket.Socket) error {
	if _, ok := c.ops.Load(s); !ok {
		return nil
	}
	return c.port.Cancel(s)
}

// ArmRecv issues a read into buf, or a bare notification when buf is nil.
func (c *Completion) ArmRecv(g socket.Guard, buf []byte) error {
	return c.issue(g, socket.Recv, buf)
}

// ArmSend issues a write of buf, or a bare notification when buf is nil.
func (c *Completion) ArmSend(g socket.Guard, buf []byte) error {
	return c.issue(g, socket.Send, buf)
}

func (c *Completion) issue(g socket.Guard, dir socket.Direction, buf []byte) error {
	s := g.Socket()
	if !s.AssertLocked(dir) {
		return errors.Wrapf(api.ErrInvalidArgument, "arm %s without its lock", dir)
	}
	v, ok := c.ops.Load(s)
	if !ok || !s.IsConnected() {
		s.Close()
		g.Release()
		return api.ErrClosed
	}
	op := &v.(*socketOps).recv
	if dir == socket.Send {
		op = &v.(*socketOps).send
	}
	err := c.submit(op, g, buf)
	if err == nil {
		return nil
	}
	if err != api.ErrReactorClosed {
		c.stats.issueFailures.Add(1)
		err = errors.Wrapf(err, "issue %s", dir)
	}
	// cleanup runs callbacks that may arm again, so no lock is held here
	s.Close()
	g.Release()
	return err
}

// submit hands op to the port unless Close has begun. Nothing dequeues
// behind the shutdown descriptors.
func (c *Completion) submit(op *Operation, g socket.Guard, buf []byte) error {
	c.issueMu.RLock()
	defer c.issueMu.RUnlock()
	if c.exit.Load() {
		return api.ErrReactorClosed
	}
	op.Guard, op.Buf = g, buf
	if err := c.port.Issue(op); err != nil {
		op.Guard, op.Buf = socket.Guard{}, nil
		return err
	}
	return nil
}

// DisarmRecv is a no-op: completion ports have no standing interest.
func (c *Completion) DisarmRecv(*socket.Socket) error { return nil }

// DisarmSend is a no-op.
func (c *Completion) DisarmSend(*socket.Socket) error { return nil }

// Start launches the worker pool once.
func (c *Completion) Start() error {
	if c.exit.Load() {
		return api.ErrReactorClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.wg.Add(c.cfg.Threads)
	for i := 0; i < c.cfg.Threads; i++ {
		go c.worker(i)
	}
	logrus.Debugf("completion reactor started with %d workers", c.cfg.Threads)
	return nil
}

// Close posts one shutdown descriptor per worker, waits for them and
// closes the port. Arming fails once Close has started.
func (c *Completion) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.issueMu.Lock()
		c.exit.Store(true)
		c.issueMu.Unlock()
		if c.started.Load() {
			for _, op := range c.shutdown {
				if perr := c.port.Post(op); perr != nil {
					logrus.Warnf("post shutdown: %v", perr)
					// wake the remaining workers through the port error
					_ = c.port.Close()
					break
				}
			}
			c.wg.Wait()
		}
		err = c.port.Close()
		logrus.Debug("completion reactor stopped")
	})
	return err
}

func (c *Completion) worker(i int) {
	c.cfg.pinWorker(i)
	defer runtime.UnlockOSThread()
	defer c.wg.Done()

	// Completions queued before the shutdown descriptors are still
	// dispatched so their guards come back.
	for {
		op, n, err := c.port.Dequeue()
		c.stats.cycles.Add(1)
		if op == nil {
			if c.exit.Load() || errors.Cause(err) == api.ErrReactorClosed {
				return
			}
			logrus.Errorf("completion dequeue: %v", err)
			continue
		}
		if op.Kind == OpShutdown {
			return
		}
		c.stats.events.Add(1)
		c.dispatch(op, n, err)
	}
}

func (c *Completion) dispatch(op *Operation, n int, err error) {
	g := op.Guard
	op.Guard, op.Buf = socket.Guard{}, nil
	s := g.Socket()
	if s == nil {
		logrus.Error("completion without a guard")
		return
	}
	switch op.Kind {
	case OpRecv:
		if !s.AssertLocked(socket.Recv) {
			return
		}
		c.stats.recv.Add(1)
		invoke(s, func() { c.h.OnRecv(g, n, err) })
	case OpSend:
		if !s.AssertLocked(socket.Send) {
			return
		}
		c.stats.send.Add(1)
		invoke(s, func() { c.h.OnSend(g, n, err) })
	}
}
