// File: transport/dispatcher.go
// Package transport binds sockets, net buffers and a reactor into framed
// message connections.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/core/buffer"
	"github.com/momentics/hioload-netcore/core/socket"
	"github.com/momentics/hioload-netcore/reactor"
)

// Stats counts connection activity across a dispatcher.
type Stats struct {
	Conns       int
	Opened      uint64
	Closed      uint64
	MessagesIn  uint64
	MessagesOut uint64
	BytesIn     uint64
	BytesOut    uint64
	Failures    uint64
}

type counters struct {
	opened, closed, msgIn, msgOut, bytesIn, bytesOut, failures atomic.Uint64
}

// Dispatcher routes reactor callbacks to the Conn stored in each socket's
// context. Create it, build the reactor with it as handler, then Attach.
type Dispatcher struct {
	mgr *buffer.Manager
	reg *socket.Registry
	r   reactor.Reactor

	completion  bool
	closeHandle func(uintptr) error
	stats       counters
}

// NewDispatcher creates a dispatcher allocating buffers from mgr and
// tracking sockets in reg.
func NewDispatcher(mgr *buffer.Manager, reg *socket.Registry) *Dispatcher {
	return &Dispatcher{
		mgr:         mgr,
		reg:         reg,
		closeHandle: closeHandle,
	}
}

// Attach binds the reactor that delivers events to d.
func (d *Dispatcher) Attach(r reactor.Reactor) {
	d.r = r
	d.completion = r.Kind() == reactor.KindCompletion
}

// SetHandleCloser replaces the function that closes a released socket's
// descriptor.
func (d *Dispatcher) SetHandleCloser(fn func(uintptr) error) {
	d.closeHandle = fn
}

// Registry returns the socket registry.
func (d *Dispatcher) Registry() *socket.Registry { return d.reg }

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Conns:       d.reg.Len(),
		Opened:      d.stats.opened.Load(),
		Closed:      d.stats.closed.Load(),
		MessagesIn:  d.stats.msgIn.Load(),
		MessagesOut: d.stats.msgOut.Load(),
		BytesIn:     d.stats.bytesIn.Load(),
		BytesOut:    d.stats.bytesOut.Load(),
		Failures:    d.stats.failures.Load(),
	}
}

// NewConn takes ownership of fd, which must be non-blocking, and starts
// receiving on it. The descriptor is closed when the connection is
// released, including when NewConn fails.
func (d *Dispatcher) NewConn(fd uintptr, h Handler, opts Options) (*Conn, error) {
	if d.r == nil {
		_ = d.closeHandle(fd)
		return nil, errors.Wrap(api.ErrNotReady, "dispatcher has no reactor")
	}
	recv, send, err := d.newBuffers(opts)
	if err != nil {
		_ = d.closeHandle(fd)
		return nil, err
	}
	c := &Conn{d: d, h: h, recv: recv, send: send}
	s := socket.New(fd)
	c.s = s
	s.SetContext(c)
	s.OnRelease(c.release)

	if err := d.r.Register(s); err != nil {
		s.Delete()
		return nil, errors.Wrap(err, "register socket")
	}
	d.reg.Add(s)
	s.OnClose(c.closed)
	d.stats.opened.Add(1)

	g, ok := s.TryAcquire(socket.Recv)
	if !ok {
		return nil, errors.Wrap(api.ErrClosed, "socket closed during setup")
	}
	if err := c.armRecv(g); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Dispatcher) newBuffers(opts Options) (recv, send *buffer.NetBuffer, err error) {
	if recv, err = d.mgr.NewBuffer(opts.Class); err != nil {
		return nil, nil, err
	}
	if send, err = d.mgr.NewBuffer(opts.Class); err != nil {
		recv.Release()
		return nil, nil, err
	}
	if err = opts.apply(recv, send); err != nil {
		recv.Release()
		send.Release()
		return nil, nil, err
	}
	return recv, send, nil
}

// OnRecv implements reactor.Handler.
func (d *Dispatcher) OnRecv(g socket.Guard, transferred int, err error) {
	if c := connOf(g); c != nil {
		c.onRecv(g, transferred, err)
	}
}

// OnSend implements reactor.Handler.
func (d *Dispatcher) OnSend(g socket.Guard, transferred int, err error) {
	if c := connOf(g); c != nil {
		c.onSend(g, transferred, err)
	}
}

func connOf(g socket.Guard) *Conn {
	s := g.Socket()
	if c, ok := s.Context().(*Conn); ok {
		return c
	}
	logrus.WithFields(s.Fields()).Error("event for socket without connection")
	s.Close()
	g.Release()
	return nil
}
