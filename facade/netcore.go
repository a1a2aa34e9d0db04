// File: facade/netcore.go
// Unified facade for the hioload-netcore I/O core.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Context aggregates the block pool, buffer manager, socket registry,
// dispatcher and reactor that one process shares, plus the metrics and
// probes exposing them. Init builds and starts everything; Release tears
// it down in reverse order.

package facade

import (
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/control"
	"github.com/momentics/hioload-netcore/core/buffer"
	"github.com/momentics/hioload-netcore/core/socket"
	"github.com/momentics/hioload-netcore/pool"
	"github.com/momentics/hioload-netcore/reactor"
	"github.com/momentics/hioload-netcore/transport"
)

// ReactorFactory builds the reactor delivering events to h.
type ReactorFactory func(cfg reactor.Config, h reactor.Handler) (reactor.Reactor, error)

// Option customizes Init.
type Option func(*options)

type options struct {
	reactor     ReactorFactory
	configPath  string
	closeHandle func(uintptr) error
}

// WithReactor replaces the platform reactor.
func WithReactor(f ReactorFactory) Option {
	return func(o *options) { o.reactor = f }
}

// WithConfigPath sets the file Store.Reload reads.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithHandleCloser replaces the descriptor close used on socket release.
func WithHandleCloser(fn func(uintptr) error) Option {
	return func(o *options) { o.closeHandle = fn }
}

// Context is the process-wide I/O core.
type Context struct {
	cfg     control.Config
	store   *control.Store
	pool    *pool.BlockPool
	mgr     *buffer.Manager
	reg     *socket.Registry
	disp    *transport.Dispatcher
	r       reactor.Reactor
	metrics *control.Metrics
	probes  *control.Probes

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	released  bool
	serving   sync.WaitGroup
}

// Init validates cfg, builds every component and starts the reactor.
func Init(cfg control.Config, opts ...Option) (*Context, error) {
	o := options{reactor: func(rc reactor.Config, h reactor.Handler) (reactor.Reactor, error) {
		return reactor.New(rc, h)
	}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rc, err := cfg.ReactorSettings()
	if err != nil {
		return nil, err
	}
	p, err := pool.New(cfg.PoolSettings())
	if err != nil {
		return nil, errors.Wrap(err, "block pool")
	}
	mgr, err := buffer.NewManager(cfg.ManagerSettings(p))
	if err != nil {
		return nil, errors.Wrap(err, "buffer manager")
	}

	c := &Context{
		cfg:       cfg,
		store:     control.NewStore(cfg, o.configPath),
		pool:      p,
		mgr:       mgr,
		reg:       socket.NewRegistry(),
		metrics:   control.NewMetrics(),
		probes:    control.NewProbes(),
		listeners: make(map[net.Listener]struct{}),
	}
	c.disp = transport.NewDispatcher(mgr, c.reg)
	if o.closeHandle != nil {
		c.disp.SetHandleCloser(o.closeHandle)
	}
	if c.r, err = o.reactor(rc, c.disp); err != nil {
		return nil, errors.Wrap(err, "reactor")
	}
	c.disp.Attach(c.r)
	if err := c.r.Start(); err != nil {
		_ = c.r.Close()
		return nil, errors.Wrap(err, "start reactor")
	}

	c.store.OnReload(func(cfg control.Config) { mgr.SetErrorLog(cfg.Buffer.ErrorLog) })
	c.publish()
	logrus.Infof("netcore started: %s reactor, %d buffers, %d byte messages",
		c.r.Kind(), cfg.Buffer.Count, cfg.Buffer.MaxMessageLen)
	return c, nil
}

func (c *Context) publish() {
	rs := func(pick func(reactor.Stats) uint64) func() uint64 {
		return func() uint64 { return pick(c.r.Stats()) }
	}
	c.metrics.Collect("reactor.cycles", rs(func(s reactor.Stats) uint64 { return s.Cycles }))
	c.metrics.Collect("reactor.events", rs(func(s reactor.Stats) uint64 { return s.Events }))
	c.metrics.Collect("reactor.recv", rs(func(s reactor.Stats) uint64 { return s.RecvDispatched }))
	c.metrics.Collect("reactor.send", rs(func(s reactor.Stats) uint64 { return s.SendDispatched }))
	c.metrics.Collect("reactor.error_closes", rs(func(s reactor.Stats) uint64 { return s.ErrorCloses }))
	c.metrics.Collect("reactor.lock_misses", rs(func(s reactor.Stats) uint64 { return s.LockMisses }))
	c.metrics.Collect("reactor.issue_failures", rs(func(s reactor.Stats) uint64 { return s.IssueFailures }))

	ts := func(pick func(transport.Stats) uint64) func() uint64 {
		return func() uint64 { return pick(c.disp.Stats()) }
	}
	c.metrics.Collect("conn.opened", ts(func(s transport.Stats) uint64 { return s.Opened }))
	c.metrics.Collect("conn.closed", ts(func(s transport.Stats) uint64 { return s.Closed }))
	c.metrics.Collect("conn.failures", ts(func(s transport.Stats) uint64 { return s.Failures }))
	c.metrics.Collect("conn.messages_in", ts(func(s transport.Stats) uint64 { return s.MessagesIn }))
	c.metrics.Collect("conn.messages_out", ts(func(s transport.Stats) uint64 { return s.MessagesOut }))
	c.metrics.Collect("conn.bytes_in", ts(func(s transport.Stats) uint64 { return s.BytesIn }))
	c.metrics.Collect("conn.bytes_out", ts(func(s transport.Stats) uint64 { return s.BytesOut }))

	c.probes.Register("pool", func() any { return c.pool.Stats() })
	c.probes.Register("buffers", func() any { return c.mgr.Stats() })
	c.probes.Register("sockets", func() any {
		var out []map[string]any
		c.reg.Each(func(s *socket.Socket) { out = append(out, s.Fields()) })
		return out
	})
	control.RegisterPlatformProbes(c.probes)
}

// Config returns the configuration Init was given.
func (c *Context) Config() control.Config { return c.cfg }

// Store exposes the reloadable configuration.
func (c *Context) Store() *control.Store { return c.store }

// Metrics exposes the counters.
func (c *Context) Metrics() *control.Metrics { return c.metrics }

// Probes exposes the debug probes.
func (c *Context) Probes() *control.Probes { return c.probes }

// Reactor returns the running reactor.
func (c *Context) Reactor() reactor.Reactor { return c.r }

// Registry returns the socket registry.
func (c *Context) Registry() *socket.Registry { return c.reg }

// Buffers returns the buffer manager.
func (c *Context) Buffers() *buffer.Manager { return c.mgr }

// NewConn wraps a non-blocking descriptor. A zero opts.Limit takes the
// configured buffer limit.
func (c *Context) NewConn(fd uintptr, h transport.Handler, opts transport.Options) (*transport.Conn, error) {
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return nil, api.ErrReactorClosed
	}
	if opts.Limit == 0 {
		opts.Limit = c.cfg.Buffer.Limit
	}
	return c.disp.NewConn(fd, h, opts)
}

// Serve accepts from ln until it is closed or Release is called. Each
// accepted socket is duplicated into a connection.
func (c *Context) Serve(ln net.Listener, h transport.Handler, opts transport.Options) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return api.ErrReactorClosed
	}
	c.listeners[ln] = struct{}{}
	c.serving.Add(1)
	c.mu.Unlock()
	defer c.serving.Done()
	defer func() {
		c.mu.Lock()
		delete(c.listeners, ln)
		c.mu.Unlock()
	}()

	accepted := c.metrics.Counter("accept.total")
	failed := c.metrics.Counter("accept.errors")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			failed.Add(1)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept")
		}
		accepted.Add(1)
		if err := c.adopt(nc, h, opts); err != nil {
			failed.Add(1)
			logrus.Warnf("drop connection from %s: %v", nc.RemoteAddr(), err)
		}
	}
}

func (c *Context) adopt(nc net.Conn, h transport.Handler, opts transport.Options) error {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		_ = nc.Close()
		return errors.Wrapf(api.ErrNotSupported, "%T has no descriptor", nc)
	}
	fd, err := transport.DupConn(sc)
	if err != nil {
		_ = nc.Close()
		return err
	}
	_, err = c.NewConn(fd, h, opts)
	return err
}

// Release stops accepting, closes every connection and stops the
// reactor. It is idempotent.
func (c *Context) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	for ln := range c.listeners {
		_ = ln.Close()
	}
	c.mu.Unlock()
	c.serving.Wait()

	c.reg.CloseAll()
	err := c.r.Close()
	logrus.Infof("netcore released: %d buffers still live", c.mgr.Stats().Live)
	return err
}
