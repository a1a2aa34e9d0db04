// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral event reactor interface. Two engines implement it: a
// readiness engine over a Multiplexer (epoll, kqueue) and a completion
// engine over a CompletionPort (IOCP).

package reactor

import (
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-netcore/affinity"
	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/core/socket"
	"github.com/momentics/hioload-netcore/internal/concurrency"
)

// Kind selects the engine.
type Kind uint8

const (
	KindAuto Kind = iota
	KindReadiness
	KindCompletion
)

func (k Kind) String() string {
	switch k {
	case KindReadiness:
		return "readiness"
	case KindCompletion:
		return "completion"
	}
	return "auto"
}

// ParseKind accepts "auto", "readiness" and "completion".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KindAuto, nil
	case "readiness", "epoll", "kqueue":
		return KindReadiness, nil
	case "completion", "iocp":
		return KindCompletion, nil
	}
	return KindAuto, errors.Wrapf(api.ErrInvalidArgument, "reactor kind %q", s)
}

// Config tunes an engine. Zero fields take the defaults below.
type Config struct {
	Kind            Kind
	Threads         int           // worker count, runtime.NumCPU() by default
	BatchSize       int           // readiness events per wait, 4096
	EventsPerWorker int           // readiness events per woken worker, 8
	WaitTimeout     time.Duration // readiness wait timeout, 50ms
	PinWorkers      bool          // bind worker i to CPU i modulo the CPU count
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Kind:            KindAuto,
		Threads:         concurrency.DefaultThreads(),
		BatchSize:       4096,
		EventsPerWorker: 8,
		WaitTimeout:     50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threads <= 0 {
		c.Threads = d.Threads
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.EventsPerWorker <= 0 {
		c.EventsPerWorker = d.EventsPerWorker
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	return c
}

// Handler receives completed or ready operations on worker threads. The
// guard holds the direction lock and one reference; the handler must pass
// it to ArmRecv/ArmSend or Release it. Readiness engines report
// transferred 0 and a nil error: the handler performs the I/O itself.
type Handler interface {
	OnRecv(g socket.Guard, transferred int, err error)
	OnSend(g socket.Guard, transferred int, err error)
}

// Reactor multiplexes socket events over a fixed worker pool.
type Reactor interface {
	// Register starts tracking s; closing s deregisters it.
	Register(s *socket.Socket) error
	Deregister(s *socket.Socket) error

	// ArmRecv and ArmSend consume the guard. A nil buf asks for a
	// notification only; a completion engine otherwise issues the I/O
	// into buf. On failure the socket is closed and the guard released.
	ArmRecv(g socket.Guard, buf []byte) error
	ArmSend(g socket.Guard, buf []byte) error

	DisarmRecv(s *socket.Socket) error
	DisarmSend(s *socket.Socket) error

	Start() error
	Close() error
	Kind() Kind
	Stats() Stats
}

// New builds the engine selected by cfg.Kind for this platform.
func New(cfg Config, h Handler) (Reactor, error) {
	cfg = cfg.withDefaults()
	kind := cfg.Kind
	if kind == KindAuto {
		kind = defaultKind
	}
	switch kind {
	case KindReadiness:
		mux, err := newMultiplexer()
		if err != nil {
			return nil, err
		}
		return NewReadiness(mux, cfg, h), nil
	case KindCompletion:
		port, err := newCompletionPort(cfg.Threads)
		if err != nil {
			return nil, err
		}
		return NewCompletion(port, cfg, h), nil
	}
	return nil, errors.Wrapf(api.ErrInvalidArgument, "reactor kind %d", kind)
}

// Stats counts engine activity.
type Stats struct {
	Cycles         uint64 // readiness waits or completion dequeues
	Events         uint64
	RecvDispatched uint64
	SendDispatched uint64
	ErrorCloses    uint64
	LockMisses     uint64 // events dropped because the direction was busy
	IssueFailures  uint64
}

type counters struct {
	cycles, events, recv, send, errorCloses, lockMisses, issueFailures atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Cycles:         c.cycles.Load(),
		Events:         c.events.Load(),
		RecvDispatched: c.recv.Load(),
		SendDispatched: c.send.Load(),
		ErrorCloses:    c.errorCloses.Load(),
		LockMisses:     c.lockMisses.Load(),
		IssueFailures:  c.issueFailures.Load(),
	}
}

// pinWorker locks the calling goroutine to its OS thread and, when
// configured, the thread to one CPU.
func (c Config) pinWorker(i int) {
	runtime.LockOSThread()
	if !c.PinWorkers {
		return
	}
	if err := affinity.SetAffinity(i % runtime.NumCPU()); err != nil {
		logrus.Warnf("pin worker %d: %v", i, err)
	}
}

// invoke runs a handler callback; a panic closes the socket instead of
// killing the worker.
func invoke(s *socket.Socket, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logrus.WithFields(s.Fields()).Errorf("handler panic: %v", p)
			s.Close()
		}
	}()
	fn()
}
