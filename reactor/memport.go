// File: reactor/memport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-process completion port. Operations complete as soon as they are
// issued unless Transfer parks them; Transfer decides what the "I/O" did.

package reactor

import (
	"sync"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/core/socket"
)

type memCompletion struct {
	op  *Operation
	n   int
	err error
}

// MemPort implements CompletionPort over a channel. It is the completion
// backend on platforms without one and the test double everywhere.
type MemPort struct {
	// Transfer performs a data operation. The default reports the whole
	// buffer as transferred. Returning api.ErrNotReady parks the operation
	// until Resume or Cancel.
	Transfer func(op *Operation) (int, error)
	// Refuse, when set, can fail an Issue synchronously.
	Refuse func(op *Operation) error

	ch        chan memCompletion
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	parked map[*socket.Socket][]*Operation
}

// NewMemPort creates a port buffering up to depth completions.
func NewMemPort(depth int) *MemPort {
	if depth <= 0 {
		depth = 4096
	}
	return &MemPort{
		ch:     make(chan memCompletion, depth),
		done:   make(chan struct{}),
		parked: make(map[*socket.Socket][]*Operation),
	}
}

// Associate accepts any socket while the port is open.
func (p *MemPort) Associate(*socket.Socket) error {
	select {
	case <-p.done:
		return api.ErrReactorClosed
	default:
		return nil
	}
}

// Issue completes op immediately.
func (p *MemPort) Issue(op *Operation) error {
	if p.Refuse != nil {
		if err := p.Refuse(op); err != nil {
			return err
		}
	}
	return p.complete(op)
}

func (p *MemPort) complete(op *Operation) error {
	var (
		n   int
		err error
	)
	if op.Buf != nil {
		if p.Transfer != nil {
			n, err = p.Transfer(op)
		} else {
			n = len(op.Buf)
		}
	}
	if err == api.ErrNotReady {
		s := op.Guard.Socket()
		p.mu.Lock()
		p.parked[s] = append(p.parked[s], op)
		p.mu.Unlock()
		return nil
	}
	return p.enqueue(memCompletion{op: op, n: n, err: err})
}

func (p *MemPort) unpark(s *socket.Socket) []*Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := p.parked[s]
	delete(p.parked, s)
	return ops
}

// Resume retries the parked operations of s.
func (p *MemPort) Resume(s *socket.Socket) error {
	for _, op := range p.unpark(s) {
		if err := p.complete(op); err != nil {
			return err
		}
	}
	return nil
}

// Post queues a zero-byte completion.
func (p *MemPort) Post(op *Operation) error {
	return p.enqueue(memCompletion{op: op})
}

func (p *MemPort) enqueue(c memCompletion) error {
	select {
	case <-p.done:
		return api.ErrReactorClosed
	default:
	}
	select {
	case p.ch <- c:
		return nil
	case <-p.done:
		return api.ErrReactorClosed
	}
}

// Cancel completes the parked operations of s with api.ErrClosed.
func (p *MemPort) Cancel(s *socket.Socket) error {
	for _, op := range p.unpark(s) {
		if err := p.enqueue(memCompletion{op: op, err: api.ErrClosed}); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue returns the next completion.
func (p *MemPort) Dequeue() (*Operation, int, error) {
	select {
	case c := <-p.ch:
		return c.op, c.n, c.err
	case <-p.done:
		return nil, 0, api.ErrReactorClosed
	}
}

// Close wakes every Dequeue with api.ErrReactorClosed.
func (p *MemPort) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
