// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Named runtime counters. Hot-path owners keep their own atomics and
// publish them here as collectors; Counter serves code without one.

package control

import (
	"sync"
	"sync/atomic"
)

// Metrics holds counters and collectors by name.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*atomic.Uint64
	collectors map[string]func() uint64
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]*atomic.Uint64),
		collectors: make(map[string]func() uint64),
	}
}

// Counter returns the counter for name, creating it on first use.
func (m *Metrics) Counter(name string) *atomic.Uint64 {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; !ok {
		c = new(atomic.Uint64)
		m.counters[name] = c
	}
	return c
}

// Collect publishes a value read at snapshot time.
func (m *Metrics) Collect(name string, fn func() uint64) {
	m.mu.Lock()
	m.collectors[name] = fn
	m.mu.Unlock()
}

// Snapshot reads every counter and collector.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.counters)+len(m.collectors))
	for k, c := range m.counters {
		out[k] = c.Load()
	}
	for k, fn := range m.collectors {
		out[k] = fn()
	}
	return out
}
