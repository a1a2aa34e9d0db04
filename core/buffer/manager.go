// File: core/buffer/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Factory for socket net buffers. Owns the sizing shared by every buffer
// and bounds how many buffers may be alive at once.

package buffer

import (
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/pool"
)

// compressHeadroom is added to the io frame limit so a compressed chunk
// of a full logic chunk still fits one frame.
const compressHeadroom = 512

// DefaultTGWScanBudget bounds the bytes inspected per AddWrite while
// looking for the end of a TGW header.
const DefaultTGWScanBudget = 256

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Pool          *pool.BlockPool
	MaxMessageLen int  // largest application message
	BufferCount   int  // maximum live NetBuffers
	TGWScanBudget int  // defaults to DefaultTGWScanBudget
	ErrorLog      bool // log framing errors
}

// ManagerStats is a snapshot of buffer usage.
type ManagerStats struct {
	Live     int64
	Limit    int
	Created  uint64
	Released uint64
	Pools    []pool.Stats
}

// Manager creates NetBuffers.
type Manager struct {
	pool          *pool.BlockPool
	maxMessageLen int
	bufferCount   int
	tgwBudget     int
	errorLog      atomic.Bool

	live     atomic.Int64
	created  atomic.Uint64
	released atomic.Uint64
}

// NewManager validates cfg. A nil pool or zero size is an error.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Pool == nil || cfg.MaxMessageLen <= 0 || cfg.BufferCount <= 0 {
		return nil, errors.Wrap(api.ErrInvalidArgument, "buffer manager needs a pool, message length and buffer count")
	}
	if cfg.TGWScanBudget <= 0 {
		cfg.TGWScanBudget = DefaultTGWScanBudget
	}
	m := &Manager{
		pool:          cfg.Pool,
		maxMessageLen: cfg.MaxMessageLen,
		bufferCount:   cfg.BufferCount,
		tgwBudget:     cfg.TGWScanBudget,
	}
	m.errorLog.Store(cfg.ErrorLog)
	return m, nil
}

// MaxMessageLen is the logic-side frame limit of every buffer.
func (m *Manager) MaxMessageLen() int { return m.maxMessageLen }

// SetErrorLog toggles logging of framing errors.
func (m *Manager) SetErrorLog(on bool) { m.errorLog.Store(on) }

// NewBuffer creates a buffer drawing blocks of the given class. It fails
// with api.ErrResourceExhausted once BufferCount buffers are alive.
func (m *Manager) NewBuffer(class pool.SizeClass) (*NetBuffer, error) {
	if m.live.Add(1) > int64(m.bufferCount) {
		m.live.Add(-1)
		return nil, errors.Wrapf(api.ErrResourceExhausted, "net buffer limit %d reached", m.bufferCount)
	}
	m.created.Add(1)
	alloc := m.pool.Class(class)
	return &NetBuffer{
		mgr:   m,
		class: class,
		io:    NewBlockList(alloc, m.maxMessageLen+compressHeadroom),
		logic: NewBlockList(alloc, m.maxMessageLen),
	}, nil
}

func (m *Manager) bufferReleased() {
	m.live.Add(-1)
	m.released.Add(1)
}

// Stats snapshots buffer and pool usage.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Live:     m.live.Load(),
		Limit:    m.bufferCount,
		Created:  m.created.Load(),
		Released: m.released.Load(),
		Pools:    m.pool.Stats(),
	}
}

// scratch returns a temporary buffer of exactly size bytes; hand it back
// with freeScratch.
func scratch(size int) []byte {
	return mcache.Malloc(size)
}

func freeScratch(b []byte) {
	mcache.Free(b)
}
