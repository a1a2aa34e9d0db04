// File: pool/blockpool.go
// Package pool implements the two-class block allocator shared by all
// socket buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Each class owns an arena of slots indexed by handle and a FIFO of free
// handles. Slots are created lazily up to the configured count and are
// never returned to the Go heap while the pool lives.

package pool

import (
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/internal/concurrency"
)

// Config sizes both classes. Every field must be positive.
type Config struct {
	BigCount   int
	BigSize    int
	SmallCount int
	SmallSize  int
}

// Stats is a snapshot of one class.
type Stats struct {
	Class     string
	BlockSize int
	Limit     int
	Slots     int    // slots created so far
	InUse     int64  // blocks handed out and not yet released
	Acquired  uint64 // successful acquires
	Released  uint64
	Exhausted uint64 // acquires refused because the class hit its limit
}

// BlockPool holds the big and small classes.
type BlockPool struct {
	classes [2]*ClassPool
}

// New validates cfg and builds an empty pool.
func New(cfg Config) (*BlockPool, error) {
	if cfg.BigCount <= 0 || cfg.BigSize <= 0 || cfg.SmallCount <= 0 || cfg.SmallSize <= 0 {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "block pool sizing %+v", cfg)
	}
	p := &BlockPool{}
	p.classes[SmallBlock] = newClassPool(SmallBlock, cfg.SmallSize, cfg.SmallCount)
	p.classes[BigBlock] = newClassPool(BigBlock, cfg.BigSize, cfg.BigCount)
	return p, nil
}

// Class returns the allocator for c.
func (p *BlockPool) Class(c SizeClass) *ClassPool {
	return p.classes[c]
}

// Stats returns small then big class statistics.
func (p *BlockPool) Stats() []Stats {
	return []Stats{p.classes[SmallBlock].Stats(), p.classes[BigBlock].Stats()}
}

// ClassPool allocates blocks of a single capacity.
type ClassPool struct {
	class SizeClass
	size  int
	limit int

	lock  concurrency.SpinLock
	slots []*Block
	free  *queue.Queue // of uint32 handles

	inUse     atomic.Int64
	acquired  atomic.Uint64
	released  atomic.Uint64
	exhausted atomic.Uint64
}

func newClassPool(class SizeClass, size, limit int) *ClassPool {
	return &ClassPool{
		class: class,
		size:  size,
		limit: limit,
		free:  queue.New(),
	}
}

// BlockSize is the capacity of every block of this class.
func (cp *ClassPool) BlockSize() int { return cp.size }

// Acquire returns a block with all cursors at zero, or nil when the class
// is exhausted. Contents are whatever the previous user left.
func (cp *ClassPool) Acquire() *Block {
	cp.lock.Lock()
	var b *Block
	if cp.free.Length() > 0 {
		b = cp.slots[cp.free.Remove().(uint32)]
	} else if len(cp.slots) < cp.limit {
		b = &Block{
			handle: uint32(len(cp.slots)),
			class:  cp.class,
			buf:    make([]byte, cp.size),
		}
		cp.slots = append(cp.slots, b)
	}
	if b != nil {
		b.inUse = true
	}
	cp.lock.Unlock()

	if b == nil {
		if cp.exhausted.Add(1) == 1 {
			logrus.Warnf("%s block pool exhausted at %d blocks", cp.class, cp.limit)
		}
		return nil
	}
	b.reset()
	cp.inUse.Add(1)
	cp.acquired.Add(1)
	return b
}

// Release hands b back. Releasing a block twice, or a block of another
// pool, is logged and ignored.
func (cp *ClassPool) Release(b *Block) {
	if b == nil {
		return
	}
	cp.lock.Lock()
	owned := b.class == cp.class && int(b.handle) < len(cp.slots) && cp.slots[b.handle] == b
	valid := owned && b.inUse
	if valid {
		b.inUse = false
		cp.free.Add(b.handle)
	}
	cp.lock.Unlock()

	if !valid {
		logrus.Errorf("%s block pool: bad release of handle %d (owned=%v)", cp.class, b.handle, owned)
		return
	}
	cp.inUse.Add(-1)
	cp.released.Add(1)
}

// Stats snapshots the class counters.
func (cp *ClassPool) Stats() Stats {
	cp.lock.Lock()
	slots := len(cp.slots)
	cp.lock.Unlock()
	return Stats{
		Class:     cp.class.String(),
		BlockSize: cp.size,
		Limit:     cp.limit,
		Slots:     slots,
		InUse:     cp.inUse.Load(),
		Acquired:  cp.acquired.Load(),
		Released:  cp.released.Load(),
		Exhausted: cp.exhausted.Load(),
	}
}
