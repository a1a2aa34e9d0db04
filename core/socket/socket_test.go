package socket_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-netcore/core/socket"
)

func TestNewSocket(t *testing.T) {
	a, b := socket.New(3), socket.New(4)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.EqualValues(t, 1, a.Ref())
	assert.True(t, a.IsConnected())
	assert.False(t, a.IsDeleted())
	assert.EqualValues(t, 3, a.Handle())
}

func TestDirectionLocksAreIndependent(t *testing.T) {
	s := socket.New(1)
	recv, ok := s.TryAcquire(socket.Recv)
	require.True(t, ok)
	_, ok = s.TryAcquire(socket.Recv)
	assert.False(t, ok)

	send, ok := s.TryAcquire(socket.Send)
	require.True(t, ok)
	assert.EqualValues(t, 3, s.Ref())
	assert.True(t, s.AssertLocked(socket.Recv))
	assert.Equal(t, socket.Send, send.Direction())

	recv.Release()
	assert.False(t, s.Locked(socket.Recv))
	assert.False(t, s.AssertLocked(socket.Recv))
	send.Release()
	assert.EqualValues(t, 1, s.Ref())

	var zero socket.Guard
	assert.False(t, zero.Valid())
	zero.Release()
}

func TestCloseIsIdempotent(t *testing.T) {
	s := socket.New(1)
	var calls, winners atomic.Int32
	s.OnClose(func(*socket.Socket) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Close() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, winners.Load())
	assert.False(t, s.IsConnected())

	_, ok := s.TryAcquire(socket.Send)
	assert.False(t, ok)
}

func TestReleaseWaitsForInflightOperations(t *testing.T) {
	s := socket.New(1)
	var released atomic.Int32
	s.OnRelease(func(*socket.Socket) { released.Add(1) })

	g, ok := s.TryAcquire(socket.Recv)
	require.True(t, ok)
	s.Delete()
	s.Delete()
	assert.True(t, s.IsDeleted())
	assert.False(t, s.IsReleased())
	assert.Zero(t, released.Load())

	g.Release()
	assert.True(t, s.IsReleased())
	assert.EqualValues(t, 1, released.Load())
	assert.EqualValues(t, 0, s.Ref())
}

func TestRefcountStress(t *testing.T) {
	s := socket.New(1)
	var (
		released atomic.Int32
		holders  [2]atomic.Int32
		overlap  atomic.Bool
		wg       sync.WaitGroup
	)
	s.OnRelease(func(*socket.Socket) { released.Add(1) })

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			dir := socket.Direction(w % 2)
			for i := 0; i < 5000; i++ {
				g, ok := s.TryAcquire(dir)
				if !ok {
					continue
				}
				if holders[dir].Add(1) != 1 {
					overlap.Store(true)
				}
				if s.Ref() < 1 || s.IsReleased() {
					overlap.Store(true)
				}
				holders[dir].Add(-1)
				g.Release()
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if g, ok := s.TryAcquire(socket.Send); ok {
				g.Release()
			}
		}
		s.Delete()
	}()
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.EqualValues(t, 1, released.Load())
	assert.EqualValues(t, 0, s.Ref())
	assert.False(t, s.Locked(socket.Recv))
	assert.False(t, s.Locked(socket.Send))
}

func TestRegistry(t *testing.T) {
	r := socket.NewRegistry()
	a, b, c := socket.New(10), socket.New(11), socket.New(12)
	for _, s := range []*socket.Socket{c, a, b} {
		r.Add(s)
	}
	assert.Equal(t, 3, r.Len())

	var order []uint64
	r.Each(func(s *socket.Socket) { order = append(order, s.ID()) })
	assert.Equal(t, []uint64{a.ID(), b.ID(), c.ID()}, order)

	got, ok := r.Get(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)

	assert.True(t, r.Remove(b))
	assert.False(t, r.Remove(b))
	assert.True(t, b.IsReleased())
	_, ok = r.Get(b.ID())
	assert.False(t, ok)

	r.CloseAll()
	assert.Equal(t, 0, r.Len())
	assert.True(t, a.IsReleased())
	assert.True(t, c.IsReleased())
	assert.False(t, c.IsConnected())
}
