package reactor_test

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-netcore/api"
	"github.com/momentics/hioload-netcore/core/socket"
	"github.com/momentics/hioload-netcore/reactor"
)

type fakeMux struct {
	mu        sync.Mutex
	enabled   map[*socket.Socket]*[2]bool
	removed   map[*socket.Socket]bool
	enableErr error
	batches   chan []reactor.ReadyEvent
	closed    atomic.Bool
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		enabled: make(map[*socket.Socket]*[2]bool),
		removed: make(map[*socket.Socket]bool),
		batches: make(chan []reactor.ReadyEvent, 1024),
	}
}

func (f *fakeMux) Add(s *socket.Socket) error {
	f.mu.Lock()
	f.enabled[s] = &[2]bool{}
	f.mu.Unlock()
	return nil
}

func (f *fakeMux) Remove(s *socket.Socket) error {
	f.mu.Lock()
	delete(f.enabled, s)
	f.removed[s] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMux) set(s *socket.Socket, dir socket.Direction, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on && f.enableErr != nil {
		return f.enableErr
	}
	st, ok := f.enabled[s]
	if !ok {
		return errors.New("not registered")
	}
	st[dir] = on
	return nil
}

func (f *fakeMux) Enable(s *socket.Socket, dir socket.Direction) error  { return f.set(s, dir, true) }
func (f *fakeMux) Disable(s *socket.Socket, dir socket.Direction) error { return f.set(s, dir, false) }

func (f *fakeMux) isEnabled(s *socket.Socket, dir socket.Direction) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.enabled[s]
	return ok && st[dir]
}

func (f *fakeMux) isRemoved(s *socket.Socket) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[s]
}

func (f *fakeMux) Wait(events []reactor.ReadyEvent, timeout time.Duration) (int, error) {
	select {
	case batch := <-f.batches:
		return copy(events, batch), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (f *fakeMux) Close() error {
	f.closed.Store(true)
	return nil
}

// handlerFuncs adapts closures to reactor.Handler; nil callbacks release
// the guard.
type handlerFuncs struct {
	recv func(g socket.Guard, n int, err error)
	send func(g socket.Guard, n int, err error)
}

func (h handlerFuncs) OnRecv(g socket.Guard, n int, err error) {
	if h.recv == nil {
		g.Release()
		return
	}
	h.recv(g, n, err)
}

func (h handlerFuncs) OnSend(g socket.Guard, n int, err error) {
	if h.send == nil {
		g.Release()
		return
	}
	h.send(g, n, err)
}

func testConfig() reactor.Config {
	return reactor.Config{Threads: 4, BatchSize: 256, EventsPerWorker: 8, WaitTimeout: 5 * time.Millisecond}
}

func TestReadinessDispatchesUnderLock(t *testing.T) {
	mux := newFakeMux()
	var calls, unlocked atomic.Int64
	h := handlerFuncs{recv: func(g socket.Guard, n int, err error) {
		if !g.Socket().Locked(socket.Recv) || n != 0 || err != nil {
			unlocked.Add(1)
		}
		g.Release()
		calls.Add(1)
	}}
	r := reactor.NewReadiness(mux, testConfig(), h)
	require.NoError(t, r.Start())
	defer r.Close()

	var batch []reactor.ReadyEvent
	var sockets []*socket.Socket
	for i := 0; i < 100; i++ {
		s := socket.New(uintptr(i + 100))
		require.NoError(t, r.Register(s))
		sockets = append(sockets, s)
		batch = append(batch, reactor.ReadyEvent{Socket: s, Kind: reactor.EventRead})
	}
	mux.batches <- batch

	assert.Eventually(t, func() bool { return calls.Load() == 100 }, 2*time.Second, time.Millisecond)
	assert.Zero(t, unlocked.Load())
	for _, s := range sockets {
		assert.EqualValues(t, 1, s.Ref())
		assert.False(t, s.Locked(socket.Recv))
	}
	st := r.Stats()
	assert.EqualValues(t, 100, st.Events)
	assert.EqualValues(t, 100, st.RecvDispatched)
	assert.Equal(t, reactor.KindReadiness, r.Kind())
}

func TestReadinessLockGate(t *testing.T) {
	mux := newFakeMux()
	entered := make(chan socket.Guard, 4)
	r := reactor.NewReadiness(mux, testConfig(), handlerFuncs{recv: func(g socket.Guard, _ int, _ error) {
		entered <- g
	}})
	require.NoError(t, r.Start())
	defer r.Close()

	s := socket.New(7)
	require.NoError(t, r.Register(s))
	mux.batches <- []reactor.ReadyEvent{{Socket: s, Kind: reactor.EventRead}}
	g := <-entered

	// the handler still holds the recv lock: a second read event is dropped
	mux.batches <- []reactor.ReadyEvent{{Socket: s, Kind: reactor.EventRead}}
	assert.Eventually(t, func() bool { return r.Stats().LockMisses == 1 }, 2*time.Second, time.Millisecond)
	assert.Len(t, entered, 0)

	// the send direction is independent
	mux.batches <- []reactor.ReadyEvent{{Socket: s, Kind: reactor.EventWrite}}
	assert.Eventually(t, func() bool { return r.Stats().SendDispatched == 1 }, 2*time.Second, time.Millisecond)

	g.Release()
	mux.batches <- []reactor.ReadyEvent{{Socket: s, Kind: reactor.EventRead}}
	g = <-entered
	g.Release()
	assert.EqualValues(t, 1, s.Ref())
}

func TestReadinessErrorEventCloses(t *testing.T) {
	mux := newFakeMux()
	var calls atomic.Int64
	r := reactor.NewReadiness(mux, testConfig(), handlerFuncs{recv: func(g socket.Guard, _ int, _ error) {
		calls.Add(1)
		g.Release()
	}})
	require.NoError(t, r.Start())
	defer r.Close()

	s := socket.New(9)
	require.NoError(t, r.Register(s))
	mux.batches <- []reactor.ReadyEvent{{Socket: s, Kind: reactor.EventError | reactor.EventRead}}

	assert.Eventually(t, func() bool { return !s.IsConnected() }, 2*time.Second, time.Millisecond)
	assert.True(t, mux.isRemoved(s))
	assert.Zero(t, calls.Load())
	assert.EqualValues(t, 1, r.Stats().ErrorCloses)
}

func TestReadinessArmReleasesGuard(t *testing.T) {
	mux := newFakeMux()
	r := reactor.NewReadiness(mux, testConfig(), handlerFuncs{})
	s := socket.New(11)
	require.NoError(t, r.Register(s))

	g, ok := s.TryAcquire(socket.Recv)
	require.True(t, ok)
	require.NoError(t, r.ArmRecv(g, nil))
	assert.True(t, mux.isEnabled(s, socket.Recv))
	assert.False(t, s.Locked(socket.Recv))
	assert.EqualValues(t, 1, s.Ref())

	require.NoError(t, r.DisarmRecv(s))
	assert.False(t, mux.isEnabled(s, socket.Recv))

	g, ok = s.TryAcquire(socket.Send)
	require.True(t, ok)
	require.NoError(t, r.ArmSend(g, nil))
	assert.True(t, mux.isEnabled(s, socket.Send))
	require.NoError(t, r.DisarmSend(s))
	require.NoError(t, r.Close())
}

func TestReadinessArmFailureCloses(t *testing.T) {
	mux := newFakeMux()
	mux.enableErr = errors.New("ebadf")
	r := reactor.NewReadiness(mux, testConfig(), handlerFuncs{})
	s := socket.New(12)
	require.NoError(t, r.Register(s))

	g, ok := s.TryAcquire(socket.Recv)
	require.True(t, ok)
	assert.Error(t, r.ArmRecv(g, nil))
	assert.False(t, s.IsConnected())
	assert.False(t, s.Locked(socket.Recv))
	assert.EqualValues(t, 1, s.Ref())
	assert.EqualValues(t, 1, r.Stats().IssueFailures)
}

func TestReadinessClose(t *testing.T) {
	mux := newFakeMux()
	r := reactor.NewReadiness(mux, testConfig(), handlerFuncs{})
	require.NoError(t, r.Start())
	require.NoError(t, r.Start())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, mux.closed.Load())
	assert.Equal(t, api.ErrReactorClosed, r.Start())
	assert.Equal(t, api.ErrReactorClosed, r.Register(socket.New(1)))
}

func TestReadinessHandlerPanicClosesSocket(t *testing.T) {
	mux := newFakeMux()
	r := reactor.NewReadiness(mux, testConfig(), handlerFuncs{recv: func(socket.Guard, int, error) {
		panic("boom")
	}})
	require.NoError(t, r.Start())
	defer r.Close()

	s := socket.New(13)
	require.NoError(t, r.Register(s))
	mux.batches <- []reactor.ReadyEvent{{Socket: s, Kind: reactor.EventRead}}
	assert.Eventually(t, func() bool { return !s.IsConnected() }, 2*time.Second, time.Millisecond)
}

func TestReadinessRefcountStress(t *testing.T) {
	mux := newFakeMux()
	r := reactor.NewReadiness(mux, testConfig(), handlerFuncs{})
	require.NoError(t, r.Start())

	const nsock = 32
	var released [nsock]atomic.Int32
	sockets := make([]*socket.Socket, nsock)
	for i := range sockets {
		i := i
		sockets[i] = socket.New(uintptr(1000 + i))
		sockets[i].OnRelease(func(*socket.Socket) { released[i].Add(1) })
		require.NoError(t, r.Register(sockets[i]))
	}

	rnd := rand.New(rand.NewSource(1))
	total := 0
	for b := 0; b < 200; b++ {
		batch := make([]reactor.ReadyEvent, 64)
		for i := range batch {
			kind := reactor.EventRead
			if rnd.Intn(2) == 0 {
				kind = reactor.EventWrite
			}
			batch[i] = reactor.ReadyEvent{Socket: sockets[rnd.Intn(nsock)], Kind: kind}
		}
		total += len(batch)
		mux.batches <- batch
		if b == 100 {
			for _, s := range sockets[:nsock/2] {
				s.Delete()
			}
		}
	}

	assert.Eventually(t, func() bool {
		st := r.Stats()
		return st.RecvDispatched+st.SendDispatched+st.LockMisses == uint64(total)
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, r.Close())

	for _, s := range sockets[nsock/2:] {
		s.Delete()
	}
	for i, s := range sockets {
		assert.EqualValues(t, 1, released[i].Load(), "socket %d", i)
		assert.EqualValues(t, 0, s.Ref())
	}
}
