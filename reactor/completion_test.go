package reactor_test

import (
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

type completion struct {
	n      int
	err    error
	locked bool
}

func TestCompletionDataAndNotification(t *testing.T) {
	port := reactor.NewMemPort(0)
	got := make(chan completion, 4)
	r := reactor.NewCompletion(port, testConfig(), handlerFuncs{recv: func(g socket.Guard, n int, err error) {
		c := completion{n: n, err: err, locked: g.Socket().Locked(socket.Recv)}
		g.Release()
		got <- c
	}})
	require.NoError(t, r.Start())
	defer r.Close()

	s := socket.New(21)
	require.NoError(t, r.Register(s))

	g, ok := s.TryAcquire(socket.Recv)
	require.True(t, ok)
	require.NoError(t, r.ArmRecv(g, make([]byte, 10)))
	c := <-got
	assert.Equal(t, completion{n: 10, locked: true}, c)

	g, ok = s.TryAcquire(socket.Recv)
	require.True(t, ok)
	require.NoError(t, r.ArmRecv(g, nil))
	assert.Equal(t, completion{n: 0, locked: true}, <-got)

	assert.Eventually(t, func() bool { return s.Ref() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, reactor.KindCompletion, r.Kind())
	assert.NoError(t, r.DisarmRecv(s))
	assert.NoError(t, r.DisarmSend(s))
}

func TestCompletionRearmFromHandler(t *testing.T) {
	port := reactor.NewMemPort(0)
	var (
		r     *reactor.Completion
		calls atomic.Int64
		done  = make(chan struct{})
	)
	r = reactor.NewCompletion(port, testConfig(), handlerFuncs{send: func(g socket.Guard, n int, err error) {
		if calls.Add(1) < 5 {
			assert.NoError(t, r.ArmSend(g, make([]byte, 3)))
			return
		}
		g.Release()
		close(done)
	}})
	require.NoError(t, r.Start())
	defer r.Close()

	s := socket.New(22)
	require.NoError(t, r.Register(s))
	g, ok := s.TryAcquire(socket.Send)
	require.True(t, ok)
	require.NoError(t, r.ArmSend(g, make([]byte, 3)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send chain did not finish")
	}
	assert.EqualValues(t, 5, calls.Load())
	assert.EqualValues(t, 5, r.Stats().SendDispatched)
	assert.EqualValues(t, 1, s.Ref())
}

func TestCompletionTransferError(t *testing.T) {
	port := reactor.NewMemPort(0)
	port.Transfer = func(op *reactor.Operation) (int, error) { return 0, errors.New("reset by peer") }
	got := make(chan error, 1)
	r := reactor.NewCompletion(port, testConfig(), handlerFuncs{recv: func(g socket.Guard, _ int, err error) {
		got <- err
		g.Socket().Close()
		g.Release()
	}})
	require.NoError(t, r.Start())
	defer r.Close()

	s := socket.New(23)
	require.NoError(t, r.Register(s))
	g, _ := s.TryAcquire(socket.Recv)
	require.NoError(t, r.ArmRecv(g, make([]byte, 8)))
	assert.EqualError(t, <-got, "reset by peer")
}

func TestCompletionIssueFailureClosesAndReleases(t *testing.T) {
	port := reactor.NewMemPort(0)
	port.Refuse = func(*reactor.Operation) error { return errors.New("wsasend failed") }
	r := reactor.NewCompletion(port, testConfig(), handlerFuncs{})

	s := socket.New(24)
	var released atomic.Int32
	s.OnRelease(func(*socket.Socket) { released.Add(1) })
	require.NoError(t, r.Register(s))

	g, ok := s.TryAcquire(socket.Send)
	require.True(t, ok)
	assert.Error(t, r.ArmSend(g, make([]byte, 4)))
	assert.False(t, s.IsConnected())
	assert.False(t, s.Locked(socket.Send))
	assert.EqualValues(t, 1, s.Ref())
	assert.EqualValues(t, 1, r.Stats().IssueFailures)

	s.Delete()
	assert.EqualValues(t, 1, released.Load())
	require.NoError(t, r.Close())
}

func TestCompletionArmAfterCloseFails(t *testing.T) {
	r := reactor.NewCompletion(reactor.NewMemPort(0), testConfig(), handlerFuncs{})
	s := socket.New(25)
	require.NoError(t, r.Register(s))
	g, ok := s.TryAcquire(socket.Recv)
	require.True(t, ok)
	s.Close()
	assert.Equal(t, api.ErrClosed, r.ArmRecv(g, nil))
	assert.EqualValues(t, 1, s.Ref())
}

func TestCompletionCloseStopsEveryWorker(t *testing.T) {
	port := reactor.NewMemPort(0)
	cfg := testConfig()
	cfg.Threads = 6
	r := reactor.NewCompletion(port, cfg, handlerFuncs{})
	require.NoError(t, r.Start())

	closed := make(chan error, 1)
	go func() { closed <- r.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close hung")
	}
	assert.Equal(t, api.ErrReactorClosed, r.Start())
	assert.Equal(t, api.ErrReactorClosed, r.Register(socket.New(26)))
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]reactor.Kind{
		"":           reactor.KindAuto,
		"auto":       reactor.KindAuto,
		"readiness":  reactor.KindReadiness,
		"EPOLL":      reactor.KindReadiness,
		"completion": reactor.KindCompletion,
		"iocp":       reactor.KindCompletion,
	} {
		got, err := reactor.ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := reactor.ParseKind("select")
	assert.Equal(t, api.ErrInvalidArgument, errors.Cause(err))
	assert.Equal(t, "completion", reactor.KindCompletion.String())
}

func TestMemPortParksUntilResumeOrCancel(t *testing.T) {
	port := reactor.NewMemPort(0)
	var ready atomic.Bool
	port.Transfer = func(op *reactor.Operation) (int, error) {
		if !ready.Load() {
			return 0, api.ErrNotReady
		}
		return len(op.Buf), nil
	}
	got := make(chan completion, 2)
	r := reactor.NewCompletion(port, testConfig(), handlerFuncs{recv: func(g socket.Guard, n int, err error) {
		c := completion{n: n, err: err}
		g.Release()
		got <- c
	}})
	require.NoError(t, r.Start())
	defer r.Close()

	s := socket.New(27)
	require.NoError(t, r.Register(s))
	g, _ := s.TryAcquire(socket.Recv)
	require.NoError(t, r.ArmRecv(g, make([]byte, 6)))
	select {
	case <-got:
		t.Fatal("parked operation completed")
	case <-time.After(20 * time.Millisecond):
	}
	ready.Store(true)
	require.NoError(t, port.Resume(s))
	assert.Equal(t, completion{n: 6}, <-got)

	ready.Store(false)
	g, _ = s.TryAcquire(socket.Recv)
	require.NoError(t, r.ArmRecv(g, make([]byte, 6)))
	s.Close()
	assert.Equal(t, completion{err: api.ErrClosed}, <-got)
}

func TestCompletionArmDuringCloseFails(t *testing.T) {
	port := reactor.NewMemPort(0)
	r := reactor.NewCompletion(port, testConfig(), handlerFuncs{})
	require.NoError(t, r.Start())
	require.NoError(t, r.Close())

	s := socket.New(28)
	g, ok := s.TryAcquire(socket.Send)
	require.True(t, ok)
	assert.Error(t, r.ArmSend(g, make([]byte, 1)))
	assert.False(t, s.Locked(socket.Send))
}

func TestCompletionCloseRacingArmsStrandsNoGuard(t *testing.T) {
	for round := 0; round < 20; round++ {
		port := reactor.NewMemPort(0)
		var r *reactor.Completion
		r = reactor.NewCompletion(port, testConfig(), handlerFuncs{recv: func(g socket.Guard, n int, err error) {
			if err != nil {
				g.Release()
				return
			}
			_ = r.ArmRecv(g, make([]byte, 8))
		}})
		require.NoError(t, r.Start())

		sockets := make([]*socket.Socket, 16)
		start := make(chan struct{})
		armed := make(chan struct{}, len(sockets))
		for i := range sockets {
			s := socket.New(uintptr(100 + i))
			require.NoError(t, r.Register(s))
			sockets[i] = s
			go func() {
				<-start
				if g, ok := s.TryAcquire(socket.Recv); ok {
					_ = r.ArmRecv(g, make([]byte, 8))
				}
				armed <- struct{}{}
			}()
		}
		close(start)
		require.NoError(t, r.Close())
		for range sockets {
			<-armed
		}

		for _, s := range sockets {
			assert.False(t, s.Locked(socket.Recv), "socket %d", s.ID())
			assert.EqualValues(t, 1, s.Ref(), "socket %d", s.ID())
		}
	}
}
