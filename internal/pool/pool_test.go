package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/worker"
)

func TestTargetRejectsBelowOne(t *testing.T) {
	t.Parallel()

	target := NewTarget(0)
	require.Equal(t, 1, target.Get())
	require.ErrorIs(t, target.Set(0), ErrInvalidTarget)
	require.NoError(t, target.Set(7))
	require.Equal(t, 7, target.Get())
}

func TestManager_ReachesTargetWithSpacing(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	m := New(NewTarget(3), rec.factory, rec.hooks(), Config{
		TickInterval: 5 * time.Millisecond,
		StartSpacing: 40 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return m.Alive() == 3 }, 2*time.Second, 5*time.Millisecond)
	starts := rec.startTimes()
	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		require.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 35*time.Millisecond)
	}

	m.Stop()
	require.Zero(t, m.Join())
	require.Equal(t, int64(3), rec.exits.Load())
}

func TestManager_ReplacesExitedWorkers(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.crashFirst = 1
	m := New(NewTarget(1), rec.factory, rec.hooks(), Config{
		TickInterval: 5 * time.Millisecond,
		StartSpacing: time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return m.Starts() == 2 && m.Alive() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []worker.ExitReason{worker.ExitTransport}, rec.exitReasons())

	infos := m.Workers()
	require.Len(t, infos, 1)
	require.Equal(t, "2", infos[0].ID)
	require.Equal(t, "idle", infos[0].State)

	m.Stop()
	m.Join()
}

func TestManager_TargetReductionIsLazy(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	target := NewTarget(2)
	m := New(target, rec.factory, rec.hooks(), Config{
		TickInterval: 5 * time.Millisecond,
		StartSpacing: time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return m.Alive() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, target.Set(1))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 2, m.Alive())
	require.Equal(t, int64(2), m.Starts())

	m.Stop()
	m.Join()
}

func TestManager_StopBlocksNewStarts(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	m := New(NewTarget(5), rec.factory, rec.hooks(), Config{
		TickInterval: 5 * time.Millisecond,
		StartSpacing: time.Hour,
	}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return m.Alive() == 1 }, time.Second, time.Millisecond)
	m.Stop()
	require.True(t, m.Stopped())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("manager kept waiting for start spacing after stop")
	}
	require.Zero(t, m.Join())
	require.Equal(t, int64(1), m.Starts())
}

func TestManager_JoinIsBounded(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.ignoreStop = true
	m := New(NewTarget(1), rec.factory, rec.hooks(), Config{
		TickInterval: 5 * time.Millisecond,
		StartSpacing: time.Millisecond,
		JoinTimeout:  20 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	require.Eventually(t, func() bool { return m.Alive() == 1 }, time.Second, time.Millisecond)

	m.Stop()
	require.Equal(t, 1, m.Join())
	cancel()
	require.Eventually(t, func() bool { return m.Alive() == 0 }, time.Second, time.Millisecond)
}

func TestManager_TargetReductionStopsPendingStarts(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	target := NewTarget(3)
	m := New(target, rec.factory, Hooks{
		OnStart: func(string) {
			rec.hooks().OnStart("")
			_ = target.Set(1)
		},
	}, Config{
		TickInterval: 5 * time.Millisecond,
		StartSpacing: 60 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return m.Alive() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int64(1), m.Starts())
	require.Equal(t, 1, m.Alive())

	m.Stop()
	m.Join()
}

// --- fakes ---

type recorder struct {
	mu         sync.Mutex
	starts     []time.Time
	reasons    []worker.ExitReason
	exits      atomic.Int64
	crashFirst int64
	ignoreStop bool
	created    atomic.Int64
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) factory(id string, stop worker.StopSignal) Runner {
	n := r.created.Add(1)
	return &fakeRunner{id: id, stop: stop, crash: n <= r.crashFirst, ignoreStop: r.ignoreStop}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnStart: func(string) {
			r.mu.Lock()
			r.starts = append(r.starts, time.Now())
			r.mu.Unlock()
		},
		OnExit: func(_ string, reason worker.ExitReason) {
			r.exits.Add(1)
			if reason == worker.ExitStopped {
				return
			}
			r.mu.Lock()
			r.reasons = append(r.reasons, reason)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) startTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.starts...)
}

func (r *recorder) exitReasons() []worker.ExitReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]worker.ExitReason(nil), r.reasons...)
}

type fakeRunner struct {
	id         string
	stop       worker.StopSignal
	crash      bool
	ignoreStop bool
	state      atomic.Int32
}

func (f *fakeRunner) ID() string { return f.id }

func (f *fakeRunner) State() worker.State { return worker.State(f.state.Load()) }

func (f *fakeRunner) Run(ctx context.Context) worker.ExitReason {
	if f.crash {
		f.state.Store(int32(worker.StateTerminating))
		return worker.ExitTransport
	}
	f.state.Store(int32(worker.StateIdle))
	for {
		select {
		case <-ctx.Done():
			return worker.ExitCanceled
		case <-time.After(2 * time.Millisecond):
		}
		if !f.ignoreStop && f.stop.Stopped() {
			f.state.Store(int32(worker.StateTerminating))
			return worker.ExitStopped
		}
	}
}
