package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, FlushInterval: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(rowEvent(2))
	hub.Emit(rowEvent(3))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnInterval(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, FlushInterval: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{RunID: "run", Stage: StageRunStart})
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, sink.Batches()[0][0].TS.IsZero(), "emit stamps missing timestamps")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{RunID: "run", Stage: StageRowDone})
	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(Event{RunID: "run", Stage: "BOGUS"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.True(t, sink.closed)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop(), dropLog: rate.NewLimiter(rate.Every(time.Hour), 1)}
	start := time.Now()
	hub.Emit(rowEvent(2))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(0), hub.dropped.Load())
}

func TestHubCloseDrainsPending(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, FlushInterval: time.Minute}, sink)
	hub.Emit(rowEvent(2))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)

	hub.Emit(rowEvent(3))
	require.Len(t, sink.Batches(), 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.NoError(t, Event{RunID: "r", TS: now, Stage: StageWorkerStart, WorkerID: "1"}.Validate())
	require.Error(t, Event{RunID: "r", TS: now, Stage: StageWorkerExit}.Validate())
	require.Error(t, Event{RunID: "r", TS: now, Stage: StageFlush, Count: -1}.Validate())
	require.Error(t, Event{RunID: "r", TS: now, Stage: StageFlush, Dur: -time.Second}.Validate())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink { return &stubSink{} }

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func rowEvent(row int) Event {
	return Event{RunID: "run-1", TS: time.Now(), Stage: StageRowDone, Row: row, Status: "Available"}
}
