package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress"
)

func TestPrometheusSinkRecordsRunMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{RunID: "r", TS: now, Stage: progress.StageRunStart},
		{RunID: "r", TS: now, Stage: progress.StageWorkerStart, WorkerID: "1"},
		{RunID: "r", TS: now, Stage: progress.StageWorkerStart, WorkerID: "2"},
		{RunID: "r", TS: now, Stage: progress.StageWorkerExit, WorkerID: "2", Note: "transport"},
		{RunID: "r", TS: now, Stage: progress.StageRowDone, Row: 2, Status: "Available"},
		{RunID: "r", TS: now, Stage: progress.StageRowDone, Row: 3, Status: "NotFound"},
		{RunID: "r", TS: now, Stage: progress.StageFlush, Count: 2, Dur: 30 * time.Millisecond},
		{RunID: "r", TS: now, Stage: progress.StageFlushError, Note: "disk full"},
		{RunID: "r", TS: now, Stage: progress.StageHoleScan, Count: 4},
		{RunID: "r", TS: now, Stage: progress.StageRunDone, Note: "complete"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("complete")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.rowsDone.WithLabelValues("Available")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.flushes.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.flushes.WithLabelValues("error")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.flushRows))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.holes))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.workersAlive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.workerExits.WithLabelValues("transport")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.flushDuration, "harvester_checkpoint_flush_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
