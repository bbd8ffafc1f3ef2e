package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress"
)

// PrometheusSink exports run progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	rowsDone      *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	flushRows     prometheus.Counter
	flushDuration prometheus.Histogram
	holes         prometheus.Gauge
	workersAlive  prometheus.Gauge
	workerExits   *prometheus.CounterVec
}

// NewPrometheusSink registers collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Runs finished partitioned by outcome.",
		}, []string{"outcome"}),
		rowsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_rows_processed_total",
			Help: "Rows collected from workers partitioned by status.",
		}, []string{"status"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_checkpoint_flushes_total",
			Help: "Checkpoint flush attempts partitioned by result.",
		}, []string{"result"}),
		flushRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_checkpoint_rows_total",
			Help: "Rows durably written to the checkpoint store.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_checkpoint_flush_seconds",
			Help:    "Checkpoint flush latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		holes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_holes",
			Help: "Holes found by the most recent scan.",
		}),
		workersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_workers_alive",
			Help: "Workers currently running.",
		}),
		workerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_worker_exits_total",
			Help: "Worker exits partitioned by reason.",
		}, []string{"reason"}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.rowsDone,
		s.flushes,
		s.flushRows,
		s.flushDuration,
		s.holes,
		s.workersAlive,
		s.workerExits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageRunDone:
			outcome := evt.Note
			if outcome == "" {
				outcome = "unknown"
			}
			s.runsCompleted.WithLabelValues(outcome).Inc()
		case progress.StageRowDone:
			s.rowsDone.WithLabelValues(evt.Status).Inc()
		case progress.StageFlush:
			s.flushes.WithLabelValues("ok").Inc()
			s.flushRows.Add(float64(evt.Count))
			if evt.Dur > 0 {
				s.flushDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageFlushError:
			s.flushes.WithLabelValues("error").Inc()
		case progress.StageHoleScan:
			s.holes.Set(float64(evt.Count))
		case progress.StageWorkerStart:
			s.workersAlive.Inc()
		case progress.StageWorkerExit:
			s.workersAlive.Dec()
			s.workerExits.WithLabelValues(evt.Note).Inc()
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
