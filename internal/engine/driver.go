// Package engine drives a harvest run: it seeds the task queue, collects
// results into batches, checkpoints them, detects holes and decides when the
// run is finished.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pool"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/queue"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/telemetry"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/universe"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/worker"
)

// DefaultBatchMultiplier scales the pool target into the flush threshold.
const DefaultBatchMultiplier = 5

// DriverConfig tunes one run.
type DriverConfig struct {
	Workers         int
	Headless        bool
	BatchMultiplier int
	// PollTimeout bounds each wait on the result queue.
	PollTimeout time.Duration
	Pool        pool.Config
	Worker      worker.Config
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.BatchMultiplier < 1 {
		c.BatchMultiplier = DefaultBatchMultiplier
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	c.Worker.Headless = c.Headless
	return c
}

// Plan is the resume state a run starts from.
type Plan struct {
	// Saved rows are already durable and are never scheduled.
	Saved []int
	// Priority rows are known holes and are scheduled first.
	Priority []int
}

// Deps are the collaborators a Driver needs.
type Deps struct {
	Store     harvest.Store
	Universe  *universe.Universe
	Sessions  harvest.SessionProvider
	Extractor harvest.Extractor
	Clock     harvest.Clock
	Emitter   progress.Emitter
	Logger    *zap.Logger
}

// Driver owns saved, pending and the result buffer for a single run. It is
// the only caller of the checkpoint store while the run is live.
type Driver struct {
	deps  Deps
	cfg   DriverConfig
	plan  Plan
	state *RunState

	reported map[int]struct{}
	logger   *zap.Logger
}

// NewDriver wires a run. The pool is created but not started.
func NewDriver(runID string, deps Deps, plan Plan, cfg DriverConfig) *Driver {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	d := &Driver{
		deps:     deps,
		cfg:      cfg,
		plan:     plan,
		state:    newRunState(runID, pool.NewTarget(cfg.Workers), plan.Saved),
		reported: make(map[int]struct{}),
		logger:   deps.Logger.Named("engine").With(zap.String("run_id", runID)),
	}
	factory := func(id string, stop worker.StopSignal) pool.Runner {
		return worker.New(id, d.state.Tasks, d.state.Results, deps.Sessions, deps.Extractor, stop, cfg.Worker, deps.Logger.Named("worker"))
	}
	hooks := pool.Hooks{
		OnStart: func(id string) {
			d.emit(progress.Event{Stage: progress.StageWorkerStart, WorkerID: id})
		},
		OnExit: func(id string, reason worker.ExitReason) {
			d.emit(progress.Event{Stage: progress.StageWorkerExit, WorkerID: id, Note: string(reason)})
		},
	}
	d.state.Pool = pool.New(d.state.Target, factory, hooks, cfg.Pool, deps.Logger.Named("pool"))
	return d
}

// State exposes the shared run state.
func (d *Driver) State() *RunState { return d.state }

// Stop asks the run to wind down. Safe from any goroutine.
func (d *Driver) Stop() { d.state.Pool.Stop() }

// SetTarget changes the desired worker count.
func (d *Driver) SetTarget(n int) error { return d.state.Target.Set(n) }

// Run executes the run to completion, stop or cancellation.
func (d *Driver) Run(ctx context.Context) (harvest.RunSummary, error) {
	started := d.deps.Clock.Now()
	d.seed()
	d.state.stats.update(func(s *runStats) {
		s.phase = PhaseRunning
		s.startedAt = started
		s.total = d.deps.Universe.Len()
		s.savedAtStart = d.savedInUniverse()
		s.statusCount = make(map[harvest.Status]int)
	})
	d.publishCounts()
	d.logger.Info("run starting",
		zap.String("partition", d.deps.Universe.Partition()),
		zap.Int("total", d.deps.Universe.Len()),
		zap.Int("saved", len(d.state.saved)),
		zap.Int("priority", len(d.plan.Priority)),
		zap.Int("workers", d.state.Target.Get()),
	)
	d.emit(progress.Event{Stage: progress.StageRunStart, Count: d.deps.Universe.Len()})

	poolCtx, cancelPool := context.WithCancel(ctx)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		d.state.Pool.Run(poolCtx)
	}()

	outcome := d.collect(ctx)
	d.windDown(ctx)
	cancelPool()
	<-poolDone

	finished := d.deps.Clock.Now()
	d.state.stats.update(func(s *runStats) {
		s.phase = PhaseDone
		s.outcome = outcome
		s.finishedAt = finished
	})
	summary := d.summary(outcome, started, finished)
	d.emit(progress.Event{Stage: progress.StageRunDone, Count: summary.Processed, Dur: finished.Sub(started), Note: string(outcome)})
	d.logger.Info("run finished",
		zap.String("outcome", string(outcome)),
		zap.Int("processed", summary.Processed),
		zap.Int("saved", summary.Saved),
		zap.Duration("elapsed", finished.Sub(started)),
	)
	if outcome == OutcomeCanceled && ctx.Err() != nil {
		return summary, fmt.Errorf("run %s: %w", d.state.ID, ctx.Err())
	}
	return summary, nil
}

// seed queues priority holes first, then the untouched backlog in row order.
func (d *Driver) seed() {
	priority := append([]int(nil), d.plan.Priority...)
	sort.Ints(priority)
	queued := make(map[int]struct{}, len(priority))
	for _, row := range priority {
		delete(d.state.saved, row)
		id, ok := d.deps.Universe.Identifier(row)
		if !ok {
			d.reportMissing(row)
			continue
		}
		d.enqueue(harvest.Task{Identifier: id, Row: row})
		queued[row] = struct{}{}
	}
	for _, task := range d.deps.Universe.Tasks() {
		if _, done := d.state.saved[task.Row]; done {
			continue
		}
		if _, ok := queued[task.Row]; ok {
			continue
		}
		d.enqueue(task)
	}
}

func (d *Driver) enqueue(task harvest.Task) {
	d.state.Tasks.Put(task)
	d.state.pending[task.Row] = struct{}{}
}

func (d *Driver) threshold() int {
	return d.cfg.BatchMultiplier * d.state.Target.Get()
}

// collect is the result loop. It returns once the run is complete, stopped
// or canceled.
func (d *Driver) collect(ctx context.Context) Outcome {
	for {
		if d.state.Pool.Stopped() {
			return OutcomeStopped
		}
		if ctx.Err() != nil {
			return OutcomeCanceled
		}
		res, err := d.state.Results.Get(ctx, d.cfg.PollTimeout)
		switch {
		case err == nil:
			d.accept(res)
			if len(d.state.buffer) >= d.threshold() {
				d.flush(ctx)
			}
		case errors.Is(err, queue.ErrEmpty):
			if d.state.Tasks.Len() > 0 {
				continue
			}
			if d.idle(ctx) {
				return OutcomeComplete
			}
		case errors.Is(err, queue.ErrClosed):
			return OutcomeStopped
		default:
			return OutcomeCanceled
		}
	}
}

// idle runs when both queues are empty and reports whether the run is done.
func (d *Driver) idle(ctx context.Context) bool {
	holes, requeued, err := d.detectHoles(ctx)
	if err != nil {
		d.logger.Warn("hole scan failed, retrying on next idle poll", zap.Error(err))
		return false
	}
	if len(holes) == 0 {
		if len(d.state.buffer) == 0 {
			return true
		}
		d.flush(ctx)
		return false
	}
	if requeued == 0 && len(d.state.buffer) > 0 {
		d.flush(ctx)
	}
	return false
}

func (d *Driver) accept(res harvest.Result) {
	if res.Row <= 0 {
		d.logger.Warn("result without row, store will append it", zap.String("status", string(res.Status)))
	}
	d.state.buffer = append(d.state.buffer, res)
	d.state.stats.update(func(s *runStats) {
		s.processed++
		s.statusCount[res.Status]++
	})
	d.publishCounts()
	if res.Row > 0 {
		d.emit(progress.Event{Stage: progress.StageRowDone, Row: res.Row, Status: string(res.Status)})
	}
}

// flush checkpoints the buffer. On failure the buffer and saved set are
// left untouched so the same records are retried later.
func (d *Driver) flush(ctx context.Context) bool {
	if len(d.state.buffer) == 0 {
		return true
	}
	ctx, span := telemetry.Tracer().Start(ctx, "checkpoint.flush")
	defer span.End()

	batch := d.state.buffer
	next := make(map[int]struct{}, len(d.state.saved)+len(batch))
	for row := range d.state.saved {
		next[row] = struct{}{}
	}
	for _, res := range batch {
		if res.Row > 0 {
			next[res.Row] = struct{}{}
		}
	}
	meta := harvest.NewMetadata(d.deps.Universe.Fingerprint(), next, d.deps.Clock.Now())
	span.SetAttributes(
		attribute.Int("checkpoint.records", len(batch)),
		attribute.Int("checkpoint.saved_rows", len(meta.SavedRows)),
	)

	start := time.Now()
	if err := d.deps.Store.WriteBatch(ctx, batch, meta); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write batch")
		d.logger.Error("checkpoint flush failed, batch kept for retry",
			zap.Int("records", len(batch)),
			zap.Error(err),
		)
		d.state.stats.update(func(s *runStats) {
			s.flushErrors++
			s.lastFlushErr = err.Error()
		})
		d.emit(progress.Event{Stage: progress.StageFlushError, Count: len(batch), Note: err.Error()})
		return false
	}
	elapsed := time.Since(start)

	d.state.saved = next
	for _, res := range batch {
		delete(d.state.pending, res.Row)
	}
	d.state.buffer = nil
	d.state.stats.update(func(s *runStats) {
		s.flushes++
		s.lastFlushErr = ""
	})
	d.publishCounts()
	d.logger.Info("checkpoint flushed",
		zap.Int("records", len(batch)),
		zap.Int("saved", len(next)),
		zap.Int("last_row", meta.LastProcessedRow),
		zap.Duration("took", elapsed),
	)
	d.emit(progress.Event{Stage: progress.StageFlush, Count: len(batch), Dur: elapsed})
	return true
}

// windDown stops the pool, collects whatever finished in flight and writes
// a final checkpoint. The final write ignores ctx cancellation.
func (d *Driver) windDown(ctx context.Context) {
	d.state.stats.update(func(s *runStats) { s.phase = PhaseWindingDown })
	d.state.Pool.Stop()
	if remaining := d.state.Pool.Join(); remaining > 0 {
		d.logger.Warn("workers still running after join timeout", zap.Int("remaining", remaining))
	}
	for _, res := range d.state.Results.Drain() {
		d.accept(res)
	}
	if len(d.state.buffer) > 0 && !d.flush(context.WithoutCancel(ctx)) {
		d.logger.Error("final checkpoint failed, unsaved rows will be picked up as holes next run",
			zap.Int("records", len(d.state.buffer)),
		)
	}
	d.state.Tasks.Close()
	d.state.Results.Close()
	d.logger.Info("cleanup complete")
}

func (d *Driver) savedInUniverse() int {
	n := 0
	for row := range d.state.saved {
		if _, ok := d.deps.Universe.Identifier(row); ok {
			n++
		}
	}
	return n
}

func (d *Driver) publishCounts() {
	saved, pending, buffered := len(d.state.saved), len(d.state.pending), len(d.state.buffer)
	d.state.stats.update(func(s *runStats) {
		s.saved = saved
		s.pending = pending
		s.buffered = buffered
	})
}

func (d *Driver) reportMissing(row int) {
	if _, seen := d.reported[row]; seen {
		return
	}
	d.reported[row] = struct{}{}
	d.logger.Warn("row has no identifier, skipping", zap.Int("row", row))
}

func (d *Driver) emit(evt progress.Event) {
	evt.RunID = d.state.ID
	d.deps.Emitter.Emit(evt)
}

// Snapshot reports the run's current progress.
func (d *Driver) Snapshot() Snapshot {
	s := &d.state.stats
	s.mu.RLock()
	defer s.mu.RUnlock()

	end := s.finishedAt
	if end.IsZero() {
		end = d.deps.Clock.Now()
	}
	var elapsed time.Duration
	if !s.startedAt.IsZero() {
		elapsed = end.Sub(s.startedAt)
	}
	rate, eta := estimate(s.total, s.savedAtStart, s.processed, elapsed)
	counts := make(map[harvest.Status]int, len(s.statusCount))
	for k, v := range s.statusCount {
		counts[k] = v
	}
	phase := s.phase
	if phase == "" {
		phase = PhaseIdle
	}
	return Snapshot{
		RunID:         d.state.ID,
		Partition:     d.deps.Universe.Partition(),
		Phase:         phase,
		Outcome:       s.outcome,
		StartedAt:     s.startedAt,
		Elapsed:       elapsed,
		Total:         s.total,
		Saved:         s.saved,
		Processed:     s.processed,
		Pending:       s.pending,
		Buffered:      s.buffered,
		Holes:         s.holes,
		Flushes:       s.flushes,
		FlushErrors:   s.flushErrors,
		LastFlushErr:  s.lastFlushErr,
		RatePerMinute: rate,
		ETA:           eta,
		TargetWorkers: d.state.Target.Get(),
		AliveWorkers:  d.state.Pool.Alive(),
		Workers:       d.state.Pool.Workers(),
		StatusCount:   counts,
	}
}

func (d *Driver) summary(outcome Outcome, started, finished time.Time) harvest.RunSummary {
	snap := d.Snapshot()
	return harvest.RunSummary{
		RunID:       d.state.ID,
		Partition:   d.deps.Universe.Partition(),
		Outcome:     string(outcome),
		Total:       snap.Total,
		Saved:       snap.Saved,
		Processed:   snap.Processed,
		StatusCount: snap.StatusCount,
		StartedAt:   started,
		FinishedAt:  finished,
	}
}

// FormatETA renders d as HH:MM:SS.
func FormatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

func rowsAttr(rows []int) string {
	if len(rows) > 20 {
		return harvest.FormatRows(rows[:20]) + ",... (" + strconv.Itoa(len(rows)) + ")"
	}
	return harvest.FormatRows(rows)
}
