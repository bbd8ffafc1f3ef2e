// Package worker implements the per-session task execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/queue"
)

// State is the lifecycle position of a worker.
type State int32

// Worker states. A worker only moves forward to Terminating; after a session
// failure it stays Unauthenticated and retries.
const (
	StateUnauthenticated State = iota
	StateIdle
	StateProcessing
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ExitReason records why Run returned.
type ExitReason string

// Exit reasons reported to the pool.
const (
	ExitStopped   ExitReason = "stopped"
	ExitTransport ExitReason = "transport"
	ExitCanceled  ExitReason = "canceled"
	ExitClosed    ExitReason = "closed"
)

// StopSignal exposes the run-wide stop flag.
type StopSignal interface {
	Stopped() bool
}

// Config controls Worker timing.
type Config struct {
	Headless     bool
	PollTimeout  time.Duration
	LoginBackoff time.Duration
}

const (
	defaultPollTimeout  = time.Second
	defaultLoginBackoff = 30 * time.Second
)

// Worker owns one session and moves tasks from the task queue to the result queue.
type Worker struct {
	id        string
	tasks     queue.FIFO[harvest.Task]
	results   queue.FIFO[harvest.Result]
	sessions  harvest.SessionProvider
	extractor harvest.Extractor
	stop      StopSignal
	cfg       Config
	logger    *zap.Logger

	state         atomic.Int32
	loginAttempts atomic.Int64
	processed     atomic.Int64
}

// New constructs a Worker.
func New(
	id string,
	tasks queue.FIFO[harvest.Task],
	results queue.FIFO[harvest.Result],
	sessions harvest.SessionProvider,
	extractor harvest.Extractor,
	stop StopSignal,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.LoginBackoff <= 0 {
		cfg.LoginBackoff = defaultLoginBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		tasks:     tasks,
		results:   results,
		sessions:  sessions,
		extractor: extractor,
		stop:      stop,
		cfg:       cfg,
		logger:    logger.With(zap.String("worker_id", id)),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// LoginAttempts counts failed session acquisitions.
func (w *Worker) LoginAttempts() int64 { return w.loginAttempts.Load() }

// Processed counts results pushed to the result queue.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Run blocks until the worker terminates and reports why.
func (w *Worker) Run(ctx context.Context) ExitReason {
	w.logger.Info("worker starting")
	var session harvest.Session
	reason := w.loop(ctx, &session)
	w.terminate(session, reason)
	return reason
}

func (w *Worker) loop(ctx context.Context, session *harvest.Session) ExitReason {
	for {
		if reason, done := w.shouldExit(ctx); done {
			return reason
		}
		switch w.State() {
		case StateUnauthenticated:
			s, err := w.sessions.Acquire(ctx, w.cfg.Headless)
			if err != nil {
				attempt := w.loginAttempts.Add(1)
				w.logger.Warn("session acquisition failed",
					zap.Int64("attempt", attempt),
					zap.Duration("backoff", w.cfg.LoginBackoff),
					zap.Error(err),
				)
				w.wait(ctx, w.cfg.LoginBackoff)
				continue
			}
			*session = s
			w.setState(StateIdle)
			w.logger.Info("session acquired")
		case StateIdle:
			task, err := w.tasks.Get(ctx, w.cfg.PollTimeout)
			if err != nil {
				switch {
				case errors.Is(err, queue.ErrEmpty):
					continue
				case errors.Is(err, queue.ErrClosed):
					return ExitClosed
				default:
					return ExitCanceled
				}
			}
			w.setState(StateProcessing)
			if err := w.handle(ctx, *session, task); err != nil {
				w.tasks.Put(task)
				w.logger.Error("transport failure, task requeued",
					zap.Int("row", task.Row),
					zap.String("identifier", task.Identifier),
					zap.Error(err),
				)
				return ExitTransport
			}
			w.setState(StateIdle)
		default:
			return ExitStopped
		}
	}
}

func (w *Worker) shouldExit(ctx context.Context) (ExitReason, bool) {
	if ctx.Err() != nil {
		return ExitCanceled, true
	}
	if w.stop != nil && w.stop.Stopped() {
		return ExitStopped, true
	}
	return "", false
}

// handle runs one extraction. Only transport failures are returned; every
// other outcome is pushed to the result queue.
func (w *Worker) handle(ctx context.Context, session harvest.Session, task harvest.Task) error {
	res, err := w.extract(ctx, session, task)
	if err != nil {
		if harvest.IsTransport(err) {
			return err
		}
		res = harvest.Result{Status: harvest.StatusFatalError, Detail: err.Error()}
	}
	res = normalize(res, task)
	w.results.Put(res)
	w.processed.Add(1)
	w.logger.Debug("row processed",
		zap.Int("row", task.Row),
		zap.String("identifier", task.Identifier),
		zap.String("status", string(res.Status)),
	)
	return nil
}

func (w *Worker) extract(ctx context.Context, session harvest.Session, task harvest.Task) (res harvest.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = harvest.Transport("extract", fmt.Errorf("panic: %v", rec))
		}
	}()
	return w.extractor.Process(ctx, session, task)
}

func normalize(res harvest.Result, task harvest.Task) harvest.Result {
	res.Row = task.Row
	if res.Fields == nil {
		res.Fields = map[string]string{}
	}
	if res.Fields[harvest.ColumnCode] == "" {
		res.Fields[harvest.ColumnCode] = task.Identifier
	}
	if !res.Status.Valid() {
		if res.Detail == "" {
			res.Detail = fmt.Sprintf("extractor returned status %q", res.Status)
		}
		res.Status = harvest.StatusFatalError
	}
	return res
}

// wait sleeps for d in poll-sized steps so a stop request ends the backoff early.
func (w *Worker) wait(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		step := min(remaining, w.cfg.PollTimeout)
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if w.stop != nil && w.stop.Stopped() {
			return
		}
	}
}

func (w *Worker) terminate(session harvest.Session, reason ExitReason) {
	w.setState(StateTerminating)
	if session != nil {
		if err := session.Close(); err != nil {
			w.logger.Debug("session release failed", zap.Error(err))
		}
	}
	w.logger.Info("worker finished", zap.String("reason", string(reason)))
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}
