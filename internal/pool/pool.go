// Package pool keeps the number of live workers at a live-configurable target.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/worker"
)

// ErrInvalidTarget is returned when a pool target below one is requested.
var ErrInvalidTarget = errors.New("pool target must be >= 1")

// Target is the desired worker count. It is read on every management tick.
type Target struct {
	n atomic.Int64
}

// NewTarget creates a Target; values below one are clamped to one.
func NewTarget(n int) *Target {
	t := &Target{}
	t.n.Store(int64(max(n, 1)))
	return t
}

// Get returns the current target.
func (t *Target) Get() int { return int(t.n.Load()) }

// Set replaces the target.
func (t *Target) Set(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidTarget, n)
	}
	t.n.Store(int64(n))
	return nil
}

// Runner is the worker surface the pool needs.
type Runner interface {
	ID() string
	State() worker.State
	Run(ctx context.Context) worker.ExitReason
}

// Factory builds a runner that observes stop.
type Factory func(id string, stop worker.StopSignal) Runner

// Hooks receive worker lifecycle notifications. Either field may be nil.
type Hooks struct {
	OnStart func(id string)
	OnExit  func(id string, reason worker.ExitReason)
}

// Config controls pool timing.
type Config struct {
	TickInterval time.Duration
	StartSpacing time.Duration
	JoinTimeout  time.Duration
}

const (
	defaultTickInterval = 5 * time.Second
	defaultStartSpacing = 15 * time.Second
	defaultJoinTimeout  = 5 * time.Second
)

// WorkerInfo is a point-in-time view of one worker.
type WorkerInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type handle struct {
	runner Runner
	done   chan struct{}
}

func (h *handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Manager starts, monitors and replaces workers. The worker set and the stop
// flag share one lock; workers only read the flag.
type Manager struct {
	target  *Target
	factory Factory
	hooks   Hooks
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	workers map[string]*handle
	stopped bool
	seq     int

	stopCh   chan struct{}
	stopOnce sync.Once
	starts   atomic.Int64
}

// New creates a Manager.
func New(target *Target, factory Factory, hooks Hooks, cfg Config, logger *zap.Logger) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.StartSpacing <= 0 {
		cfg.StartSpacing = defaultStartSpacing
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		target:  target,
		factory: factory,
		hooks:   hooks,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.StartSpacing), 1),
		logger:  logger,
		workers: make(map[string]*handle),
		stopCh:  make(chan struct{}),
	}
}

// Run manages the pool until ctx ends or Stop is called. Workers inherit ctx.
func (m *Manager) Run(ctx context.Context) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		m.reconcile(ctx, waitCtx)
		select {
		case <-waitCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) reconcile(ctx, waitCtx context.Context) {
	alive := m.prune()
	target := m.target.Get()
	if alive >= target {
		return
	}
	deficit := target - alive
	m.logger.Info("starting workers",
		zap.Int("alive", alive),
		zap.Int("target", target),
		zap.Int("deficit", deficit),
	)
	for i := 0; i < deficit; i++ {
		if err := m.limiter.Wait(waitCtx); err != nil {
			return
		}
		// The target may have dropped while waiting for the spacing.
		if m.prune() >= m.target.Get() {
			return
		}
		if !m.start(ctx) {
			return
		}
	}
}

func (m *Manager) start(ctx context.Context) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.seq++
	id := strconv.Itoa(m.seq)
	h := &handle{runner: m.factory(id, m), done: make(chan struct{})}
	m.workers[id] = h
	m.mu.Unlock()

	m.starts.Add(1)
	if m.hooks.OnStart != nil {
		m.hooks.OnStart(id)
	}
	go func() {
		defer close(h.done)
		reason := h.runner.Run(ctx)
		if reason != worker.ExitStopped {
			m.logger.Warn("worker exited, will be replaced", zap.String("worker_id", id), zap.String("reason", string(reason)))
		}
		if m.hooks.OnExit != nil {
			m.hooks.OnExit(id, reason)
		}
	}()
	return true
}

// prune drops finished workers and returns the live count.
func (m *Manager) prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.workers {
		if !h.alive() {
			delete(m.workers, id)
		}
	}
	return len(m.workers)
}

// Stopped reports whether Stop has been called.
func (m *Manager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Stop raises the stop flag. Workers notice it at their next poll point.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Join waits for every worker to end, bounding each wait by the join
// timeout. It returns the number of workers still running afterwards.
func (m *Manager) Join() int {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.workers))
	for _, h := range m.workers {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	remaining := 0
	for _, h := range handles {
		timer := time.NewTimer(m.cfg.JoinTimeout)
		select {
		case <-h.done:
		case <-timer.C:
			remaining++
			m.logger.Warn("worker did not finish within join timeout", zap.String("worker_id", h.runner.ID()))
		}
		timer.Stop()
	}
	return remaining
}

// Alive returns the number of running workers.
func (m *Manager) Alive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.workers {
		if h.alive() {
			n++
		}
	}
	return n
}

// Starts returns how many workers have been started over the pool's life.
func (m *Manager) Starts() int64 { return m.starts.Load() }

// Workers lists live workers ordered by start sequence.
func (m *Manager) Workers() []WorkerInfo {
	m.mu.Lock()
	out := make([]WorkerInfo, 0, len(m.workers))
	for id, h := range m.workers {
		if h.alive() {
			out = append(out, WorkerInfo{ID: id, State: h.runner.State().String()})
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		b, _ := strconv.Atoi(out[j].ID)
		return a < b
	})
	return out
}
