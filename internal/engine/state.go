package engine

import (
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pool"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/queue/memory"
)

// Phase is the coarse lifecycle position of a run.
type Phase string

// Run phases.
const (
	PhaseIdle        Phase = "idle"
	PhaseRunning     Phase = "running"
	PhaseWindingDown Phase = "winding_down"
	PhaseDone        Phase = "done"
)

// Outcome describes how a run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeComplete Outcome = "complete"
	OutcomeStopped  Outcome = "stopped"
	OutcomeCanceled Outcome = "canceled"
	OutcomeFailed   Outcome = "failed"
)

// RunState is everything one run shares between the driver, the pool and
// the workers. Workers only see the queues and the pool's stop flag; the
// saved, pending and buffer fields belong to the driver goroutine.
type RunState struct {
	ID      string
	Tasks   *memory.Queue[harvest.Task]
	Results *memory.Queue[harvest.Result]
	Target  *pool.Target
	Pool    *pool.Manager

	saved   map[int]struct{}
	pending map[int]struct{}
	buffer  []harvest.Result

	stats runStats
}

func newRunState(id string, target *pool.Target, saved []int) *RunState {
	return &RunState{
		ID:      id,
		Tasks:   memory.NewQueue[harvest.Task](),
		Results: memory.NewQueue[harvest.Result](),
		Target:  target,
		saved:   harvest.RowSet(saved),
		pending: make(map[int]struct{}),
		stats:   runStats{phase: PhaseIdle, statusCount: make(map[harvest.Status]int)},
	}
}

// runStats is the cross-goroutine view of the driver's progress.
type runStats struct {
	mu           sync.RWMutex
	phase        Phase
	outcome      Outcome
	startedAt    time.Time
	finishedAt   time.Time
	total        int
	savedAtStart int
	saved        int
	processed    int
	pending      int
	buffered     int
	holes        int
	flushes      int
	flushErrors  int
	statusCount  map[harvest.Status]int
	lastFlushErr string
}

func (s *runStats) update(fn func(*runStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Snapshot is a point-in-time view of a run for presentation layers.
type Snapshot struct {
	RunID         string                 `json:"run_id"`
	Partition     string                 `json:"partition"`
	Output        string                 `json:"output"`
	Phase         Phase                  `json:"phase"`
	Outcome       Outcome                `json:"outcome,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	Elapsed       time.Duration          `json:"elapsed"`
	Total         int                    `json:"total"`
	Saved         int                    `json:"saved"`
	Processed     int                    `json:"processed"`
	Pending       int                    `json:"pending"`
	Buffered      int                    `json:"buffered"`
	Holes         int                    `json:"holes"`
	Flushes       int                    `json:"flushes"`
	FlushErrors   int                    `json:"flush_errors"`
	LastFlushErr  string                 `json:"last_flush_error,omitempty"`
	RatePerMinute float64                `json:"rate_per_minute"`
	ETA           time.Duration          `json:"eta"`
	TargetWorkers int                    `json:"target_workers"`
	AliveWorkers  int                    `json:"alive_workers"`
	Workers       []pool.WorkerInfo      `json:"workers"`
	StatusCount   map[harvest.Status]int `json:"status_count"`
}

// Completed is saved rows at start plus rows processed this session.
func (s Snapshot) Completed() int {
	return min(s.Total, s.Saved+s.Buffered)
}

// Remaining is the count still to do for ETA purposes.
func (s Snapshot) Remaining() int {
	return max(s.Total-s.Completed(), 0)
}

// estimate derives throughput and ETA from processed/elapsed.
func estimate(total, savedAtStart, processed int, elapsed time.Duration) (perMinute float64, eta time.Duration) {
	if processed <= 0 || elapsed <= 0 {
		return 0, 0
	}
	perSecond := float64(processed) / elapsed.Seconds()
	perMinute = perSecond * 60
	remaining := total - (savedAtStart + processed)
	if remaining <= 0 {
		return perMinute, 0
	}
	eta = time.Duration(float64(remaining) / perSecond * float64(time.Second)).Round(time.Second)
	return perMinute, eta
}
