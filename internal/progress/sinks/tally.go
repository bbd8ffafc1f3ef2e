package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress"
)

// Tally keeps per-stage and per-status counters plus the most recent events
// so the control API can answer without scraping Prometheus.
type Tally struct {
	mu       sync.RWMutex
	keep     int
	stages   map[progress.Stage]int
	statuses map[string]int
	recent   []progress.Event
}

// TallySnapshot is a copy of the Tally state.
type TallySnapshot struct {
	Stages   map[progress.Stage]int `json:"stages"`
	Statuses map[string]int         `json:"statuses"`
	Recent   []progress.Event       `json:"recent"`
}

// NewTally keeps the last keep events (default 100).
func NewTally(keep int) *Tally {
	if keep <= 0 {
		keep = 100
	}
	return &Tally{
		keep:     keep,
		stages:   make(map[progress.Stage]int),
		statuses: make(map[string]int),
	}
}

// Consume folds the batch into the counters.
func (t *Tally) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		if evt.Stage == progress.StageRunStart {
			t.stages = make(map[progress.Stage]int)
			t.statuses = make(map[string]int)
		}
		t.stages[evt.Stage]++
		if evt.Stage == progress.StageRowDone {
			t.statuses[evt.Status]++
		}
		t.recent = append(t.recent, evt)
	}
	if over := len(t.recent) - t.keep; over > 0 {
		t.recent = append([]progress.Event(nil), t.recent[over:]...)
	}
	return nil
}

// Snapshot copies the current state.
func (t *Tally) Snapshot() TallySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := TallySnapshot{
		Stages:   make(map[progress.Stage]int, len(t.stages)),
		Statuses: make(map[string]int, len(t.statuses)),
		Recent:   append([]progress.Event(nil), t.recent...),
	}
	for k, v := range t.stages {
		out.Stages[k] = v
	}
	for k, v := range t.statuses {
		out.Statuses[k] = v
	}
	return out
}

// Close is a no-op.
func (t *Tally) Close(context.Context) error { return nil }
