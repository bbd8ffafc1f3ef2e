package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names the milestone an Event records.
type Stage string

// Supported stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRowDone     Stage = "ROW_DONE"
	StageFlush       Stage = "FLUSH"
	StageFlushError  Stage = "FLUSH_ERROR"
	StageHoleScan    Stage = "HOLE_SCAN"
	StageWorkerStart Stage = "WORKER_START"
	StageWorkerExit  Stage = "WORKER_EXIT"
	StageRunDone     Stage = "RUN_DONE"
)

// Event is one progress milestone of a run.
type Event struct {
	RunID string
	TS    time.Time
	Stage Stage
	// Row and Status are set for ROW_DONE.
	Row    int
	Status string
	// WorkerID is set for WORKER_START and WORKER_EXIT.
	WorkerID string
	// Count is the number of rows flushed or holes found.
	Count int
	Dur   time.Duration
	// Note carries low-volume context such as an exit reason or error text.
	Note string
}

// Validate rejects malformed events before they reach sinks.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageFlush, StageFlushError, StageHoleScan:
	case StageRowDone:
		if e.Row <= 0 {
			return errors.New("row done requires a row")
		}
		if e.Status == "" {
			return errors.New("row done requires a status")
		}
	case StageWorkerStart, StageWorkerExit:
		if e.WorkerID == "" {
			return errors.New("worker events require a worker id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}
