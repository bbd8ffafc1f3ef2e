package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrRunActive is returned when a run is started while another is live.
	ErrRunActive = errors.New("a run is already active")
	// ErrNoActiveRun is returned by commands that need a live run.
	ErrNoActiveRun = errors.New("no active run")
	// ErrDecisionRequired is returned when an existing checkpoint needs an
	// explicit resume, restart, overwrite or cancel choice.
	ErrDecisionRequired = errors.New("checkpoint decision required")
	// ErrResumeNotAllowed is returned when resume is chosen for a checkpoint
	// produced from a different input.
	ErrResumeNotAllowed = errors.New("resume requires a matching input fingerprint")
	// ErrCanceled is returned when the caller chose to cancel.
	ErrCanceled = errors.New("run canceled by user")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid run request")
)

// DecisionError carries the inspection that produced ErrDecisionRequired.
type DecisionError struct {
	Inspection Inspection
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDecisionRequired, e.Inspection.Describe())
}

// Is matches ErrDecisionRequired.
func (e *DecisionError) Is(target error) bool {
	return target == ErrDecisionRequired
}
