package harvest

import (
	"errors"
	"fmt"
)

// ErrTransport classifies failures of the underlying session or connection.
var ErrTransport = errors.New("transport failure")

// TransportError wraps a session-level failure. Workers treat it as fatal to
// the session and requeue the in-flight task.
type TransportError struct {
	Op  string
	Err error
}

// Transport wraps err as a TransportError for op.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport so callers can use errors.Is.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// IsTransport reports whether err is a transport-class failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}
