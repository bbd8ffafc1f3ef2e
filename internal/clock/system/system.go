// Package system provides the wall clock used for checkpoint timestamps.
package system

import "time"

// Clock implements harvest.Clock.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to milliseconds, the precision
// every checkpoint store can round-trip.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
