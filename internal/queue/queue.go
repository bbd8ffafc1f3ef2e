// Package queue defines the FIFO contract shared by the task and result queues.
// Implementations never block producers; consumers wait with a bound so they
// can re-check the stop flag between polls.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Get when nothing arrived within the timeout.
var ErrEmpty = errors.New("queue empty")

// ErrClosed is returned by Get once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// FIFO is an unbounded first-in first-out queue.
type FIFO[T any] interface {
	// Put appends item. It never blocks and never drops the item.
	Put(item T)
	// Get waits up to timeout for the next item.
	Get(ctx context.Context, timeout time.Duration) (T, error)
	Len() int
}
