// Package memory provides the in-process FIFO used for tasks and results.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/queue"
)

// Queue is an unbounded FIFO with bounded-wait dequeue.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Put appends item. Puts after Close are still accepted so a requeue racing
// with shutdown is never lost.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
}

// Get pops the next item, waiting up to timeout. It returns queue.ErrEmpty
// when the wait elapses and a wrapped context error when ctx ends first.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if item, ok, closed := q.pop(); ok {
			return item, nil
		} else if closed {
			return zero, queue.ErrClosed
		}
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-timer.C:
			if item, ok, _ := q.pop(); ok {
				return item, nil
			}
			return zero, queue.ErrEmpty
		case <-q.signal:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Close wakes waiting consumers; they receive ErrClosed once the queue is empty.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *Queue[T]) pop() (T, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		if q.closed {
			q.notify()
		}
		return zero, false, q.closed
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Pass the wakeup on so another waiting consumer sees the remainder.
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return item, true, q.closed
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
