// Package queue implements the bounded delivery queue used on every
// WebSocket connection. Capacity is fixed at construction; under pressure
// the queue sheds the oldest droppable items first and refuses outright only
// when nothing expendable remains.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Offer after Close, and by Poll once the
	// queue is closed and drained.
	ErrClosed = errors.New("queue closed")
	// ErrOverflow is returned when a non-droppable item cannot be admitted
	// because the queue is full of non-droppable items. The caller treats
	// the consumer as overloaded.
	ErrOverflow = errors.New("queue overflow")
)

// Outcome reports how an Offer was absorbed.
type Outcome int

const (
	// Accepted means the item was enqueued without displacing anything.
	Accepted Outcome = iota
	// AcceptedWithDrop means a droppable item was discarded to respect the
	// bound: either the oldest queued droppable, or the offered item itself
	// when it is droppable and everything queued is not.
	AcceptedWithDrop
)

// Metrics is a point-in-time snapshot of queue counters.
type Metrics struct {
	Enqueued         uint64
	Dequeued         uint64
	DroppedOldest    uint64
	OverflowFailures uint64
}

// Bounded is a FIFO with a hard capacity and a droppability-aware shedding
// policy. All methods are safe for concurrent use; Offer never blocks.
type Bounded[T any] struct {
	mu        sync.Mutex
	items     []T
	capacity  int
	droppable func(T) bool
	closed    bool
	wake      chan struct{}

	enqueued         uint64
	dequeued         uint64
	droppedOldest    uint64
	overflowFailures uint64
}

// New returns a queue holding at most capacity items. droppable classifies
// items that may be shed under pressure; nil means nothing is droppable.
func New[T any](capacity int, droppable func(T) bool) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	if droppable == nil {
		droppable = func(T) bool { return false }
	}
	return &Bounded[T]{
		items:     make([]T, 0, capacity),
		capacity:  capacity,
		droppable: droppable,
		wake:      make(chan struct{}),
	}
}

// Offer admits item, shedding the oldest droppable entry if the queue is
// full. A droppable item offered to a queue full of non-droppable items is
// itself discarded (AcceptedWithDrop). A non-droppable item that cannot be
// admitted fails with ErrOverflow.
func (q *Bounded[T]) Offer(item T) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	outcome := Accepted
	for len(q.items) >= q.capacity {
		i := q.oldestDroppableLocked()
		if i < 0 {
			if q.droppable(item) {
				// The offered item is the only expendable one in sight.
				q.droppedOldest++
				return AcceptedWithDrop, nil
			}
			q.overflowFailures++
			return 0, ErrOverflow
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.droppedOldest++
		outcome = AcceptedWithDrop
	}

	q.items = append(q.items, item)
	q.enqueued++
	q.wakeLocked()
	return outcome, nil
}

// Poll removes the head item, blocking until one is available, the queue is
// closed and drained (ErrClosed), or ctx ends.
func (q *Bounded[T]) Poll(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.popLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryPoll removes the head item without blocking. ok is false when the
// queue is currently empty.
func (q *Bounded[T]) TryPoll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.popLocked(), true
}

// Close wakes all waiters. Pending items remain pollable; once drained,
// Poll reports ErrClosed. Close is idempotent.
func (q *Bounded[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

// Capacity returns the fixed bound set at construction.
func (q *Bounded[T]) Capacity() int { return q.capacity }

// Len returns the number of queued items.
func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Bounded[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Metrics returns a snapshot of the queue counters.
func (q *Bounded[T]) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Enqueued:         q.enqueued,
		Dequeued:         q.dequeued,
		DroppedOldest:    q.droppedOldest,
		OverflowFailures: q.overflowFailures,
	}
}

func (q *Bounded[T]) popLocked() T {
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	q.dequeued++
	return item
}

func (q *Bounded[T]) oldestDroppableLocked() int {
	for i, item := range q.items {
		if q.droppable(item) {
			return i
		}
	}
	return -1
}

// wakeLocked implements a broadcast: every waiter holds the old channel and
// re-checks state when it closes.
func (q *Bounded[T]) wakeLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
