package buffer

import (
	"context"
	"sync"
	"time"
)

// compactThreshold is the number of consumed slots after which the backing
// slice is compacted, provided they make up at least half of it.
const compactThreshold = 1024

// FIFO is an unbounded, thread-safe first-in first-out queue.
//
// Any number of goroutines may Push concurrently. Pop, TryPop and PopWait are
// meant to be called from a single consumer goroutine; with more consumers the
// queue stays consistent but wake-ups may be delivered to the wrong waiter.
type FIFO[T any] struct {
	mu    sync.Mutex
	items []T
	head  int

	// Wake-up signal for the consumer; buffered (size 1) to coalesce pushes.
	notify chan struct{}
}

// New creates an empty FIFO.
func New[T any]() *FIFO[T] {
	return &FIFO[T]{
		items:  make([]T, 0, 64),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v to the tail of the queue. It never blocks on the consumer.
func (q *FIFO[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the head of the queue without waiting.
func (q *FIFO[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == len(q.items) {
		return zero, false
	}

	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return v, true
}

// PopWait removes the head of the queue, waiting at most timeout for an item
// to arrive. It returns false when the timeout elapses or ctx is done first.
func (q *FIFO[T]) PopWait(ctx context.Context, timeout time.Duration) (T, bool) {
	if v, ok := q.TryPop(); ok {
		return v, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-timer.C:
			// One last look: a push may have raced with the timer.
			return q.TryPop()
		case <-q.notify:
			if v, ok := q.TryPop(); ok {
				return v, true
			}
		}
	}
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Empty reports whether the queue currently holds no items.
func (q *FIFO[T]) Empty() bool {
	return q.Len() == 0
}
