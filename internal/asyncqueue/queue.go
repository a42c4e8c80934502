// Package asyncqueue implements an unbounded single-consumer queue whose
// consumer parks while the queue is empty and ends once the producer side
// calls Finish.
package asyncqueue

import (
	"context"
	"iter"
	"sync"
)

// Queue is safe for any number of producers and one logical consumer.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	finished bool
	// wake holds at most one pending signal for the parked consumer.
	wake chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{wake: make(chan struct{}, 1)}
}

// Push appends item. It reports false when the queue is already finished,
// in which case the item is dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
	return true
}

// Finish marks the end of the stream. Buffered items are still delivered.
func (q *Queue[T]) Finish() {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// Next returns the next item, parking while the queue is empty and not
// finished. ok is false once the queue is finished and drained, or when ctx
// ends first.
func (q *Queue[T]) Next(ctx context.Context) (item T, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.finished {
			q.mu.Unlock()
			return item, false
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return item, false
		}
	}
}

// All yields items until the queue is finished and drained or ctx ends.
func (q *Queue[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			item, ok := q.Next(ctx)
			if !ok || !yield(item) {
				return
			}
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
