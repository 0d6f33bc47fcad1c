// Package queue provides the bounded FIFO used to park outbound items until
// their destination becomes writable.
package queue

import (
	"sync"
	"sync/atomic"
)

// FIFO is a bounded first-in first-out queue. It never blocks: Enqueue past
// the bound (or after Close) drops the item and counts the drop.
type FIFO[T any] struct {
	mu     sync.Mutex
	closed bool
	max    int
	items  []T

	drops atomic.Uint64
}

// New returns a FIFO holding at most max items. max <= 0 means unbounded.
func New[T any](max int) *FIFO[T] {
	return &FIFO[T]{max: max}
}

func (q *FIFO[T]) DropCount() uint64 {
	return q.drops.Load()
}

func (q *FIFO[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.drops.Add(1)
		return false
	}
	if q.max > 0 && len(q.items) >= q.max {
		q.drops.Add(1)
		return false
	}
	q.items = append(q.items, item)
	return true
}

// Drain removes and returns every queued item in insertion order.
func (q *FIFO[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards queued items; later Enqueue calls are dropped.
func (q *FIFO[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
