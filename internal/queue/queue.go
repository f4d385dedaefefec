// Package queue provides an unbounded FIFO used wherever a producer must
// never block on a slow consumer: the router's per-address queues and the
// journal's pending transitions.
package queue

import "sync"

// Queue is a thread-safe ring buffer that doubles its capacity when full.
// Push never blocks and never drops while the queue is open.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int
	size   int
	closed bool

	pushed    int64
	popped    int64
	grows     int
	highWater int
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Depth     int
	Capacity  int
	Pushed    int64
	Popped    int64
	Grows     int
	HighWater int
}

// New creates a queue with the given starting capacity (minimum 1).
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{ring: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. It returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.size == len(q.ring) {
		q.grow()
	}

	q.ring[(q.head+q.size)%len(q.ring)] = item
	q.size++
	q.pushed++
	if q.size > q.highWater {
		q.highWater = q.size
	}

	q.cond.Signal()
	return true
}

// Pop blocks until an item is available. After Close it keeps returning the
// remaining items, then zero and false.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	return q.take()
}

// TryPop returns the head item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.take()
}

// PopBatch removes up to max items (all of them when max <= 0) without
// blocking. It returns nil when the queue is empty.
func (q *Queue[T]) PopBatch(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := q.take()
		out = append(out, item)
	}
	return out
}

// take removes the head item. Must be called with mu held.
func (q *Queue[T]) take() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.ring[q.head]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	q.popped++
	return item, true
}

// grow doubles the ring, unwrapping it to start at index 0. Must be called
// with mu held.
func (q *Queue[T]) grow() {
	next := make([]T, len(q.ring)*2)
	n := copy(next, q.ring[q.head:])
	copy(next[n:], q.ring[:q.head])
	q.ring = next
	q.head = 0
	q.grows++
}

// Close stops accepting items and wakes every blocked Pop.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns current counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:     q.size,
		Capacity:  len(q.ring),
		Pushed:    q.pushed,
		Popped:    q.popped,
		Grows:     q.grows,
		HighWater: q.highWater,
	}
}
