package fifo

import (
	"context"
	"sync"
)

// Bounded circular queue with a drop-oldest overflow policy.
// Writes never block : when full, the oldest element is evicted.
// Single writer, any number of readers.
type Queue[T any] struct {
	mu        sync.Mutex
	buffer    []T
	readPos   int
	count     int
	dropped   uint64
	completed bool
	// closed & replaced whenever something readers wait for happens
	notify chan struct{}
}

// Create a queue holding at most capacity elements (minimum 1)
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{buffer: make([]T, capacity)}
}

// TryWrite adds v to the queue, evicting the oldest element if full.
// It returns false only if the queue was completed.
func (q *Queue[T]) TryWrite(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completed {
		return false
	}
	if q.count == len(q.buffer) {
		var zero T
		q.buffer[q.readPos] = zero
		q.readPos = (q.readPos + 1) % len(q.buffer)
		q.count--
		q.dropped++
	}
	q.buffer[(q.readPos+q.count)%len(q.buffer)] = v
	q.count++
	q.wakeLocked()
	return true
}

// TryRead pops the oldest element without blocking
func (q *Queue[T]) TryRead() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.count == 0 {
		return zero, false
	}
	v := q.buffer[q.readPos]
	q.buffer[q.readPos] = zero
	q.readPos = (q.readPos + 1) % len(q.buffer)
	q.count--
	return v, true
}

// WaitToRead blocks until an element is available (true), or the queue
// is completed and empty (false), or ctx is done.
func (q *Queue[T]) WaitToRead(ctx context.Context) (bool, error) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			q.mu.Unlock()
			return true, nil
		}
		if q.completed {
			q.mu.Unlock()
			return false, nil
		}
		if q.notify == nil {
			q.notify = make(chan struct{})
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-notify:
		}
	}
}

// Complete marks the write end as finished. Pending elements can still be read.
func (q *Queue[T]) Complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completed {
		return
	}
	q.completed = true
	q.wakeLocked()
}

func (q *Queue[T]) wakeLocked() {
	if q.notify != nil {
		close(q.notify)
		q.notify = nil
	}
}

func (q *Queue[T]) Completed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Queue[T]) Cap() int {
	return len(q.buffer)
}

// Number of elements evicted because the queue was full
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
