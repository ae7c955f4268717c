package buffer

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Queue is a thread-safe unbounded FIFO queue.
//
// Push never blocks, so a producer is never held up by a slow consumer; the
// queue grows instead. Pop blocks until an element is available, the queue
// is closed, or the context is done.
//
// CloseWrite lets consumers drain what is already queued and then observe
// io.EOF. CloseWithError drops everything still queued; subsequent Pop and
// Push calls return the close error.
type Queue[T any] struct {
	notify chan struct{}
	closed chan struct{}

	mu         sync.Mutex
	items      []T
	head       int
	closeWrite bool
	closeErr   error
}

// NewQueue creates a Queue with an initial capacity hint of n elements.
func NewQueue[T any](n int) *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
		items:  make([]T, 0, n),
	}
}

// Push appends v to the tail of the queue.
//
// Returns an error wrapping io.ErrClosedPipe if the queue is closed for
// writing, or the close error if the queue was closed with an error.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr != nil {
		return fmt.Errorf("buffer: push to closed queue: %w", q.closeErr)
	}
	if q.closeWrite {
		return fmt.Errorf("buffer: push to closed queue: %w", io.ErrClosedPipe)
	}
	q.items = append(q.items, v)
	q.signal()
	return nil
}

// Pop removes and returns the element at the head of the queue.
//
// It blocks until an element is available. Returns io.EOF once the queue is
// closed for writing and drained, a wrapped close error if the queue was
// closed with an error, or ctx.Err() if the context is done first.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closeErr != nil {
			err := q.closeErr
			q.mu.Unlock()
			return zero, fmt.Errorf("buffer: pop from closed queue: %w", err)
		}
		if q.head < len(q.items) {
			v := q.items[q.head]
			q.items[q.head] = zero
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			} else {
				// Hand the wakeup on to any other waiting consumer.
				q.signal()
			}
			q.mu.Unlock()
			return v, nil
		}
		if q.closeWrite {
			q.mu.Unlock()
			return zero, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.closed:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// CloseWrite closes the queue for writing. Queued elements remain readable.
func (q *Queue[T]) CloseWrite() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeWrite {
		return nil
	}
	q.closeWrite = true
	close(q.closed)
	return nil
}

// CloseWithError closes both ends of the queue and discards queued elements.
// If err is nil, io.ErrClosedPipe is used. Only the first close error is kept.
func (q *Queue[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeErr != nil {
		return nil
	}
	q.closeErr = err
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	if !q.closeWrite {
		q.closeWrite = true
		close(q.closed)
	}
	return nil
}

// Error returns the error the queue was closed with, if any.
func (q *Queue[T]) Error() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeErr
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
