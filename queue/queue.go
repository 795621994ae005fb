package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is used when New is called with a non-positive capacity.
const DefaultCapacity = 1024

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue is full")
	ErrTimeout     = errors.New("queue read timed out")
)

// stopSignal is the distinguished sentinel type. Keeping the type
// unexported guarantees no ordinary item can collide with it.
type stopSignal struct{}

// StopSignal marks end-of-stream. It is consumed by exactly one reader,
// which must not dequeue further items afterwards.
var StopSignal any = stopSignal{}

// IsStopSignal reports whether item is the stop sentinel.
func IsStopSignal(item any) bool {
	_, ok := item.(stopSignal)
	return ok
}

// Queue is a FIFO multi-producer/multi-consumer message channel.
type Queue struct {
	id    string
	items chan any

	mu     sync.RWMutex
	closed bool
}

// New creates a queue with the given capacity. A non-positive capacity
// selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		id:    uuid.NewString(),
		items: make(chan any, capacity),
	}
}

// ID returns the stable handle identifying this queue.
func (q *Queue) ID() string {
	return q.id
}

// Put enqueues one item without blocking. It returns ErrQueueClosed after
// Close and ErrQueueFull when the queue is at capacity.
func (q *Queue) Put(item any) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// PutStopSignal enqueues the stop sentinel, waiting for room if the queue
// is full. Stop signals are exempt from the closed gate so shutdown can
// always be signaled to consumers still draining the queue.
func (q *Queue) PutStopSignal() {
	q.items <- StopSignal
}

// TryPutStopSignal enqueues the stop sentinel only if room is available,
// reporting whether it was delivered. For callers that must not block on
// a queue nobody is draining.
func (q *Queue) TryPutStopSignal() bool {
	select {
	case q.items <- StopSignal:
		return true
	default:
		return false
	}
}

// Get dequeues one item, blocking up to timeout. Expiry returns
// ErrTimeout, which is not fatal; callers re-enter their loop to
// re-evaluate whether they should keep running. A non-positive timeout
// blocks until an item arrives or ctx is canceled.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		select {
		case item := <-q.items:
			return item, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Len returns the current occupancy.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}

// Close rejects further Put calls. Items already enqueued remain
// consumable; the channel itself is never closed so late stop signals
// can still be delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// IsClosed reports whether the queue rejects new items.
func (q *Queue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
