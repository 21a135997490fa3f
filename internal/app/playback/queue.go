package playback

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

// ErrNilEmission is returned when a nil emission is enqueued.
var ErrNilEmission = errors.New("emission must not be nil")

// Queue is a FIFO of scheduled emissions, safe for one producer and one consumer.
type Queue struct {
	mu    sync.Mutex
	items []*trackpoint.Emission
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		items: make([]*trackpoint.Emission, 0),
	}
}

// Enqueue appends an emission to the end of the queue.
func (q *Queue) Enqueue(e *trackpoint.Emission) error {
	if e == nil {
		return ErrNilEmission
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, e)
	return nil
}

// TryDequeue removes and returns the head of the queue.
// ok is false if the queue is empty.
func (q *Queue) TryDequeue() (e *trackpoint.Emission, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	e = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e, true
}

// Clear discards all pending emissions and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = make([]*trackpoint.Emission, 0)
	return n
}

// Len returns the number of pending emissions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
