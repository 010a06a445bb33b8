package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryQueue is an in-process Publisher/Consumer used in tests and
// single-binary runs. Deliveries stay pending until acknowledged; Requeue
// puts an unacknowledged delivery back at the end of the line.
type MemoryQueue struct {
	jobs chan Delivery

	mu      sync.Mutex
	nextID  int
	pending map[string]SignatureJob
	acked   int
}

// NewMemoryQueue creates a queue buffering up to size jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(chan Delivery, size),
		pending: make(map[string]SignatureJob),
	}
}

var _ Publisher = (*MemoryQueue)(nil)
var _ Consumer = (*MemoryQueue)(nil)

func (q *MemoryQueue) Publish(ctx context.Context, job *SignatureJob) error {
	q.mu.Lock()
	q.nextID++
	id := fmt.Sprintf("%d", q.nextID)
	q.mu.Unlock()

	select {
	case q.jobs <- Delivery{ID: id, Job: *job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case d := <-q.jobs:
		q.mu.Lock()
		q.pending[d.ID] = d.Job
		q.mu.Unlock()
		return &d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; !ok {
		return fmt.Errorf("unknown delivery id %s", id)
	}
	delete(q.pending, id)
	q.acked++
	return nil
}

// Requeue returns an unacknowledged delivery to the queue for another
// attempt.
func (q *MemoryQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	job, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("unknown delivery id %s", id)
	}
	delete(q.pending, id)
	q.mu.Unlock()
	return q.Publish(ctx, &job)
}

// PendingCount returns the number of received but unacknowledged jobs.
func (q *MemoryQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// AckedCount returns the number of acknowledged jobs.
func (q *MemoryQueue) AckedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}
