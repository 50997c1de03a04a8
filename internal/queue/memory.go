package queue

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/memora/internal/clock"
)

type memoryLease struct {
	descriptor Descriptor
	leasedAt   time.Time
}

// MemoryQueue is an in-process queue for single-binary deployments and tests.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []Descriptor
	leased     map[string]memoryLease
	notify     chan struct{}
	clock      clock.Clock
	visibility time.Duration
}

func NewMemoryQueue(clk clock.Clock, visibility time.Duration) *MemoryQueue {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryQueue{
		leased:     make(map[string]memoryLease),
		notify:     make(chan struct{}, 1),
		clock:      clk,
		visibility: visibility,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, d Descriptor) error {
	prepared, err := prepare(d, q.clock.Now())
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, prepared)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if delivery := q.tryLease(); delivery != nil {
			return delivery, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return q.tryLease(), nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) tryLease() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	now := q.clock.Now()
	q.leased[d.MessageID] = memoryLease{descriptor: d, leasedAt: now}
	if len(q.pending) > 0 {
		q.signal()
	}
	return &Delivery{Descriptor: d, LeasedAt: now}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.holds(d) {
		return ErrUnknownDelivery
	}
	delete(q.leased, d.MessageID)
	return nil
}

func (q *MemoryQueue) Extend(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.holds(d) {
		return ErrUnknownDelivery
	}
	lease := q.leased[d.MessageID]
	lease.leasedAt = q.clock.Now()
	q.leased[d.MessageID] = lease
	d.LeasedAt = lease.leasedAt
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	if !q.holds(d) {
		q.mu.Unlock()
		return ErrUnknownDelivery
	}
	lease := q.leased[d.MessageID]
	delete(q.leased, d.MessageID)
	redelivery := lease.descriptor
	redelivery.Attempt++
	q.pending = append(q.pending, redelivery)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	requeued := 0
	for id, lease := range q.leased {
		if now.Sub(lease.leasedAt) < q.visibility {
			continue
		}
		delete(q.leased, id)
		redelivery := lease.descriptor
		redelivery.Attempt++
		q.pending = append(q.pending, redelivery)
		requeued++
	}
	q.mu.Unlock()
	if requeued > 0 {
		q.signal()
	}
	return requeued, nil
}

// holds reports whether d is the current lease of its message. A stale
// delivery from an expired lease does not match the redelivered attempt.
func (q *MemoryQueue) holds(d *Delivery) bool {
	lease, ok := q.leased[d.MessageID]
	return ok && lease.descriptor.Attempt == d.Attempt
}

// Len returns the number of pending and leased descriptors.
func (q *MemoryQueue) Len() (pending, leased int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.leased)
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
