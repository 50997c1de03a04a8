// Package queue carries analysis job descriptors from submission to workers
// with at-least-once delivery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Descriptor references a persisted job. It never carries a price.
type Descriptor struct {
	MessageID  string    `json:"message_id"`
	JobID      string    `json:"job_id"`
	UserID     string    `json:"user_id"`
	OrgID      string    `json:"org_id"`
	Standard   string    `json:"standard"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}

// Delivery is a leased descriptor. It must be acked or nacked; otherwise the
// lease expires and the descriptor is redelivered.
type Delivery struct {
	Descriptor
	LeasedAt time.Time

	raw string
}

type Queue interface {
	Enqueue(ctx context.Context, d Descriptor) error
	// Dequeue blocks up to wait and returns nil when nothing arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	// Ack removes a delivery. It returns ErrUnknownDelivery when the lease
	// was already lost to redelivery.
	Ack(ctx context.Context, d *Delivery) error
	// Extend restarts the visibility lease of a delivery that is still held.
	Extend(ctx context.Context, d *Delivery) error
	// Nack returns the descriptor for redelivery with an incremented attempt.
	Nack(ctx context.Context, d *Delivery) error
	// RequeueExpired redelivers descriptors whose lease is older than the
	// visibility timeout at now.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
}

var (
	ErrInvalidDescriptor = errors.New("invalid_descriptor")
	ErrUnknownDelivery   = errors.New("unknown_delivery")
)

func prepare(d Descriptor, now time.Time) (Descriptor, error) {
	if d.JobID == "" {
		return d, ErrInvalidDescriptor
	}
	if d.MessageID == "" {
		d.MessageID = ulid.Make().String()
	}
	if d.EnqueuedAt.IsZero() {
		d.EnqueuedAt = now.UTC()
	}
	if d.Attempt <= 0 {
		d.Attempt = 1
	}
	return d, nil
}
