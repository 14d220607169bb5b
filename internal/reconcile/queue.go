// Package reconcile implements the webhook reconciliation engine: it drains
// the webhook ingress queue and converges stored session state with what the
// media-room and distribution services report, tolerating duplicate and
// out-of-order deliveries.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Envelope is one webhook delivery waiting to be reconciled. Payload is the
// raw request body; Source tells the dispatcher which parser to apply.
type Envelope struct {
	Source     string    `json:"source"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`

	// Ack confirms the delivery with the backing queue. The engine calls it
	// after the handler has run; a consumer that dies in between leaves the
	// entry pending for redelivery. Nil for queues without delivery tracking.
	Ack func() `json:"-"`
}

func (e Envelope) ack() {
	if e.Ack != nil {
		e.Ack()
	}
}

// Webhook sources accepted by the ingress endpoints.
const (
	SourceRoom         = "room"
	SourceDistribution = "distribution"
)

// Queue buffers webhook envelopes between the ingress handlers and the
// engine's dispatch loop.
type Queue interface {
	Publish(ctx context.Context, envelope Envelope) error
	Subscribe() Subscription
}

// Subscription is an active envelope stream.
type Subscription interface {
	Envelopes() <-chan Envelope
	Close()
}

// NewMemoryQueue initialises an in-process queue for single-node
// deployments and tests. Unlike a fan-out bus, every envelope is delivered
// to exactly one subscriber; Publish blocks when the buffer is full rather
// than dropping deliveries.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 128
	}
	return &memoryQueue{ch: make(chan Envelope, buffer)}
}

type memoryQueue struct {
	mu     sync.Mutex
	ch     chan Envelope
	closed bool
}

func (q *memoryQueue) Publish(ctx context.Context, envelope Envelope) error {
	if envelope.Source == "" {
		return errors.New("envelope source is required")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue closed")
	}
	ch := q.ch
	q.mu.Unlock()

	select {
	case ch <- envelope:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	return &memorySubscription{queue: q}
}

type memorySubscription struct {
	queue *memoryQueue
	once  sync.Once
}

func (s *memorySubscription) Envelopes() <-chan Envelope {
	return s.queue.ch
}

// Close stops further publishes. The channel itself is left open so an
// in-flight Publish never panics; consumers exit via their own context.
func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		s.queue.closed = true
		s.queue.mu.Unlock()
	})
}
