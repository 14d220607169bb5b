package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisQueue(t *testing.T) Queue {
	t.Helper()
	server := miniredis.RunT(t)
	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         server.Addr(),
		Stream:       "test:webhooks",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	return queue
}

func TestRedisQueueDeliversPublishedEnvelopes(t *testing.T) {
	queue := newTestRedisQueue(t)
	sub := queue.Subscribe()
	defer sub.Close()

	envelope := Envelope{
		Source:     SourceDistribution,
		Payload:    []byte(`{"kind":"endpoint.idle","endpointId":"ep_1"}`),
		ReceivedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := queue.Publish(context.Background(), envelope); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-sub.Envelopes():
		if got.Source != envelope.Source {
			t.Fatalf("source = %q, want %q", got.Source, envelope.Source)
		}
		if string(got.Payload) != string(envelope.Payload) {
			t.Fatalf("payload = %s, want %s", got.Payload, envelope.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("envelope was not delivered")
	}
}

// A delivered entry stays pending in the consumer group until the consumer
// acknowledges it, so a crash between handoff and apply is redelivered.
func TestRedisQueueKeepsEntryPendingUntilAcked(t *testing.T) {
	queue := newTestRedisQueue(t)
	rq := queue.(*redisQueue)
	sub := queue.Subscribe()
	defer sub.Close()

	envelope := Envelope{
		Source:     SourceRoom,
		Payload:    []byte(`{"kind":"room.finished","roomName":"session-1"}`),
		ReceivedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := queue.Publish(context.Background(), envelope); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var got Envelope
	select {
	case got = <-sub.Envelopes():
	case <-time.After(3 * time.Second):
		t.Fatal("envelope was not delivered")
	}
	if got.Ack == nil {
		t.Fatal("delivered envelope carries no ack")
	}

	pending, err := rq.client.XPending(context.Background(), rq.stream, rq.group).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("pending entries before ack = %d, want 1", pending.Count)
	}

	got.Ack()
	deadline := time.After(2 * time.Second)
	for {
		pending, err = rq.client.XPending(context.Background(), rq.stream, rq.group).Result()
		if err != nil {
			t.Fatalf("XPending: %v", err)
		}
		if pending.Count == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pending entries after ack = %d, want 0", pending.Count)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRedisQueueRejectsMissingSource(t *testing.T) {
	queue := newTestRedisQueue(t)
	if err := queue.Publish(context.Background(), Envelope{Payload: []byte(`{}`)}); err == nil {
		t.Fatal("expected an error for an envelope without a source")
	}
}

func TestRedisQueueRequiresAddr(t *testing.T) {
	if _, err := NewRedisQueue(RedisQueueConfig{}); err == nil {
		t.Fatal("expected an error when no addr is configured")
	}
}
