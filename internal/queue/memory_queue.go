package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/observability/metrics"
)

// MemoryQueue is a Queue backed by an in-memory buffered channel. Used when
// USE_MEMORY_QUEUE=true and in tests.
type MemoryQueue struct {
	ch      chan Message
	metrics *metrics.Metrics
}

// NewMemoryQueue creates a MemoryQueue with the provided buffer capacity.
func NewMemoryQueue(buffer int, m *metrics.Metrics) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{
		ch:      make(chan Message, buffer),
		metrics: m,
	}
}

// Send enqueues a payload or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	msg := Message{
		ID:            uuid.NewString(),
		Body:          body,
		ReceiptHandle: uuid.NewString(),
	}

	select {
	case q.ch <- msg:
		q.metrics.SetQueueDepth(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available, ctx is done, or waitSeconds
// elapses. A timeout returns an empty batch, not an error.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxMessages <= 0 {
		maxMessages = 1
	}

	var timer *time.Timer
	if waitSeconds > 0 {
		timer = time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
	}

	if timer == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-q.ch:
			return q.collect(ctx, msg, maxMessages), nil
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case msg := <-q.ch:
		return q.collect(ctx, msg, maxMessages), nil
	}
}

// Delete is a no-op for the in-memory queue.
func (q *MemoryQueue) Delete(_ context.Context, _ string) error {
	return nil
}

func (q *MemoryQueue) collect(ctx context.Context, first Message, max int) []Message {
	messages := make([]Message, 0, max)
	messages = append(messages, first)

	for len(messages) < max {
		select {
		case <-ctx.Done():
			q.metrics.SetQueueDepth(float64(len(q.ch)))
			return messages
		case msg := <-q.ch:
			messages = append(messages, msg)
		default:
			q.metrics.SetQueueDepth(float64(len(q.ch)))
			return messages
		}
	}
	q.metrics.SetQueueDepth(float64(len(q.ch)))
	return messages
}

var _ Queue = (*MemoryQueue)(nil)
