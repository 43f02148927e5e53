package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by MemoryQueue.Publish when the buffer is full.
var ErrQueueFull = errors.New("event queue full")

// ErrQueueClosed is returned by MemoryQueue.Publish after Close.
var ErrQueueClosed = errors.New("event queue closed")

// MemoryQueue is the in-process transport used when no broker is
// configured.  Publish never blocks; events are dropped with ErrQueueFull
// when the consumer falls behind.
type MemoryQueue struct {
	events chan TaskEvent
	log    logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
}

func NewMemoryQueue(size int, log logrus.FieldLogger) *MemoryQueue {
	if size < 1 {
		size = 256
	}
	return &MemoryQueue{events: make(chan TaskEvent, size), log: log.WithField("component", "event-queue")}
}

func (q *MemoryQueue) Publish(_ context.Context, ev TaskEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run hands queued events to h until ctx is cancelled or the queue is
// closed and drained.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-q.events:
			if !ok {
				return nil
			}
			if err := h(ctx, ev); err != nil {
				q.log.WithError(err).WithField("event_type", ev.Type).Error("handle event failed")
			}
		}
	}
}

// Close stops accepting events.  Already queued events are still delivered.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
}

// Len reports the number of buffered events.
func (q *MemoryQueue) Len() int { return len(q.events) }
