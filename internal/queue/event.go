// Package queue carries task lifecycle events from the lifecycle engine to
// the notification consumer, either over RabbitMQ or in process.
package queue

import (
	"context"
	"time"

	"github.com/iliyamo/local-heroes/internal/model"
)

// TaskEvent is published once per recipient after a lifecycle mutation has
// been saved.  It carries enough context for the consumer to build the
// notification without querying the task again.
type TaskEvent struct {
	ID          string                 `json:"id"`
	Type        model.NotificationType `json:"type"`
	TaskID      uint64                 `json:"task_id"`
	TaskTitle   string                 `json:"task_title"`
	RecipientID uint64                 `json:"recipient_id"`
	ActorID     uint64                 `json:"actor_id"`
	ActorName   string                 `json:"actor_name"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Handler processes one delivered event.  A returned error rejects the
// delivery without requeueing it.
type Handler func(ctx context.Context, ev TaskEvent) error
