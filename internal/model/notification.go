package model

import "time"

// NotificationType enumerates the lifecycle events a user is told about.
type NotificationType string

const (
	NotifyJobApplication      NotificationType = "JOB_APPLICATION"
	NotifyApplicationAccepted NotificationType = "APPLICATION_ACCEPTED"
	NotifyApplicationRejected NotificationType = "APPLICATION_REJECTED"
	NotifyJobCompleted        NotificationType = "JOB_COMPLETED"
	NotifyJobCancelled        NotificationType = "JOB_CANCELLED"
)

// Notification mirrors a row of the `notifications` table.
type Notification struct {
	ID         uint64           `json:"id"`
	UserID     uint64           `json:"userId"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	TaskID     *uint64          `json:"taskId,omitempty"`
	FromUserID *uint64          `json:"fromUserId,omitempty"`
	Read       bool             `json:"read"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}
