package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/metrics"
	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/queue"
	"github.com/iliyamo/local-heroes/internal/repository"
)

// NotificationStore persists notification records.
type NotificationStore interface {
	Create(ctx context.Context, n *model.Notification) error
	ListForUser(ctx context.Context, userID uint64, limit, offset int) ([]model.Notification, int64, int64, error)
	UnreadCount(ctx context.Context, userID uint64) (int64, error)
	MarkRead(ctx context.Context, userID, id uint64) error
	MarkAllRead(ctx context.Context, userID uint64) (int64, error)
	Delete(ctx context.Context, userID, id uint64) error
}

// Pusher delivers a frame to every live connection of a user.
type Pusher interface {
	SendToUser(userID uint64, event string, payload any)
	Online(userID uint64) bool
}

// NotificationPage is one page of a user's notifications.
type NotificationPage struct {
	Notifications []model.Notification
	Total         int64
	UnreadCount   int64
	Limit         int
	Offset        int
}

// NotificationService turns task events into stored notifications and
// serves the notification inbox.
type NotificationService struct {
	store  NotificationStore
	pusher Pusher
	log    logrus.FieldLogger
}

func NewNotificationService(store NotificationStore, pusher Pusher, log logrus.FieldLogger) *NotificationService {
	return &NotificationService{store: store, pusher: pusher, log: log.WithField("component", "notifications")}
}

// HandleEvent is the queue consumer.  It stores the notification and then
// pushes it, with the recipient's new unread count, to their live sockets.
func (s *NotificationService) HandleEvent(ctx context.Context, ev queue.TaskEvent) error {
	if ev.RecipientID == 0 {
		return fmt.Errorf("event %s has no recipient", ev.ID)
	}
	n, err := buildNotification(ev)
	if err != nil {
		return err
	}
	if err := s.store.Create(ctx, &n); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	metrics.ObserveNotification(string(n.Type))

	if s.pusher != nil && s.pusher.Online(n.UserID) {
		s.pusher.SendToUser(n.UserID, "notification", n)
		if unread, err := s.store.UnreadCount(ctx, n.UserID); err == nil {
			s.pusher.SendToUser(n.UserID, "notification_count", map[string]int64{"count": unread})
		}
	}
	s.log.WithFields(logrus.Fields{"type": n.Type, "user_id": n.UserID, "task_id": ev.TaskID}).Debug("notification created")
	return nil
}

func buildNotification(ev queue.TaskEvent) (model.Notification, error) {
	actor := ev.ActorName
	if actor == "" {
		actor = "Someone"
	}
	n := model.Notification{
		UserID:   ev.RecipientID,
		Type:     ev.Type,
		Metadata: map[string]any{"taskTitle": ev.TaskTitle},
	}
	if ev.TaskID != 0 {
		id := ev.TaskID
		n.TaskID = &id
	}
	if ev.ActorID != 0 {
		id := ev.ActorID
		n.FromUserID = &id
	}
	for k, v := range ev.Metadata {
		n.Metadata[k] = v
	}

	switch ev.Type {
	case model.NotifyJobApplication:
		n.Title = "New Job Application"
		n.Message = fmt.Sprintf("%s has applied for your job \"%s\"", actor, ev.TaskTitle)
		n.Metadata["applicantName"] = actor
	case model.NotifyApplicationAccepted:
		n.Title = "Application Accepted!"
		n.Message = fmt.Sprintf("Congratulations! %s has accepted your application for \"%s\"", actor, ev.TaskTitle)
		n.Metadata["posterName"] = actor
	case model.NotifyApplicationRejected:
		n.Title = "Application Update"
		n.Message = fmt.Sprintf("Your application for \"%s\" was not selected this time", ev.TaskTitle)
	case model.NotifyJobCompleted:
		n.Title = "Job Completed"
		n.Message = fmt.Sprintf("The job \"%s\" has been marked as completed by %s", ev.TaskTitle, actor)
		n.Metadata["completedBy"] = actor
	case model.NotifyJobCancelled:
		n.Title = "Job Cancelled"
		n.Message = fmt.Sprintf("The job \"%s\" has been cancelled by %s", ev.TaskTitle, actor)
		n.Metadata["cancelledBy"] = actor
	default:
		return model.Notification{}, fmt.Errorf("unknown notification type \"%s\"", ev.Type)
	}
	return n, nil
}

// List returns a page of the user's notifications, newest first.
func (s *NotificationService) List(ctx context.Context, userID uint64, limit, offset int) (NotificationPage, error) {
	if limit < 1 || limit > MaxPageSize {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	items, total, unread, err := s.store.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}
	return NotificationPage{Notifications: items, Total: total, UnreadCount: unread, Limit: limit, Offset: offset}, nil
}

// UnreadCount returns the user's unread notification count.
func (s *NotificationService) UnreadCount(ctx context.Context, userID uint64) (int64, error) {
	return s.store.UnreadCount(ctx, userID)
}

// MarkRead flags one notification of the user as read.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id uint64) error {
	if err := s.store.MarkRead(ctx, userID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("notification not found")
		}
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllRead flags every notification of the user as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID uint64) (int64, error) {
	n, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return n, nil
}

// Delete removes one notification of the user.
func (s *NotificationService) Delete(ctx context.Context, userID, id uint64) error {
	if err := s.store.Delete(ctx, userID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("notification not found")
		}
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}
