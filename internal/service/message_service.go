package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/repository"
)

// MaxMessageLength bounds a chat message in characters.
const MaxMessageLength = 2000

// MessageStore persists chat messages.
type MessageStore interface {
	Create(ctx context.Context, senderID, receiverID uint64, content string) (*model.Message, error)
	Conversation(ctx context.Context, a, b uint64) ([]model.Message, error)
	ListForUser(ctx context.Context, userID uint64, limit int64) ([]model.Message, error)
	MarkRead(ctx context.Context, userID uint64, id string) (*model.Message, error)
	UnreadCount(ctx context.Context, userID uint64) (int64, error)
}

// MessageService stores direct messages and fans them out to the live
// connections of both parties.
type MessageService struct {
	store  MessageStore
	users  UserReader
	pusher Pusher
	log    logrus.FieldLogger
}

func NewMessageService(store MessageStore, users UserReader, pusher Pusher, log logrus.FieldLogger) *MessageService {
	return &MessageService{store: store, users: users, pusher: pusher, log: log.WithField("component", "messages")}
}

// Send stores a message from senderID to receiverID, emits new_message to
// both users and refreshes the receiver's unread count.
func (s *MessageService) Send(ctx context.Context, senderID, receiverID uint64, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	switch {
	case receiverID == 0:
		return nil, badRequest("receiverId is required")
	case receiverID == senderID:
		return nil, badRequest("you cannot message yourself")
	case content == "":
		return nil, badRequest("content is required")
	case utf8.RuneCountInString(content) > MaxMessageLength:
		return nil, badRequest("content must be at most %d characters", MaxMessageLength)
	}
	if _, err := s.users.GetByID(ctx, receiverID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("receiver not found")
		}
		return nil, fmt.Errorf("load receiver: %w", err)
	}

	m, err := s.store.Create(ctx, senderID, receiverID, content)
	if err != nil {
		return nil, err
	}
	if s.pusher != nil {
		s.pusher.SendToUser(senderID, "new_message", m)
		s.pusher.SendToUser(receiverID, "new_message", m)
		s.pushUnread(ctx, receiverID)
	}
	return m, nil
}

// Conversation returns the history between userID and otherID, oldest first.
func (s *MessageService) Conversation(ctx context.Context, userID, otherID uint64) ([]model.Message, error) {
	if otherID == 0 {
		return nil, badRequest("invalid user id")
	}
	return s.store.Conversation(ctx, userID, otherID)
}

// Inbox returns the most recent messages the user sent or received.
func (s *MessageService) Inbox(ctx context.Context, userID uint64, limit int64) ([]model.Message, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.store.ListForUser(ctx, userID, limit)
}

// MarkRead flags a message addressed to userID as read and pushes the new
// unread count.
func (s *MessageService) MarkRead(ctx context.Context, userID uint64, messageID string) (*model.Message, error) {
	m, err := s.store.MarkRead(ctx, userID, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("message not found")
		}
		return nil, err
	}
	s.pushUnread(ctx, userID)
	return m, nil
}

// UnreadCount counts unread messages addressed to userID.
func (s *MessageService) UnreadCount(ctx context.Context, userID uint64) (int64, error) {
	return s.store.UnreadCount(ctx, userID)
}

func (s *MessageService) pushUnread(ctx context.Context, userID uint64) {
	if s.pusher == nil || !s.pusher.Online(userID) {
		return
	}
	n, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("unread count failed")
		return
	}
	s.pusher.SendToUser(userID, "unread_count", map[string]int64{"count": n})
}
