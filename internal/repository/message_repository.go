package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iliyamo/local-heroes/internal/model"
)

// MessageRepo stores chat messages in MongoDB.
type MessageRepo struct {
	collection *mongo.Collection
}

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{collection: db.Collection("messages")}
}

// EnsureIndexes creates the indexes used by conversation and unread queries.
func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "read", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

// Create stores a new unread message and returns it with its id set.
func (r *MessageRepo) Create(ctx context.Context, senderID, receiverID uint64, content string) (*model.Message, error) {
	now := time.Now().UTC()
	m := &model.Message{
		ID:         primitive.NewObjectID(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := r.collection.InsertOne(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return m, nil
}

// Conversation returns the messages exchanged between a and b, oldest first.
func (r *MessageRepo) Conversation(ctx context.Context, a, b uint64) ([]model.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender_id": a, "receiver_id": b},
		bson.M{"sender_id": b, "receiver_id": a},
	}}
	return r.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

// ListForUser returns every message the user sent or received, newest first.
func (r *MessageRepo) ListForUser(ctx context.Context, userID uint64, limit int64) ([]model.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender_id": userID},
		bson.M{"receiver_id": userID},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return r.find(ctx, filter, opts)
}

// MarkRead flags a message addressed to userID as read.  It returns
// ErrNotFound when no unread message with that id belongs to the user.
func (r *MessageRepo) MarkRead(ctx context.Context, userID uint64, id string) (*model.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	res := r.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "receiver_id": userID, "read": false},
		bson.M{"$set": bson.M{"read": true, "updated_at": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to mark message read: %w", err)
	}
	var m model.Message
	if err := res.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}

// UnreadCount counts unread messages addressed to userID.
func (r *MessageRepo) UnreadCount(ctx context.Context, userID uint64) (int64, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{"receiver_id": userID, "read": false})
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

func (r *MessageRepo) find(ctx context.Context, filter any, opts *options.FindOptions) ([]model.Message, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer cursor.Close(ctx)

	out := []model.Message{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return out, nil
}
