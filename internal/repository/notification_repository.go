package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/iliyamo/local-heroes/internal/model"
)

type NotificationRepo struct{ db *sql.DB }

func NewNotificationRepo(db *sql.DB) *NotificationRepo { return &NotificationRepo{db: db} }

// Create inserts n and fills in its id.
func (r *NotificationRepo) Create(ctx context.Context, n *model.Notification) error {
	var meta []byte
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return err
		}
		meta = b
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id,type,title,message,task_id,from_user_id,metadata)
		 VALUES (?,?,?,?,?,?,?)`,
		n.UserID, n.Type, n.Title, n.Message, n.TaskID, n.FromUserID, meta)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	n.ID = uint64(id)
	return nil
}

// ListForUser returns a page of the user's notifications, newest first,
// along with the total and unread counts.
func (r *NotificationRepo) ListForUser(ctx context.Context, userID uint64, limit, offset int) ([]model.Notification, int64, int64, error) {
	var total, unread int64
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(is_read = 0), 0) FROM notifications WHERE user_id=?",
		userID).Scan(&total, &unread); err != nil {
		return nil, 0, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id,user_id,type,title,message,task_id,from_user_id,is_read,metadata,created_at
		 FROM notifications WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()
	out := make([]model.Notification, 0, limit)
	for rows.Next() {
		var (
			n            model.Notification
			taskID, from sql.NullInt64
			meta         []byte
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &taskID, &from,
			&n.Read, &meta, &n.CreatedAt); err != nil {
			return nil, 0, 0, err
		}
		if taskID.Valid {
			v := uint64(taskID.Int64)
			n.TaskID = &v
		}
		if from.Valid {
			v := uint64(from.Int64)
			n.FromUserID = &v
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &n.Metadata)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return out, total, unread, nil
}

// UnreadCount returns how many notifications the user has not read.
func (r *NotificationRepo) UnreadCount(ctx context.Context, userID uint64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE user_id=? AND is_read=0", userID).Scan(&n)
	return n, err
}

// MarkRead flags one notification as read.  Only the owner's rows match.
func (r *NotificationRepo) MarkRead(ctx context.Context, userID, id uint64) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE notifications SET is_read=1 WHERE id=? AND user_id=?", id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// MySQL reports zero affected rows when the flag was already set.
		var one int
		if err := r.db.QueryRowContext(ctx,
			"SELECT 1 FROM notifications WHERE id=? AND user_id=?", id, userID).Scan(&one); err != nil {
			return notFound(err)
		}
	}
	return nil
}

// MarkAllRead flags every unread notification of the user.
func (r *NotificationRepo) MarkAllRead(ctx context.Context, userID uint64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE notifications SET is_read=1 WHERE user_id=? AND is_read=0", userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes one of the user's notifications.
func (r *NotificationRepo) Delete(ctx context.Context, userID, id uint64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM notifications WHERE id=? AND user_id=?", id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
