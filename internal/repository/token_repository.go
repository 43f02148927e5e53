package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/local-heroes/internal/model"
)

// TokenRepo persists refresh token records keyed by jti.  Only the
// SHA‑256 hash of the signed token is stored.
type TokenRepo struct{ db *sql.DB }

func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{db: db} }

const tokenColumns = "id,user_id,jti,token_hash,expires_at,revoked_at,created_at"

func scanToken(rs rowScanner) (model.RefreshToken, error) {
	var (
		t       model.RefreshToken
		revoked sql.NullTime
	)
	if err := rs.Scan(&t.ID, &t.UserID, &t.JTI, &t.TokenHash, &t.ExpiresAt, &revoked, &t.CreatedAt); err != nil {
		return model.RefreshToken{}, err
	}
	if revoked.Valid {
		at := revoked.Time
		t.RevokedAt = &at
	}
	return t, nil
}

// Store inserts a refresh token row.
func (r *TokenRepo) Store(ctx context.Context, t model.RefreshToken) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (user_id, jti, token_hash, expires_at) VALUES (?,?,?,?)",
		t.UserID, t.JTI, t.TokenHash, t.ExpiresAt)
	return err
}

// GetByJTI returns the record for jti, revoked or not.
func (r *TokenRepo) GetByJTI(ctx context.Context, jti string) (model.RefreshToken, error) {
	t, err := scanToken(r.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM refresh_tokens WHERE jti=? LIMIT 1", jti))
	return t, notFound(err)
}

// ListActive returns the user's non-revoked, unexpired tokens ordered by
// expiry, soonest first.
func (r *TokenRepo) ListActive(ctx context.Context, userID uint64, now time.Time) ([]model.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+tokenColumns+` FROM refresh_tokens
		 WHERE user_id=? AND revoked_at IS NULL AND expires_at > ?
		 ORDER BY expires_at ASC, id ASC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RefreshToken{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteByID removes one token row.
func (r *TokenRepo) DeleteByID(ctx context.Context, id uint64) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE id=?", id)
	return err
}

// RevokeByJTI marks a token as revoked.  Revoking an already revoked or
// unknown jti is not an error.
func (r *TokenRepo) RevokeByJTI(ctx context.Context, jti string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=? WHERE jti=? AND revoked_at IS NULL",
		at, jti)
	return err
}

// RevokeAllForUser revokes all user's active tokens.
func (r *TokenRepo) RevokeAllForUser(ctx context.Context, userID uint64, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=? WHERE user_id=? AND revoked_at IS NULL",
		at, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes every row whose expiry has passed.
func (r *TokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at < ?", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
