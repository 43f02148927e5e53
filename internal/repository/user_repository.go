package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/local-heroes/internal/model"
)

type UserRepo struct{ db *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

const userColumns = `id,email,password_hash,role,balance,first_name,last_name,phone,address,bio,
	skills,profile_picture,email_verified_at,version,created_at,updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(rs rowScanner) (model.User, error) {
	var (
		u                        model.User
		phone, address, bio, pic sql.NullString
		skills                   []byte
		verified                 sql.NullTime
	)
	err := rs.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Balance, &u.FirstName, &u.LastName,
		&phone, &address, &bio, &skills, &pic, &verified, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}
	u.Phone, u.Address, u.Bio, u.ProfilePicture = phone.String, address.String, bio.String, pic.String
	u.Skills = decodeStrings(skills)
	if verified.Valid {
		t := verified.Time
		u.EmailVerifiedAt = &t
	}
	return u, nil
}

// Create inserts user and returns its ID.  The email is normalized and a
// duplicate yields ErrEmailExists.
func (r *UserRepo) Create(ctx context.Context, u model.User) (uint64, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	role := u.Role
	if role == "" {
		role = model.RoleUser
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (email,password_hash,role,balance,first_name,last_name,profile_picture,email_verified_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		email, u.PasswordHash, role, u.Balance, u.FirstName, u.LastName, nullString(u.ProfilePicture), u.EmailVerifiedAt)
	if err != nil {
		if isDuplicate(err) {
			return 0, ErrEmailExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := scanUser(r.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
	return u, notFound(err)
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
	return u, notFound(err)
}

// UpdateProfile applies the non-nil fields of p, conditioned on version.
func (r *UserRepo) UpdateProfile(ctx context.Context, id, version uint64, p model.ProfileUpdate) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+"=?")
			args = append(args, strings.TrimSpace(*v))
		}
	}
	add("first_name", p.FirstName)
	add("last_name", p.LastName)
	add("phone", p.Phone)
	add("address", p.Address)
	add("bio", p.Bio)
	add("profile_picture", p.ProfilePicture)
	if p.Skills != nil {
		sets = append(sets, "skills=?")
		args = append(args, encodeStrings(p.Skills))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version=version+1")
	args = append(args, id, version)
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET "+strings.Join(sets, ",")+" WHERE id=? AND version=?", args...)
	if err != nil {
		return err
	}
	return r.checkVersioned(ctx, res, id)
}

// UpdatePassword replaces the stored hash.
func (r *UserRepo) UpdatePassword(ctx context.Context, id uint64, hash string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET password_hash=?, version=version+1 WHERE id=?", hash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmailVerified stamps email_verified_at if it is still empty.
func (r *UserRepo) MarkEmailVerified(ctx context.Context, id uint64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE users SET email_verified_at=?, version=version+1 WHERE id=? AND email_verified_at IS NULL", at, id)
	return err
}

// Credit adds amount to the user's balance and returns the new balance.
func (r *UserRepo) Credit(ctx context.Context, id uint64, amount decimal.Decimal) (decimal.Decimal, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx,
		"UPDATE users SET balance=balance+?, version=version+1 WHERE id=?", amount, id)
	if err != nil {
		return decimal.Zero, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return decimal.Zero, ErrNotFound
	}
	var bal decimal.Decimal
	if err := tx.QueryRowContext(ctx, "SELECT balance FROM users WHERE id=?", id).Scan(&bal); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	committed = true
	return bal, nil
}

// checkVersioned turns a zero-row conditional update into ErrNotFound or
// ErrVersionConflict depending on whether the row still exists.
func (r *UserRepo) checkVersioned(ctx context.Context, res sql.Result, id uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = r.db.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id=?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeStrings(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}

func decodeStrings(b []byte) []string {
	out := []string{}
	if len(b) == 0 {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}
