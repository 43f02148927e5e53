package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role names stored in users.role and carried in the JWT "role" claim.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// User represents an application user record as stored in the
// `users` table.  Optional profile columns are mapped to empty strings
// when NULL.  Balance is a decimal so that task settlement never goes
// through floating point.
//
// Fields:
//  ID           – primary key; the only key used to compare actors.
//  Email        – unique, lower-cased email address.
//  PasswordHash – bcrypt hashed password.
//  Role         – USER or ADMIN.
//  Balance      – spendable funds, never negative.
//  Version      – optimistic concurrency counter bumped on every write.
type User struct {
	ID              uint64          // users.id
	Email           string          // users.email
	PasswordHash    string          // users.password_hash
	Role            string          // users.role
	Balance         decimal.Decimal // users.balance
	FirstName       string          // users.first_name
	LastName        string          // users.last_name
	Phone           string          // users.phone
	Address         string          // users.address
	Bio             string          // users.bio
	Skills          []string        // users.skills (JSON array)
	ProfilePicture  string          // users.profile_picture
	EmailVerifiedAt *time.Time      // users.email_verified_at
	Version         uint64          // users.version
	CreatedAt       time.Time       // users.created_at
	UpdatedAt       time.Time       // users.updated_at
}

// FullName joins first and last name, falling back to the email.
func (u User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// Summary returns the public projection embedded in task responses.
func (u User) Summary() UserSummary {
	return UserSummary{
		ID:             u.ID,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Email:          u.Email,
		ProfilePicture: u.ProfilePicture,
	}
}

// UserSummary is the populated form of a user reference (poster, worker
// or applicant) joined at read time.
type UserSummary struct {
	ID             uint64 `json:"id"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Email          string `json:"email"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// FullName mirrors User.FullName for summaries.
func (s UserSummary) FullName() string {
	name := strings.TrimSpace(s.FirstName + " " + s.LastName)
	if name == "" {
		return s.Email
	}
	return name
}

// ProfileUpdate carries the user-editable profile fields.  Nil pointers
// leave the stored value untouched.
type ProfileUpdate struct {
	FirstName      *string
	LastName       *string
	Phone          *string
	Address        *string
	Bio            *string
	Skills         []string
	ProfilePicture *string
}

// ExternalProfile is the identity an OAuth provider vouches for.
type ExternalProfile struct {
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
	Picture       string
}
