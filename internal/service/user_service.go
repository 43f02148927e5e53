package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/repository"
)

// ProfileStore reads and edits user profiles.
type ProfileStore interface {
	UserReader
	UpdateProfile(ctx context.Context, id, version uint64, p model.ProfileUpdate) error
	Credit(ctx context.Context, id uint64, amount decimal.Decimal) (decimal.Decimal, error)
}

const maxSkills = 20

// UserService serves profile reads and edits and admin balance top-ups.
type UserService struct {
	users ProfileStore
	log   logrus.FieldLogger
}

func NewUserService(users ProfileStore, log logrus.FieldLogger) *UserService {
	return &UserService{users: users, log: log.WithField("component", "users")}
}

// Me returns the full record of the authenticated user.
func (s *UserService) Me(ctx context.Context, userID uint64) (model.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.User{}, notFound("user not found")
		}
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	u.PasswordHash = ""
	return u, nil
}

// Public returns the summary other users may see.
func (s *UserService) Public(ctx context.Context, userID uint64) (model.UserSummary, error) {
	u, err := s.Me(ctx, userID)
	if err != nil {
		return model.UserSummary{}, err
	}
	return u.Summary(), nil
}

// UpdateProfile applies p when version matches the stored record.
func (s *UserService) UpdateProfile(ctx context.Context, userID, version uint64, p model.ProfileUpdate) (model.User, error) {
	if len(p.Skills) > maxSkills {
		return model.User{}, badRequest("at most %d skills are allowed", maxSkills)
	}
	if p.Skills != nil {
		p.Skills = normalizeTags(p.Skills)
	}
	for _, f := range []*string{p.FirstName, p.LastName} {
		if f != nil {
			*f = strings.TrimSpace(*f)
			if *f == "" {
				return model.User{}, badRequest("name cannot be empty")
			}
		}
	}
	if err := s.users.UpdateProfile(ctx, userID, version, p); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return model.User{}, notFound("user not found")
		case errors.Is(err, repository.ErrVersionConflict):
			return model.User{}, conflict("profile was modified concurrently, reload and retry")
		}
		return model.User{}, fmt.Errorf("update profile: %w", err)
	}
	return s.Me(ctx, userID)
}

// TopUp credits amount to a user's balance and returns the new balance.
func (s *UserService) TopUp(ctx context.Context, userID uint64, amount decimal.Decimal) (decimal.Decimal, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, badRequest("amount must be at least 0.01")
	}
	bal, err := s.users.Credit(ctx, userID, amount)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return decimal.Zero, notFound("user not found")
		}
		return decimal.Zero, fmt.Errorf("credit balance: %w", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "amount": amount.StringFixed(2)}).Info("balance topped up")
	return bal, nil
}
