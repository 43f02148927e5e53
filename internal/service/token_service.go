package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/repository"
	"github.com/iliyamo/local-heroes/internal/utils"
)

// TokenStore persists refresh token records.
type TokenStore interface {
	Store(ctx context.Context, t model.RefreshToken) error
	GetByJTI(ctx context.Context, jti string) (model.RefreshToken, error)
	ListActive(ctx context.Context, userID uint64, now time.Time) ([]model.RefreshToken, error)
	DeleteByID(ctx context.Context, id uint64) error
	RevokeByJTI(ctx context.Context, jti string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID uint64, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TokenConfig carries secrets and lifetimes for the token pair.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	MaxActive     int
}

// TokenPair is what a successful login hands back to the client.
type TokenPair struct {
	Access  utils.SignedToken
	Refresh utils.SignedToken
}

const invalidRefreshMsg = "invalid or expired refresh token"

// TokenService issues, validates and revokes access/refresh tokens.
type TokenService struct {
	store TokenStore
	cfg   TokenConfig
	log   logrus.FieldLogger
	now   func() time.Time
	newID func() string
}

func NewTokenService(store TokenStore, cfg TokenConfig, log logrus.FieldLogger) *TokenService {
	if cfg.MaxActive < 1 {
		cfg.MaxActive = 3
	}
	return &TokenService{
		store: store,
		cfg:   cfg,
		log:   log.WithField("component", "tokens"),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Issue mints an access token and a refresh token for u.  Before the new
// refresh record is stored, the soonest-expiring active tokens are evicted
// until the user is below the per-user cap.  Eviction is not transactional;
// concurrent logins may briefly exceed the cap.
func (s *TokenService) Issue(ctx context.Context, u model.User) (TokenPair, error) {
	now := s.now()
	access, err := s.mintAccess(u.ID, u.Email, u.Role, now)
	if err != nil {
		return TokenPair{}, err
	}
	jti := s.newID()
	refresh, err := utils.SignToken(s.cfg.RefreshSecret, utils.Claims{
		UserID:    u.ID,
		Email:     u.Email,
		Role:      u.Role,
		Purpose:   utils.PurposeRefresh,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	})
	if err != nil {
		return TokenPair{}, err
	}

	active, err := s.store.ListActive(ctx, u.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	for len(active) >= s.cfg.MaxActive {
		victim := active[0]
		if err := s.store.DeleteByID(ctx, victim.ID); err != nil {
			return TokenPair{}, err
		}
		s.log.WithFields(logrus.Fields{"user_id": u.ID, "jti": victim.JTI}).Debug("evicted refresh token")
		active = active[1:]
	}

	if err := s.store.Store(ctx, model.RefreshToken{
		UserID:    u.ID,
		JTI:       jti,
		TokenHash: utils.HashToken(refresh.Token),
		ExpiresAt: refresh.Exp,
	}); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// ValidateRefresh checks signature and expiry of raw, then that its jti
// record exists, is active, and stores the hash of exactly this token.
// All failures produce the same Unauthorized error.
func (s *TokenService) ValidateRefresh(ctx context.Context, raw string) (utils.Claims, error) {
	now := s.now()
	claims, err := utils.ParseToken(s.cfg.RefreshSecret, raw, utils.PurposeRefresh, now)
	if err != nil || claims.JTI == "" {
		return utils.Claims{}, unauthorized(invalidRefreshMsg)
	}
	rec, err := s.store.GetByJTI(ctx, claims.JTI)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.WithError(err).Error("refresh token lookup failed")
		}
		return utils.Claims{}, unauthorized(invalidRefreshMsg)
	}
	if !rec.Active(now) || rec.UserID != claims.UserID {
		return utils.Claims{}, unauthorized(invalidRefreshMsg)
	}
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(utils.HashToken(raw))) != 1 {
		return utils.Claims{}, unauthorized(invalidRefreshMsg)
	}
	return claims, nil
}

// Refresh validates raw and mints a new access token from its claims.
// The refresh token itself is not rotated.
func (s *TokenService) Refresh(ctx context.Context, raw string) (utils.SignedToken, error) {
	_, access, err := s.Renew(ctx, raw)
	return access, err
}

// Renew is Refresh that also returns the validated refresh claims, so
// callers needing the identity do a single record lookup.
func (s *TokenService) Renew(ctx context.Context, raw string) (utils.Claims, utils.SignedToken, error) {
	claims, err := s.ValidateRefresh(ctx, raw)
	if err != nil {
		return utils.Claims{}, utils.SignedToken{}, err
	}
	access, err := s.mintAccess(claims.UserID, claims.Email, claims.Role, s.now())
	if err != nil {
		return utils.Claims{}, utils.SignedToken{}, err
	}
	return claims, access, nil
}

// Revoke marks the record for jti revoked.  Repeated calls are no-ops.
func (s *TokenService) Revoke(ctx context.Context, jti string) error {
	if jti == "" {
		return nil
	}
	return s.store.RevokeByJTI(ctx, jti, s.now())
}

// RevokeRaw revokes the presented refresh token if its signature checks
// out.  Expired or malformed tokens are ignored.
func (s *TokenService) RevokeRaw(ctx context.Context, raw string) error {
	claims, err := utils.ParseToken(s.cfg.RefreshSecret, raw, utils.PurposeRefresh, s.now())
	if err != nil {
		return nil
	}
	return s.Revoke(ctx, claims.JTI)
}

// RevokeAll revokes every active refresh token of the user.
func (s *TokenService) RevokeAll(ctx context.Context, userID uint64) (int64, error) {
	return s.store.RevokeAllForUser(ctx, userID, s.now())
}

// SweepExpired deletes every record past its expiry.
func (s *TokenService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.log.WithField("deleted", n).Info("expired refresh tokens swept")
	return n, nil
}

// ParseAccess verifies an access token.
func (s *TokenService) ParseAccess(raw string) (utils.Claims, error) {
	c, err := utils.ParseToken(s.cfg.AccessSecret, raw, utils.PurposeAccess, s.now())
	if err != nil {
		return utils.Claims{}, unauthorized("invalid token")
	}
	return c, nil
}

func (s *TokenService) mintAccess(userID uint64, email, role string, now time.Time) (utils.SignedToken, error) {
	return utils.SignToken(s.cfg.AccessSecret, utils.Claims{
		UserID:    userID,
		Email:     email,
		Role:      role,
		Purpose:   utils.PurposeAccess,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.AccessTTL),
	})
}
