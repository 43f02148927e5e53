package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/repository"
	"github.com/iliyamo/local-heroes/internal/utils"
)

// Password length bounds.  bcrypt ignores input past 72 bytes.
const (
	MinPasswordLength = 6
	MaxPasswordLength = 72
)

// UserStore is the identity store used by authentication.
type UserStore interface {
	UserReader
	GetByEmail(ctx context.Context, email string) (model.User, error)
	Create(ctx context.Context, u model.User) (uint64, error)
	UpdatePassword(ctx context.Context, id uint64, hash string) error
	MarkEmailVerified(ctx context.Context, id uint64, at time.Time) error
}

// Mailer delivers transactional mail.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// OAuthProvider runs the authorization-code flow of an external identity
// provider.
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (model.ExternalProfile, error)
}

// AuthConfig carries the settings for password handling and reset mail.
type AuthConfig struct {
	ResetSecret  string
	ResetTTL     time.Duration
	BcryptCost   int
	PublicOrigin string
}

// RegisterInput is the sign-up payload.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
}

// Session is a logged-in user with a fresh token pair.
type Session struct {
	User   model.User
	Tokens TokenPair
}

// AuthService implements sign-up, login and password flows on top of
// TokenService.
type AuthService struct {
	users  UserStore
	tokens *TokenService
	mailer Mailer
	google OAuthProvider
	cfg    AuthConfig
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewAuthService(users UserStore, tokens *TokenService, mailer Mailer, google OAuthProvider, cfg AuthConfig, log logrus.FieldLogger) *AuthService {
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = 20 * time.Minute
	}
	return &AuthService{
		users:  users,
		tokens: tokens,
		mailer: mailer,
		google: google,
		cfg:    cfg,
		log:    log.WithField("component", "auth"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func normalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func checkPassword(p string) error {
	if len(p) < MinPasswordLength || len(p) > MaxPasswordLength {
		return badRequest("password must be between %d and %d characters", MinPasswordLength, MaxPasswordLength)
	}
	return nil
}

// Register creates a USER account and logs it in.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (Session, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return Session{}, badRequest("email is required")
	}
	if err := checkPassword(in.Password); err != nil {
		return Session{}, err
	}
	hash, err := utils.HashPassword(in.Password, s.cfg.BcryptCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	u := model.User{
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Phone:        strings.TrimSpace(in.Phone),
	}
	id, err := s.users.Create(ctx, u)
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return Session{}, conflict("email already exists")
		}
		return Session{}, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	u.Version = 1
	s.log.WithField("user_id", id).Info("user registered")
	return s.session(ctx, u)
}

// Login checks credentials and issues a token pair.  Unknown email and
// wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Session{}, unauthorized("invalid credentials")
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if !utils.VerifyPassword(u.PasswordHash, password) {
		return Session{}, unauthorized("invalid credentials")
	}
	if s.cfg.BcryptCost >= bcrypt.MinCost && s.cfg.BcryptCost <= bcrypt.MaxCost &&
		utils.NeedsRehash(u.PasswordHash, s.cfg.BcryptCost) {
		if err := s.setPassword(ctx, u.ID, password); err != nil {
			s.log.WithError(err).WithField("user_id", u.ID).Warn("password rehash failed")
		}
	}
	return s.session(ctx, u)
}

func (s *AuthService) session(ctx context.Context, u model.User) (Session, error) {
	pair, err := s.tokens.Issue(ctx, u)
	if err != nil {
		return Session{}, fmt.Errorf("issue tokens: %w", err)
	}
	u.PasswordHash = ""
	return Session{User: u, Tokens: pair}, nil
}

// Logout revokes the presented refresh token.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return badRequest("refresh token is required")
	}
	return s.tokens.RevokeRaw(ctx, refreshToken)
}

// LogoutAll revokes every session of the user.
func (s *AuthService) LogoutAll(ctx context.Context, userID uint64) (int64, error) {
	return s.tokens.RevokeAll(ctx, userID)
}

// Refresh mints a new access token from a valid refresh token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (utils.SignedToken, error) {
	return s.tokens.Refresh(ctx, refreshToken)
}

// ChangePassword replaces the password after checking the current one.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint64, oldPassword, newPassword string) error {
	if err := checkPassword(newPassword); err != nil {
		return err
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound("user not found")
		}
		return fmt.Errorf("load user: %w", err)
	}
	if u.PasswordHash == "" {
		return unauthorized("no password set for user")
	}
	if !utils.VerifyPassword(u.PasswordHash, oldPassword) {
		return unauthorized("old password is incorrect")
	}
	return s.setPassword(ctx, userID, newPassword)
}

func (s *AuthService) setPassword(ctx context.Context, userID uint64, plain string) error {
	hash, err := utils.HashPassword(plain, s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// ResetRequestedMessage is returned for every reset request, whether or
// not the account exists.
func ResetRequestedMessage(email string) string {
	return fmt.Sprintf("If an account with the email %s exists, a password reset link has been sent.", email)
}

// RequestPasswordReset mails a short-lived reset link when the account
// exists.  The outcome is never revealed to the caller.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) string {
	email = normalizeEmail(email)
	msg := ResetRequestedMessage(email)
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.WithError(err).Error("reset lookup failed")
		}
		return msg
	}
	now := s.now()
	tok, err := utils.SignToken(s.cfg.ResetSecret, utils.Claims{
		UserID:    u.ID,
		Email:     u.Email,
		Role:      u.Role,
		Purpose:   utils.PurposeReset,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.ResetTTL),
	})
	if err != nil {
		s.log.WithError(err).Error("sign reset token failed")
		return msg
	}
	link := strings.TrimRight(s.cfg.PublicOrigin, "/") + "/auth/confirm-reset-password?token=" + url.QueryEscape(tok.Token)
	body := "You requested to reset your password. Open the link below to proceed.\n\n" + link +
		"\n\nThe link expires in " + s.cfg.ResetTTL.String() + "."
	if s.mailer != nil {
		if err := s.mailer.Send(ctx, u.Email, "Password Reset Request", body); err != nil {
			s.log.WithError(err).WithField("user_id", u.ID).Warn("reset mail failed")
		}
	}
	return msg
}

// ConfirmPasswordReset sets a new password from a reset token and ends
// every existing session of the account.
func (s *AuthService) ConfirmPasswordReset(ctx context.Context, token, password string) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	const invalid = "the provided token is invalid or has expired"
	claims, err := utils.ParseToken(s.cfg.ResetSecret, token, utils.PurposeReset, s.now())
	if err != nil {
		return unauthorized(invalid)
	}
	if _, err := s.users.GetByID(ctx, claims.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return unauthorized(invalid)
		}
		return fmt.Errorf("load user: %w", err)
	}
	if err := s.setPassword(ctx, claims.UserID, password); err != nil {
		return err
	}
	if _, err := s.tokens.RevokeAll(ctx, claims.UserID); err != nil {
		s.log.WithError(err).WithField("user_id", claims.UserID).Warn("revoke sessions after reset failed")
	}
	return nil
}

// GoogleEnabled reports whether Google sign-in is configured.
func (s *AuthService) GoogleEnabled() bool { return s.google != nil }

// GoogleAuthURL returns the consent page URL carrying state.
func (s *AuthService) GoogleAuthURL(state string) (string, error) {
	if s.google == nil {
		return "", notFound("google sign-in is not configured")
	}
	return s.google.AuthCodeURL(state), nil
}

// GoogleLogin completes the OAuth flow.  Only emails Google reports as
// verified are accepted; an unknown email creates an account with a random
// password, a known one signs into that account.
func (s *AuthService) GoogleLogin(ctx context.Context, code string) (Session, error) {
	if s.google == nil {
		return Session{}, notFound("google sign-in is not configured")
	}
	if code == "" {
		return Session{}, badRequest("missing authorization code")
	}
	p, err := s.google.Exchange(ctx, code)
	if err != nil {
		s.log.WithError(err).Warn("google exchange failed")
		return Session{}, unauthorized("no user from google")
	}
	email := normalizeEmail(p.Email)
	if email == "" {
		return Session{}, unauthorized("no user from google")
	}
	if !p.EmailVerified {
		s.log.WithField("email", email).Warn("google sign-in with unverified email refused")
		return Session{}, unauthorized("google account email is not verified")
	}

	u, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		u, err = s.createExternal(ctx, email, p)
		if err != nil {
			return Session{}, err
		}
	default:
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if u.EmailVerifiedAt == nil {
		now := s.now()
		if err := s.users.MarkEmailVerified(ctx, u.ID, now); err != nil {
			s.log.WithError(err).WithField("user_id", u.ID).Warn("mark email verified failed")
		} else {
			u.EmailVerifiedAt = &now
		}
	}
	return s.session(ctx, u)
}

func (s *AuthService) createExternal(ctx context.Context, email string, p model.ExternalProfile) (model.User, error) {
	random, err := utils.RandomHex(24)
	if err != nil {
		return model.User{}, err
	}
	hash, err := utils.HashPassword(random, s.cfg.BcryptCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := model.User{
		Email:          email,
		PasswordHash:   hash,
		Role:           model.RoleUser,
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		ProfilePicture: p.Picture,
	}
	id, err := s.users.Create(ctx, u)
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			// lost a race with a concurrent callback
			return s.users.GetByEmail(ctx, email)
		}
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	u.Version = 1
	s.log.WithField("user_id", id).Info("user created from google sign-in")
	return u, nil
}
