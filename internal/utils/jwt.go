package utils // package utils provides helper functions for token creation and hashing

import (
	"crypto/rand"   // secure random number generation
	"crypto/sha256" // SHA‑256 hashing for refresh tokens
	"encoding/hex"  // hex encoding and decoding functions
	"errors"
	"strconv"
	"time" // time utilities for generating expirations

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// Token purposes carried in the "typ" claim.  Each purpose is also signed
// with its own secret; the claim stops a token minted for one purpose from
// being replayed as another when secrets are shared in development.
const (
	PurposeAccess  = "access"
	PurposeRefresh = "refresh"
	PurposeReset   = "password_reset"
)

// ErrInvalidToken is returned for every parse or validation failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the decoded payload shared by all token kinds.  JTI is only
// set on refresh tokens.
type Claims struct {
	UserID    uint64
	Email     string
	Role      string
	Purpose   string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SignedToken represents a signed JWT along with its expiry.
type SignedToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// SignToken builds and signs an HS256 JWT.  The subject (sub) is the
// decimal user id; exp and iat are taken from c.
func SignToken(secret string, c Claims) (SignedToken, error) {
	claims := jwt.MapClaims{
		"sub":   strconv.FormatUint(c.UserID, 10),
		"email": c.Email,
		"role":  c.Role,
		"typ":   c.Purpose,
		"exp":   c.ExpiresAt.Unix(),
		"iat":   c.IssuedAt.Unix(),
	}
	if c.JTI != "" {
		claims["jti"] = c.JTI
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return SignedToken{}, err
	}
	return SignedToken{Token: signed, Exp: c.ExpiresAt}, nil
}

// ParseToken verifies signature, algorithm and expiry of raw and checks
// that it was minted for purpose.  Every failure yields ErrInvalidToken.
func ParseToken(secret, raw, purpose string, now time.Time) (Claims, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if typ, _ := mc["typ"].(string); typ != purpose {
		return Claims{}, ErrInvalidToken
	}
	sub, _ := mc["sub"].(string)
	id, err := strconv.ParseUint(sub, 10, 64)
	if err != nil || id == 0 {
		return Claims{}, ErrInvalidToken
	}
	c := Claims{UserID: id, Purpose: purpose}
	c.Email, _ = mc["email"].(string)
	c.Role, _ = mc["role"].(string)
	c.JTI, _ = mc["jti"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	return c, nil
}

// HashToken returns the SHA‑256 hash of a signed token as a hex string.
// Only this digest is stored; bcrypt would truncate a JWT at 72 bytes.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RandomHex returns a hex‑encoded string generated from n bytes of
// cryptographically secure random data.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
