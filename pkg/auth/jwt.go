// Package auth verifies the bearer tokens presented in CONNECT frames.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers every verification failure: bad signature,
	// expired, malformed, or missing user identity.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoSecret is returned when a verifier is built without a secret
	ErrNoSecret = errors.New("jwt secret is not configured")
)

// Verifier turns a credential token into a verified user identity
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// Claims carries the user identity. Tokens minted by the web app put the
// user ID in "userId"; standard "sub" is accepted as well.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the verified user ID
func (c *Claims) Identity() string {
	if id := strings.TrimSpace(c.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Subject)
}

// JWTService signs and verifies HMAC tokens with a shared secret.
type JWTService struct {
	secret []byte
	expiry time.Duration
	leeway time.Duration
}

// NewJWTService builds a JWT helper with the given secret and expiry for
// generated tokens. A zero expiry issues tokens that never expire.
func NewJWTService(secret string, expiry time.Duration) (*JWTService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrNoSecret
	}
	return &JWTService{secret: []byte(secret), expiry: expiry}, nil
}

// WithLeeway allows for clock skew when checking exp/nbf
func (s *JWTService) WithLeeway(d time.Duration) *JWTService {
	s.leeway = d
	return s
}

// Generate issues a signed token for the given user ID.
func (s *JWTService) Generate(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id required")
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token and returns its claims.
func (s *JWTService) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if s.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(s.leeway))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Identity() == "" {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	return claims, nil
}
