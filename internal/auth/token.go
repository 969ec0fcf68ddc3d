// Package auth issues and validates bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of an issued token.
const DefaultTokenTTL = 100 * time.Minute

// ErrUnauthenticated is wrapped by every rejection from Validate.
var ErrUnauthenticated = errors.New("unauthenticated")

var (
	ErrMissingToken = errors.New("token missing")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims identify the holder of a validated token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Validator issues HS256 tokens and checks them against the registry.
type Validator struct {
	secret   []byte
	ttl      time.Duration
	registry Registry
	now      func() time.Time
}

// NewValidator creates a validator. A non-positive ttl falls back to DefaultTokenTTL.
func NewValidator(secret []byte, ttl time.Duration, registry Registry) *Validator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Validator{secret: secret, ttl: ttl, registry: registry, now: time.Now}
}

// TTL returns the lifetime of issued tokens.
func (v *Validator) TTL() time.Duration { return v.ttl }

// Issue signs a token for subject and records it as live.
func (v *Validator) Issue(ctx context.Context, subject string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if err := v.registry.Put(ctx, signed, subject, v.ttl); err != nil {
		return "", fmt.Errorf("register token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, expiry and registry presence. Rejections wrap
// ErrUnauthenticated; any other error is a registry fault.
func (v *Validator) Validate(ctx context.Context, token string) (Claims, error) {
	token = StripBearer(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrMissingToken)
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrExpiredToken)
		}
		return Claims{}, fmt.Errorf("%w: %w: %v", ErrUnauthenticated, ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrInvalidToken)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: %w: sub", ErrUnauthenticated, ErrMissingClaim)
	}

	left, err := v.registry.Remaining(ctx, token)
	if err != nil {
		return Claims{}, fmt.Errorf("check registry: %w", err)
	}
	if left <= 0 {
		// drop a stale entry that outlived its ttl
		if err := v.registry.Delete(ctx, token); err != nil {
			return Claims{}, fmt.Errorf("delete stale token: %w", err)
		}
		return Claims{}, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrRevokedToken)
	}

	return Claims{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Revoke removes token from the registry. Later validations fail.
func (v *Validator) Revoke(ctx context.Context, token string) error {
	token = StripBearer(token)
	if token == "" {
		return nil
	}
	if err := v.registry.Delete(ctx, token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// StripBearer accepts "Bearer <token>" or a raw token.
func StripBearer(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "bearer") {
		return ""
	}
	if len(raw) >= 7 && strings.EqualFold(raw[:7], "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return raw
}
