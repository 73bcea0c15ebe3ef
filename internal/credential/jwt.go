package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Claims are the identity claims carried by an access token.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	Email    string   `json:"email"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Type     string   `json:"type"` // "access" or "refresh"
}

// ParseClaims reads the claims of token without verifying its signature. The
// server verifies; the client only needs identity and expiry.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// JWTGuard wraps a provider and withholds JWTs that are expired or are not
// access tokens, so the handshake is skipped instead of being rejected.
// Tokens that do not parse as JWTs are opaque to the client and pass through.
type JWTGuard struct {
	next   Provider
	now    func() time.Time
	leeway time.Duration
	logger zerolog.Logger
}

// NewJWTGuard creates a guard around next.
func NewJWTGuard(next Provider, logger zerolog.Logger) *JWTGuard {
	return &JWTGuard{
		next:   next,
		now:    time.Now,
		leeway: 5 * time.Second,
		logger: logger,
	}
}

// Token returns the wrapped token unless it is a JWT that is expired or not an
// access token.
func (g *JWTGuard) Token(ctx context.Context) (string, error) {
	token, _, err := g.Credential(ctx)
	return token, err
}

// Credential returns the usable token together with its claims. Claims are
// nil when the token is opaque.
func (g *JWTGuard) Credential(ctx context.Context) (string, *Claims, error) {
	token, err := g.next.Token(ctx)
	if err != nil {
		return "", nil, err
	}

	claims, err := ParseClaims(token)
	if err != nil {
		g.logger.Debug().Err(err).Msg("credential is not a jwt, sending it as is")
		return token, nil, nil
	}
	if claims.Type != "" && claims.Type != "access" {
		g.logger.Warn().Str("token_type", claims.Type).Msg("credential is not an access token")
		return "", nil, ErrNoCredential
	}
	if claims.ExpiresAt != nil && g.now().After(claims.ExpiresAt.Add(g.leeway)) {
		g.logger.Warn().Time("expired_at", claims.ExpiresAt.Time).Msg("credential expired")
		return "", nil, ErrNoCredential
	}
	return token, claims, nil
}
