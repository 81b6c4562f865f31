package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wine-quiz-live/internal/domain"
)

// Authenticator resolves a bearer credential into an identity. Unknown or
// expired credentials yield domain.ErrAuthentication.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
}

// Token is a statically configured credential.
type Token struct {
	Token     string    `yaml:"token"`
	UserID    string    `yaml:"userId"`
	Admin     bool      `yaml:"admin"`
	ExpiresAt time.Time `yaml:"expiresAt"`
}

// StaticAuthenticator checks tokens from configuration.
type StaticAuthenticator struct {
	tokens map[string]Token
	clock  func() time.Time
}

func NewStaticAuthenticator(tokens []Token) *StaticAuthenticator {
	m := make(map[string]Token, len(tokens))
	for _, t := range tokens {
		if t.Token != "" {
			m[t.Token] = t
		}
	}
	return &StaticAuthenticator{tokens: m, clock: time.Now}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("missing token: %w", domain.ErrAuthentication)
	}
	t, ok := a.tokens[token]
	if !ok {
		return domain.Identity{}, fmt.Errorf("unknown token: %w", domain.ErrAuthentication)
	}
	if !t.ExpiresAt.IsZero() && !a.clock().Before(t.ExpiresAt) {
		return domain.Identity{}, fmt.Errorf("expired token: %w", domain.ErrAuthentication)
	}
	return domain.Identity{UserID: t.UserID, IsAdmin: t.Admin}, nil
}

// Chain tries each authenticator in order and returns the first identity found.
// Errors other than authentication failures stop the chain.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	err := fmt.Errorf("no authenticator configured: %w", domain.ErrAuthentication)
	for _, a := range c {
		var id domain.Identity
		id, err = a.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, domain.ErrAuthentication) {
			return domain.Identity{}, err
		}
	}
	return domain.Identity{}, err
}
