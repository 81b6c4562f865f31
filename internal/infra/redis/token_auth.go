package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"wine-quiz-live/internal/domain"
)

// TokenAuthenticator resolves bearer tokens issued by the account service.
// Tokens are stored as: HSET auth:token:{token} userId {id} admin {0|1} expiresAt {RFC3339}
type TokenAuthenticator struct {
	client *redis.Client
	clock  func() time.Time
}

func NewTokenAuthenticator(client *redis.Client) *TokenAuthenticator {
	return &TokenAuthenticator{client: client, clock: time.Now}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("missing token: %w", domain.ErrAuthentication)
	}
	fields, err := a.client.HGetAll(ctx, tokenKey(token)).Result()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("lookup token: %w", err)
	}
	userID := fields["userId"]
	if userID == "" {
		return domain.Identity{}, fmt.Errorf("unknown token: %w", domain.ErrAuthentication)
	}
	if exp := fields["expiresAt"]; exp != "" {
		t, err := time.Parse(time.RFC3339, exp)
		if err != nil || !a.clock().Before(t) {
			return domain.Identity{}, fmt.Errorf("expired token: %w", domain.ErrAuthentication)
		}
	}
	admin, _ := strconv.ParseBool(fields["admin"])
	return domain.Identity{UserID: userID, IsAdmin: admin}, nil
}

func tokenKey(token string) string {
	return "auth:token:" + token
}
