package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wine-quiz-live/internal/domain"
)

func TestStaticAuthenticator(t *testing.T) {
	now := time.Date(2025, 1, 10, 18, 0, 0, 0, time.UTC)
	a := NewStaticAuthenticator([]Token{
		{Token: "host", UserID: "admin-1", Admin: true},
		{Token: "ana", UserID: "u1", ExpiresAt: now.Add(time.Hour)},
		{Token: "late", UserID: "u2", ExpiresAt: now},
	})
	a.clock = func() time.Time { return now }

	id, err := a.Authenticate(context.Background(), "host")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{UserID: "admin-1", IsAdmin: true}, id)

	id, err = a.Authenticate(context.Background(), "ana")
	require.NoError(t, err)
	assert.False(t, id.IsAdmin)

	for _, tok := range []string{"late", "nope", ""} {
		_, err := a.Authenticate(context.Background(), tok)
		assert.ErrorIs(t, err, domain.ErrAuthentication, tok)
	}
}

func TestChain(t *testing.T) {
	first := NewStaticAuthenticator([]Token{{Token: "a", UserID: "u1"}})
	second := NewStaticAuthenticator([]Token{{Token: "b", UserID: "u2"}})

	id, err := Chain{first, second}.Authenticate(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "u2", id.UserID)

	_, err = Chain{first, second}.Authenticate(context.Background(), "c")
	assert.ErrorIs(t, err, domain.ErrAuthentication)

	_, err = Chain{}.Authenticate(context.Background(), "a")
	assert.ErrorIs(t, err, domain.ErrAuthentication)

	boom := errors.New("redis down")
	_, err = Chain{failing{boom}, second}.Authenticate(context.Background(), "b")
	assert.ErrorIs(t, err, boom)
}

type failing struct{ err error }

func (f failing) Authenticate(context.Context, string) (domain.Identity, error) {
	return domain.Identity{}, f.err
}
