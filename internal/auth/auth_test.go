package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Mryrghb/todosWithLesan/internal/action"
	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/docstore/memory"
	"github.com/Mryrghb/todosWithLesan/internal/engine"
	"github.com/Mryrghb/todosWithLesan/internal/metadata"
)

const secret = "test-secret"

func TestAccessTokenRoundTrip(t *testing.T) {
	tok, expires, err := GenerateAccessToken("u1", []string{"admin"}, secret, time.Hour)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	claims, err := ParseAccessToken(tok, secret)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, []string{"admin"}, claims.Roles)

	_, err = ParseAccessToken(tok, "other-secret")
	require.Error(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	s, err := expired.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = ParseAccessToken(s, secret)
	require.Error(t, err)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	require.NotEqual(t, "hunter22", hash)
	require.True(t, CheckPassword("hunter22", hash))
	require.False(t, CheckPassword("hunter23", hash))
}

func seedUser(t *testing.T, store docstore.Store, level string) string {
	t.Helper()
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	id, err := store.InsertOne(context.Background(), "user", &docstore.Document{Fields: map[string]any{
		"fullName": "Ada", "email": "ada@example.com", "password": hash, "level": level,
	}})
	require.NoError(t, err)
	return id
}

func TestLoginAndIdentify(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	id := seedUser(t, store, "admin")
	a := NewAuthenticator(store, Options{Secret: secret})

	_, err := a.Login(ctx, "ada@example.com", "wrong-pass")
	require.ErrorIs(t, err, engine.ErrUnauthenticated)
	_, err = a.Login(ctx, "bob@example.com", "hunter22")
	require.ErrorIs(t, err, engine.ErrUnauthenticated)

	tok, err := a.Login(ctx, "ada@example.com", "hunter22")
	require.NoError(t, err)
	require.Equal(t, id, tok.UserID)

	user, err := a.Identify(ctx, "Bearer "+tok.AccessToken)
	require.NoError(t, err)
	require.Equal(t, id, user.ID)
	require.True(t, user.IsAdmin())
	require.Equal(t, "Ada", user.Document["fullName"])
	require.NotContains(t, user.Document, "password")

	for _, header := range []string{"", "Token abc", "Bearer not-a-jwt"} {
		_, err := a.Identify(ctx, header)
		require.ErrorIs(t, err, engine.ErrUnauthenticated, header)
	}

	_, err = store.DeleteOne(ctx, "user", docstore.ByID(id))
	require.NoError(t, err)
	_, err = a.Identify(ctx, "Bearer "+tok.AccessToken)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestIdentityHooks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	id := seedUser(t, store, "normal")
	a := NewAuthenticator(store, Options{Secret: secret})
	tok, err := a.Login(ctx, "ada@example.com", "hunter22")
	require.NoError(t, err)

	run := func(hook action.Hook, headers map[string]string) (*metadata.UserContext, error) {
		var seen *metadata.UserContext
		_, err := action.Run(ctx, &action.Action{
			Schema: "user", Name: "me",
			PreValidation: []action.Hook{hook},
			Handler: func(_ context.Context, c *action.Context) (any, error) {
				seen = c.Identity()
				return nil, nil
			},
		}, action.NewContext(action.Payload{}, headers))
		return seen, err
	}

	user, err := run(a.ResolveIdentity(), map[string]string{"Authorization": "Bearer " + tok.AccessToken})
	require.NoError(t, err)
	require.Equal(t, id, user.ID)
	require.Equal(t, []string{"normal"}, user.Roles)

	_, err = run(a.ResolveIdentity(), nil)
	require.ErrorIs(t, err, engine.ErrUnauthenticated)

	user, err = run(a.OptionalIdentity(), nil)
	require.NoError(t, err)
	require.Nil(t, user)

	_, err = run(a.OptionalIdentity(), map[string]string{"authorization": "Bearer junk"})
	require.ErrorIs(t, err, engine.ErrUnauthenticated)
}
