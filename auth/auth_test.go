package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth(t *testing.T) {
	t.Run("issue and verify round trip", func(t *testing.T) {
		authority := NewJWTAuth("test-secret")

		token, err := authority.Issue("alice", "user")
		require.NoError(t, err)
		require.NotEmpty(t, token)

		claims, err := authority.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Username)
		assert.Equal(t, "user", claims.Role)
	})

	t.Run("bearer prefix is stripped", func(t *testing.T) {
		authority := NewJWTAuth("test-secret")
		token, err := authority.Issue("alice", "")
		require.NoError(t, err)

		claims, err := authority.Verify("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Username)
	})

	t.Run("wrong secret rejects", func(t *testing.T) {
		token, err := NewJWTAuth("secret-a").Issue("alice", "user")
		require.NoError(t, err)

		_, err = NewJWTAuth("secret-b").Verify(token)
		assert.Error(t, err)
	})

	t.Run("expired token rejects", func(t *testing.T) {
		authority := NewJWTAuth("test-secret", WithTokenTTL(-time.Minute))
		token, err := authority.Issue("alice", "user")
		require.NoError(t, err)

		_, err = authority.Verify(token)
		assert.Error(t, err)
	})

	t.Run("empty inputs reject", func(t *testing.T) {
		authority := NewJWTAuth("test-secret")

		_, err := authority.Issue("", "user")
		assert.Error(t, err)

		_, err = authority.Verify("")
		assert.Error(t, err)

		_, err = authority.Verify("not-a-token")
		assert.Error(t, err)
	})
}

func TestUserStore(t *testing.T) {
	t.Run("authenticate registered user", func(t *testing.T) {
		store := NewUserStore()
		require.NoError(t, store.Register("admin", "admin123", "admin"))

		role, err := store.Authenticate("admin", "admin123")
		require.NoError(t, err)
		assert.Equal(t, "admin", role)
	})

	t.Run("wrong password rejects", func(t *testing.T) {
		store := NewUserStore()
		require.NoError(t, store.Register("user1", "user123", "user"))

		_, err := store.Authenticate("user1", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown user rejects", func(t *testing.T) {
		store := NewUserStore()
		_, err := store.Authenticate("ghost", "whatever")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("empty username rejects registration", func(t *testing.T) {
		store := NewUserStore()
		assert.Error(t, store.Register("", "pw", "user"))
	})
}
