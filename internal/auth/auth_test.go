package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/quota"
	"github.com/gpuforge/gpu-broker/internal/store"
)

func seedKey(t *testing.T, st *store.MemoryStore, prefix, secret string, expiresAt *time.Time) {
	t.Helper()
	hash, err := HashKey(secret)
	require.NoError(t, err)
	st.PutAPIKey(&models.APIKey{
		ID:             "key-" + prefix,
		KeyPrefix:      prefix,
		KeyHash:        hash,
		UserID:         "user-1",
		OrganizationID: "org-1",
		ExpiresAt:      expiresAt,
	})
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(quota.NewGuard())
	seedKey(t, st, "abc123", "s3cret", nil)

	expired := time.Now().Add(-time.Hour)
	seedKey(t, st, "old456", "s3cret", &expired)

	a := NewAuthenticator(st, zaptest.NewLogger(t))

	t.Run("valid key resolves identity", func(t *testing.T) {
		ident, err := a.Authenticate(ctx, "Bearer abc123.s3cret")
		require.NoError(t, err)
		assert.Equal(t, "user-1", ident.UserID)
		assert.Equal(t, "org-1", ident.OrganizationID)
	})

	t.Run("valid key stamps last use", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "Bearer abc123.s3cret")
		require.NoError(t, err)
		key, err := st.GetAPIKeyByPrefix(ctx, "abc123")
		require.NoError(t, err)
		require.NotNil(t, key.LastUsedAt)
		assert.WithinDuration(t, time.Now(), *key.LastUsedAt, 5*time.Second)
	})

	t.Run("rejections", func(t *testing.T) {
		for name, header := range map[string]string{
			"missing header":      "",
			"not a bearer token":  "Basic abc123.s3cret",
			"no separator":        "Bearer abc123s3cret",
			"empty secret":        "Bearer abc123.",
			"empty prefix":        "Bearer .s3cret",
			"unknown prefix":      "Bearer nope99.s3cret",
			"wrong secret":        "Bearer abc123.wrong",
			"expired key":         "Bearer old456.s3cret",
			"secret of other key": "Bearer abc123.othersecret",
		} {
			t.Run(name, func(t *testing.T) {
				_, err := a.Authenticate(ctx, header)
				assert.ErrorIs(t, err, ErrUnauthorized)
			})
		}
	})
}
