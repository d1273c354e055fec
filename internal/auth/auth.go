// Package auth verifies API keys. Keys look like "<prefix>.<secret>": the
// prefix is a public lookup handle, the secret is only ever stored as a
// bcrypt hash.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/gpuforge/gpu-broker/internal/store"
)

var ErrUnauthorized = errors.New("invalid or expired API key")

// Identity is the caller resolved from a verified key.
type Identity struct {
	UserID         string
	OrganizationID string
}

type Authenticator struct {
	store store.Store
	log   *zap.Logger
}

func NewAuthenticator(st store.Store, log *zap.Logger) *Authenticator {
	return &Authenticator{store: st, log: log}
}

// Authenticate resolves a raw Authorization header value ("Bearer
// <prefix>.<secret>") to a caller identity. Every failure mode maps to
// ErrUnauthorized; the distinction is logged, not leaked to the caller.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*Identity, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, ErrUnauthorized
	}
	prefix, secret, ok := strings.Cut(token, ".")
	if !ok || prefix == "" || secret == "" {
		return nil, ErrUnauthorized
	}

	key, err := a.store.GetAPIKeyByPrefix(ctx, prefix)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, ErrUnauthorized
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		a.log.Info("rejected expired API key", zap.String("prefix", prefix))
		return nil, ErrUnauthorized
	}

	if err := a.store.TouchAPIKey(ctx, key.ID, time.Now()); err != nil {
		// Usage stamping is best effort.
		a.log.Warn("touch api key", zap.String("prefix", prefix), zap.Error(err))
	}

	return &Identity{UserID: key.UserID, OrganizationID: key.OrganizationID}, nil
}

// HashKey produces the stored hash for a key secret (used by seeding and
// tests; issuance itself lives outside this service).
func HashKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
