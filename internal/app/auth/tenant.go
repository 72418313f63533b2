package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/synthmon/platform/internal/app/domain/tenant"
)

// ErrTenantNotFound indicates the bearer token does not resolve to an active
// API key.
var ErrTenantNotFound = errors.New("auth: unknown or revoked api key")

// TenantKeyLookup resolves a hashed API key back to its tenant. Implemented
// by storage.TenantStore.
type TenantKeyLookup interface {
	GetApiKeyByHash(ctx context.Context, tokenHash string) (tenant.ApiKey, error)
}

// TenantResolver turns a raw bearer token into the ApiKey that issued it.
// Raw tokens are never stored; only their SHA-256 hash is compared, the same
// scheme CreateApiKey uses when persisting a new key.
type TenantResolver struct {
	store TenantKeyLookup
}

// NewTenantResolver builds a TenantResolver over the given lookup store.
func NewTenantResolver(store TenantKeyLookup) *TenantResolver {
	return &TenantResolver{store: store}
}

// HashToken returns the stored-comparison hash for a raw bearer token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Resolve looks up the tenant API key for a raw bearer token, rejecting
// unknown or revoked keys.
func (r *TenantResolver) Resolve(ctx context.Context, rawToken string) (tenant.ApiKey, error) {
	key, err := r.store.GetApiKeyByHash(ctx, HashToken(rawToken))
	if err != nil {
		return tenant.ApiKey{}, ErrTenantNotFound
	}
	if !key.Active() {
		return tenant.ApiKey{}, ErrTenantNotFound
	}
	return key, nil
}
