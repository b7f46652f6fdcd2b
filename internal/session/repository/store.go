package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"news-integrity/client/internal/session/domain"
	"news-integrity/client/internal/store"
)

// Store keys. Dotted names keep all session state grouped in the store.
const (
	keyAccessToken     = "auth.access_token"
	keyRefreshToken    = "auth.refresh_token"
	keyFallbackSession = "auth.fallback_session"
	keyCredentials     = "auth.cached_credentials"
)

// StoreRepository implements Repository on top of a key/value store.
type StoreRepository struct {
	kv store.Store
}

// New returns a Repository backed by kv.
func New(kv store.Store) *StoreRepository {
	return &StoreRepository{kv: kv}
}

// Tokens returns the stored access and refresh tokens. Missing tokens come
// back as empty strings, not errors.
func (r *StoreRepository) Tokens(ctx context.Context) (string, string, error) {
	access, err := r.getString(ctx, keyAccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, err := r.getString(ctx, keyRefreshToken)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// SaveTokens stores the token pair. An empty refresh token clears the stored
// refresh token (some sign-in responses carry only an access token).
func (r *StoreRepository) SaveTokens(ctx context.Context, access, refresh string) error {
	if err := r.kv.Put(ctx, keyAccessToken, []byte(access)); err != nil {
		return err
	}
	if refresh == "" {
		return r.kv.Delete(ctx, keyRefreshToken)
	}
	return r.kv.Put(ctx, keyRefreshToken, []byte(refresh))
}

// ClearTokens removes both tokens.
func (r *StoreRepository) ClearTokens(ctx context.Context) error {
	if err := r.kv.Delete(ctx, keyAccessToken); err != nil {
		return err
	}
	return r.kv.Delete(ctx, keyRefreshToken)
}

// Credential returns the cached credential for email, or (nil, nil).
func (r *StoreRepository) Credential(ctx context.Context, email string) (*domain.CachedCredential, error) {
	creds, err := r.credentials(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := creds[normalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// SaveCredential inserts or replaces the cached credential for cred.Email.
// Newer successful sign-ins supersede older records for the same identifier.
func (r *StoreRepository) SaveCredential(ctx context.Context, cred *domain.CachedCredential) error {
	creds, err := r.credentials(ctx)
	if err != nil {
		return err
	}
	creds[normalizeEmail(cred.Email)] = *cred
	b, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, keyCredentials, b)
}

// FallbackSession returns the stored fallback session, or (nil, nil).
// Undecodable data is treated as absent and purged (fail closed).
func (r *StoreRepository) FallbackSession(ctx context.Context) (*domain.FallbackSession, error) {
	b, err := r.kv.Get(ctx, keyFallbackSession)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fs domain.FallbackSession
	if err := json.Unmarshal(b, &fs); err != nil {
		_ = r.kv.Delete(ctx, keyFallbackSession)
		return nil, nil
	}
	return &fs, nil
}

// SaveFallbackSession stores fs.
func (r *StoreRepository) SaveFallbackSession(ctx context.Context, fs *domain.FallbackSession) error {
	b, err := json.Marshal(fs)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, keyFallbackSession, b)
}

// ClearFallbackSession removes the stored fallback session.
func (r *StoreRepository) ClearFallbackSession(ctx context.Context) error {
	return r.kv.Delete(ctx, keyFallbackSession)
}

// ClearAll removes tokens and the fallback session. Cached credentials are
// kept on purpose.
func (r *StoreRepository) ClearAll(ctx context.Context) error {
	if err := r.ClearTokens(ctx); err != nil {
		return err
	}
	return r.ClearFallbackSession(ctx)
}

func (r *StoreRepository) getString(ctx context.Context, key string) (string, error) {
	b, err := r.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *StoreRepository) credentials(ctx context.Context) (map[string]domain.CachedCredential, error) {
	b, err := r.kv.Get(ctx, keyCredentials)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]domain.CachedCredential{}, nil
	}
	if err != nil {
		return nil, err
	}
	creds := map[string]domain.CachedCredential{}
	if err := json.Unmarshal(b, &creds); err != nil {
		// Corrupt cache: start over rather than poison every lookup.
		return map[string]domain.CachedCredential{}, nil
	}
	return creds, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
