// Package repository persists client session state (tokens, cached
// credentials, fallback sessions) in the local key/value store.
package repository

import (
	"context"

	"news-integrity/client/internal/session/domain"
)

// Repository is the session manager's view of durable local state.
// Lookups return (nil, nil) when the record does not exist; errors are
// reserved for storage failures.
type Repository interface {
	Tokens(ctx context.Context) (access, refresh string, err error)
	SaveTokens(ctx context.Context, access, refresh string) error
	ClearTokens(ctx context.Context) error

	Credential(ctx context.Context, email string) (*domain.CachedCredential, error)
	SaveCredential(ctx context.Context, cred *domain.CachedCredential) error

	FallbackSession(ctx context.Context) (*domain.FallbackSession, error)
	SaveFallbackSession(ctx context.Context, fs *domain.FallbackSession) error
	ClearFallbackSession(ctx context.Context) error

	// ClearAll removes tokens and the fallback session. Cached credentials
	// survive sign-out so offline sign-in keeps working afterwards.
	ClearAll(ctx context.Context) error
}
