// Package fallback verifies sign-ins against the local credential cache when
// the auth service is unreachable, or issues a time-boxed guest session when
// no cached account exists.
package fallback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"news-integrity/client/internal/security"
	"news-integrity/client/internal/session/domain"
	"news-integrity/client/internal/session/repository"
)

// Sentinel errors for offline sign-in. A wrong password for a known cached
// identifier is reported as ErrCredentialMismatch and is never downgraded to
// a guest session.
var (
	ErrCredentialMismatch = errors.New("fallback: password does not match cached credential")
	ErrNoCachedAccount    = errors.New("fallback: no cached account for identifier")
)

// DefaultTTL is the fallback session lifetime.
const DefaultTTL = 24 * time.Hour

// Authenticator performs offline sign-in against cached credentials.
type Authenticator struct {
	repo       repository.Repository
	hasher     *security.Hasher
	ttl        time.Duration
	allowGuest bool

	nowF func() time.Time
}

// New returns an Authenticator. ttl <= 0 uses DefaultTTL. allowGuest controls
// whether unknown identifiers get a guest session instead of an error; guest
// sessions carry no prior identity and are flagged IsGuest.
func New(repo repository.Repository, hasher *security.Hasher, ttl time.Duration, allowGuest bool) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authenticator{
		repo:       repo,
		hasher:     hasher,
		ttl:        ttl,
		allowGuest: allowGuest,
		nowF:       func() time.Time { return time.Now().UTC() },
	}
}

// SignInOffline authenticates email/password against the credential cache.
// Cached account + matching password restores the cached profile snapshot;
// cached account + wrong password fails with ErrCredentialMismatch; no cached
// account yields a guest session (or ErrNoCachedAccount when guest sign-in is
// disabled). Successful outcomes persist a fallback session with the TTL.
func (a *Authenticator) SignInOffline(ctx context.Context, email, password string) (*domain.FallbackSession, error) {
	cred, err := a.repo.Credential(ctx, email)
	if err != nil {
		return nil, err
	}
	now := a.nowF()

	if cred != nil {
		if err := a.hasher.Compare(cred.PasswordHash, []byte(password)); err != nil {
			return nil, ErrCredentialMismatch
		}
		cred.LastLoginAt = now
		if err := a.repo.SaveCredential(ctx, cred); err != nil {
			return nil, err
		}
		fs := &domain.FallbackSession{
			Profile:   cred.Profile,
			IsGuest:   false,
			LoginAt:   now,
			ExpiresAt: now.Add(a.ttl),
		}
		if err := a.repo.SaveFallbackSession(ctx, fs); err != nil {
			return nil, err
		}
		return fs, nil
	}

	if !a.allowGuest {
		return nil, ErrNoCachedAccount
	}
	fs := &domain.FallbackSession{
		Profile:   guestProfile(email),
		IsGuest:   true,
		LoginAt:   now,
		ExpiresAt: now.Add(a.ttl),
	}
	if err := a.repo.SaveFallbackSession(ctx, fs); err != nil {
		return nil, err
	}
	return fs, nil
}

// guestProfile builds a synthetic profile for an identifier we have never
// seen sign in online. Neutral trust, default role; IsGuest on the session
// is the authoritative marker.
func guestProfile(email string) domain.Profile {
	return domain.Profile{
		ID:         "guest-" + uuid.New().String(),
		Email:      strings.ToLower(strings.TrimSpace(email)),
		FirstName:  "Guest",
		Role:       "user",
		TrustScore: domain.DefaultTrustScore,
	}
}
