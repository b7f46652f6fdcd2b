// Package service implements the session manager: sign-in, sign-out,
// restoration at startup, current-user lookup, and the orchestration of
// token refresh and offline fallback.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"news-integrity/client/internal/api"
	"news-integrity/client/internal/fallback"
	"news-integrity/client/internal/refresh"
	"news-integrity/client/internal/security"
	"news-integrity/client/internal/session/domain"
	"news-integrity/client/internal/session/repository"
	"news-integrity/client/internal/token"
	"news-integrity/client/internal/transport"
)

// ErrAuthenticationExpired is the terminal authorization error surfaced to
// callers once the session cannot be kept alive. The session is already
// purged when a caller sees it.
var ErrAuthenticationExpired = refresh.ErrAuthorizationExpired

// AuthAPI is the remote auth service surface the manager needs.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*api.TokenResponse, error)
	Register(ctx context.Context, reg api.Registration) (*api.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*api.TokenResponse, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (*domain.Profile, error)
	UpdateProfile(ctx context.Context, update domain.ProfileUpdate) (*domain.Profile, error)
	ChangePassword(ctx context.Context, current, updated string) error
}

// SignInResult is the outcome of SignIn. RemoteErr is non-nil only when the
// session was established through the offline fallback: it carries the
// original remote failure for caller visibility.
type SignInResult struct {
	Session   domain.Session
	RemoteErr error
}

// Manager owns the single live session for the process. All mutation goes
// through it; collaborators receive snapshots. Safe for concurrent use.
type Manager struct {
	api      AuthAPI
	repo     repository.Repository
	codec    *token.Codec
	hasher   *security.Hasher
	fallback *fallback.Authenticator
	notifier *Notifier
	coord    *refresh.Coordinator

	mu      sync.Mutex
	session domain.Session

	nowF func() time.Time
}

// NewManager wires a Manager from its collaborators. maxRefreshAttempts <= 0
// uses the default refresh budget.
func NewManager(a AuthAPI, repo repository.Repository, codec *token.Codec, hasher *security.Hasher, fb *fallback.Authenticator, notifier *Notifier, maxRefreshAttempts int) *Manager {
	if notifier == nil {
		notifier = NewNotifier()
	}
	m := &Manager{
		api:      a,
		repo:     repo,
		codec:    codec,
		hasher:   hasher,
		fallback: fb,
		notifier: notifier,
		nowF:     func() time.Time { return time.Now().UTC() },
	}
	m.coord = refresh.NewCoordinator(m.refreshOnce, maxRefreshAttempts)
	m.coord.OnTerminal = func() { m.invalidate("token invalid") }
	return m
}

// Notifier returns the session-change notifier for UI subscriptions.
func (m *Manager) Notifier() *Notifier { return m.notifier }

// Session returns a snapshot of the live session.
func (m *Manager) Session() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Initialize restores a prior session at process start. Restoration order:
// an unexpired fallback session wins without touching the network; then a
// stored access token (refreshed if stale) followed by a profile fetch; a
// failure there falls back to re-checking the fallback session. Initialize
// never returns an error: the worst case is an empty session.
func (m *Manager) Initialize(ctx context.Context) domain.Session {
	now := m.nowF()

	if fs, err := m.repo.FallbackSession(ctx); err == nil && fs != nil {
		if fs.Valid(now) {
			return m.adoptFallback(fs)
		}
		// Expired or unreadable: never restore, and drop it so the next
		// check is clean.
		_ = m.repo.ClearFallbackSession(ctx)
	}

	access, refreshTok, err := m.repo.Tokens(ctx)
	if err == nil && access != "" {
		if restored, ok := m.restoreOnline(ctx, access, refreshTok); ok {
			return restored
		}
		// Restoration failed; a usable fallback session may still exist
		// (e.g. written by another run between the two checks above).
		if fs, err := m.repo.FallbackSession(ctx); err == nil && fs.Valid(m.nowF()) {
			return m.adoptFallback(fs)
		}
		_ = m.repo.ClearTokens(ctx)
	}

	m.mu.Lock()
	m.session = domain.Session{}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	return snap
}

// restoreOnline validates (and if needed refreshes) the stored access token,
// then fetches the profile. Reports ok=false on any failure; the caller owns
// cleanup.
func (m *Manager) restoreOnline(ctx context.Context, access, refreshTok string) (domain.Session, bool) {
	if !m.codec.Usable(access) {
		fresh, err := m.coord.EnsureFresh(ctx)
		if err != nil {
			return domain.Session{}, false
		}
		access = fresh
		_, refreshTok, _ = m.repo.Tokens(ctx)
	}
	profile, err := m.api.Me(ctx)
	if err != nil {
		return domain.Session{}, false
	}
	m.mu.Lock()
	m.session = domain.Session{
		AccessToken:  access,
		RefreshToken: refreshTok,
		User:         profile,
		Mode:         domain.ModeOnline,
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.publish("")
	return snap, true
}

func (m *Manager) adoptFallback(fs *domain.FallbackSession) domain.Session {
	profile := fs.Profile
	m.mu.Lock()
	m.session = domain.Session{
		User:    &profile,
		Mode:    domain.ModeFallback,
		IsGuest: fs.IsGuest,
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.publish("")
	return snap
}

// SignIn authenticates against the remote service. When the remote is
// judged unreachable (fallback-eligible failure), it delegates to the
// offline authenticator; normal rejections (bad credentials, unknown
// account, validation) surface directly without a fallback attempt.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	tr, err := m.api.Login(ctx, email, password)
	if err == nil {
		snap, aerr := m.adoptOnline(ctx, tr, email, password)
		if aerr != nil {
			return nil, aerr
		}
		return &SignInResult{Session: snap}, nil
	}

	if transport.FallbackEligible(err) {
		fs, ferr := m.fallback.SignInOffline(ctx, email, password)
		if ferr != nil {
			return nil, ferr
		}
		snap := m.adoptFallback(fs)
		return &SignInResult{Session: snap, RemoteErr: err}, nil
	}
	return nil, err
}

// SignUp registers a new account. Remote-only: account creation has no
// offline path.
func (m *Manager) SignUp(ctx context.Context, reg api.Registration) (*SignInResult, error) {
	tr, err := m.api.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	snap, aerr := m.adoptOnline(ctx, tr, reg.Email, reg.Password)
	if aerr != nil {
		return nil, aerr
	}
	return &SignInResult{Session: snap}, nil
}

// adoptOnline persists a token grant, updates the credential cache with a
// hash of the secret just proven against the remote, and installs the
// online session.
func (m *Manager) adoptOnline(ctx context.Context, tr *api.TokenResponse, email, password string) (domain.Session, error) {
	if err := m.repo.SaveTokens(ctx, tr.AccessToken, tr.RefreshToken); err != nil {
		return domain.Session{}, err
	}
	m.cacheCredential(ctx, email, password, tr.User)
	_ = m.repo.ClearFallbackSession(ctx)
	m.coord.Reset()

	profile := tr.User
	m.mu.Lock()
	m.session = domain.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		User:         &profile,
		Mode:         domain.ModeOnline,
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.publish("")
	return snap, nil
}

// cacheCredential stores a hashed credential record so this identifier can
// sign in offline later. Best-effort: a hashing or storage failure must not
// fail the online sign-in that just succeeded.
func (m *Manager) cacheCredential(ctx context.Context, email, password string, profile domain.Profile) {
	hash, err := m.hasher.Hash([]byte(password))
	if err != nil {
		return
	}
	now := m.nowF()
	cred := &domain.CachedCredential{
		Email:        email,
		PasswordHash: hash,
		Profile:      profile,
		CreatedAt:    now,
		LastLoginAt:  now,
	}
	if existing, err := m.repo.Credential(ctx, email); err == nil && existing != nil {
		cred.CreatedAt = existing.CreatedAt
	}
	_ = m.repo.SaveCredential(ctx, cred)
}

// SignOut ends the session. The remote notification is best-effort; local
// cleanup is unconditional and never fails: coordinator waiters are
// rejected, tokens and the fallback session are purged, and a logged-out
// event is published.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	wasOnline := m.session.Mode == domain.ModeOnline && m.session.AccessToken != ""
	m.mu.Unlock()

	if wasOnline && m.api != nil {
		_ = m.api.Logout(ctx)
	}

	m.coord.Reset()
	_ = m.repo.ClearAll(ctx)

	m.mu.Lock()
	m.session = domain.Session{}
	m.mu.Unlock()
	m.publish("")
}

// CurrentUser returns the authenticated profile, refreshing the access
// token first when it is at or near expiry. In fallback mode it serves the
// cached profile until the fallback session expires. An irrecoverable
// authorization failure purges the session and returns
// ErrAuthenticationExpired; transient failures surface without purging.
func (m *Manager) CurrentUser(ctx context.Context) (*domain.Profile, error) {
	m.mu.Lock()
	mode := m.session.Mode
	authenticated := m.session.User != nil
	m.mu.Unlock()

	if authenticated && mode == domain.ModeFallback {
		fs, err := m.repo.FallbackSession(ctx)
		if err != nil {
			return nil, err
		}
		if fs.Valid(m.nowF()) {
			profile := fs.Profile
			return &profile, nil
		}
		m.invalidate("session expired")
		return nil, ErrAuthenticationExpired
	}

	access, _, err := m.repo.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, ErrAuthenticationExpired
	}
	if !m.codec.Usable(access) {
		if _, err := m.coord.EnsureFresh(ctx); err != nil {
			if errors.Is(err, ErrAuthenticationExpired) {
				m.invalidate("token invalid")
				return nil, ErrAuthenticationExpired
			}
			return nil, err
		}
	}

	profile, err := m.api.Me(ctx)
	if err != nil {
		if transport.IsAuthorization(err) {
			m.invalidate("token invalid")
			return nil, ErrAuthenticationExpired
		}
		return nil, err
	}

	m.mu.Lock()
	m.session.User = profile
	m.mu.Unlock()
	out := *profile
	return &out, nil
}

// UpdateLocalProfile merges fields into the in-memory profile without a
// remote call. Optimistic UI only: nothing is persisted remotely.
func (m *Manager) UpdateLocalProfile(update domain.ProfileUpdate) (*domain.Profile, error) {
	m.mu.Lock()
	if m.session.User == nil {
		m.mu.Unlock()
		return nil, ErrAuthenticationExpired
	}
	merged := update.Apply(*m.session.User)
	m.session.User = &merged
	m.mu.Unlock()
	m.publish("")
	out := merged
	return &out, nil
}

// UpdateProfile applies a profile edit remotely, then updates the in-memory
// session and, best-effort, the cached credential snapshot so the offline
// profile stays current.
func (m *Manager) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) (*domain.Profile, error) {
	profile, err := m.api.UpdateProfile(ctx, update)
	if err != nil {
		if transport.IsAuthorization(err) {
			m.invalidate("token invalid")
			return nil, ErrAuthenticationExpired
		}
		return nil, err
	}
	m.mu.Lock()
	m.session.User = profile
	m.mu.Unlock()
	m.refreshCredentialProfile(ctx, *profile)
	m.publish("")
	out := *profile
	return &out, nil
}

// refreshCredentialProfile keeps the cached credential's profile snapshot in
// step with a remote edit. Best-effort; a missing cache entry is fine.
func (m *Manager) refreshCredentialProfile(ctx context.Context, profile domain.Profile) {
	cred, err := m.repo.Credential(ctx, profile.Email)
	if err != nil || cred == nil {
		return
	}
	cred.Profile = profile
	_ = m.repo.SaveCredential(ctx, cred)
}

// ChangePassword rotates the password remotely and re-hashes the cached
// credential so offline sign-in accepts the new secret.
func (m *Manager) ChangePassword(ctx context.Context, current, updated string) error {
	if err := m.api.ChangePassword(ctx, current, updated); err != nil {
		if transport.IsAuthorization(err) {
			m.invalidate("token invalid")
			return ErrAuthenticationExpired
		}
		return err
	}
	m.mu.Lock()
	user := m.session.User
	m.mu.Unlock()
	if user != nil {
		m.cacheCredential(ctx, user.Email, updated, *user)
	}
	return nil
}

// Token returns a usable access token, refreshing through the coordinator
// when the stored one is stale. Implements transport.TokenSource.
func (m *Manager) Token(ctx context.Context) (string, error) {
	access, _, err := m.repo.Tokens(ctx)
	if err != nil {
		return "", err
	}
	if m.codec.Usable(access) {
		return access, nil
	}
	return m.coord.EnsureFresh(ctx)
}

// Refresh forces a single-flight token refresh. Implements
// transport.TokenSource.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.coord.EnsureFresh(ctx)
}

// refreshOnce is the coordinator's network operation: exchange the stored
// refresh token for a new pair and persist it.
func (m *Manager) refreshOnce(ctx context.Context) (string, error) {
	_, refreshTok, err := m.repo.Tokens(ctx)
	if err != nil {
		return "", err
	}
	if refreshTok == "" {
		return "", refresh.ErrAuthorizationExpired
	}
	tr, err := m.api.Refresh(ctx, refreshTok)
	if err != nil {
		return "", err
	}
	if err := m.repo.SaveTokens(ctx, tr.AccessToken, tr.RefreshToken); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.session.AccessToken = tr.AccessToken
	m.session.RefreshToken = tr.RefreshToken
	m.mu.Unlock()
	return tr.AccessToken, nil
}

// invalidate purges all local session state after an irrecoverable
// authorization failure and publishes the involuntary sign-out with reason.
func (m *Manager) invalidate(reason string) {
	_ = m.repo.ClearAll(context.Background())
	m.mu.Lock()
	wasAuthenticated := m.session.User != nil
	m.session = domain.Session{}
	m.mu.Unlock()
	if wasAuthenticated {
		m.publish(reason)
	}
}

// publish emits the current session state.
func (m *Manager) publish(reason string) {
	m.mu.Lock()
	e := Event{
		Authenticated: m.session.User != nil,
		Mode:          m.session.Mode,
		Reason:        reason,
	}
	if m.session.User != nil {
		u := *m.session.User
		e.User = &u
	}
	m.mu.Unlock()
	m.notifier.Publish(e)
}

func (m *Manager) snapshotLocked() domain.Session {
	snap := m.session
	if m.session.User != nil {
		u := *m.session.User
		snap.User = &u
	}
	return snap
}
