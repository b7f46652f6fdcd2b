package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"news-integrity/client/internal/api"
	"news-integrity/client/internal/fallback"
	"news-integrity/client/internal/refresh"
	"news-integrity/client/internal/security"
	"news-integrity/client/internal/session/domain"
	"news-integrity/client/internal/session/repository"
	"news-integrity/client/internal/store"
	"news-integrity/client/internal/token"
	"news-integrity/client/internal/transport"
)

type fakeAPI struct {
	mu sync.Mutex

	loginFn    func(email, password string) (*api.TokenResponse, error)
	registerFn func(reg api.Registration) (*api.TokenResponse, error)
	refreshFn  func(refreshToken string) (*api.TokenResponse, error)
	meFn       func() (*domain.Profile, error)
	updateFn   func(update domain.ProfileUpdate) (*domain.Profile, error)
	passwordFn func(current, updated string) error

	loginCalls   int
	refreshCalls int
	meCalls      int
	logoutCalls  int
}

func (f *fakeAPI) Login(_ context.Context, email, password string) (*api.TokenResponse, error) {
	f.mu.Lock()
	f.loginCalls++
	fn := f.loginFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("fakeAPI: login not configured")
	}
	return fn(email, password)
}

func (f *fakeAPI) Register(_ context.Context, reg api.Registration) (*api.TokenResponse, error) {
	if f.registerFn == nil {
		return nil, errors.New("fakeAPI: register not configured")
	}
	return f.registerFn(reg)
}

func (f *fakeAPI) Refresh(_ context.Context, refreshToken string) (*api.TokenResponse, error) {
	f.mu.Lock()
	f.refreshCalls++
	fn := f.refreshFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("fakeAPI: refresh not configured")
	}
	return fn(refreshToken)
}

func (f *fakeAPI) Logout(_ context.Context) error {
	f.mu.Lock()
	f.logoutCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) Me(_ context.Context) (*domain.Profile, error) {
	f.mu.Lock()
	f.meCalls++
	fn := f.meFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("fakeAPI: me not configured")
	}
	return fn()
}

func (f *fakeAPI) UpdateProfile(_ context.Context, update domain.ProfileUpdate) (*domain.Profile, error) {
	if f.updateFn == nil {
		return nil, errors.New("fakeAPI: update not configured")
	}
	return f.updateFn(update)
}

func (f *fakeAPI) ChangePassword(_ context.Context, current, updated string) error {
	if f.passwordFn == nil {
		return errors.New("fakeAPI: change password not configured")
	}
	return f.passwordFn(current, updated)
}

func (f *fakeAPI) counts() (login, refreshed, me, logout int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.refreshCalls, f.meCalls, f.logoutCalls
}

func newTestManager(t *testing.T, a *fakeAPI) (*Manager, repository.Repository) {
	t.Helper()
	repo := repository.New(store.NewMemoryStore())
	codec := token.NewCodec(5 * time.Minute)
	hasher := security.NewHasher(bcrypt.MinCost)
	fb := fallback.New(repo, hasher, time.Hour, true)
	m := NewManager(a, repo, codec, hasher, fb, NewNotifier(), 3)
	return m, repo
}

func mintToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return raw
}

func testProfile() domain.Profile {
	return domain.Profile{
		ID:         "user-1",
		Email:      "reporter@example.com",
		FirstName:  "Rana",
		Role:       "user",
		TrustScore: domain.DefaultTrustScore,
	}
}

func grant(t *testing.T, profile domain.Profile) *api.TokenResponse {
	t.Helper()
	return &api.TokenResponse{
		AccessToken:  mintToken(t, time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		User:         profile,
	}
}

func unreachable() error {
	return &transport.Error{Kind: transport.KindNetwork, FallbackEligible: true, Err: errors.New("connection refused")}
}

func TestSignIn_OnlineSuccess(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return grant(t, profile), nil
		},
	}
	m, repo := newTestManager(t, a)

	res, err := m.SignIn(ctx, "reporter@example.com", "s3cret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.RemoteErr != nil {
		t.Errorf("RemoteErr = %v, want nil", res.RemoteErr)
	}
	if res.Session.Mode != domain.ModeOnline {
		t.Errorf("Mode = %q, want %q", res.Session.Mode, domain.ModeOnline)
	}
	if res.Session.IsGuest {
		t.Error("IsGuest should be false for online sign-in")
	}
	if res.Session.User == nil || res.Session.User.Email != profile.Email {
		t.Errorf("User = %+v, want email %q", res.Session.User, profile.Email)
	}

	access, refreshTok, err := repo.Tokens(ctx)
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	if access == "" || refreshTok != "refresh-1" {
		t.Errorf("stored tokens = (%q, %q), want non-empty access and refresh-1", access, refreshTok)
	}
}

func TestSignIn_CachesHashedCredential(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return grant(t, testProfile()), nil
		},
	}
	m, repo := newTestManager(t, a)

	if _, err := m.SignIn(ctx, "reporter@example.com", "s3cret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	cred, err := repo.Credential(ctx, "reporter@example.com")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred == nil {
		t.Fatal("credential should be cached after online sign-in")
	}
	if cred.PasswordHash == "s3cret" {
		t.Fatal("credential cache holds plaintext password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte("s3cret")); err != nil {
		t.Errorf("cached hash does not verify original password: %v", err)
	}
}

func TestSignIn_PreservesCredentialCreatedAt(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return grant(t, testProfile()), nil
		},
	}
	m, repo := newTestManager(t, a)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	seed := &domain.CachedCredential{
		Email:        "reporter@example.com",
		PasswordHash: "$2a$04$existinghash",
		Profile:      testProfile(),
		CreatedAt:    created,
		LastLoginAt:  created,
	}
	if err := repo.SaveCredential(ctx, seed); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}

	if _, err := m.SignIn(ctx, "reporter@example.com", "newpass"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	cred, err := repo.Credential(ctx, "reporter@example.com")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if !cred.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want preserved %v", cred.CreatedAt, created)
	}
	if cred.LastLoginAt.Equal(created) {
		t.Error("LastLoginAt should be refreshed on sign-in")
	}
}

func TestSignIn_FallbackWithCachedCredential(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return nil, unreachable()
		},
	}
	m, repo := newTestManager(t, a)

	hasher := security.NewHasher(bcrypt.MinCost)
	hash, err := hasher.Hash([]byte("s3cret"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	profile := testProfile()
	if err := repo.SaveCredential(ctx, &domain.CachedCredential{
		Email:        "reporter@example.com",
		PasswordHash: hash,
		Profile:      profile,
		CreatedAt:    time.Now().UTC(),
		LastLoginAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}

	res, err := m.SignIn(ctx, "reporter@example.com", "s3cret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.Session.Mode != domain.ModeFallback {
		t.Errorf("Mode = %q, want %q", res.Session.Mode, domain.ModeFallback)
	}
	if res.Session.IsGuest {
		t.Error("IsGuest should be false for a cached account")
	}
	if res.Session.User == nil || res.Session.User.ID != profile.ID {
		t.Errorf("User = %+v, want cached snapshot %q", res.Session.User, profile.ID)
	}
	if !transport.FallbackEligible(res.RemoteErr) {
		t.Errorf("RemoteErr = %v, want the original fallback-eligible failure", res.RemoteErr)
	}
}

func TestSignIn_FallbackGuestForUnknownIdentifier(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return nil, unreachable()
		},
	}
	m, _ := newTestManager(t, a)

	res, err := m.SignIn(ctx, "stranger@example.com", "whatever")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if !res.Session.IsGuest {
		t.Error("unknown identifier should get a guest session")
	}
	if res.Session.Mode != domain.ModeFallback {
		t.Errorf("Mode = %q, want %q", res.Session.Mode, domain.ModeFallback)
	}
	if res.Session.User.Email != "stranger@example.com" {
		t.Errorf("guest email = %q, want %q", res.Session.User.Email, "stranger@example.com")
	}
}

func TestSignIn_RejectionDoesNotFallBack(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return nil, api.ErrInvalidCredentials
		},
	}
	m, _ := newTestManager(t, a)

	_, err := m.SignIn(ctx, "reporter@example.com", "wrong")
	if !errors.Is(err, api.ErrInvalidCredentials) {
		t.Fatalf("SignIn error = %v, want ErrInvalidCredentials", err)
	}
	if m.Session().Authenticated() {
		t.Error("rejected sign-in must not establish a session")
	}
}

func TestSignIn_FallbackMismatchSurfaces(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return nil, unreachable()
		},
	}
	m, repo := newTestManager(t, a)

	hasher := security.NewHasher(bcrypt.MinCost)
	hash, _ := hasher.Hash([]byte("right"))
	_ = repo.SaveCredential(ctx, &domain.CachedCredential{
		Email:        "reporter@example.com",
		PasswordHash: hash,
		Profile:      testProfile(),
	})

	_, err := m.SignIn(ctx, "reporter@example.com", "wrong")
	if !errors.Is(err, fallback.ErrCredentialMismatch) {
		t.Fatalf("SignIn error = %v, want ErrCredentialMismatch", err)
	}
	if m.Session().Authenticated() {
		t.Error("mismatched offline sign-in must not establish a session")
	}
}

func TestSignUp_Success(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	a := &fakeAPI{
		registerFn: func(reg api.Registration) (*api.TokenResponse, error) {
			p := profile
			p.Email = reg.Email
			return grant(t, p), nil
		},
	}
	m, repo := newTestManager(t, a)

	res, err := m.SignUp(ctx, api.Registration{Email: "new@example.com", Password: "pw12345"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if res.Session.Mode != domain.ModeOnline {
		t.Errorf("Mode = %q, want %q", res.Session.Mode, domain.ModeOnline)
	}
	cred, err := repo.Credential(ctx, "new@example.com")
	if err != nil || cred == nil {
		t.Fatalf("Credential = (%v, %v), want cached record", cred, err)
	}
}

func TestInitialize_RestoresValidFallbackSessionWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{}
	m, repo := newTestManager(t, a)

	now := time.Now().UTC()
	profile := testProfile()
	if err := repo.SaveFallbackSession(ctx, &domain.FallbackSession{
		Profile:   profile,
		IsGuest:   false,
		LoginAt:   now.Add(-time.Minute),
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveFallbackSession: %v", err)
	}

	sess := m.Initialize(ctx)
	if sess.Mode != domain.ModeFallback {
		t.Errorf("Mode = %q, want %q", sess.Mode, domain.ModeFallback)
	}
	if sess.User == nil || sess.User.ID != profile.ID {
		t.Errorf("User = %+v, want restored snapshot", sess.User)
	}
	if _, refreshed, me, _ := a.counts(); refreshed != 0 || me != 0 {
		t.Errorf("network calls = (refresh %d, me %d), want none", refreshed, me)
	}
}

func TestInitialize_NeverRestoresExpiredFallbackSession(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{}
	m, repo := newTestManager(t, a)

	now := time.Now().UTC()
	if err := repo.SaveFallbackSession(ctx, &domain.FallbackSession{
		Profile:   testProfile(),
		LoginAt:   now.Add(-25 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("SaveFallbackSession: %v", err)
	}

	sess := m.Initialize(ctx)
	if sess.Authenticated() {
		t.Error("expired fallback session must never be restored")
	}
	if fs, err := repo.FallbackSession(ctx); err != nil || fs != nil {
		t.Errorf("FallbackSession after Initialize = (%v, %v), want purged", fs, err)
	}
}

func TestInitialize_RestoresOnlineWithUsableToken(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	a := &fakeAPI{
		meFn: func() (*domain.Profile, error) {
			p := profile
			return &p, nil
		},
	}
	m, repo := newTestManager(t, a)

	access := mintToken(t, time.Now().Add(time.Hour))
	if err := repo.SaveTokens(ctx, access, "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}

	sess := m.Initialize(ctx)
	if sess.Mode != domain.ModeOnline {
		t.Errorf("Mode = %q, want %q", sess.Mode, domain.ModeOnline)
	}
	if _, refreshed, me, _ := a.counts(); refreshed != 0 || me != 1 {
		t.Errorf("calls = (refresh %d, me %d), want (0, 1)", refreshed, me)
	}
}

func TestInitialize_RefreshesStaleTokenOnce(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	a := &fakeAPI{
		refreshFn: func(refreshToken string) (*api.TokenResponse, error) {
			if refreshToken != "refresh-1" {
				t.Errorf("refresh token = %q, want %q", refreshToken, "refresh-1")
			}
			return grant(t, profile), nil
		},
		meFn: func() (*domain.Profile, error) {
			p := profile
			return &p, nil
		},
	}
	m, repo := newTestManager(t, a)

	stale := mintToken(t, time.Now().Add(-time.Minute))
	if err := repo.SaveTokens(ctx, stale, "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}

	sess := m.Initialize(ctx)
	if sess.Mode != domain.ModeOnline {
		t.Fatalf("Mode = %q, want %q", sess.Mode, domain.ModeOnline)
	}
	if _, refreshed, _, _ := a.counts(); refreshed != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshed)
	}
}

func TestInitialize_FailedRestoreYieldsEmptySession(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		refreshFn: func(string) (*api.TokenResponse, error) {
			return nil, api.ErrRefreshRejected
		},
	}
	m, repo := newTestManager(t, a)

	stale := mintToken(t, time.Now().Add(-time.Minute))
	if err := repo.SaveTokens(ctx, stale, "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}

	sess := m.Initialize(ctx)
	if sess.Authenticated() {
		t.Error("failed restoration should yield an empty session, not an error")
	}
	if access, _, _ := repo.Tokens(ctx); access != "" {
		t.Error("unusable stored tokens should be cleared")
	}
}

func TestCurrentUser_UsableTokenSkipsRefresh(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	a := &fakeAPI{
		meFn: func() (*domain.Profile, error) {
			p := profile
			return &p, nil
		},
	}
	m, repo := newTestManager(t, a)

	// Valid access token with no refresh token: no refresh needed, none possible.
	access := mintToken(t, time.Now().Add(time.Hour))
	if err := repo.SaveTokens(ctx, access, ""); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}
	m.mu.Lock()
	m.session = domain.Session{AccessToken: access, Mode: domain.ModeOnline, User: &profile}
	m.mu.Unlock()

	got, err := m.CurrentUser(ctx)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if got.ID != profile.ID {
		t.Errorf("ID = %q, want %q", got.ID, profile.ID)
	}
	if _, refreshed, _, _ := a.counts(); refreshed != 0 {
		t.Errorf("refresh calls = %d, want 0", refreshed)
	}
}

func TestCurrentUser_StaleTokenRefreshesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	a := &fakeAPI{
		refreshFn: func(string) (*api.TokenResponse, error) {
			return grant(t, profile), nil
		},
		meFn: func() (*domain.Profile, error) {
			p := profile
			return &p, nil
		},
	}
	m, repo := newTestManager(t, a)

	stale := mintToken(t, time.Now().Add(-time.Minute))
	if err := repo.SaveTokens(ctx, stale, "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}
	m.mu.Lock()
	m.session = domain.Session{AccessToken: stale, Mode: domain.ModeOnline, User: &profile}
	m.mu.Unlock()

	if _, err := m.CurrentUser(ctx); err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if _, refreshed, me, _ := a.counts(); refreshed != 1 || me != 1 {
		t.Errorf("calls = (refresh %d, me %d), want (1, 1)", refreshed, me)
	}
}

func TestCurrentUser_AuthorizationFailurePurgesSession(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	a := &fakeAPI{
		meFn: func() (*domain.Profile, error) {
			return nil, &transport.Error{Kind: transport.KindAuthorization, Status: 401, Err: refresh.ErrAuthorizationExpired}
		},
	}
	m, repo := newTestManager(t, a)

	access := mintToken(t, time.Now().Add(time.Hour))
	_ = repo.SaveTokens(ctx, access, "refresh-1")
	m.mu.Lock()
	m.session = domain.Session{AccessToken: access, Mode: domain.ModeOnline, User: &profile}
	m.mu.Unlock()

	events, cancel := m.Notifier().Subscribe(4)
	defer cancel()

	_, err := m.CurrentUser(ctx)
	if !errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("CurrentUser error = %v, want ErrAuthenticationExpired", err)
	}
	if m.Session().Authenticated() {
		t.Error("session should be purged after terminal authorization failure")
	}
	if access, _, _ := repo.Tokens(ctx); access != "" {
		t.Error("stored tokens should be purged")
	}

	select {
	case e := <-events:
		if e.Authenticated {
			t.Error("event should report signed-out state")
		}
		if e.Reason != "token invalid" {
			t.Errorf("Reason = %q, want %q", e.Reason, "token invalid")
		}
	case <-time.After(time.Second):
		t.Fatal("no session-change event published")
	}
}

func TestCurrentUser_TransientErrorDoesNotPurge(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	a := &fakeAPI{
		meFn: func() (*domain.Profile, error) {
			return nil, unreachable()
		},
	}
	m, repo := newTestManager(t, a)

	access := mintToken(t, time.Now().Add(time.Hour))
	_ = repo.SaveTokens(ctx, access, "refresh-1")
	m.mu.Lock()
	m.session = domain.Session{AccessToken: access, Mode: domain.ModeOnline, User: &profile}
	m.mu.Unlock()

	_, err := m.CurrentUser(ctx)
	if err == nil || errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("CurrentUser error = %v, want transient failure", err)
	}
	if !m.Session().Authenticated() {
		t.Error("transient failure must not purge the session")
	}
}

func TestCurrentUser_FallbackServesCachedProfile(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{}
	m, repo := newTestManager(t, a)

	now := time.Now().UTC()
	profile := testProfile()
	_ = repo.SaveFallbackSession(ctx, &domain.FallbackSession{
		Profile:   profile,
		LoginAt:   now,
		ExpiresAt: now.Add(time.Hour),
	})
	m.Initialize(ctx)

	got, err := m.CurrentUser(ctx)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if got.ID != profile.ID {
		t.Errorf("ID = %q, want %q", got.ID, profile.ID)
	}
	if _, _, me, _ := a.counts(); me != 0 {
		t.Errorf("me calls = %d, want 0 in fallback mode", me)
	}
}

func TestCurrentUser_FallbackExpiryPurges(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{}
	m, repo := newTestManager(t, a)

	now := time.Now().UTC()
	_ = repo.SaveFallbackSession(ctx, &domain.FallbackSession{
		Profile:   testProfile(),
		LoginAt:   now,
		ExpiresAt: now.Add(50 * time.Millisecond),
	})
	m.Initialize(ctx)

	time.Sleep(80 * time.Millisecond)

	_, err := m.CurrentUser(ctx)
	if !errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("CurrentUser error = %v, want ErrAuthenticationExpired", err)
	}
	if m.Session().Authenticated() {
		t.Error("expired fallback session should be purged on access")
	}
}

func TestSignOut_PurgesEverythingButCredentials(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return grant(t, testProfile()), nil
		},
	}
	m, repo := newTestManager(t, a)

	if _, err := m.SignIn(ctx, "reporter@example.com", "s3cret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	m.SignOut(ctx)

	if m.Session().Authenticated() {
		t.Error("session should be empty after sign-out")
	}
	if access, refreshTok, _ := repo.Tokens(ctx); access != "" || refreshTok != "" {
		t.Error("tokens should be purged on sign-out")
	}
	cred, err := repo.Credential(ctx, "reporter@example.com")
	if err != nil || cred == nil {
		t.Error("cached credentials must survive sign-out")
	}
	if _, _, _, logout := a.counts(); logout != 1 {
		t.Errorf("logout calls = %d, want 1", logout)
	}
}

func TestSignOut_FallbackSessionSkipsRemoteLogout(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return nil, unreachable()
		},
	}
	m, _ := newTestManager(t, a)

	if _, err := m.SignIn(ctx, "stranger@example.com", "pw"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	m.SignOut(ctx)

	if _, _, _, logout := a.counts(); logout != 0 {
		t.Errorf("logout calls = %d, want 0 for a fallback session", logout)
	}
	if m.Session().Authenticated() {
		t.Error("session should be empty after sign-out")
	}
}

func TestUpdateLocalProfile_MergesInMemory(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return grant(t, testProfile()), nil
		},
	}
	m, _ := newTestManager(t, a)
	if _, err := m.SignIn(ctx, "reporter@example.com", "s3cret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	first := "Renamed"
	got, err := m.UpdateLocalProfile(domain.ProfileUpdate{FirstName: &first})
	if err != nil {
		t.Fatalf("UpdateLocalProfile: %v", err)
	}
	if got.FirstName != "Renamed" {
		t.Errorf("FirstName = %q, want %q", got.FirstName, "Renamed")
	}
	if got.Email != "reporter@example.com" {
		t.Errorf("Email = %q, untouched field changed", got.Email)
	}
	if sess := m.Session(); sess.User.FirstName != "Renamed" {
		t.Errorf("session FirstName = %q, want %q", sess.User.FirstName, "Renamed")
	}
}

func TestUpdateLocalProfile_UnauthenticatedFails(t *testing.T) {
	m, _ := newTestManager(t, &fakeAPI{})
	first := "Nobody"
	if _, err := m.UpdateLocalProfile(domain.ProfileUpdate{FirstName: &first}); !errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("UpdateLocalProfile error = %v, want ErrAuthenticationExpired", err)
	}
}

func TestToken_ReturnsStoredUsableToken(t *testing.T) {
	ctx := context.Background()
	m, repo := newTestManager(t, &fakeAPI{})

	access := mintToken(t, time.Now().Add(time.Hour))
	if err := repo.SaveTokens(ctx, access, "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}

	got, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != access {
		t.Errorf("Token = %q, want stored access token", got)
	}
}

func TestToken_RefreshesStaleToken(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	fresh := grant(t, profile)
	a := &fakeAPI{
		refreshFn: func(string) (*api.TokenResponse, error) { return fresh, nil },
	}
	m, repo := newTestManager(t, a)

	stale := mintToken(t, time.Now().Add(-time.Minute))
	if err := repo.SaveTokens(ctx, stale, "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}

	got, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != fresh.AccessToken {
		t.Errorf("Token = %q, want refreshed access token", got)
	}
	if access, _, _ := repo.Tokens(ctx); access != fresh.AccessToken {
		t.Error("refreshed tokens should be persisted")
	}
}

func TestRefreshOnce_NoRefreshTokenIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &fakeAPI{})

	_, err := m.Refresh(ctx)
	if !errors.Is(err, refresh.ErrAuthorizationExpired) {
		t.Fatalf("Refresh error = %v, want ErrAuthorizationExpired", err)
	}
}

func TestChangePassword_RehashesCachedCredential(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return grant(t, testProfile()), nil
		},
		passwordFn: func(current, updated string) error { return nil },
	}
	m, repo := newTestManager(t, a)

	if _, err := m.SignIn(ctx, "reporter@example.com", "oldpass"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if err := m.ChangePassword(ctx, "oldpass", "newpass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	cred, err := repo.Credential(ctx, "reporter@example.com")
	if err != nil || cred == nil {
		t.Fatalf("Credential = (%v, %v)", cred, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte("newpass")); err != nil {
		t.Errorf("cached hash should verify the new password: %v", err)
	}
}

func TestUpdateProfile_RemoteAndCacheSync(t *testing.T) {
	ctx := context.Background()
	profile := testProfile()
	a := &fakeAPI{
		loginFn: func(email, password string) (*api.TokenResponse, error) {
			return grant(t, profile), nil
		},
		updateFn: func(update domain.ProfileUpdate) (*domain.Profile, error) {
			p := update.Apply(profile)
			return &p, nil
		},
	}
	m, repo := newTestManager(t, a)

	if _, err := m.SignIn(ctx, "reporter@example.com", "s3cret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	region := "EU"
	got, err := m.UpdateProfile(ctx, domain.ProfileUpdate{LocationRegion: &region})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if got.LocationRegion != "EU" {
		t.Errorf("LocationRegion = %q, want %q", got.LocationRegion, "EU")
	}
	cred, err := repo.Credential(ctx, "reporter@example.com")
	if err != nil || cred == nil {
		t.Fatalf("Credential = (%v, %v)", cred, err)
	}
	if cred.Profile.LocationRegion != "EU" {
		t.Errorf("cached snapshot LocationRegion = %q, want %q", cred.Profile.LocationRegion, "EU")
	}
}
