// Package domain holds the client-side session data model: the live session,
// the user profile, locally cached credentials, and the offline fallback
// session.
package domain

import "time"

// Mode says how the current session was established.
type Mode string

const (
	// ModeOnline is a session backed by live tokens from the auth service.
	ModeOnline Mode = "online"
	// ModeFallback is a degraded session established from the local
	// credential cache (or as a guest) while the auth service is unreachable.
	ModeFallback Mode = "fallback"
)

// DefaultTrustScore is the neutral trust score assigned to new and guest
// profiles, matching the platform's server-side default.
const DefaultTrustScore = 50

// Profile is the platform user profile as returned by the auth service.
type Profile struct {
	ID             string  `json:"id"`
	Email          string  `json:"email"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	Role           string  `json:"role"`
	TrustScore     int     `json:"trust_score"`
	WalletAddress  string  `json:"wallet_address,omitempty"`
	LocationRegion string  `json:"location_region,omitempty"`
	ProfileImage   string  `json:"profile_image,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty"`
	LastLoginAt    string  `json:"last_login_at,omitempty"`
}

// ProfileUpdate carries a partial profile edit. Nil fields are left unchanged.
type ProfileUpdate struct {
	FirstName      *string `json:"first_name,omitempty"`
	LastName       *string `json:"last_name,omitempty"`
	LocationRegion *string `json:"location_region,omitempty"`
	ProfileImage   *string `json:"profile_image,omitempty"`
}

// Apply merges the update into a copy of p and returns it.
func (u ProfileUpdate) Apply(p Profile) Profile {
	if u.FirstName != nil {
		p.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		p.LastName = *u.LastName
	}
	if u.LocationRegion != nil {
		p.LocationRegion = *u.LocationRegion
	}
	if u.ProfileImage != nil {
		p.ProfileImage = *u.ProfileImage
	}
	return p
}

// Session is the single live session for the process. It is created by
// Manager.Initialize and mutated only by the session manager.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *Profile
	Mode         Mode
	IsGuest      bool
}

// Authenticated reports whether the session carries a signed-in user.
func (s Session) Authenticated() bool {
	return s.User != nil
}

// CachedCredential is the locally stored record that makes offline sign-in
// possible: the identifier, a bcrypt hash of the password last used for a
// successful online sign-in, and a profile snapshot. Never holds plaintext.
type CachedCredential struct {
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	Profile      Profile   `json:"profile"`
	CreatedAt    time.Time `json:"created_at"`
	LastLoginAt  time.Time `json:"last_login_at"`
}

// FallbackSession is a time-boxed offline session. It is persisted so the
// app can restore it across restarts until it expires.
type FallbackSession struct {
	Profile   Profile   `json:"profile"`
	IsGuest   bool      `json:"is_guest"`
	LoginAt   time.Time `json:"login_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the fallback session is still usable at now.
// Fails closed: a zero ExpiresAt (missing or unparseable data) is invalid.
func (f *FallbackSession) Valid(now time.Time) bool {
	if f == nil || f.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(f.ExpiresAt)
}
