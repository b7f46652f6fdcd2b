// Package token decodes opaque bearer tokens far enough to read their expiry.
// The client never verifies signatures: tokens are minted and verified by the
// remote auth service, and the client only needs to know whether a stored
// token is still worth presenting.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for token decoding. A caller that sees any of these must
// treat the token as expired and purge it.
var (
	ErrMalformed = errors.New("token: malformed token")
	ErrNoExpiry  = errors.New("token: missing expiry claim")
)

// Claims is the subset of the token payload the client reads.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec inspects bearer tokens without signature verification.
// Leeway is the safety buffer: a token expiring within Leeway of now is
// already treated as unusable so it is refreshed before it lapses mid-call.
type Codec struct {
	Leeway time.Duration

	nowF func() time.Time
}

// NewCodec returns a Codec with the given expiry leeway.
func NewCodec(leeway time.Duration) *Codec {
	return &Codec{Leeway: leeway, nowF: func() time.Time { return time.Now().UTC() }}
}

// Decode parses the token payload without verifying the signature.
// The token must have the standard three-segment structure and carry an exp
// claim; otherwise ErrMalformed or ErrNoExpiry is returned.
func (c *Codec) Decode(raw string) (*Claims, error) {
	if strings.Count(raw, ".") != 2 {
		return nil, ErrMalformed
	}
	var reg jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &reg); err != nil {
		return nil, ErrMalformed
	}
	if reg.ExpiresAt == nil {
		return nil, ErrNoExpiry
	}
	out := &Claims{
		Subject:   reg.Subject,
		ExpiresAt: reg.ExpiresAt.Time,
	}
	if reg.IssuedAt != nil {
		out.IssuedAt = reg.IssuedAt.Time
	}
	return out, nil
}

// Usable reports whether raw decodes cleanly and expires more than Leeway in
// the future. Empty, malformed, expiry-less, and near-expiry tokens are all
// unusable.
func (c *Codec) Usable(raw string) bool {
	if raw == "" {
		return false
	}
	claims, err := c.Decode(raw)
	if err != nil {
		return false
	}
	return claims.ExpiresAt.After(c.nowF().Add(c.Leeway))
}
