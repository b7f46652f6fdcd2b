// Package transport wraps outbound calls to the auth service with retry,
// backoff, circuit breaking, and 401 refresh-replay. It owns the failure
// taxonomy the session manager acts on.
package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindNetwork covers no-response conditions: connection refused,
	// timeouts, DNS failures. Retryable; fallback-eligible when exhausted.
	KindNetwork Kind = iota
	// KindServer covers 5xx responses. Retryable; fallback-eligible when
	// exhausted.
	KindServer
	// KindAuthorization is a 401 that survived the refresh-replay cycle,
	// or a refresh that failed terminally. Not retryable, not
	// fallback-eligible: the caller must purge the session.
	KindAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure. FallbackEligible marks failures
// where the remote service is judged unreachable, inviting the session
// manager to try the offline path.
type Error struct {
	Kind             Kind
	Status           int // HTTP status when one was received; 0 otherwise
	FallbackEligible bool
	Err              error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s error (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("transport: %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FallbackEligible reports whether err carries the fallback-eligible flag,
// meaning the remote service is unreachable and offline sign-in may proceed.
func FallbackEligible(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.FallbackEligible
}

// IsAuthorization reports whether err is a terminal authorization failure.
func IsAuthorization(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindAuthorization
}
