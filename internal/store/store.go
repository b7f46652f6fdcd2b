// Package store provides durable key/value storage for the client session
// state: tokens, cached credentials, and fallback sessions.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("store: key not found")

// Store is a durable key/value store. Values survive process restarts for
// the file-backed implementation. Access is local and synchronous.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
