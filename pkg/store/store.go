// Package store provides the key/value substrate beneath the session
// repository. Backends are interchangeable: an in-memory map, an embedded
// SQLite database, and a networked Redis store all satisfy Storage.
package store

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	// ErrKeyNotFound is returned when a key doesn't exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// Storage abstracts a flat key/value store with prefix enumeration.
// Implementations must be safe for concurrent use. Storage offers no
// multi-key transactions; callers needing consistency across related keys
// must serialize those writes externally.
type Storage interface {
	// Get retrieves the value for a key.
	// Returns ErrKeyNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set creates or replaces the value for a key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, sorted ascending.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}
