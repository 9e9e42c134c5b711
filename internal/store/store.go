// Package store provides the shared counter store used for ephemeral
// trust-layer state: rate-limit windows, blocks, and used CSRF tokens.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers apply their own fail-open or fail-closed policy on it.
var ErrUnavailable = errors.New("store: unavailable")

// Key namespaces for ephemeral trust-layer state.
const (
	KeyPrefixRateLimit      = "ratelimit:"
	KeyPrefixRateLimitBlock = "ratelimit_block:"
	KeyPrefixCSRFUsed       = "csrf_used:"
)

// Store is a key-value store with per-key TTL and atomic increment.
// Increment is the sole correctness primitive for rate limiting and
// CSRF replay protection, so implementations must keep it atomic
// across concurrent requests touching the same key.
type Store interface {
	// Increment atomically increments key and returns the new count.
	// The TTL is applied only when the key is created by this call.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetWithTTL stores a value under key for the given TTL.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Exists reports whether key is present and not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of key, or zero if the key
	// does not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping checks the store connection.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
