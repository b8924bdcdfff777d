// Package cache provides the persistent tier of encoded image bytes.
// Supports both a local directory and Redis backends for multi-instance deployments.
package cache

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"catimage/internal/core"
)

// Store defines the interface for encoded-bytes storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the bytes stored under key.
	// Returns an error matching core.ErrNotCached if nothing is stored.
	Get(ctx context.Context, key core.Key) ([]byte, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key core.Key, data []byte) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// HashKey returns the 16 hex character name used for key in every backend.
func HashKey(key core.Key) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(string(key)))
}
