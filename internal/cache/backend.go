package cache

import (
	"context"
	"time"
)

// Backend defines the interface for cache implementations
type Backend interface {
	// Get retrieves a value from the cache
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with the given TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// GetMultiple retrieves multiple values from the cache
	// Returns a map of found keys to values
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// Close closes the cache connection
	Close() error
}

// Config holds cache TTL configuration
type Config struct {
	MetadataTTL         time.Duration
	MetadataNotFoundTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MetadataTTL:         1 * time.Hour,    // profiles rarely change hourly
		MetadataNotFoundTTL: 30 * time.Second, // short TTL lets a resolve retry soon
	}
}
