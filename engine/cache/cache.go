// Package cache gates re-ingestion behind a per-project freshness flag with
// a TTL, and reconciles expired flags by deleting the project's vector
// collection. The cache is advisory: if the backend is unreachable the
// pipeline behaves as if nothing were cached.
package cache

import (
	"context"
	"log/slog"
	"time"
)

// Store is the backend contract. Implementations must be safe for concurrent
// use; single-key operations are atomic on the backend side.
type Store interface {
	// Fresh reports whether the freshness flag for key is present (TTL not
	// yet elapsed).
	Fresh(ctx context.Context, key string) (bool, error)
	// SetFresh sets the freshness flag for key with the given TTL and
	// records key in the known-key registry.
	SetFresh(ctx context.Context, key string, ttl time.Duration) error
	// Keys enumerates the known-key registry.
	Keys(ctx context.Context) ([]string, error)
	// Forget removes key from the registry and drops any residual flag.
	Forget(ctx context.Context, key string) error
}

// Client is the freshness gate used by the ingestion pipeline.
type Client struct {
	store  Store
	logger *slog.Logger
}

// New creates a cache client over the given backend.
func New(store Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, logger: logger}
}

// IsFresh reports whether the project was ingested within its TTL. Backend
// failures degrade to a cache miss so ingestion proceeds uncached.
func (c *Client) IsFresh(ctx context.Context, key string) bool {
	fresh, err := c.store.Fresh(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss", "key", key, "err", err)
		return false
	}
	return fresh
}

// MarkFresh records a successful ingestion. A backend failure is returned to
// the caller for logging but must not fail the ingestion.
func (c *Client) MarkFresh(ctx context.Context, key string, ttl time.Duration) error {
	return c.store.SetFresh(ctx, key, ttl)
}
