package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// IndexDeleter is what the sweep needs from the vector store.
type IndexDeleter interface {
	DeleteCollection(ctx context.Context, name string) error
}

// Sweeper reconciles expired cache entries with the vector store on a fixed
// interval. A key present in the registry whose freshness flag has lapsed
// marks its collection stale; the sweep deletes the collection and the
// registry entry. Deletion is idempotent, so a crash mid-sweep resumes
// correctly on the next tick.
type Sweeper struct {
	store    Store
	indexes  IndexDeleter
	interval time.Duration
	logger   *slog.Logger

	started atomic.Bool
	running atomic.Bool
}

// NewSweeper creates a sweeper over the given cache backend and vector store.
func NewSweeper(store Store, indexes IndexDeleter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, indexes: indexes, interval: interval, logger: logger}
}

// Run blocks, sweeping every interval until ctx is cancelled. It must be
// started at most once per process; a second call returns immediately.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("sweeper already started, ignoring second Run")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweep started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweep stopped")
			return
		case <-ticker.C:
			// Skip the tick if the previous sweep is still running.
			if !s.running.CompareAndSwap(false, true) {
				s.logger.Warn("previous sweep still running, skipping tick")
				continue
			}
			s.Sweep(ctx)
			s.running.Store(false)
		}
	}
}

// Sweep runs one reconciliation cycle and returns the number of collections
// deleted. Failures are logged and retried on the next cycle; they never
// stop the loop.
func (s *Sweeper) Sweep(ctx context.Context) int {
	keys, err := s.store.Keys(ctx)
	if err != nil {
		s.logger.Error("sweep: enumerate keys failed", "err", err)
		return 0
	}

	deleted := 0
	for _, key := range keys {
		fresh, err := s.store.Fresh(ctx, key)
		if err != nil {
			s.logger.Error("sweep: freshness check failed", "key", key, "err", err)
			continue
		}
		if fresh {
			continue
		}

		if err := s.indexes.DeleteCollection(ctx, key); err != nil {
			s.logger.Error("sweep: collection delete failed", "key", key, "err", err)
			continue
		}
		if err := s.store.Forget(ctx, key); err != nil {
			s.logger.Error("sweep: forget failed", "key", key, "err", err)
			continue
		}
		s.logger.Info("expired project evicted", "key", key)
		deleted++
	}
	return deleted
}
