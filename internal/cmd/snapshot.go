package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/store"
	"github.com/predmkts/predmkts/internal/metrics"
)

// DefaultSnapshotInterval is used when store.snapshot_interval is unset.
const DefaultSnapshotInterval = 30 * time.Second

// snapshotter moves bucket state between the limiter and a store.
type snapshotter struct {
	limiter  *engine.RateLimiter
	store    store.BucketStore
	interval time.Duration
	logger   *logging.Logger
	started  time.Time
}

// restore seeds the limiter from every stored bucket.
func (s *snapshotter) restore(ctx context.Context) error {
	states, err := s.store.ListBuckets(ctx, store.BucketQuery{All: true})
	metrics.RecordSnapshot("restore", len(states), err == nil)
	if err != nil {
		return err
	}
	s.limiter.Restore(states)
	if s.logger != nil {
		s.logger.Info("Restored bucket state", zap.Int("buckets", len(states)))
	}
	return nil
}

// save persists every live bucket and refreshes the bucket gauges.
func (s *snapshotter) save(ctx context.Context) error {
	states := s.limiter.Snapshot()
	err := s.store.SaveBuckets(ctx, states)
	metrics.RecordSnapshot("save", len(states), err == nil)

	for _, b := range s.limiter.BucketStats() {
		metrics.SetBucketState(string(b.Key), b.Tokens, b.RefillRate)
	}
	if !s.started.IsZero() {
		metrics.SetServerUptime(int64(time.Since(s.started).Seconds()))
	}
	return err
}

// run saves on every tick until ctx is done.
func (s *snapshotter) run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.save(ctx); err != nil && s.logger != nil {
				s.logger.Warn("Failed to save bucket state", zap.Error(err))
			}
		}
	}
}
