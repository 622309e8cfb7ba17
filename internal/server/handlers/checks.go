package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/store"
)

// StoreChecker reports the bucket store unhealthy when it stops answering.
type StoreChecker struct {
	Store store.BucketStore
}

func (c StoreChecker) CheckHealth(ctx context.Context) error {
	if c.Store == nil {
		return nil
	}
	if _, err := c.Store.CountBuckets(ctx, store.BucketQuery{All: true}); err != nil {
		return fmt.Errorf("%s store: %w", c.Store.Driver(), err)
	}
	return nil
}

// LimiterChecker degrades when a bucket has no whole token left, meaning
// callers on that bucket are queuing for refill.
type LimiterChecker struct {
	Limiter *engine.RateLimiter
}

func (c LimiterChecker) CheckHealth(context.Context) error {
	if c.Limiter == nil {
		return errors.New("rate limiter not initialized")
	}
	var drained []string
	for _, b := range c.Limiter.BucketStats() {
		if b.Tokens < 1 {
			drained = append(drained, string(b.Key))
		}
	}
	if len(drained) > 0 {
		return fmt.Errorf("%w: buckets drained: %s", ErrDegraded, strings.Join(drained, ", "))
	}
	return nil
}
