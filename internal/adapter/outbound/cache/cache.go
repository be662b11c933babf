// Package cache implements the response cache: a get-or-compute front with
// per-key single-flight over a pluggable Store.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/i2y/docsgate/internal/domain"
	"github.com/i2y/docsgate/internal/usecase"
)

// Store persists payloads by key. A miss is (zero, false, nil).
type Store interface {
	Get(ctx context.Context, key string) (domain.Payload, bool, error)
	Set(ctx context.Context, key string, p domain.Payload, ttl time.Duration) error
}

// Pinner is implemented by stores that can protect a key from eviction while
// it is being recomputed.
type Pinner interface {
	Pin(key string)
	Unpin(key string)
}

// Cache coordinates concurrent computations for the same key. Only one compute
// runs per key at a time; every concurrent caller receives its outcome.
type Cache struct {
	store          Store
	group          singleflight.Group
	computeTimeout time.Duration
	logger         *slog.Logger
}

var _ usecase.ResponseCache = (*Cache)(nil)

// New creates a Cache. computeTimeout bounds each shared computation; zero
// means no bound beyond what compute itself enforces.
func New(store Store, computeTimeout time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		store:          store,
		computeTimeout: computeTimeout,
		logger:         logger.With("component", "cache"),
	}
}

type fillResult struct {
	payload   domain.Payload
	fromCache bool
}

type computeOutcome struct {
	payload domain.Payload
	err     error
}

// GetOrCompute implements usecase.ResponseCache. A ttl <= 0 skips the store
// entirely but still de-duplicates concurrent computations.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute usecase.ComputeFunc) (domain.Payload, bool, error) {
	if ttl > 0 {
		if p, ok := c.lookup(ctx, key); ok {
			return p, true, nil
		}
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fill(ctx, key, ttl, compute)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Payload{}, false, res.Err
		}
		r := res.Val.(fillResult)
		// Waiters that shared a fresh computation did not read it from the store.
		return r.payload, r.fromCache, nil
	case <-ctx.Done():
		c.logger.Debug("Caller stopped waiting for shared computation", slog.String("key", key))
		return domain.Payload{}, false, domain.AsError(ctx.Err())
	}
}

// fill runs under the single-flight guard. The computation is detached from
// the leader's context so a leader disconnect does not fail the other waiters.
func (c *Cache) fill(ctx context.Context, key string, ttl time.Duration, compute usecase.ComputeFunc) (fillResult, error) {
	bg := context.WithoutCancel(ctx)
	if ttl > 0 {
		if p, ok := c.lookup(bg, key); ok {
			return fillResult{payload: p, fromCache: true}, nil
		}
		if pinner, ok := c.store.(Pinner); ok {
			pinner.Pin(key)
			defer pinner.Unpin(key)
		}
	}

	cctx := bg
	if c.computeTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(bg, c.computeTimeout)
		defer cancel()
	}

	done := make(chan computeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Recovered panic in computation", slog.String("key", key), slog.Any("panic", r))
				done <- computeOutcome{err: domain.WrapError(domain.KindInternal, fmt.Sprintf("panic: %v", r), nil)}
			}
		}()
		p, err := compute(cctx)
		done <- computeOutcome{payload: p, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return fillResult{}, out.err
		}
		if ttl > 0 {
			if err := c.store.Set(bg, key, out.payload, ttl); err != nil {
				c.logger.Warn("Cache write failed, continuing without cache",
					slog.String("key", key), slog.Any("error", domain.WrapError(domain.KindCache, "write failed", err)))
			}
		}
		return fillResult{payload: out.payload}, nil
	case <-cctx.Done():
		c.logger.Warn("Computation timed out", slog.String("key", key), slog.Duration("timeout", c.computeTimeout))
		return fillResult{}, domain.WrapError(domain.KindUpstreamUnavailable, "timed out", cctx.Err())
	}
}

func (c *Cache) lookup(ctx context.Context, key string) (domain.Payload, bool) {
	p, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache read failed, bypassing",
			slog.String("key", key), slog.Any("error", domain.WrapError(domain.KindCache, "read failed", err)))
		return domain.Payload{}, false
	}
	return p, ok
}
