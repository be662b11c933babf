package cache_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/docsgate/internal/adapter/outbound/cache"
	"github.com/i2y/docsgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func payload(content string) domain.Payload {
	return domain.Payload{Tool: domain.ToolLookupCrate, Content: content, Format: domain.FormatMarkdown}
}

func TestCache_HitAfterMissAndTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	store := cache.NewMemoryStore(10, cache.WithShards(1), cache.WithClock(clock.Now))
	c := cache.New(store, time.Second, testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(context.Context) (domain.Payload, error) {
		calls.Add(1)
		return payload("docs"), nil
	}

	p, hit, err := c.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "docs", p.Content)

	clock.Advance(59 * time.Second)
	_, hit, err = c.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.True(t, hit)

	clock.Advance(time.Second)
	_, hit, err = c.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, hit, "entry must be stale exactly at insertion+ttl")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_SingleFlight(t *testing.T) {
	store := cache.NewMemoryStore(10, cache.WithShards(1))
	c := cache.New(store, 5*time.Second, testLogger())

	const waiters = 50
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (domain.Payload, error) {
		calls.Add(1)
		<-release
		return payload("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([]string, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, _, err := c.GetOrCompute(context.Background(), "k", time.Minute, compute)
			results[i], errs[i] = p.Content, err
		}()
	}
	// Give every goroutine time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestCache_ErrorsAreSharedAndNotStored(t *testing.T) {
	store := cache.NewMemoryStore(10, cache.WithShards(1))
	c := cache.New(store, time.Second, testLogger())

	upstream := domain.NewUpstreamError(500, "boom")
	_, _, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) (domain.Payload, error) {
		return domain.Payload{}, upstream
	})
	assert.ErrorIs(t, err, upstream)
	assert.Equal(t, 0, store.Len())
}

func TestCache_ComputeTimeoutReleasesGuard(t *testing.T) {
	store := cache.NewMemoryStore(10, cache.WithShards(1))
	c := cache.New(store, 50*time.Millisecond, testLogger())

	block := make(chan struct{})
	defer close(block)
	_, _, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) (domain.Payload, error) {
		<-block
		return payload("late"), nil
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))

	p, hit, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) (domain.Payload, error) {
		return payload("fresh"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "fresh", p.Content)
}

func TestCache_CancelledWaiterDoesNotAbortComputation(t *testing.T) {
	store := cache.NewMemoryStore(10, cache.WithShards(1))
	c := cache.New(store, 5*time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	computeCtxErr := make(chan error, 1)

	go func() {
		<-started
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	_, _, err := c.GetOrCompute(ctx, "k", time.Minute, func(cctx context.Context) (domain.Payload, error) {
		close(started)
		<-release
		computeCtxErr <- cctx.Err()
		return payload("kept"), nil
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindUpstreamUnavailable, domain.KindOf(err))

	assert.NoError(t, <-computeCtxErr)
	assert.Eventually(t, func() bool {
		p, ok, _ := store.Get(context.Background(), "k")
		return ok && p.Content == "kept"
	}, time.Second, 10*time.Millisecond)
}

func TestCache_ZeroTTLIsPassThrough(t *testing.T) {
	store := cache.NewMemoryStore(10, cache.WithShards(1))
	c := cache.New(store, time.Second, testLogger())

	var calls atomic.Int32
	compute := func(context.Context) (domain.Payload, error) {
		calls.Add(1)
		return payload("health"), nil
	}
	for i := 0; i < 3; i++ {
		_, hit, err := c.GetOrCompute(context.Background(), "health", 0, compute)
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, store.Len())
}

func TestCache_PanicBecomesInternalError(t *testing.T) {
	c := cache.New(cache.NewMemoryStore(10), time.Second, testLogger())
	_, _, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) (domain.Payload, error) {
		panic("kaboom")
	})
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (domain.Payload, bool, error) {
	return domain.Payload{}, false, errors.New("connection refused")
}

func (brokenStore) Set(context.Context, string, domain.Payload, time.Duration) error {
	return errors.New("connection refused")
}

func TestCache_StoreErrorsDegradeToBypass(t *testing.T) {
	c := cache.New(brokenStore{}, time.Second, testLogger())
	p, hit, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(context.Context) (domain.Payload, error) {
		return payload("computed"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "computed", p.Content)
}
