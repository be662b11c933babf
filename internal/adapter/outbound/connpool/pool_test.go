package connpool_test

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

	"github.com/i2y/docsgate/internal/adapter/outbound/connpool"
	"github.com/i2y/docsgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestPool_AcquireTimesOutWhenExhausted(t *testing.T) {
	p := connpool.New(connpool.Config{MaxPerTarget: 2, AcquireTimeout: 50 * time.Millisecond}, testLogger())
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "docs")
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, "docs")
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, "docs")
	assert.Equal(t, domain.KindPoolExhausted, domain.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	other, err := p.Acquire(ctx, "registry")
	require.NoError(t, err, "targets are bounded independently")
	p.Release(other)

	assert.Equal(t, connpool.Stats{InUse: 2, Idle: 0, Max: 2}, p.Stats("docs"))
	p.Release(c1)
	p.Release(c2)
	assert.Equal(t, connpool.Stats{InUse: 0, Idle: 2, Max: 2}, p.Stats("docs"))
}

func TestPool_WaiterIsServedOnRelease(t *testing.T) {
	p := connpool.New(connpool.Config{MaxPerTarget: 1, AcquireTimeout: time.Second}, testLogger())
	ctx := context.Background()

	held, err := p.Acquire(ctx, "docs")
	require.NoError(t, err)

	got := make(chan *connpool.Conn, 1)
	go func() {
		c, err := p.Acquire(ctx, "docs")
		if err == nil {
			got <- c
		}
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("second acquire must block while the only connection is held")
	default:
	}

	p.Release(held)
	select {
	case c := <-got:
		assert.Same(t, held, c, "released connection is reused")
		p.Release(c)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served after release")
	}
}

func TestPool_NeverExceedsBound(t *testing.T) {
	const maxConns = 3
	p := connpool.New(connpool.Config{MaxPerTarget: maxConns, AcquireTimeout: 5 * time.Second}, testLogger())

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), "docs", func(*connpool.Conn) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(maxConns))
	assert.Equal(t, 0, p.Stats("docs").InUse)
}

func TestPool_DoReleasesOnError(t *testing.T) {
	p := connpool.New(connpool.Config{MaxPerTarget: 1, AcquireTimeout: 10 * time.Millisecond}, testLogger())
	boom := errors.New("boom")

	err := p.Do(context.Background(), "docs", func(*connpool.Conn) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = p.Do(context.Background(), "docs", func(*connpool.Conn) error { return nil })
	assert.NoError(t, err)
}

func TestPool_IdleConnectionsAreReaped(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	p := connpool.New(connpool.Config{MaxPerTarget: 2, IdleTimeout: time.Minute}, testLogger(), connpool.WithClock(clock))
	ctx := context.Background()

	first, err := p.Acquire(ctx, "docs")
	require.NoError(t, err)
	p.Release(first)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	second, err := p.Acquire(ctx, "docs")
	require.NoError(t, err)
	assert.NotSame(t, first, second, "stale idle connection must not be reused")
	p.Release(second)
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	p := connpool.New(connpool.Config{MaxPerTarget: 1}, testLogger())
	c, err := p.Acquire(context.Background(), "docs")
	require.NoError(t, err)
	p.Release(c)
	p.Release(c)
	assert.Equal(t, connpool.Stats{InUse: 0, Idle: 1, Max: 1}, p.Stats("docs"))
}

func TestPool_CancelledWaiter(t *testing.T) {
	p := connpool.New(connpool.Config{MaxPerTarget: 1, AcquireTimeout: time.Second}, testLogger())
	held, err := p.Acquire(context.Background(), "docs")
	require.NoError(t, err)
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx, "docs")
	require.Error(t, err)
	assert.NotEqual(t, domain.KindPoolExhausted, domain.KindOf(err))
}

func TestPool_Close(t *testing.T) {
	p := connpool.New(connpool.Config{MaxPerTarget: 1}, testLogger())
	p.Close()
	_, err := p.Acquire(context.Background(), "docs")
	assert.ErrorIs(t, err, connpool.ErrPoolClosed)
}

func TestPool_CloseWithCheckedOutConnection(t *testing.T) {
	p := connpool.New(connpool.Config{MaxPerTarget: 2}, testLogger())
	idle, err := p.Acquire(context.Background(), "docs")
	require.NoError(t, err)
	held, err := p.Acquire(context.Background(), "docs")
	require.NoError(t, err)
	p.Release(idle)

	p.Close()
	assert.Equal(t, connpool.Stats{InUse: 1, Idle: 0, Max: 2}, p.Stats("docs"))

	p.Release(held)
	assert.Equal(t, connpool.Stats{InUse: 0, Idle: 0, Max: 2}, p.Stats("docs"), "released after close is not pooled")
	p.Close()
}

func TestPool_TargetsAreAccountedIndependently(t *testing.T) {
	p := connpool.New(connpool.Config{MaxPerTarget: 3, AcquireTimeout: time.Second}, testLogger())
	targets := []string{"docs", "registry", "mirror"}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for _, target := range targets {
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					err := p.Do(context.Background(), target, func(c *connpool.Conn) error {
						if c.Target() != target {
							return errors.New("connection from another target")
						}
						return nil
					})
					if err != nil {
						failures.Add(1)
					}
				}
			}()
		}
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	for _, target := range targets {
		s := p.Stats(target)
		assert.Zero(t, s.InUse, target)
		assert.LessOrEqual(t, s.Idle, 3, target)
	}
}
