// Package ratelimit implements per-client token buckets.
package ratelimit

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/i2y/docsgate/internal/usecase"
)

const defaultShards = 32

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithShards sets the number of client-table shards.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.shardCount = n
		}
	}
}

// WithIdleTTL sets how long an untouched bucket is kept. Forgetting a full
// bucket is indistinguishable from keeping it.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) { l.idleTTL = d }
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type shard struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// Limiter keeps one token bucket per client id. Buckets start full and refill
// continuously at the configured rate up to the burst.
type Limiter struct {
	rate       rate.Limit
	burst      int
	idleTTL    time.Duration
	shardCount int
	shards     []*shard
	now        func() time.Time
}

var _ usecase.RateLimiter = (*Limiter)(nil)

// New creates a Limiter refilling perSecond tokens per second with the given
// burst capacity. A non-positive rate disables limiting.
func New(perSecond float64, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		rate:       rate.Limit(perSecond),
		burst:      burst,
		idleTTL:    10 * time.Minute,
		shardCount: defaultShards,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.burst < 1 {
		l.burst = 1
	}
	l.shards = make([]*shard, l.shardCount)
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool { return l.rate > 0 }

// TryAcquire takes cost tokens from clientID's bucket, or nothing.
func (l *Limiter) TryAcquire(clientID string, cost int) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	if cost < 1 {
		cost = 1
	}
	now := l.now()
	sh := l.shardFor(clientID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.sweep(now, l.idleTTL)
	b, ok := sh.buckets[clientID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		sh.buckets[clientID] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, cost) {
		return true, 0
	}
	missing := float64(cost) - b.limiter.TokensAt(now)
	wait := time.Duration(math.Ceil(missing / float64(l.rate) * float64(time.Second)))
	return false, wait
}

// Tokens returns the tokens currently available to clientID.
func (l *Limiter) Tokens(clientID string) float64 {
	if !l.Enabled() {
		return math.Inf(1)
	}
	sh := l.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b, ok := sh.buckets[clientID]; ok {
		return b.limiter.TokensAt(l.now())
	}
	return float64(l.burst)
}

// Clients returns the number of tracked buckets.
func (l *Limiter) Clients() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

func (l *Limiter) shardFor(clientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// sweep drops idle buckets at most once per ttl. Callers hold sh.mu.
func (sh *shard) sweep(now time.Time, ttl time.Duration) {
	if ttl <= 0 || now.Sub(sh.lastSweep) < ttl {
		return
	}
	sh.lastSweep = now
	for id, b := range sh.buckets {
		if now.Sub(b.lastSeen) >= ttl {
			delete(sh.buckets, id)
		}
	}
}
