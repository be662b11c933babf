package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/i2y/docsgate/internal/domain"
)

const defaultShards = 16

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithShards sets the number of independently locked shards.
func WithShards(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shardCount = n
		}
	}
}

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

type entry struct {
	payload    domain.Payload
	insertedAt time.Time
	expiresAt  time.Time
	hits       uint64
}

type shard struct {
	mu   sync.Mutex
	lru  *simplelru.LRU[string, *entry]
	pins map[string]int
}

// MemoryStore is a bounded in-process Store. The bound is global: entries are
// counted across shards and nothing is evicted below capacity. Each shard keeps
// its own recency order; a victim is taken from the writing shard first,
// preferring the oldest-inserted expired entry over the least recently used
// one, and from the other shards when the writing shard has none. Pinned keys
// are never removed.
type MemoryStore struct {
	shards     []*shard
	shardCount int
	capacity   int
	count      atomic.Int64
	now        func() time.Time
}

// NewMemoryStore creates a store holding at most capacity entries. A capacity
// of zero disables storage: every Get misses and every Set is dropped.
func NewMemoryStore(capacity int, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{shardCount: defaultShards, capacity: capacity, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if capacity <= 0 {
		return s
	}
	if s.shardCount > capacity {
		s.shardCount = capacity
	}
	s.shards = make([]*shard, s.shardCount)
	for i := range s.shards {
		// Any shard may end up holding every entry. The library bound sits above
		// that so it never evicts on its own and never picks a pinned victim.
		l, _ := simplelru.NewLRU[string, *entry](capacity+1, nil)
		s.shards[i] = &shard{lru: l, pins: make(map[string]int)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	if len(s.shards) == 0 {
		return nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns a fresh entry and records the hit. Expired entries are dropped
// unless pinned.
func (s *MemoryStore) Get(_ context.Context, key string) (domain.Payload, bool, error) {
	sh := s.shardFor(key)
	if sh == nil {
		return domain.Payload{}, false, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.lru.Get(key)
	if !ok {
		return domain.Payload{}, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		if sh.pins[key] == 0 {
			sh.lru.Remove(key)
			s.count.Add(-1)
		}
		return domain.Payload{}, false, nil
	}
	e.hits++
	return e.payload, true, nil
}

// Set stores p until now+ttl. When the store is full and every entry is
// pinned the value is silently dropped.
func (s *MemoryStore) Set(_ context.Context, key string, p domain.Payload, ttl time.Duration) error {
	sh := s.shardFor(key)
	if sh == nil || ttl <= 0 {
		return nil
	}
	now := s.now()

	sh.mu.Lock()
	if s.storeLocked(sh, key, p, now, ttl) {
		sh.mu.Unlock()
		return nil
	}
	// At capacity: the new entry takes a victim's slot in this shard.
	if sh.evictOne(now) {
		sh.lru.Add(key, &entry{payload: p, insertedAt: now, expiresAt: now.Add(ttl)})
		sh.mu.Unlock()
		return nil
	}
	// Nothing evictable here. The shard lock is released first so two shards
	// are never held at once.
	sh.mu.Unlock()

	if !s.evictElsewhere(sh, now) {
		return nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	// A concurrent writer may have taken the freed slot; the write is dropped then.
	s.storeLocked(sh, key, p, now, ttl)
	return nil
}

// storeLocked updates key in place or inserts it into a free slot, reporting
// whether it did either. Callers hold sh.mu.
func (s *MemoryStore) storeLocked(sh *shard, key string, p domain.Payload, now time.Time, ttl time.Duration) bool {
	if e, ok := sh.lru.Get(key); ok {
		e.payload = p
		e.insertedAt = now
		e.expiresAt = now.Add(ttl)
		return true
	}
	if !s.reserve() {
		return false
	}
	sh.lru.Add(key, &entry{payload: p, insertedAt: now, expiresAt: now.Add(ttl)})
	return true
}

// reserve claims one slot of the global capacity.
func (s *MemoryStore) reserve() bool {
	for {
		n := s.count.Load()
		if n >= int64(s.capacity) {
			return false
		}
		if s.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// evictElsewhere removes one entry from a shard other than skip and gives its
// slot back to the global count.
func (s *MemoryStore) evictElsewhere(skip *shard, now time.Time) bool {
	for _, other := range s.shards {
		if other == skip {
			continue
		}
		other.mu.Lock()
		evicted := other.evictOne(now)
		other.mu.Unlock()
		if evicted {
			s.count.Add(-1)
			return true
		}
	}
	return false
}

// evictOne removes one unpinned entry, reporting whether it found one.
func (sh *shard) evictOne(now time.Time) bool {
	keys := sh.lru.Keys() // least recently used first
	victim := ""
	var oldest time.Time
	for _, k := range keys {
		if sh.pins[k] > 0 {
			continue
		}
		e, _ := sh.lru.Peek(k)
		if now.Before(e.expiresAt) {
			continue
		}
		if victim == "" || e.insertedAt.Before(oldest) {
			victim, oldest = k, e.insertedAt
		}
	}
	if victim == "" {
		for _, k := range keys {
			if sh.pins[k] == 0 {
				victim = k
				break
			}
		}
	}
	if victim == "" {
		return false
	}
	sh.lru.Remove(victim)
	return true
}

// Pin protects key from eviction and expiry deletion until a matching Unpin.
func (s *MemoryStore) Pin(key string) {
	sh := s.shardFor(key)
	if sh == nil {
		return
	}
	sh.mu.Lock()
	sh.pins[key]++
	sh.mu.Unlock()
}

// Unpin releases one Pin.
func (s *MemoryStore) Unpin(key string) {
	sh := s.shardFor(key)
	if sh == nil {
		return
	}
	sh.mu.Lock()
	if sh.pins[key] <= 1 {
		delete(sh.pins, key)
	} else {
		sh.pins[key]--
	}
	sh.mu.Unlock()
}

// HitCount returns how many times key was served fresh.
func (s *MemoryStore) HitCount(key string) (uint64, bool) {
	sh := s.shardFor(key)
	if sh == nil {
		return 0, false
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.lru.Peek(key)
	if !ok {
		return 0, false
	}
	return e.hits, true
}

// Len returns the number of stored entries, fresh or not.
func (s *MemoryStore) Len() int { return int(s.count.Load()) }

// Capacity returns the configured entry bound.
func (s *MemoryStore) Capacity() int { return s.capacity }
