// Package cache implements the two-tier cache layer (C1): an in-memory L1
// with LRU eviction and TTL, backed by a persistent L2 embedded relational
// store with async write-back. Grounded on the teacher's singleton-service
// pattern (explicit New/Close, no ambient globals) and the pack's
// hashicorp/golang-lru for the L1 tier.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// Entry mirrors spec.md §3's CacheEntry. Text and ModelFamily are optional
// companions to Value used by the signature cache (C2) layered on top.
type Entry struct {
	Key          string
	Value        string
	Text         string
	ModelFamily  string
	CreatedAt    time.Time
	LastAccess   time.Time
	AccessCount  int64
}

type shard struct {
	mu  sync.RWMutex
	lru *lru.Cache[string, *Entry]
	ttl time.Duration
}

// Stats exposes C1's observable counters (spec.md §4.1).
type Stats struct {
	Hits        int64
	Misses      int64
	Writes      int64
	Evictions   int64
	Expirations int64
	L2Failures  int64
}

// L2 is the persistent tier's contract; cache.Store depends on this
// interface rather than a concrete sqlite type so tests can substitute an
// in-memory fake.
type L2 interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, e *Entry) error
	Close() error
}

// Store is the process-wide C1 singleton. Lifecycle: New -> Close.
type Store struct {
	shards    []*shard
	l2        L2
	writeCh   chan *Entry
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	stats Stats
}

// New constructs the cache with the given shard count, default TTL, L2
// backend, async write-queue capacity, and sweep interval. Pass a nil l2 to
// run L1-only (useful in tests).
func New(shards int, defaultTTL time.Duration, l2 L2, writeQueueSize int, sweepInterval time.Duration) *Store {
	if shards <= 0 {
		shards = 16
	}
	s := &Store{
		shards:  make([]*shard, shards),
		l2:      l2,
		writeCh: make(chan *Entry, writeQueueSize),
		done:    make(chan struct{}),
	}
	for i := range s.shards {
		c, _ := lru.New[string, *Entry](100_000)
		s.shards[i] = &shard{lru: c, ttl: defaultTTL}
	}

	s.wg.Add(1)
	go s.writeBackLoop()

	if sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get reads key, checking L1 first and falling through to L2 on miss,
// promoting the result back into L1 (spec.md §4.1).
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.lru.Get(key)
	sh.mu.RUnlock()

	if ok {
		if s.expired(e, sh.ttl) {
			s.dropExpired(sh, key)
			atomic.AddInt64(&s.stats.Expirations, 1)
		} else {
			e.LastAccess = time.Now()
			atomic.AddInt64(&e.AccessCount, 1)
			atomic.AddInt64(&s.stats.Hits, 1)
			return e, true
		}
	}

	if s.l2 == nil {
		atomic.AddInt64(&s.stats.Misses, 1)
		return nil, false
	}

	l2e, found, err := s.l2.Get(ctx, key)
	if err != nil {
		atomic.AddInt64(&s.stats.L2Failures, 1)
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache_l2_read_failed")
		atomic.AddInt64(&s.stats.Misses, 1)
		return nil, false
	}
	if !found || s.expired(l2e, sh.ttl) {
		atomic.AddInt64(&s.stats.Misses, 1)
		return nil, false
	}

	l2e.LastAccess = time.Now()
	sh.mu.Lock()
	sh.lru.Add(key, l2e)
	sh.mu.Unlock()
	atomic.AddInt64(&s.stats.Hits, 1)
	return l2e, true
}

// Put writes key synchronously into L1 and enqueues an async write-back to
// L2. L1 is always written before Put returns, so within-process reads are
// read-your-writes (spec.md §5).
func (s *Store) Put(ctx context.Context, e *Entry) {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.LastAccess = now

	sh := s.shardFor(e.Key)
	sh.mu.Lock()
	evicted := sh.lru.Add(e.Key, e)
	sh.mu.Unlock()
	if evicted {
		atomic.AddInt64(&s.stats.Evictions, 1)
	}
	atomic.AddInt64(&s.stats.Writes, 1)

	if s.l2 == nil {
		return
	}
	select {
	case s.writeCh <- e:
	default:
		// Write-queue full: L2 durability is best-effort, L1 correctness
		// is unaffected (spec.md §4.1).
		log.Ctx(ctx).Warn().Str("key", e.Key).Msg("cache_writeback_queue_full")
	}
}

func (s *Store) dropExpired(sh *shard, key string) {
	sh.mu.Lock()
	sh.lru.Remove(key)
	sh.mu.Unlock()
}

func (s *Store) expired(e *Entry, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return time.Since(e.LastAccess) > ttl
}

func (s *Store) writeBackLoop() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.writeCh:
			if err := s.l2.Put(context.Background(), e); err != nil {
				atomic.AddInt64(&s.stats.L2Failures, 1)
				log.Warn().Err(err).Str("key", e.Key).Msg("cache_l2_write_failed")
			}
		case <-s.done:
			for {
				select {
				case e := <-s.writeCh:
					if err := s.l2.Put(context.Background(), e); err != nil {
						atomic.AddInt64(&s.stats.L2Failures, 1)
						log.Warn().Err(err).Str("key", e.Key).Msg("cache_l2_write_failed")
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweepOnce()
		case <-s.done:
			return
		}
	}
}

func (s *Store) sweepOnce() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, key := range sh.lru.Keys() {
			e, ok := sh.lru.Peek(key)
			if ok && s.expired(e, sh.ttl) {
				sh.lru.Remove(key)
				atomic.AddInt64(&s.stats.Expirations, 1)
			}
		}
		sh.mu.Unlock()
	}
}

// Stats returns a snapshot of the cache's counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:        atomic.LoadInt64(&s.stats.Hits),
		Misses:      atomic.LoadInt64(&s.stats.Misses),
		Writes:      atomic.LoadInt64(&s.stats.Writes),
		Evictions:   atomic.LoadInt64(&s.stats.Evictions),
		Expirations: atomic.LoadInt64(&s.stats.Expirations),
		L2Failures:  atomic.LoadInt64(&s.stats.L2Failures),
	}
}

// RecentEntries returns every L1 entry across all shards last accessed at
// or after cutoff. Used only by the signature cache's opt-in "any recent
// signature" fallback layer; not on any hot path.
func (s *Store) RecentEntries(cutoff time.Time) []*Entry {
	var out []*Entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, key := range sh.lru.Keys() {
			if e, ok := sh.lru.Peek(key); ok && !e.LastAccess.Before(cutoff) {
				out = append(out, e)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Close drains the write-back and sweep goroutines. In-flight writes
// already enqueued are allowed to land first.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	if s.l2 != nil {
		return s.l2.Close()
	}
	return nil
}
