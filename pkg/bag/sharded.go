// A single Bag is cheap per operation but not safe for concurrent use. Sharded spreads keys over several bags, each
// behind its own mutex, so goroutines working on different keys rarely wait on each other. A key always maps to the
// same shard, which keeps merging and PickOut exact; sampling visits the shards round-robin.

package bag

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

type lockedBag[K comparable, V Item[K, V]] struct {
	mu  sync.Mutex
	bag *Bag[K, V]
}

// Sharded is a concurrency-safe bag made of independently locked shards.
type Sharded[K comparable, V Item[K, V]] struct {
	shards []*lockedBag[K, V]
	hash   func(key K) uint64 // Picks the shard of a key.
	next   atomic.Uint64      // Round-robin position of TakeOut.
}

// NewSharded builds `shardCount` bags from `conf`. Each shard is named "<name>-<index>" and gets its own randomly
// seeded source; options run after that, so WithSeed makes every shard reproducible. A *rand.Rand given through
// WithRand would be shared by all shards, which isn't safe: use WithSeed instead. A non-positive shard count is an
// ErrInvalidConfig.
func NewSharded[K comparable, V Item[K, V]](conf Config, shardCount int, opts ...Option[K, V]) (*Sharded[K, V], error) {
	if shardCount <= 0 {
		return nil, fmt.Errorf("%w: shard count must be positive, got %d", ErrInvalidConfig, shardCount)
	}
	sharded := &Sharded[K, V]{shards: make([]*lockedBag[K, V], shardCount), hash: newKeyHasher[K]()}
	for i := range shardCount {
		shardConf := conf
		if shardCount > 1 {
			shardConf.Name = fmt.Sprintf("%s-%d", conf.Name, i)
		}
		shardOpts := append([]Option[K, V]{WithSeed[K, V](rand.Uint64())}, opts...)
		b, err := New(shardConf, shardOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build shard %d: %w", i, err)
		}
		sharded.shards[i] = &lockedBag[K, V]{bag: b}
	}
	return sharded, nil
}

func (s *Sharded[K, V]) shardOf(key K) *lockedBag[K, V] {
	return s.shards[s.hash(key)%uint64(len(s.shards))]
}

// ShardCount returns the number of shards.
func (s *Sharded[K, V]) ShardCount() int { return len(s.shards) }

// withShard runs `fn` on the shard owning `key` while holding its lock.
func withShard[K comparable, V Item[K, V], R any](s *Sharded[K, V], key K, fn func(b *Bag[K, V]) R) R {
	shard := s.shardOf(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return fn(shard.bag)
}

// PutIn inserts `item` into its shard; see Bag.PutIn.
func (s *Sharded[K, V]) PutIn(item V) (V, bool /*evicted*/) {
	shard := s.shardOf(item.Key())
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.bag.PutIn(item)
}

// PutBack decays `item` and inserts it into its shard; see Bag.PutBack.
func (s *Sharded[K, V]) PutBack(item V, elapsedCycles float64, forgetter Forgetter[V]) (V, bool /*evicted*/) {
	shard := s.shardOf(item.Key())
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.bag.PutBack(item, elapsedCycles, forgetter)
}

// TakeOut samples the shards round-robin, skipping empty ones, and returns the first item found.
func (s *Sharded[K, V]) TakeOut() (V, bool /*found*/) {
	start := s.next.Add(1)
	for offset := range uint64(len(s.shards)) {
		shard := s.shards[(start+offset)%uint64(len(s.shards))]
		shard.mu.Lock()
		item, found := shard.bag.TakeOut()
		shard.mu.Unlock()
		if found {
			return item, true
		}
	}
	return *new(V), false
}

// PickOut removes the resident item with `key`.
func (s *Sharded[K, V]) PickOut(key K) (V, bool /*found*/) {
	type result struct {
		item  V
		found bool
	}
	r := withShard(s, key, func(b *Bag[K, V]) result {
		item, found := b.PickOut(key)
		return result{item, found}
	})
	return r.item, r.found
}

// Get returns the resident item with `key`.
func (s *Sharded[K, V]) Get(key K) (V, bool /*found*/) {
	type result struct {
		item  V
		found bool
	}
	r := withShard(s, key, func(b *Bag[K, V]) result {
		item, found := b.Get(key)
		return result{item, found}
	})
	return r.item, r.found
}

// Buffered reports whether `key` is waiting in its shard's write buffer.
func (s *Sharded[K, V]) Buffered(key K) bool {
	return withShard(s, key, func(b *Bag[K, V]) bool { return b.Buffered(key) })
}

// WasForgotten reports whether `key` was probably evicted from its shard recently.
func (s *Sharded[K, V]) WasForgotten(key K) bool {
	return withShard(s, key, func(b *Bag[K, V]) bool { return b.WasForgotten(key) })
}

// each runs `fn` on every shard in order, holding one lock at a time.
func (s *Sharded[K, V]) each(fn func(index int, b *Bag[K, V])) {
	for i, shard := range s.shards {
		shard.mu.Lock()
		fn(i, shard.bag)
		shard.mu.Unlock()
	}
}

// Size is the number of resident items over all shards. Shards are read one after the other, so the total may be
// stale under concurrent writes.
func (s *Sharded[K, V]) Size() int {
	size := 0
	s.each(func(_ int, b *Bag[K, V]) { size += b.Size() })
	return size
}

// BufferSize is the number of buffered items over all shards.
func (s *Sharded[K, V]) BufferSize() int {
	size := 0
	s.each(func(_ int, b *Bag[K, V]) { size += b.BufferSize() })
	return size
}

// AveragePriority is the size weighted average of the shards' averages, within [0.01, 1].
func (s *Sharded[K, V]) AveragePriority() float64 {
	weighted, size := 0.0, 0
	s.each(func(_ int, b *Bag[K, V]) {
		weighted += b.AveragePriority() * float64(b.Size())
		size += b.Size()
	})
	if size == 0 {
		return minAveragePriority
	}
	return min(max(weighted/float64(size), minAveragePriority), maxAveragePriority)
}

// Migrate forces one migration on every shard and returns how many items moved.
func (s *Sharded[K, V]) Migrate() int {
	migrated := 0
	s.each(func(_ int, b *Bag[K, V]) {
		if b.Migrate() {
			migrated++
		}
	})
	return migrated
}

// Drain empties every shard's write buffer and returns how many items moved.
func (s *Sharded[K, V]) Drain() int {
	migrated := 0
	s.each(func(_ int, b *Bag[K, V]) { migrated += b.Drain() })
	return migrated
}

// ShardItems snapshots the resident items of each shard, highest level first within a shard.
func (s *Sharded[K, V]) ShardItems() [][]V {
	items := make([][]V, len(s.shards))
	s.each(func(i int, b *Bag[K, V]) {
		items[i] = make([]V, 0, b.Size())
		for item := range b.All() {
			items[i] = append(items[i], item)
		}
	})
	return items
}

// Clear empties every shard.
func (s *Sharded[K, V]) Clear() {
	s.each(func(_ int, b *Bag[K, V]) { b.Clear() })
}

// Verify checks every shard's bookkeeping and that each key lives in the shard it hashes to.
func (s *Sharded[K, V]) Verify() error {
	var errs []error
	s.each(func(i int, b *Bag[K, V]) {
		if err := b.Verify(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
		}
		for key := range b.Keys() {
			if owner := int(s.hash(key) % uint64(len(s.shards))); owner != i {
				errs = append(errs, fmt.Errorf("shard %d holds key %v owned by shard %d", i, key, owner))
			}
		}
	})
	return errors.Join(errs...)
}
