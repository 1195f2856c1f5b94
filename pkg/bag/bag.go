// Package bag implements a bounded, priority-leveled container with O(1) amortized, priority-weighted sampling.
//
// A Bag is made of two level stores:
//   - The write buffer receives every insert. It has finer levels than the main store and one global capacity.
//   - The main store holds the resident items in LevelCount FIFO levels, each with its own capacity.
//
// Every BatchInterval inserts, one buffered item migrates to the main store: a working mode (a band of buffer levels)
// and a bias are picked at random, the mode's distributor draws a nonempty buffer level, and its oldest item moves to
// the main store level matching its priority, evicting that level's oldest item if the level is full.
//
// TakeOut samples the main store with a distributor over all levels, so higher levels come out more often, and
// nothing is ever sorted. Levels at or above the dormant threshold are drained as a batch once drawn; lower levels
// give out one item per draw.
//
// Only the main store counts as "resident": Size, Get, Contains, PickOut and iteration ignore buffered items.
//
// A Bag is not safe for concurrent use. Guard it externally or use Sharded.

package bag

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/nobletooth/levelbag/pkg/utils"
)

const (
	// minAveragePriority is reported for an empty bag, and is the floor otherwise, so ratios built on it never
	// divide by zero.
	minAveragePriority = 0.01
	maxAveragePriority = 1.0
)

// Bag is the facade coordinating the write buffer and the main store.
type Bag[K comparable, V Item[K, V]] struct {
	conf   Config
	rng    *rand.Rand
	main   *levelStore[K, V]
	buffer *writeBuffer[K, V]

	// output walks the main store levels for TakeOut. outputLevel is the level currently being served and
	// outputCounter how many more items may be taken from it before drawing again.
	output        cursor
	outputLevel   int
	outputCounter int

	putCount  int                 // PutIn calls since the last migration.
	forgotten *forgottenFilter[K] // Nil when disabled.
	onEvict   func(item V, reason EvictReason)
	metrics   *bagMetrics
}

// New validates `conf` and builds an empty bag. Without WithRand/WithSeed a randomly seeded source is used.
func New[K comparable, V Item[K, V]](conf Config, opts ...Option[K, V]) (*Bag[K, V], error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	conf.Name = cmp.Or(conf.Name, DefaultConfig().Name)

	b := &Bag[K, V]{conf: conf}
	for _, opt := range opts {
		opt(b)
	}
	if b.rng == nil {
		b.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	outputDist, err := NewDistributor(0 /*lo*/, conf.LevelCount /*hi*/, Ascending, b.rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build output distributor: %w", err)
	}
	b.output = cursor{dist: outputDist}
	if b.buffer, err = newWriteBuffer[K, V](conf.BufferLevelCount(), conf.BufferCapacity, conf.WorkingModeCount,
		b.rng); err != nil {
		return nil, err
	}
	b.main = newLevelStore[K, V](conf.LevelCount, conf.CapacityPerLevel,
		min(conf.LevelCount*conf.CapacityPerLevel, 1<<16) /*sizeHint*/)
	if conf.ForgottenCapacity > 0 {
		b.forgotten = newForgottenFilter[K](conf.ForgottenCapacity, conf.ForgottenFalsePositiveRate)
	}
	b.metrics = newBagMetrics(conf.Name)

	slog.Debug("Bag created.", "bag", conf.Name, "levels", conf.LevelCount, "bufferLevels", conf.BufferLevelCount(),
		"workingModes", conf.WorkingModeCount, "capacityPerLevel", conf.CapacityPerLevel,
		"bufferCapacity", conf.BufferCapacity)
	return b, nil
}

// Config returns the (validated) config the bag was built with.
func (b *Bag[K, V]) Config() Config { return b.conf }

// PutIn stages `item` in the write buffer and runs a migration every BatchInterval calls.
//
// If the key is already resident, the resident item is moved out of the main store and merged into `item`; if it's
// buffered, the buffered one is. Either way Merge runs exactly once and the key ends up in the buffer only, unless the
// full buffer rejects a formerly resident item: that item is placed back in the main store at its merged level.
//
// The returned item, if any, left the bag as a direct effect of this call: a buffer overflow or rejection takes
// precedence over a main store eviction. Every eviction is also reported to the eviction callback.
func (b *Bag[K, V]) PutIn(item V) (V, bool) {
	b.metrics.putIn.Inc()
	key := item.Key()
	resident, wasResident := b.main.remove(key)
	if wasResident {
		item.Merge(resident)
		b.metrics.merges[storeMain].Inc()
	} else if b.forgotten != nil && !b.buffer.store.contains(key) && b.forgotten.mayContain(key) {
		b.metrics.readmissions.Inc()
	}

	var evicted V
	hasEvicted := false
	added := b.buffer.addItem(item)
	if added.merged {
		b.metrics.merges[storeBuffer].Inc()
	}
	switch {
	case wasResident && added.reason == ReasonRejected:
		// Rejected residents stay in the main store.
		evicted, hasEvicted = b.place(item)
	case added.hasOverflow():
		evicted, hasEvicted = added.overflow, true
		b.evict(added.overflow, added.reason)
	}

	b.putCount++
	if b.putCount >= b.conf.BatchInterval {
		b.putCount = 0
		if victim, hadVictim, _ := b.migrate(); hadVictim && !hasEvicted {
			evicted, hasEvicted = victim, true
		}
	}
	b.updateGauges()
	return evicted, hasEvicted
}

// PutBack decays `item` with `forgetter` and puts it back in. A nil forgetter puts the item back unchanged.
func (b *Bag[K, V]) PutBack(item V, elapsedCycles float64, forgetter Forgetter[V]) (V, bool) {
	if forgetter != nil {
		item = forgetter.Forget(item, elapsedCycles)
	}
	return b.PutIn(item)
}

// Migrate forces one buffer->main migration and reports whether an item moved.
func (b *Bag[K, V]) Migrate() bool {
	_, _, migrated := b.migrate()
	b.updateGauges()
	return migrated
}

// Drain migrates buffered items until the buffer is empty and returns how many moved.
func (b *Bag[K, V]) Drain() int {
	migrations := 0
	for b.buffer.store.len() > 0 {
		if _, _, migrated := b.migrate(); !migrated {
			break
		}
		migrations++
	}
	b.updateGauges()
	return migrations
}

// migrate moves one buffered item into the main store. The working mode and the bias are random; when the chosen
// mode's band is empty the following modes are tried with the same bias, so a nonempty buffer always yields an item.
func (b *Bag[K, V]) migrate() (victim V, evicted bool, migrated bool) {
	if b.buffer.store.len() == 0 {
		return victim, false, false
	}
	modes := b.buffer.workingModes()
	firstMode := b.rng.IntN(modes)
	bias := Bias(b.rng.IntN(biasCount))
	for offset := range modes {
		item, found := b.buffer.pop((firstMode+offset)%modes, bias)
		if !found {
			continue
		}
		victim, evicted = b.place(item)
		b.metrics.migrations.Inc()
		return victim, evicted, true
	}
	utils.RaiseInvariant("bag", "unreachable_buffer_items", "No working mode reached a buffered item.",
		"bag", b.conf.Name, "buffered", b.buffer.store.len())
	return victim, false, false
}

// place pushes `item` onto the main store level of its priority, evicting that level's oldest item when it's full.
func (b *Bag[K, V]) place(item V) (victim V, evicted bool) {
	level := b.main.levelFor(item.Priority())
	if b.main.isFull(level) {
		victim, evicted = b.main.popFront(level)
		b.evict(victim, ReasonLevelFull)
	}
	b.main.pushBack(level, item)
	return victim, evicted
}

// TakeOut removes and returns a resident item, drawn with a bias towards higher levels.
func (b *Bag[K, V]) TakeOut() (V, bool) {
	if b.main.len() == 0 {
		b.metrics.takeOutEmpty.Inc()
		return *new(V), false
	}
	if b.outputCounter <= 0 || b.main.levelLen(b.outputLevel) == 0 {
		if !b.drawOutputLevel() {
			b.metrics.takeOutEmpty.Inc()
			return *new(V), false
		}
	}
	item, _ := b.main.popFront(b.outputLevel)
	b.outputCounter--
	b.metrics.takeOutHit.Inc()
	b.updateGauges()
	return item, true
}

// drawOutputLevel advances the output cursor to a nonempty level and sets how many items it may serve.
func (b *Bag[K, V]) drawOutputLevel() bool {
	// Every level occurs at least once per cycle, so one cycle reaches any nonempty level.
	for range b.output.dist.Len() {
		level := b.output.advance()
		if b.main.levelLen(level) == 0 {
			continue
		}
		b.outputLevel = level
		if level < b.conf.DormantLevelThreshold {
			b.outputCounter = 1
		} else {
			b.outputCounter = b.main.levelLen(level)
		}
		return true
	}
	utils.RaiseInvariant("bag", "output_cycle_missed_items", "A full output cycle found no item in a nonempty bag.",
		"bag", b.conf.Name, "size", b.main.len())
	return false
}

// PickOut removes the resident item with `key`.
func (b *Bag[K, V]) PickOut(key K) (V, bool) {
	item, found := b.main.remove(key)
	if found {
		b.updateGauges()
	}
	return item, found
}

// Get returns the resident item with `key` without removing it.
func (b *Bag[K, V]) Get(key K) (V, bool) { return b.main.get(key) }

// Contains reports whether an item with the same key is resident.
func (b *Bag[K, V]) Contains(item V) bool { return b.main.contains(item.Key()) }

// Size is the number of resident items; buffered items aren't counted.
func (b *Bag[K, V]) Size() int { return b.main.len() }

// BufferSize is the number of items waiting in the write buffer.
func (b *Bag[K, V]) BufferSize() int { return b.buffer.store.len() }

// Buffered reports whether `key` is waiting in the write buffer.
func (b *Bag[K, V]) Buffered(key K) bool { return b.buffer.store.contains(key) }

// WasForgotten reports whether `key` was probably evicted since the forgotten-key filter was last reset. It's always
// false when the filter is disabled.
func (b *Bag[K, V]) WasForgotten(key K) bool {
	return b.forgotten != nil && b.forgotten.mayContain(key)
}

// AveragePriority estimates the mean priority of resident items from the level mass. It's within [0.01, 1].
func (b *Bag[K, V]) AveragePriority() float64 {
	size := b.main.len()
	if size == 0 {
		return minAveragePriority
	}
	average := float64(b.main.mass) / float64(size*b.conf.LevelCount)
	return min(max(average, minAveragePriority), maxAveragePriority)
}

// All yields resident items from the highest level down. The bag must not be modified during iteration.
func (b *Bag[K, V]) All() iter.Seq[V] { return b.main.all() }

// Keys yields the keys of resident items in the same order as All.
func (b *Bag[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for item := range b.main.all() {
			if !yield(item.Key()) {
				return
			}
		}
	}
}

// LevelSizes returns the number of resident items per level, lowest level first.
func (b *Bag[K, V]) LevelSizes() []int { return b.main.levelSizes() }

// Clear drops every item and rewinds the distributors; the shuffled sequences are kept.
func (b *Bag[K, V]) Clear() {
	b.main.clear()
	b.buffer.store.clear()
	b.buffer.resetCursors()
	b.output.reset()
	b.outputLevel, b.outputCounter, b.putCount = 0, 0, 0
	if b.forgotten != nil {
		b.forgotten.reset()
	}
	b.updateGauges()
	slog.Debug("Bag cleared.", "bag", b.conf.Name)
}

// Verify checks the internal bookkeeping of both stores; it's meant for tests and debugging.
func (b *Bag[K, V]) Verify() error {
	errs := []error{wrapStoreErr(storeMain, b.main.verify()), wrapStoreErr(storeBuffer, b.buffer.store.verify())}
	if b.buffer.store.len() > b.conf.BufferCapacity {
		errs = append(errs, fmt.Errorf("buffer holds %d items over capacity %d",
			b.buffer.store.len(), b.conf.BufferCapacity))
	}
	for key := range b.buffer.store.index {
		if b.main.contains(key) {
			errs = append(errs, fmt.Errorf("key %v is both buffered and resident", key))
		}
	}
	for item := range b.main.all() {
		level, _ := b.main.levelOf(item.Key())
		if expected := b.main.levelFor(item.Priority()); level != expected {
			errs = append(errs, fmt.Errorf("key %v lives on level %d but its priority maps to level %d",
				item.Key(), level, expected))
		}
	}
	return errors.Join(errs...)
}

func wrapStoreErr(store string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s store: %w", store, err)
}

// String dumps the nonempty levels, highest first.
func (b *Bag[K, V]) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bag %q: %d resident, %d buffered", b.conf.Name, b.main.len(), b.buffer.store.len())
	for level := b.main.levelCount() - 1; level >= 0; level-- {
		if b.main.levelLen(level) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n --- Level %d:", level+1)
		b.main.arena.values(&b.main.levels[level], func(item V) bool {
			fmt.Fprintf(&sb, "\n %v", item)
			return true
		})
	}
	return sb.String()
}

// evict accounts for an item that left the bag to respect a capacity.
func (b *Bag[K, V]) evict(item V, reason EvictReason) {
	b.metrics.evictions[reason].Inc()
	if b.forgotten != nil {
		b.forgotten.add(item.Key())
	}
	if b.onEvict != nil {
		b.onEvict(item, reason)
	}
}

func (b *Bag[K, V]) updateGauges() {
	b.metrics.mainItems.Set(float64(b.main.len()))
	b.metrics.bufferItems.Set(float64(b.buffer.store.len()))
}
