// The write buffer stages every insert before it reaches the main store. It has more levels than the main store, so it
// keeps a finer view of priorities, and a single global capacity. Items leave it one at a time through distributor
// draws, which decouples the cost of absorbing a burst of inserts from the cost of re-leveling the main store.
//
// Admission under overload is asymmetric: when the buffer is full, the oldest item of the lowest nonempty level is
// dropped to make room, unless that level is above the incoming item's level. In that case the incoming item is the
// worst one around and is rejected instead.

package bag

import (
	"fmt"
	"math/rand/v2"
)

type writeBuffer[K comparable, V Item[K, V]] struct {
	store    *levelStore[K, V]
	capacity int
	// cursors holds one cursor per (working mode, bias); each walks its mode's band of buffer levels.
	cursors [][biasCount]cursor
}

func newWriteBuffer[K comparable, V Item[K, V]](levelCount, capacity, workingModes int,
	rng *rand.Rand) (*writeBuffer[K, V], error) {
	cursors, err := newModeCursors(levelCount, workingModes, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build buffer distributors: %w", err)
	}
	return &writeBuffer[K, V]{
		store:    newLevelStore[K, V](levelCount, 0 /*capacityPerLevel*/, capacity+1),
		capacity: capacity,
		cursors:  cursors,
	}, nil
}

// newModeCursors splits [0, levelCount) into `workingModes` equal bands with an ascending and a descending cursor each.
func newModeCursors(levelCount, workingModes int, rng *rand.Rand) ([][biasCount]cursor, error) {
	if workingModes <= 0 || levelCount%workingModes != 0 {
		return nil, fmt.Errorf("%w: %d working modes don't evenly divide %d levels",
			ErrInvalidConfig, workingModes, levelCount)
	}
	band := levelCount / workingModes
	cursors := make([][biasCount]cursor, workingModes)
	for mode := range cursors {
		for _, bias := range []Bias{Ascending, Descending} {
			dist, err := NewDistributor(mode*band /*lo*/, (mode+1)*band /*hi*/, bias, rng)
			if err != nil {
				return nil, err
			}
			cursors[mode][bias] = cursor{dist: dist}
		}
	}
	return cursors, nil
}

// bufferAdd is the outcome of writeBuffer.addItem.
type bufferAdd[V any] struct {
	merged   bool        // The key was already buffered and the items were merged.
	overflow V           // The item that left the buffer, if any.
	reason   EvictReason // Why `overflow` left; zero when nothing did.
}

func (r bufferAdd[V]) hasOverflow() bool { return r.reason != 0 }

// addItem stages `item`, merging it with a buffered item of the same key.
func (b *writeBuffer[K, V]) addItem(item V) bufferAdd[V] {
	var result bufferAdd[V]
	if existing, found := b.store.remove(item.Key()); found {
		item.Merge(existing)
		result.merged = true
	}

	level := b.store.levelFor(item.Priority())
	if b.store.len() >= b.capacity {
		lowest, _ := b.store.lowestNonEmpty()
		if lowest > level { // Everything buffered is better than the newcomer.
			result.overflow, result.reason = item, ReasonRejected
			return result
		}
		result.overflow, _ = b.store.popFront(lowest)
		result.reason = ReasonBufferOverflow
	}
	b.store.pushBack(level, item)
	return result
}

// pop draws levels with the (mode, bias) cursor until it reaches a nonempty one, for at most one full cycle, and
// removes that level's oldest item.
func (b *writeBuffer[K, V]) pop(mode int, bias Bias) (V, bool) {
	if b.store.len() == 0 {
		return *new(V), false
	}
	c := &b.cursors[mode][bias]
	for range c.dist.Len() {
		if level := c.advance(); b.store.levelLen(level) > 0 {
			return b.store.popFront(level)
		}
	}
	return *new(V), false
}

func (b *writeBuffer[K, V]) workingModes() int { return len(b.cursors) }

func (b *writeBuffer[K, V]) resetCursors() {
	for mode := range b.cursors {
		for bias := range b.cursors[mode] {
			b.cursors[mode][bias].reset()
		}
	}
}
