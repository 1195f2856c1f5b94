package bag

import (
	"errors"
	"fmt"
	"iter"

	"github.com/nobletooth/levelbag/pkg/utils"
)

// levelStore is an array of FIFO levels plus a key index. The main store and the write buffer are both level stores;
// they only differ in level count and capacity.
type levelStore[K comparable, V Item[K, V]] struct {
	levels []levelList
	arena  arena[K, V]
	// index maps each resident key to its slot; the slot records the level, so there's no separate key->level map
	// that could drift out of sync.
	index            map[K]handle
	capacityPerLevel int // Non-positive means levels are unbounded.
	mass             int // Sum of (level+1) over resident items.
}

func newLevelStore[K comparable, V Item[K, V]](levelCount, capacityPerLevel, sizeHint int) *levelStore[K, V] {
	s := &levelStore[K, V]{
		levels:           make([]levelList, levelCount),
		arena:            newArena[K, V](sizeHint),
		index:            make(map[K]handle, sizeHint),
		capacityPerLevel: capacityPerLevel,
	}
	for i := range s.levels {
		s.levels[i] = newLevelList()
	}
	return s
}

func (s *levelStore[K, V]) levelCount() int { return len(s.levels) }

// levelFor returns the level an item of the given priority belongs to.
func (s *levelStore[K, V]) levelFor(priority float64) int { return LevelOf(priority, len(s.levels)) }

func (s *levelStore[K, V]) len() int { return len(s.index) }

func (s *levelStore[K, V]) levelLen(level int) int { return s.levels[level].size }

// isFull reports whether one more item at `level` would exceed the per-level capacity.
func (s *levelStore[K, V]) isFull(level int) bool {
	return s.capacityPerLevel > 0 && s.levels[level].size >= s.capacityPerLevel
}

func (s *levelStore[K, V]) contains(key K) bool {
	_, exists := s.index[key]
	return exists
}

func (s *levelStore[K, V]) get(key K) (V, bool) {
	h, exists := s.index[key]
	if !exists {
		return *new(V), false
	}
	return s.arena.slots[h].item, true
}

// levelOf returns the level `key` currently lives in.
func (s *levelStore[K, V]) levelOf(key K) (int, bool) {
	h, exists := s.index[key]
	if !exists {
		return 0, false
	}
	return int(s.arena.slots[h].level), true
}

// pushBack appends `item` as the newest entry of `level`. The caller makes room first; capacity isn't checked here.
func (s *levelStore[K, V]) pushBack(level int, item V) bool {
	key := item.Key()
	if _, exists := s.index[key]; exists {
		utils.RaiseInvariant("bag", "duplicate_push", "Pushed a key that's already resident.", "key", key)
		return false
	}
	h := s.arena.alloc(key, item, level)
	s.arena.pushBack(&s.levels[level], h)
	s.index[key] = h
	s.mass += level + 1
	return true
}

// detach unlinks the slot, drops it from the index and returns its item.
func (s *levelStore[K, V]) detach(h handle) V {
	sl := s.arena.slots[h]
	level := int(sl.level)
	s.arena.unlink(&s.levels[level], h)
	delete(s.index, sl.key)
	s.mass -= level + 1
	utils.Ensure(s.mass >= 0, "bag", "negative_mass", "Level store mass went negative.", "mass", s.mass)
	s.arena.release(h)
	return sl.item
}

// popFront removes and returns the oldest item of `level`.
func (s *levelStore[K, V]) popFront(level int) (V, bool) {
	h := s.levels[level].head
	if h == nilHandle {
		return *new(V), false
	}
	return s.detach(h), true
}

func (s *levelStore[K, V]) remove(key K) (V, bool) {
	h, exists := s.index[key]
	if !exists {
		return *new(V), false
	}
	return s.detach(h), true
}

// lowestNonEmpty returns the lowest level holding at least one item.
func (s *levelStore[K, V]) lowestNonEmpty() (int, bool) {
	if len(s.index) == 0 {
		return 0, false
	}
	for level := range s.levels {
		if s.levels[level].size > 0 {
			return level, true
		}
	}
	utils.RaiseInvariant("bag", "index_without_items", "Key index isn't empty but every level is.",
		"indexed", len(s.index))
	return 0, false
}

// all yields resident items from the highest level down, oldest first within a level.
func (s *levelStore[K, V]) all() iter.Seq[V] {
	return func(yield func(V) bool) {
		for level := len(s.levels) - 1; level >= 0; level-- {
			if !s.arena.values(&s.levels[level], yield) {
				return
			}
		}
	}
}

func (s *levelStore[K, V]) levelSizes() []int {
	sizes := make([]int, len(s.levels))
	for level := range s.levels {
		sizes[level] = s.levels[level].size
	}
	return sizes
}

func (s *levelStore[K, V]) clear() {
	for i := range s.levels {
		s.levels[i] = newLevelList()
	}
	s.arena = newArena[K, V](cap(s.arena.slots))
	clear(s.index)
	s.mass = 0
}

// verify walks every level and checks the index, the level sizes, the capacity and the mass against it.
func (s *levelStore[K, V]) verify() error {
	var errs []error
	seen, mass := 0, 0
	for level := range s.levels {
		list := &s.levels[level]
		walked := 0
		for h, prev := list.head, nilHandle; h != nilHandle; prev, h = h, s.arena.slots[h].next {
			sl := &s.arena.slots[h]
			if sl.prev != prev {
				errs = append(errs, fmt.Errorf("level %d: slot %d has a broken back link", level, h))
			}
			if int(sl.level) != level {
				errs = append(errs, fmt.Errorf("level %d: slot %d claims level %d", level, h, sl.level))
			}
			if indexed, exists := s.index[sl.key]; !exists || indexed != h {
				errs = append(errs, fmt.Errorf("level %d: key %v isn't indexed to slot %d", level, sl.key, h))
			}
			walked++
			mass += level + 1
		}
		if walked != list.size {
			errs = append(errs, fmt.Errorf("level %d: walked %d items but size is %d", level, walked, list.size))
		}
		if s.capacityPerLevel > 0 && list.size > s.capacityPerLevel {
			errs = append(errs, fmt.Errorf("level %d: holds %d items over capacity %d",
				level, list.size, s.capacityPerLevel))
		}
		seen += walked
	}
	if seen != len(s.index) {
		errs = append(errs, fmt.Errorf("levels hold %d items but the index has %d keys", seen, len(s.index)))
	}
	if mass != s.mass {
		errs = append(errs, fmt.Errorf("tracked mass %d doesn't match recomputed mass %d", s.mass, mass))
	}
	return errors.Join(errs...)
}
