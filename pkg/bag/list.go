// Level buckets are doubly linked FIFO lists threaded through a shared arena of slots. Slots are addressed by int32
// handles rather than pointers, freed slots are chained into a free list and reused, and the key index stores handles.
// That makes both "pop the oldest item of a level" and "remove this key wherever it is" O(1) without shifting elements.

package bag

import "github.com/nobletooth/levelbag/pkg/utils"

type handle int32

const nilHandle handle = -1

// slot holds one resident item and its links inside its level list.
type slot[K comparable, V any] struct {
	key        K
	item       V
	level      int32
	prev, next handle
	used       bool
}

// levelList is the head/tail view of one level; the links live in the arena.
type levelList struct {
	head, tail handle
	size       int
}

func newLevelList() levelList { return levelList{head: nilHandle, tail: nilHandle} }

// arena owns every slot of a level store.
type arena[K comparable, V any] struct {
	slots []slot[K, V]
	free  handle // Head of the free list, chained through slot.next.
}

func newArena[K comparable, V any](capacityHint int) arena[K, V] {
	return arena[K, V]{slots: make([]slot[K, V], 0, capacityHint), free: nilHandle}
}

// alloc returns an unlinked slot holding the given item.
func (a *arena[K, V]) alloc(key K, item V, level int) handle {
	h := a.free
	if h != nilHandle {
		a.free = a.slots[h].next
	} else {
		a.slots = append(a.slots, slot[K, V]{})
		h = handle(len(a.slots) - 1)
	}
	a.slots[h] = slot[K, V]{key: key, item: item, level: int32(level), prev: nilHandle, next: nilHandle, used: true}
	return h
}

// release zeroes the slot so the arena doesn't keep the item alive, then chains it into the free list.
func (a *arena[K, V]) release(h handle) {
	a.slots[h] = slot[K, V]{prev: nilHandle, next: a.free}
	a.free = h
}

// pushBack links `h` as the newest element of `list`.
func (a *arena[K, V]) pushBack(list *levelList, h handle) {
	s := &a.slots[h]
	s.prev, s.next = list.tail, nilHandle
	if list.tail != nilHandle {
		a.slots[list.tail].next = h
	} else { // List was empty.
		list.head = h
	}
	list.tail = h
	list.size++
}

// unlink removes `h` from `list` without releasing it.
func (a *arena[K, V]) unlink(list *levelList, h handle) {
	s := &a.slots[h]
	if !utils.Ensure(s.used && list.size > 0, "bag", "unlink_unused_slot",
		"Tried to unlink a slot that isn't linked.", "handle", h, "listSize", list.size) {
		return
	}
	if s.prev != nilHandle {
		a.slots[s.prev].next = s.next
	} else { // Slot is the head.
		list.head = s.next
	}
	if s.next != nilHandle {
		a.slots[s.next].prev = s.prev
	} else { // Slot is the tail.
		list.tail = s.prev
	}
	s.prev, s.next = nilHandle, nilHandle
	list.size--
}

// values yields the items of `list` from oldest to newest.
func (a *arena[K, V]) values(list *levelList, yield func(V) bool) bool {
	for h := list.head; h != nilHandle; {
		next := a.slots[h].next // Read before yielding in case the consumer stops and mutates.
		if !yield(a.slots[h].item) {
			return false
		}
		h = next
	}
	return true
}
