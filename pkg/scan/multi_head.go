// A sharded bag keeps its keys in independent shards. Listing them in order would mean copying every key into one
// slice and sorting it; instead each shard's snapshot is sorted on its own and the shards are merged lazily with a
// heap holding the current head of every sequence, so a KEYS call that stops early never touches the tail.

package scan

import (
	"container/heap"
	"errors"
	"iter"

	"github.com/nobletooth/levelbag/pkg/utils"
)

// Pair is a key and the value it was listed with.
type Pair[K any, V any] struct {
	Key   K
	Value V
}

// CompareFn is a three-way comparison, e.g. cmp.Compare.
type CompareFn[T any] func(x, y T) int

// head is the pending element of one sequence.
type head[K any, V any] struct {
	pair   Pair[K, V]
	source int // Index of the sequence the pair came from; lower indices win ties.
}

// headHeap orders the pending heads by key, then by source.
type headHeap[K any, V any] struct {
	compare CompareFn[K]
	heads   []head[K, V]
}

var _ heap.Interface = (*headHeap[string, int])(nil)

func (h *headHeap[K, V]) Len() int { return len(h.heads) }

func (h *headHeap[K, V]) Less(i, j int) bool {
	if order := h.compare(h.heads[i].pair.Key, h.heads[j].pair.Key); order != 0 {
		return order < 0
	}
	return h.heads[i].source < h.heads[j].source
}

func (h *headHeap[K, V]) Swap(i, j int) { h.heads[i], h.heads[j] = h.heads[j], h.heads[i] }

func (h *headHeap[K, V]) Push(x any) {
	element, ok := x.(head[K, V])
	if !ok {
		utils.RaiseInvariant("scan", "pushed_invalid_type", "An item with an invalid type was pushed to the heap.")
		return
	}
	h.heads = append(h.heads, element)
}

func (h *headHeap[K, V]) Pop() any {
	last := h.heads[len(h.heads)-1]
	h.heads = h.heads[:len(h.heads)-1]
	return last
}

// MultiHead merges ascending sequences into one ascending sequence. When several sequences hold the same key, only the
// pair of the first such sequence is yielded.
func MultiHead[K any, V any](compare CompareFn[K], sequences []iter.Seq[Pair[K, V]]) (iter.Seq[Pair[K, V]], error) {
	if compare == nil {
		return nil, errors.New("expected a non-nil comparison function")
	}
	if len(sequences) == 0 {
		return nil, errors.New("expected a non-empty sequences")
	}

	return func(yield func(Pair[K, V]) bool) {
		heads := &headHeap[K, V]{compare: compare, heads: make([]head[K, V], 0, len(sequences))}
		pulls := make([]func() (Pair[K, V], bool), len(sequences))
		for source, seq := range sequences {
			next, stop := iter.Pull(seq)
			defer stop()
			pulls[source] = next
			if pair, ok := next(); ok {
				heap.Push(heads, head[K, V]{pair: pair, source: source})
			}
		}

		var last Pair[K, V]
		emitted := false
		for heads.Len() > 0 {
			top := heap.Pop(heads).(head[K, V])
			if pair, ok := pulls[top.source](); ok {
				heap.Push(heads, head[K, V]{pair: pair, source: top.source})
			}
			if emitted && compare(last.Key, top.pair.Key) == 0 {
				continue // A later sequence repeating a key.
			}
			last, emitted = top.pair, true
			if !yield(top.pair) {
				return
			}
		}
	}, nil
}
