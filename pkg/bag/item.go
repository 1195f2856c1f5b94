// A bag holds items it knows nothing about beyond a key, a priority, and how two items with the same key combine.
// Everything else (what a task or a concept means, how budgets decay over time) is owned by the host.

package bag

// Item is the capability a value needs to live in a Bag. V is the concrete item type itself, usually a pointer,
// e.g. `*budget.Task` implements `Item[string, *budget.Task]`.
type Item[K comparable, V any] interface {
	Key() K
	// Priority returns the item's priority in [0, 1]. It's re-read on every insert, so it may change between calls.
	Priority() float64
	// Merge folds `other`, an item with the same key, into the receiver.
	Merge(other V)
}

// Forgetter decays an item's priority given the number of cycles since it was last seen.
type Forgetter[V any] interface {
	Forget(item V, elapsedCycles float64) V
}

// ForgetterFunc adapts a plain function to Forgetter.
type ForgetterFunc[V any] func(item V, elapsedCycles float64) V

func (f ForgetterFunc[V]) Forget(item V, elapsedCycles float64) V { return f(item, elapsedCycles) }

// EvictReason tells why an item left the bag without being taken or picked out.
type EvictReason uint8

const (
	// ReasonBufferOverflow is when the write buffer was full and dropped its oldest lowest-level item.
	ReasonBufferOverflow EvictReason = iota + 1
	// ReasonRejected is when the write buffer was full of better items and refused the incoming one.
	ReasonRejected
	// ReasonLevelFull is when a main store level was at capacity and dropped its oldest item to admit a migrant.
	ReasonLevelFull
)

func (r EvictReason) String() string {
	switch r {
	case ReasonBufferOverflow:
		return "buffer_overflow"
	case ReasonRejected:
		return "rejected"
	case ReasonLevelFull:
		return "level_full"
	default:
		return "unknown"
	}
}

// store returns the metric label of the store the reason belongs to.
func (r EvictReason) store() string {
	if r == ReasonLevelFull {
		return storeMain
	}
	return storeBuffer
}
