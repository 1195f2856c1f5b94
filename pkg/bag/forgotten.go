// Hosts sometimes need to know whether a key they're about to insert was recently pushed out of the bag, e.g. to
// count how often a forgotten concept comes back. Keeping every evicted key would defeat the point of a bounded bag,
// so evicted keys go into a bloom filter that's cleared once it has absorbed its configured capacity.

package bag

import "github.com/bits-and-blooms/bloom/v3"

// forgottenFilter remembers evicted keys probabilistically: no false negatives since the last reset.
type forgottenFilter[K comparable] struct {
	filter   *bloom.BloomFilter
	hash     func(K) uint64
	capacity uint
	added    uint
}

func newForgottenFilter[K comparable](capacity uint, falsePositiveRate float64) *forgottenFilter[K] {
	return &forgottenFilter[K]{
		filter:   bloom.NewWithEstimates(capacity, falsePositiveRate),
		hash:     newKeyHasher[K](),
		capacity: capacity,
	}
}

// add records `key`, clearing the filter first when it's full so the false positive rate stays bounded.
func (f *forgottenFilter[K]) add(key K) {
	if f.added >= f.capacity {
		f.filter.ClearAll()
		f.added = 0
	}
	f.filter.Add(keyDigest(f.hash, key))
	f.added++
}

// mayContain reports whether `key` was probably added since the last reset.
func (f *forgottenFilter[K]) mayContain(key K) bool {
	return f.filter.Test(keyDigest(f.hash, key))
}

func (f *forgottenFilter[K]) reset() {
	f.filter.ClearAll()
	f.added = 0
}
