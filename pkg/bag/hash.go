package bag

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// newKeyHasher returns an xxhash based hash function for K, resolved once from the key's dynamic type.
func newKeyHasher[K comparable]() func(key K) uint64 {
	hashUint64 := func(v uint64) uint64 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return xxhash.Sum64(b[:])
	}
	switch any(*new(K)).(type) {
	case string:
		return func(key K) uint64 { return xxhash.Sum64String(any(key).(string)) }
	case int:
		// int's size is architecture-dependent; widen to a fixed size before hashing.
		return func(key K) uint64 { return hashUint64(uint64(any(key).(int))) }
	case uint:
		return func(key K) uint64 { return hashUint64(uint64(any(key).(uint))) }
	case int32:
		return func(key K) uint64 { return hashUint64(uint64(any(key).(int32))) }
	case uint32:
		return func(key K) uint64 { return hashUint64(uint64(any(key).(uint32))) }
	case int64:
		return func(key K) uint64 { return hashUint64(uint64(any(key).(int64))) }
	case uint64:
		return func(key K) uint64 { return hashUint64(any(key).(uint64)) }
	case bool:
		return func(key K) uint64 {
			if any(key).(bool) {
				return xxhash.Sum64([]byte{1})
			}
			return xxhash.Sum64([]byte{0})
		}
	default:
		// Structs and other comparable types fall back to their Go syntax representation; slower but total.
		return func(key K) uint64 { return xxhash.Sum64String(fmt.Sprintf("%#v", key)) }
	}
}

// keyDigest encodes the key hash as bytes, e.g. for bloom filters.
func keyDigest[K comparable](hash func(K) uint64, key K) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], hash(key))
	return b[:]
}
