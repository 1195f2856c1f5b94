// KEYS filters the merged key listing with a Redis style glob pattern, e.g. "task:*" or "item-?".

package scan

import (
	"fmt"
	"iter"

	"v.io/v23/glob"
)

// MatchGlob keeps the pairs whose key matches `pattern`. An invalid pattern is an error.
func MatchGlob[V any](pattern string, pairs iter.Seq[Pair[string, V]]) (iter.Seq[Pair[string, V]], error) {
	parsed, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	element := parsed.Head()
	return func(yield func(Pair[string, V]) bool) {
		for pair := range pairs {
			if element.Match(pair.Key) && !yield(pair) {
				return
			}
		}
	}, nil
}

// Limit stops `seq` after `count` items; a non-positive count means no limit.
func Limit[T any](seq iter.Seq[T], count int) iter.Seq[T] {
	if count <= 0 {
		return seq
	}
	return func(yield func(T) bool) {
		yielded := 0
		for item := range seq {
			if !yield(item) {
				return
			}
			if yielded++; yielded >= count {
				return
			}
		}
	}
}
