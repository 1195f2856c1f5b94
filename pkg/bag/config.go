package bag

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// ErrInvalidConfig is returned by constructors before any state is built.
var ErrInvalidConfig = errors.New("invalid bag config")

// Config holds the sizing of a Bag.
type Config struct {
	// Name labels the bag's metrics and logs.
	Name string
	// LevelCount is the number of main store priority levels.
	LevelCount int
	// CapacityPerLevel bounds each main store level; a migrant landing on a full level evicts its oldest item.
	CapacityPerLevel int
	// BufferCapacity bounds the whole write buffer.
	BufferCapacity int
	// BufferLevelMultiplier gives the buffer a finer resolution: it has LevelCount*BufferLevelMultiplier levels.
	BufferLevelMultiplier int
	// WorkingModeCount splits both level ranges into this many contiguous bands, each with its own pair of
	// ascending/descending distributors. It must divide LevelCount and the buffer level count.
	WorkingModeCount int
	// DormantLevelThreshold is the level below which TakeOut draws one item at a time instead of draining the
	// drawn level as a batch. Zero disables single draws.
	DormantLevelThreshold int
	// BatchInterval is the number of PutIn calls between two buffer->main migrations.
	BatchInterval int

	// ForgottenCapacity is how many evicted keys the forgotten-key filter remembers before it's reset; zero
	// disables the filter.
	ForgottenCapacity uint
	// ForgottenFalsePositiveRate is the target false positive rate of the forgotten-key filter.
	ForgottenFalsePositiveRate float64
}

// DefaultConfig mirrors the classic NARS bag sizing: 100 levels, a buffer twice as fine and ten times as large as a
// level, five working modes and the lowest tenth of levels treated as dormant.
func DefaultConfig() Config {
	return Config{
		Name:                       "default",
		LevelCount:                 100,
		CapacityPerLevel:           10,
		BufferCapacity:             100,
		BufferLevelMultiplier:      2,
		WorkingModeCount:           5,
		DormantLevelThreshold:      10,
		BatchInterval:              1,
		ForgottenCapacity:          0,
		ForgottenFalsePositiveRate: 0.01,
	}
}

// BufferLevelCount returns the number of write buffer levels.
func (c Config) BufferLevelCount() int { return c.LevelCount * c.BufferLevelMultiplier }

// Validate reports every problem of the config, each wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.LevelCount <= 0 {
		invalid("level count must be positive, got %d", c.LevelCount)
	}
	if c.CapacityPerLevel <= 0 {
		invalid("capacity per level must be positive, got %d", c.CapacityPerLevel)
	}
	if c.BufferCapacity <= 0 {
		invalid("buffer capacity must be positive, got %d", c.BufferCapacity)
	}
	if c.BufferLevelMultiplier <= 0 {
		invalid("buffer level multiplier must be positive, got %d", c.BufferLevelMultiplier)
	}
	if c.BatchInterval <= 0 {
		invalid("batch interval must be positive, got %d", c.BatchInterval)
	}
	if c.DormantLevelThreshold < 0 || c.DormantLevelThreshold > c.LevelCount {
		invalid("dormant level threshold must be in [0, %d], got %d", c.LevelCount, c.DormantLevelThreshold)
	}
	if c.ForgottenCapacity > 0 && (c.ForgottenFalsePositiveRate <= 0 || c.ForgottenFalsePositiveRate >= 1) {
		invalid("forgotten false positive rate must be in (0, 1), got %v", c.ForgottenFalsePositiveRate)
	}
	switch {
	case c.WorkingModeCount <= 0:
		invalid("working mode count must be positive, got %d", c.WorkingModeCount)
	case c.LevelCount > 0 && c.LevelCount%c.WorkingModeCount != 0:
		invalid("%d working modes don't evenly divide %d levels", c.WorkingModeCount, c.LevelCount)
	case c.BufferLevelMultiplier > 0 && c.BufferLevelCount()%c.WorkingModeCount != 0:
		invalid("%d working modes don't evenly divide %d buffer levels", c.WorkingModeCount, c.BufferLevelCount())
	}
	return errors.Join(errs...)
}

// Option customises a Bag beyond its sizing.
type Option[K comparable, V Item[K, V]] func(b *Bag[K, V])

// WithRand injects the random source used to shuffle distributors and pick working modes.
func WithRand[K comparable, V Item[K, V]](rng *rand.Rand) Option[K, V] {
	return func(b *Bag[K, V]) { b.rng = rng }
}

// WithSeed seeds a PCG random source, making the bag's sampling reproducible.
func WithSeed[K comparable, V Item[K, V]](seed uint64) Option[K, V] {
	return func(b *Bag[K, V]) { b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithEvictionCallback registers a function called for every evicted or rejected item. It runs synchronously inside
// the bag operation and must not call back into the bag.
func WithEvictionCallback[K comparable, V Item[K, V]](callback func(item V, reason EvictReason)) Option[K, V] {
	return func(b *Bag[K, V]) { b.onEvict = callback }
}
