package bag

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eviction struct {
	key    string
	reason EvictReason
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, testCase := range []struct {
		name   string
		mutate func(conf *Config)
		errMsg string
	}{
		{
			name:   "working modes don't divide levels",
			mutate: func(conf *Config) { conf.WorkingModeCount = 3 },
			errMsg: "don't evenly divide 4 levels",
		},
		{name: "no levels", mutate: func(conf *Config) { conf.LevelCount = 0 }, errMsg: "level count"},
		{name: "no capacity", mutate: func(conf *Config) { conf.CapacityPerLevel = 0 }, errMsg: "capacity per level"},
		{name: "no buffer", mutate: func(conf *Config) { conf.BufferCapacity = -1 }, errMsg: "buffer capacity"},
		{name: "no batch", mutate: func(conf *Config) { conf.BatchInterval = 0 }, errMsg: "batch interval"},
		{
			name:   "dormant threshold above levels",
			mutate: func(conf *Config) { conf.DormantLevelThreshold = 5 },
			errMsg: "dormant level threshold",
		},
		{
			name: "bad forgotten rate",
			mutate: func(conf *Config) {
				conf.ForgottenCapacity = 10
				conf.ForgottenFalsePositiveRate = 1
			},
			errMsg: "false positive rate",
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			conf := testConfig(t)
			testCase.mutate(&conf)
			b, err := New[string, *testItem](conf)
			assert.Nil(t, b)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), testCase.errMsg)
		})
	}

	t.Run("every problem is reported", func(t *testing.T) {
		err := Config{WorkingModeCount: 1}.Validate()
		require.ErrorIs(t, err, ErrInvalidConfig)
		for _, part := range []string{"level count", "capacity per level", "buffer capacity", "batch interval"} {
			assert.Contains(t, err.Error(), part)
		}
	})

	t.Run("default config is valid", func(t *testing.T) {
		require.NoError(t, DefaultConfig().Validate())
		assert.Equal(t, 200, DefaultConfig().BufferLevelCount())
	})
}

func TestBag_LevelCapacityEviction(t *testing.T) {
	var evictions []eviction
	b := newTestBag(t, testConfig(t), WithEvictionCallback(func(item *testItem, reason EvictReason) {
		evictions = append(evictions, eviction{item.key, reason})
	}))

	for i, priority := range []float64{0.1, 0.6, 0.9, 0.95} {
		_, evicted := b.PutIn(newTestItem(fmt.Sprintf("item-%d", i), priority))
		assert.False(t, evicted)
	}
	assert.Equal(t, []int{1, 0, 1, 2}, b.LevelSizes())
	assert.Zero(t, b.BufferSize())
	for i, level := range []int{0, 2, 3, 3} {
		got, found := b.main.levelOf(fmt.Sprintf("item-%d", i))
		require.True(t, found)
		assert.Equal(t, level, got)
	}

	evicted, found := b.PutIn(newTestItem("item-4", 0.99))
	require.True(t, found)
	assert.Equal(t, "item-2", evicted.key, "The oldest level 3 item makes room")
	assert.Equal(t, []int{1, 0, 1, 2}, b.LevelSizes())
	assert.False(t, b.Contains(newTestItem("item-2", 0)))
	assert.True(t, b.Contains(newTestItem("item-3", 0)))
	assert.True(t, b.Contains(newTestItem("item-4", 0)))
	assert.Equal(t, []eviction{{"item-2", ReasonLevelFull}}, evictions)
	require.NoError(t, b.Verify())
}

func TestBag_BufferEvictions(t *testing.T) {
	conf := testConfig(t)
	conf.BufferCapacity = 2
	conf.BatchInterval = 100
	var evictions []eviction
	b := newTestBag(t, conf, WithEvictionCallback(func(item *testItem, reason EvictReason) {
		evictions = append(evictions, eviction{item.key, reason})
	}))

	b.PutIn(newTestItem("a", 0.5))
	b.PutIn(newTestItem("b", 0.5))
	evicted, found := b.PutIn(newTestItem("c", 0.6))
	require.True(t, found)
	assert.Equal(t, "a", evicted.key)

	evicted, found = b.PutIn(newTestItem("d", 0.1))
	require.True(t, found)
	assert.Equal(t, "d", evicted.key, "A newcomer worse than everything buffered is rejected")

	assert.Equal(t, []eviction{{"a", ReasonBufferOverflow}, {"d", ReasonRejected}}, evictions)
	assert.Equal(t, 2, b.BufferSize())
	assert.True(t, b.Buffered("b"))
	assert.True(t, b.Buffered("c"))
	assert.Zero(t, b.Size(), "Buffered items aren't resident")
}

func TestBag_RejectedResidentStays(t *testing.T) {
	newBag := func(t *testing.T, evictions *[]eviction) *Bag[string, *testItem] {
		conf := testConfig(t)
		conf.BufferCapacity = 1
		conf.BatchInterval = 100
		b := newTestBag(t, conf, WithEvictionCallback(func(item *testItem, reason EvictReason) {
			*evictions = append(*evictions, eviction{item.key, reason})
		}))
		for _, item := range []*testItem{newTestItem("a", 0.1), newTestItem("x", 0.7), newTestItem("y", 0.7)} {
			b.PutIn(item)
			require.True(t, b.Migrate())
		}
		// The buffer is now full of an item better than anything inserted below.
		b.PutIn(newTestItem("hi", 0.99))
		require.True(t, b.Buffered("hi"))
		return b
	}

	t.Run("same_level", func(t *testing.T) {
		var evictions []eviction
		b := newBag(t, &evictions)
		_, evicted := b.PutIn(newTestItem("a", 0.05))
		assert.False(t, evicted)
		assert.Empty(t, evictions)

		got, found := b.Get("a")
		require.True(t, found, "A rejected duplicate of a resident key stays resident")
		assert.Equal(t, 0.1, got.priority)
		assert.Equal(t, 1, got.merges)
		assert.False(t, b.Buffered("a"))
		assert.Equal(t, 3, b.Size())
		require.NoError(t, b.Verify())
	})
	t.Run("full_level", func(t *testing.T) {
		var evictions []eviction
		b := newBag(t, &evictions)
		victim, evicted := b.PutIn(newTestItem("a", 0.7))
		require.True(t, evicted)
		assert.Equal(t, "x", victim.key)
		assert.Equal(t, []eviction{{"x", ReasonLevelFull}}, evictions)

		level, found := b.main.levelOf("a")
		require.True(t, found)
		assert.Equal(t, LevelOf(0.7, 4), level)
		assert.Equal(t, 2, b.Size())
		require.NoError(t, b.Verify())
	})
}

func TestBag_BatchInterval(t *testing.T) {
	conf := testConfig(t)
	conf.BatchInterval = 3
	b := newTestBag(t, conf)

	b.PutIn(newTestItem("a", 0.5))
	b.PutIn(newTestItem("b", 0.5))
	assert.Zero(t, b.Size())
	assert.Equal(t, 2, b.BufferSize())
	b.PutIn(newTestItem("c", 0.5))
	assert.Equal(t, 1, b.Size(), "Every third insert migrates one item")
	assert.Equal(t, 2, b.BufferSize())

	assert.Equal(t, 2, b.Drain())
	assert.Equal(t, 3, b.Size())
	assert.False(t, b.Migrate(), "Nothing left to migrate")
	require.NoError(t, b.Verify())
}

func TestBag_DuplicateKeysMerge(t *testing.T) {
	conf := testConfig(t)
	conf.BatchInterval = 100
	b := newTestBag(t, conf)

	t.Run("buffered duplicate", func(t *testing.T) {
		b.PutIn(newTestItem("a", 0.3))
		update := newTestItem("a", 0.8)
		b.PutIn(update)
		assert.Equal(t, 1, update.merges)
		assert.Equal(t, 1, b.BufferSize())
	})

	t.Run("resident duplicate", func(t *testing.T) {
		require.True(t, b.Migrate())
		require.Equal(t, 1, b.Size())

		update := newTestItem("a", 0.2)
		b.PutIn(update)
		assert.Equal(t, 2, update.merges, "Merged once with the resident item, which had been merged once")
		assert.LessOrEqual(t, b.Size(), 1, "A duplicate never grows the bag")
		assert.Zero(t, b.Size(), "The key moves back to the buffer")
		assert.True(t, b.Buffered("a"))

		require.True(t, b.Migrate())
		got, found := b.Get("a")
		require.True(t, found)
		assert.Same(t, update, got)
		assert.Equal(t, 0.8, got.priority)
		require.NoError(t, b.Verify())
	})
}

func TestBag_PutInMigratePickOut(t *testing.T) {
	conf := testConfig(t)
	conf.BatchInterval = 100
	b := newTestBag(t, conf)

	item := newTestItem("a", 0.4)
	b.PutIn(item)
	_, found := b.Get("a")
	assert.False(t, found, "Buffered items aren't visible to Get")
	require.True(t, b.Migrate())

	picked, found := b.PickOut("a")
	require.True(t, found)
	assert.Same(t, item, picked)
	_, found = b.Get("a")
	assert.False(t, found)
	_, found = b.PickOut("a")
	assert.False(t, found)
	assert.Zero(t, b.main.mass)
}

func TestBag_PutBack(t *testing.T) {
	b := newTestBag(t, testConfig(t))
	decay := ForgetterFunc[*testItem](func(item *testItem, elapsedCycles float64) *testItem {
		item.priority /= 1 + elapsedCycles
		return item
	})

	b.PutIn(newTestItem("a", 0.9))
	item, found := b.TakeOut()
	require.True(t, found)
	b.PutBack(item, 2 /*elapsedCycles*/, decay)
	level, found := b.main.levelOf("a")
	require.True(t, found)
	assert.Equal(t, 1, level, "0.9 decays to 0.3")

	item, _ = b.PickOut("a")
	b.PutBack(item, 5 /*elapsedCycles*/, nil)
	level, _ = b.main.levelOf("a")
	assert.Equal(t, 1, level, "A nil forgetter keeps the priority")
}

func TestBag_TakeOutDrainsEveryItemOnce(t *testing.T) {
	conf := testConfig(t)
	conf.LevelCount, conf.CapacityPerLevel, conf.BufferCapacity, conf.WorkingModeCount = 10, 20, 50, 5
	conf.DormantLevelThreshold = 3
	b := newTestBag(t, conf)
	rng := rand.New(rand.NewPCG(7, 7))
	for i := range 500 {
		b.PutIn(newTestItem(fmt.Sprintf("item-%d", i), rng.Float64()))
	}
	b.Drain()
	require.NoError(t, b.Verify())
	resident := slices.Collect(b.Keys())
	require.Len(t, resident, b.Size())

	var taken []string
	for {
		item, found := b.TakeOut()
		if !found {
			break
		}
		taken = append(taken, item.key)
	}
	assert.ElementsMatch(t, resident, taken)
	assert.Zero(t, b.Size())
	assert.Zero(t, b.main.mass)
	_, found := b.TakeOut()
	assert.False(t, found)
}

func TestBag_TakeOutDrainsHighLevelsAsBatch(t *testing.T) {
	b := newTestBag(t, testConfig(t))
	b.PutIn(newTestItem("low", 0.1))
	b.PutIn(newTestItem("high-1", 0.95))
	b.PutIn(newTestItem("high-2", 0.99))

	for {
		item, found := b.TakeOut()
		require.True(t, found)
		if item.key == "high-1" {
			break
		}
	}
	assert.Equal(t, 1, b.outputCounter, "The rest of the level is served without drawing again")
	item, found := b.TakeOut()
	require.True(t, found)
	assert.Equal(t, "high-2", item.key)

	t.Run("dormant levels give one item per draw", func(t *testing.T) {
		conf := testConfig(t)
		conf.DormantLevelThreshold = 4
		b := newTestBag(t, conf)
		b.PutIn(newTestItem("a", 0.95))
		b.PutIn(newTestItem("b", 0.99))
		_, found := b.TakeOut()
		require.True(t, found)
		assert.Zero(t, b.outputCounter)
	})
}

func TestBag_TakeOutFavoursHigherLevels(t *testing.T) {
	conf := testConfig(t)
	b := newTestBag(t, conf)
	b.PutIn(newTestItem("low", 0.1))
	b.PutIn(newTestItem("high", 0.9))

	const draws = 2_000
	counts := make(map[string]int)
	for range draws {
		item, found := b.TakeOut()
		require.True(t, found)
		counts[item.key]++
		b.PutIn(item)
	}
	require.Equal(t, draws, counts["low"]+counts["high"])
	require.NotZero(t, counts["low"])
	// Over [0, 4) the ascending weights of levels 0 and 3 are 1 and 4.
	assert.InDelta(t, 4.0, float64(counts["high"])/float64(counts["low"]), 0.5)
	require.NoError(t, b.Verify())
}

func TestBag_AveragePriority(t *testing.T) {
	conf := testConfig(t)
	conf.CapacityPerLevel = 100
	conf.BufferCapacity = 100
	b := newTestBag(t, conf)
	assert.Equal(t, 0.01, b.AveragePriority(), "An empty bag reports the floor")

	b.PutIn(newTestItem("top", 1))
	assert.Equal(t, 1.0, b.AveragePriority())
	b.PutIn(newTestItem("bottom", 0))
	assert.InDelta(t, 5.0/8.0, b.AveragePriority(), 1e-9)

	rng := rand.New(rand.NewPCG(3, 4))
	for i := range 1_000 {
		switch rng.IntN(3) {
		case 0:
			b.TakeOut()
		default:
			b.PutIn(newTestItem(fmt.Sprintf("item-%d", rng.IntN(200)), rng.Float64()))
		}
		average := b.AveragePriority()
		require.GreaterOrEqual(t, average, 0.01, "step %d", i)
		require.LessOrEqual(t, average, 1.0, "step %d", i)
	}
	require.NoError(t, b.Verify())
}

func TestBag_RandomWorkloadKeepsInvariants(t *testing.T) {
	conf := testConfig(t)
	conf.LevelCount, conf.BufferLevelMultiplier, conf.WorkingModeCount = 20, 3, 4
	conf.CapacityPerLevel, conf.BufferCapacity, conf.BatchInterval = 3, 10, 2
	conf.DormantLevelThreshold = 5
	conf.ForgottenCapacity = 50
	b := newTestBag(t, conf)

	rng := rand.New(rand.NewPCG(11, 12))
	for i := range 5_000 {
		key := fmt.Sprintf("item-%d", rng.IntN(300))
		switch rng.IntN(6) {
		case 0:
			b.TakeOut()
		case 1:
			b.PickOut(key)
		case 2:
			b.Migrate()
		default:
			sizeBefore, residentBefore := b.Size(), b.main.contains(key)
			b.PutIn(newTestItem(key, rng.Float64()))
			if residentBefore {
				require.LessOrEqual(t, b.Size(), sizeBefore, "step %d: duplicate insert grew the bag", i)
			}
		}
		for level, size := range b.LevelSizes() {
			require.LessOrEqual(t, size, conf.CapacityPerLevel, "step %d: level %d over capacity", i, level)
		}
		require.LessOrEqual(t, b.BufferSize(), conf.BufferCapacity)
	}
	require.NoError(t, b.Verify())
}

func TestBag_Forgotten(t *testing.T) {
	conf := testConfig(t)
	conf.ForgottenCapacity = 100
	b := newTestBag(t, conf)
	assert.False(t, b.WasForgotten("item-2"))

	for i, priority := range []float64{0.9, 0.95, 0.99} {
		b.PutIn(newTestItem(fmt.Sprintf("item-%d", i), priority))
	}
	assert.True(t, b.WasForgotten("item-0"), "Evicted from the full top level")
	assert.False(t, b.WasForgotten("item-2"))

	b.Clear()
	assert.False(t, b.WasForgotten("item-0"), "Clear resets the filter")

	t.Run("disabled", func(t *testing.T) {
		b := newTestBag(t, testConfig(t))
		for i, priority := range []float64{0.9, 0.95, 0.99} {
			b.PutIn(newTestItem(fmt.Sprintf("item-%d", i), priority))
		}
		assert.False(t, b.WasForgotten("item-0"))
	})
}

func TestBag_IterationAndClear(t *testing.T) {
	b := newTestBag(t, testConfig(t))
	for _, item := range []*testItem{newTestItem("c", 0.1), newTestItem("a", 0.9), newTestItem("b", 0.6)} {
		b.PutIn(item)
	}

	var keys []string
	for item := range b.All() {
		keys = append(keys, item.key)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, keys, slices.Collect(b.Keys()))

	for key := range b.Keys() {
		assert.Equal(t, "a", key, "Iteration stops when the consumer does")
		break
	}

	dump := b.String()
	assert.Contains(t, dump, "3 resident")
	assert.Contains(t, dump, "Level 4:\n a@0.90")

	b.Clear()
	assert.Zero(t, b.Size())
	assert.Zero(t, b.BufferSize())
	assert.Equal(t, []int{0, 0, 0, 0}, b.LevelSizes())
	assert.Equal(t, 0.01, b.AveragePriority())
	_, found := b.TakeOut()
	assert.False(t, found)

	b.PutIn(newTestItem("d", 0.5))
	assert.Equal(t, 1, b.Size(), "The bag is usable after Clear")
	require.NoError(t, b.Verify())
}

func TestBag_VerifyDetectsDoubleResidence(t *testing.T) {
	conf := testConfig(t)
	conf.BatchInterval = 100
	b := newTestBag(t, conf)
	b.PutIn(newTestItem("a", 0.5))
	b.main.pushBack(1, newTestItem("a", 0.5))
	err := b.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both buffered and resident")
}

func TestBag_VerifyDetectsMisleveledItem(t *testing.T) {
	b := newTestBag(t, testConfig(t))
	item := newTestItem("a", 0.1)
	b.PutIn(item)
	require.NoError(t, b.Verify())

	item.priority = 0.9
	err := b.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority maps to level 3")
}

func TestBag_SameSeedSameSamples(t *testing.T) {
	sample := func() []string {
		conf := testConfig(t)
		conf.LevelCount, conf.CapacityPerLevel, conf.BufferCapacity = 8, 10, 20
		b := newTestBag(t, conf)
		for i := range 40 {
			b.PutIn(newTestItem(fmt.Sprintf("item-%d", i), float64(i%10)/10))
		}
		var keys []string
		for range 20 {
			item, found := b.TakeOut()
			require.True(t, found)
			keys = append(keys, item.key)
		}
		return keys
	}
	assert.Equal(t, sample(), sample())
}
