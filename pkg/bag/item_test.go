package bag

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testItem counts how many items were folded into it and keeps the highest priority.
type testItem struct {
	key      string
	priority float64
	merges   int
}

var _ Item[string, *testItem] = (*testItem)(nil)

func newTestItem(key string, priority float64) *testItem {
	return &testItem{key: key, priority: priority}
}

func (i *testItem) Key() string       { return i.key }
func (i *testItem) Priority() float64 { return i.priority }
func (i *testItem) Merge(other *testItem) {
	i.merges += other.merges + 1
	i.priority = max(i.priority, other.priority)
}
func (i *testItem) String() string { return fmt.Sprintf("%s@%.2f", i.key, i.priority) }

// testConfig is a small bag: 4 levels of 2 items, an 8 level buffer of 8 items and a single working mode.
func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Name:                       t.Name(),
		LevelCount:                 4,
		CapacityPerLevel:           2,
		BufferCapacity:             8,
		BufferLevelMultiplier:      2,
		WorkingModeCount:           1,
		DormantLevelThreshold:      0,
		BatchInterval:              1,
		ForgottenFalsePositiveRate: 0.01,
	}
}

func newTestBag(t *testing.T, conf Config, opts ...Option[string, *testItem]) *Bag[string, *testItem] {
	t.Helper()
	b, err := New(conf, append([]Option[string, *testItem]{WithSeed[string, *testItem](42)}, opts...)...)
	require.NoError(t, err)
	return b
}

func TestEvictReason(t *testing.T) {
	for _, testCase := range []struct {
		reason EvictReason
		name   string
		store  string
	}{
		{reason: ReasonBufferOverflow, name: "buffer_overflow", store: storeBuffer},
		{reason: ReasonRejected, name: "rejected", store: storeBuffer},
		{reason: ReasonLevelFull, name: "level_full", store: storeMain},
		{reason: 0, name: "unknown", store: storeBuffer},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.name, testCase.reason.String())
			assert.Equal(t, testCase.store, testCase.reason.store())
		})
	}
}

func TestForgetterFunc(t *testing.T) {
	halve := ForgetterFunc[*testItem](func(item *testItem, elapsedCycles float64) *testItem {
		if elapsedCycles > 0 {
			item.priority /= 2
		}
		return item
	})
	item := halve.Forget(newTestItem("a", 0.8), 1 /*elapsedCycles*/)
	assert.InDelta(t, 0.4, item.Priority(), 1e-9)
	item = halve.Forget(item, 0 /*elapsedCycles*/)
	assert.InDelta(t, 0.4, item.Priority(), 1e-9)
}
