package port

import (
	"cmp"
	"flag"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/nobletooth/levelbag/pkg/bag"
	"github.com/nobletooth/levelbag/pkg/budget"
	"github.com/nobletooth/levelbag/pkg/scan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forgetDurations = flag.Float64("forget_durations", budget.DefaultForgetDurations,
		"Decay time constant, in cycles, of tasks put back right after being taken out.")
	forgetRelativeThreshold = flag.Float64("forget_relative_threshold", budget.DefaultRelativeThreshold,
		"Share of a task's quality its priority never decays below.")
)

var evictedTasks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "port_evicted_tasks_total",
	Help: "Total number of tasks the port's bag dropped to respect its capacity.",
})

// TaskBag is the task store served by ports, e.g. Redis. It's safe for concurrent use.
type TaskBag struct {
	tasks      *bag.Sharded[string, *budget.Task]
	forgetting budget.Forgetting
	now        func() time.Time

	mux     sync.Mutex
	takenAt map[string]time.Time // When each key last left the bag through TAKEOUT or PICKOUT.
}

// NewTaskBag builds a task bag from the bag_* and forget_* flags.
func NewTaskBag() (*TaskBag, error) {
	return newTaskBag(bag.ConfigFromFlags("port"), bag.ShardCountFromFlags())
}

func newTaskBag(conf bag.Config, shardCount int, opts ...bag.Option[string, *budget.Task]) (*TaskBag, error) {
	opts = append(opts, bag.WithEvictionCallback[string, *budget.Task](func(*budget.Task, bag.EvictReason) {
		evictedTasks.Inc()
	}))
	tasks, err := bag.NewSharded[string, *budget.Task](conf, shardCount, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create task bag: %w", err)
	}
	return &TaskBag{
		tasks: tasks,
		forgetting: budget.Forgetting{
			Durations:         *forgetDurations,
			RelativeThreshold: *forgetRelativeThreshold,
		},
		now:     time.Now,
		takenAt: make(map[string]time.Time),
	}, nil
}

// PutIn inserts the task and returns the task that left the bag because of it, if any.
func (tb *TaskBag) PutIn(task *budget.Task) (*budget.Task, bool /*evicted*/) {
	tb.forgetTakenAt(task.Name)
	return tb.tasks.PutIn(task)
}

// PutBack decays the task and inserts it. A nil `cycles` derives the elapsed cycles from the time the task was taken
// out, or applies no decay if it never was.
func (tb *TaskBag) PutBack(task *budget.Task, cycles *float64) (*budget.Task, bool /*evicted*/) {
	takenAt, wasTaken := tb.forgetTakenAt(task.Name)
	elapsed := 0.0
	switch {
	case cycles != nil:
		elapsed = *cycles
	case wasTaken:
		elapsed = bag.CyclesSince(takenAt, tb.now())
	}
	return tb.tasks.PutBack(task, elapsed, tb.forgetting)
}

// TakeOut samples a task, favouring higher priorities.
func (tb *TaskBag) TakeOut() (*budget.Task, bool /*found*/) {
	task, found := tb.tasks.TakeOut()
	if found {
		tb.rememberTakenAt(task.Name)
	}
	return task, found
}

// PickOut removes the task named `key`.
func (tb *TaskBag) PickOut(key string) (*budget.Task, bool /*found*/) {
	task, found := tb.tasks.PickOut(key)
	if found {
		tb.rememberTakenAt(key)
	}
	return task, found
}

// Get returns the resident task named `key`.
func (tb *TaskBag) Get(key string) (*budget.Task, bool /*found*/) { return tb.tasks.Get(key) }

// Size is the number of resident tasks.
func (tb *TaskBag) Size() int { return tb.tasks.Size() }

// BufferSize is the number of tasks waiting to migrate.
func (tb *TaskBag) BufferSize() int { return tb.tasks.BufferSize() }

// AveragePriority estimates the mean priority of resident tasks.
func (tb *TaskBag) AveragePriority() float64 { return tb.tasks.AveragePriority() }

// Forgotten reports whether the task named `key` was probably evicted recently.
func (tb *TaskBag) Forgotten(key string) bool { return tb.tasks.WasForgotten(key) }

// Migrate runs `rounds` migration rounds over every shard and returns how many tasks moved.
func (tb *TaskBag) Migrate(rounds int) int {
	migrated := 0
	for range rounds {
		moved := tb.tasks.Migrate()
		if moved == 0 {
			break
		}
		migrated += moved
	}
	return migrated
}

// Keys lists the resident keys matching `pattern` in ascending order, at most `limit` of them if it's positive.
func (tb *TaskBag) Keys(pattern string, limit int) ([]string, error) {
	shards := tb.tasks.ShardItems()
	sequences := make([]iter.Seq[scan.Pair[string, *budget.Task]], 0, len(shards))
	for _, items := range shards {
		pairs := make([]scan.Pair[string, *budget.Task], 0, len(items))
		for _, task := range items {
			pairs = append(pairs, scan.Pair[string, *budget.Task]{Key: task.Name, Value: task})
		}
		slices.SortFunc(pairs, func(a, b scan.Pair[string, *budget.Task]) int { return cmp.Compare(a.Key, b.Key) })
		sequences = append(sequences, slices.Values(pairs))
	}
	merged, err := scan.MultiHead(cmp.Compare[string], sequences)
	if err != nil {
		return nil, fmt.Errorf("failed to merge shard keys: %w", err)
	}
	matched, err := scan.MatchGlob(pattern, merged)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for pair := range scan.Limit(matched, limit) {
		keys = append(keys, pair.Key)
	}
	return keys, nil
}

// Flush drops every task.
func (tb *TaskBag) Flush() {
	tb.tasks.Clear()
	tb.mux.Lock()
	defer tb.mux.Unlock()
	clear(tb.takenAt)
}

func (tb *TaskBag) rememberTakenAt(key string) {
	tb.mux.Lock()
	defer tb.mux.Unlock()
	tb.takenAt[key] = tb.now()
}

func (tb *TaskBag) forgetTakenAt(key string) (time.Time, bool) {
	tb.mux.Lock()
	defer tb.mux.Unlock()
	takenAt, found := tb.takenAt[key]
	delete(tb.takenAt, key)
	return takenAt, found
}
