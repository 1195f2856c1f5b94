package budget

import (
	"cmp"
	"fmt"

	"github.com/nobletooth/levelbag/pkg/bag"
)

// Task is a named payload with a budget; it's the item type served by the RESP port and the simulator.
type Task struct {
	Name    string
	Content string
	Budget  Budget
}

var _ bag.Item[string, *Task] = (*Task)(nil)

// NewTask validates the budget and builds a task.
func NewTask(name, content string, b Budget) (*Task, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget for task %q: %w", name, err)
	}
	return &Task{Name: name, Content: content, Budget: b}, nil
}

func (t *Task) Key() string { return t.Name }

func (t *Task) Priority() float64 { return t.Budget.Priority }

// Merge folds the budget of `other` into the task; the receiver's content wins unless it's empty.
func (t *Task) Merge(other *Task) {
	t.Budget = t.Budget.Merge(other.Budget)
	if t.Content == "" {
		t.Content = other.Content
	}
}

func (t *Task) String() string { return t.Name + " " + t.Budget.String() }

// Forgetting decays task budgets with Forget. The longer a task was out of the bag, the shorter the time constant
// its decay gets: Durations/elapsedCycles. Zero fields fall back to the defaults.
type Forgetting struct {
	Durations         float64
	RelativeThreshold float64
}

var _ bag.Forgetter[*Task] = Forgetting{}

// Forget leaves tasks that weren't out for any time unchanged.
func (f Forgetting) Forget(task *Task, elapsedCycles float64) *Task {
	if elapsedCycles <= 0 {
		return task
	}
	durations := cmp.Or(f.Durations, DefaultForgetDurations)
	threshold := cmp.Or(f.RelativeThreshold, DefaultRelativeThreshold)
	task.Budget = Forget(task.Budget, durations/elapsedCycles, threshold)
	return task
}
