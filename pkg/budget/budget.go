// A budget is the attention an item gets in a bag: its priority decides how often it's sampled, its durability how
// slowly the priority fades, and its quality the level the priority fades towards. Budgets only ever decay through
// Forget; merging two budgets keeps the stronger value of each component.

package budget

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultRelativeThreshold is the share of the quality a forgotten priority never drops below.
	DefaultRelativeThreshold = 0.3
	// DefaultForgetDurations is the decay time constant, in cycles, of a task put back right after being taken.
	DefaultForgetDurations = 10.0
)

// ErrOutOfRange is returned when a budget component isn't a number in [0, 1].
var ErrOutOfRange = errors.New("budget component out of range")

// Budget holds three values in [0, 1].
type Budget struct {
	Priority   float64
	Durability float64
	Quality    float64
}

// New validates the components and returns the budget.
func New(priority, durability, quality float64) (Budget, error) {
	b := Budget{Priority: priority, Durability: durability, Quality: quality}
	if err := b.Validate(); err != nil {
		return Budget{}, err
	}
	return b, nil
}

// Validate reports components that are NaN or outside [0, 1].
func (b Budget) Validate() error {
	var errs []error
	for _, component := range []struct {
		name  string
		value float64
	}{{"priority", b.Priority}, {"durability", b.Durability}, {"quality", b.Quality}} {
		if math.IsNaN(component.value) || component.value < 0 || component.value > 1 {
			errs = append(errs, fmt.Errorf("%w: %s is %v", ErrOutOfRange, component.name, component.value))
		}
	}
	return errors.Join(errs...)
}

// Merge keeps the maximum of each component.
func (b Budget) Merge(other Budget) Budget {
	return Budget{
		Priority:   max(b.Priority, other.Priority),
		Durability: max(b.Durability, other.Durability),
		Quality:    max(b.Quality, other.Quality),
	}
}

// Forget decays the priority of `b` and returns the decayed budget. `forgetCycles` is the time constant of the decay:
// the larger it is, the slower the priority fades.
//
// The priority can't fall below quality*relativeThreshold. The part above that floor is multiplied by
// durability^(1/(forgetCycles*excess)), so durable budgets fade slowly and a large excess fades slower than a small
// one. A priority already under the floor is raised to it, and a non-positive forgetCycles forgets down to the floor.
func Forget(b Budget, forgetCycles, relativeThreshold float64) Budget {
	floor := b.Quality * relativeThreshold
	excess := b.Priority - floor
	if excess <= 0 || forgetCycles <= 0 {
		b.Priority = floor
		return b
	}
	b.Priority = floor + excess*math.Pow(b.Durability, 1/(forgetCycles*excess))
	return b
}

// String uses the classic NARS notation, e.g. "$0.5000;0.8000;0.9500$".
func (b Budget) String() string {
	return fmt.Sprintf("$%.4f;%.4f;%.4f$", b.Priority, b.Durability, b.Quality)
}
