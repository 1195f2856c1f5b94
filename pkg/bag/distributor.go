// A Distributor replaces "draw a level with probability proportional to its weight" with a walk over a precomputed
// sequence. Every level in [lo, hi) appears in the sequence as many times as its weight, and the sequence is shuffled
// once at construction. Walking it with a cursor then yields each level with a long-run frequency proportional to its
// weight, while each draw costs a single slice read and no random numbers.
//
// Weights grow linearly with the level's rank inside the range:
//   - Ascending ("L"): rank+1, favouring the top of the range.
//   - Descending ("S"): width-rank, favouring the bottom of the range.
//
// Example: [0, 3) Ascending holds {0, 1, 1, 2, 2, 2} in some shuffled order; Descending holds {0, 0, 0, 1, 1, 2}.

package bag

import (
	"fmt"
	"math/rand/v2"
)

// Bias selects which end of a distributor's range is drawn more often.
type Bias uint8

const (
	Ascending  Bias = iota // Higher levels are drawn more often.
	Descending             // Lower levels are drawn more often.
)

const biasCount = 2

func (b Bias) String() string {
	switch b {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return fmt.Sprintf("bias(%d)", uint8(b))
	}
}

// Distributor is an immutable, shuffled sequence of levels weighted by rank. It's safe to share between cursors.
type Distributor struct {
	lo, hi int // The covered levels are [lo, hi).
	bias   Bias
	order  []int
}

// NewDistributor builds the weighted sequence over levels [lo, hi) and shuffles it with `rng`.
func NewDistributor(lo, hi int, bias Bias, rng *rand.Rand) (*Distributor, error) {
	if lo < 0 || hi <= lo {
		return nil, fmt.Errorf("%w: distributor range [%d, %d) is empty", ErrInvalidConfig, lo, hi)
	}
	if bias != Ascending && bias != Descending {
		return nil, fmt.Errorf("%w: unknown distributor bias %d", ErrInvalidConfig, bias)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: distributor needs a random source", ErrInvalidConfig)
	}

	d := &Distributor{lo: lo, hi: hi, bias: bias}
	width := hi - lo
	d.order = make([]int, 0, width*(width+1)/2) // Both biases sum to 1+2+...+width.
	for level := lo; level < hi; level++ {
		for range d.Weight(level) {
			d.order = append(d.order, level)
		}
	}
	rng.Shuffle(len(d.order), func(i, j int) { d.order[i], d.order[j] = d.order[j], d.order[i] })
	return d, nil
}

// Weight returns how many times `level` occurs in the sequence; zero for levels outside the range.
func (d *Distributor) Weight(level int) int {
	if level < d.lo || level >= d.hi {
		return 0
	}
	rank := level - d.lo
	if d.bias == Descending {
		return d.hi - d.lo - rank
	}
	return rank + 1
}

// Pick returns the level at `cursor`, which is taken modulo the sequence length.
func (d *Distributor) Pick(cursor int) int {
	return d.order[d.wrap(cursor)]
}

// Next returns the cursor position following `cursor`.
func (d *Distributor) Next(cursor int) int {
	return d.wrap(cursor + 1)
}

func (d *Distributor) wrap(cursor int) int {
	cursor %= len(d.order)
	if cursor < 0 {
		cursor += len(d.order)
	}
	return cursor
}

// Len is the length of one full cycle; every level of the range is visited at least once per cycle.
func (d *Distributor) Len() int { return len(d.order) }

// Range returns the covered levels as [lo, hi).
func (d *Distributor) Range() (lo, hi int) { return d.lo, d.hi }

func (d *Distributor) Bias() Bias { return d.bias }

// cursor walks a distributor. The zero position is the start of the cycle.
type cursor struct {
	dist     *Distributor
	position int
}

// advance moves to the next position and returns its level.
func (c *cursor) advance() int {
	c.position = c.dist.Next(c.position)
	return c.dist.Pick(c.position)
}

func (c *cursor) reset() { c.position = 0 }
