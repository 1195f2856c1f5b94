package main

import "math/rand/v2"

// maxChaoticValue keeps generated priorities strictly below 1.
const maxChaoticValue = 1 - 1e-5

type chaosMode uint8

const (
	modeUniform chaosMode = iota
	modeClustered
)

func (m chaosMode) String() string {
	if m == modeClustered {
		return "clustered"
	}
	return "uniform"
}

// chaoticGenerator yields priorities in [0, 1) that alternate between uniform noise and bursts clustered around a
// few random centers. Each draw switches mode with probability switchProb.
type chaoticGenerator struct {
	rng        *rand.Rand
	switchProb float64
	mode       chaosMode
	centers    []float64
	stds       []float64
	modeSteps  int // Draws since the last switch.
}

func newChaoticGenerator(rng *rand.Rand, switchProb float64) *chaoticGenerator {
	return &chaoticGenerator{rng: rng, switchProb: switchProb, mode: modeUniform}
}

// next draws one priority.
func (g *chaoticGenerator) next() float64 {
	if g.rng.Float64() < g.switchProb {
		g.switchMode()
	}
	g.modeSteps++
	if g.mode == modeUniform {
		return g.rng.Float64() * maxChaoticValue
	}
	cluster := g.rng.IntN(len(g.centers))
	value := g.centers[cluster] + g.rng.NormFloat64()*g.stds[cluster]
	return min(max(value, 0), maxChaoticValue)
}

// switchMode flips the mode; entering the clustered mode draws 1 to 4 fresh clusters.
func (g *chaoticGenerator) switchMode() {
	g.modeSteps = 0
	if g.mode == modeClustered {
		g.mode = modeUniform
		return
	}
	g.mode = modeClustered
	clusters := 1 + g.rng.IntN(4)
	g.centers, g.stds = make([]float64, clusters), make([]float64, clusters)
	for i := range clusters {
		g.centers[i] = 0.2 + 0.6*g.rng.Float64()
		g.stds[i] = 0.05 + 0.15*g.rng.Float64()
	}
}
