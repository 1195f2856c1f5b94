// Feeds a bag with chaotic priorities, several inserts per take out, and logs how its levels fill up.

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/google/uuid"
	"github.com/nobletooth/levelbag/pkg/bag"
	"github.com/nobletooth/levelbag/pkg/budget"
	"github.com/nobletooth/levelbag/pkg/config"
	"github.com/nobletooth/levelbag/pkg/utils"
)

var (
	printVersion = flag.Bool("print_version", false, "Print the version and exit.")
	simItems     = flag.Int("sim_items", 50_000, "Number of generated tasks.")
	simInPerOut  = flag.Int("sim_in_per_out", 0, "Tasks put in between two take outs; 0 never takes out.")
	simSwitch    = flag.Float64("sim_mode_switch_probability", 0.05,
		"Per draw probability that the generator switches between uniform and clustered priorities.")
	simSeed = flag.Uint64("sim_seed", 0, "Seed of the generator and the bag; 0 picks a random one.")
)

// simNamespace scopes the deterministic task keys of the simulator.
var simNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/nobletooth/levelbag/cmd/bagsim"))

type levelStat struct {
	level           int
	size            int
	averagePriority float64
}

type simResult struct {
	putIn, takenOut, evicted int
	levels                   []levelStat // Only nonempty levels, ascending.
	averagePriority          float64
	takenPriority            float64 // Mean priority of the taken out tasks.
}

// simulate puts `items` generated tasks into a bag built from `conf`, taking one out after every `inPerOut` inserts.
func simulate(conf bag.Config, items, inPerOut int, switchProb float64, seed uint64) (simResult, error) {
	result := simResult{}
	tasks, err := bag.New(conf, bag.WithSeed[string, *budget.Task](seed),
		bag.WithEvictionCallback[string, *budget.Task](func(*budget.Task, bag.EvictReason) { result.evicted++ }))
	if err != nil {
		return result, fmt.Errorf("failed to create bag: %w", err)
	}
	rng := rand.New(rand.NewPCG(seed, ^seed))
	generator := newChaoticGenerator(rng, switchProb)

	takenSum := 0.0
	for i := range items {
		task, err := budget.NewTask(uuid.NewSHA1(simNamespace, fmt.Appendf(nil, "%d", i)).String(), "" /*content*/,
			budget.Budget{Priority: generator.next(), Durability: rng.Float64(), Quality: rng.Float64()})
		if err != nil {
			return result, err
		}
		tasks.PutIn(task)
		result.putIn++
		if inPerOut > 0 && result.putIn%inPerOut == 0 {
			if taken, found := tasks.TakeOut(); found {
				result.takenOut++
				takenSum += taken.Budget.Priority
			}
		}
	}
	if err := tasks.Verify(); err != nil {
		return result, fmt.Errorf("bag is inconsistent after the simulation: %w", err)
	}

	sums := make([]float64, conf.LevelCount)
	for task := range tasks.All() {
		sums[bag.LevelOf(task.Budget.Priority, conf.LevelCount)] += task.Budget.Priority
	}
	for level, size := range tasks.LevelSizes() {
		if size > 0 {
			result.levels = append(result.levels,
				levelStat{level: level, size: size, averagePriority: sums[level] / float64(size)})
		}
	}
	result.averagePriority = tasks.AveragePriority()
	if result.takenOut > 0 {
		result.takenPriority = takenSum / float64(result.takenOut)
	}
	return result, nil
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Bagsim build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	seed := *simSeed
	if seed == 0 {
		seed = rand.Uint64()
	}
	result, err := simulate(bag.ConfigFromFlags("bagsim"), *simItems, *simInPerOut, *simSwitch, seed)
	if err != nil {
		slog.Error("Simulation failed.", "error", err)
		os.Exit(1)
	}
	for _, stat := range result.levels {
		slog.Info("Level stats.", "level", stat.level, "size", stat.size,
			"averagePriority", fmt.Sprintf("%.4f", stat.averagePriority))
	}
	slog.Info("Simulation done.", "seed", seed, "putIn", result.putIn, "takenOut", result.takenOut,
		"evicted", result.evicted, "averagePriority", result.averagePriority, "takenPriority", result.takenPriority)
}
