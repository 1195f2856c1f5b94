package bag

import (
	"flag"
	"time"
)

var (
	levelCountFlag = flag.Int("bag_level_count", 100, "Number of main store priority levels.")
	capacityFlag   = flag.Int("bag_capacity_per_level", 10,
		"Max items per main store level; migrants landing on a full level evict its oldest item.")
	bufferCapacityFlag   = flag.Int("bag_buffer_capacity", 100, "Max items waiting in the write buffer.")
	bufferMultiplierFlag = flag.Int("bag_buffer_level_multiplier", 2,
		"The write buffer has bag_level_count times this many levels.")
	workingModesFlag = flag.Int("bag_working_mode_count", 5,
		"Number of level bands; must divide both level counts.")
	dormantThresholdFlag = flag.Int("bag_dormant_level_threshold", 10,
		"Levels below this one give out one item per draw; higher ones are drained as a batch.")
	batchIntervalFlag = flag.Int("bag_batch_interval", 1, "Number of inserts between two buffer migrations.")
	forgottenCapFlag  = flag.Uint("bag_forgotten_capacity", 0,
		"Evicted keys remembered by the forgotten-key filter before it resets; 0 disables it.")
	forgottenFPRFlag = flag.Float64("bag_forgotten_false_positive_rate", 0.01,
		"Target false positive rate of the forgotten-key filter.")
	shardCountFlag = flag.Int("bag_shard_count", 1, "Number of independently locked bags in a sharded bag.")
	cycleDurationFlag = flag.Duration("bag_cycle_duration", 100*time.Millisecond,
		"Wall time counted as one cycle when decaying put back items.")
)

// ConfigFromFlags builds a config named `name` from the bag_* flags.
func ConfigFromFlags(name string) Config {
	return Config{
		Name:                       name,
		LevelCount:                 *levelCountFlag,
		CapacityPerLevel:           *capacityFlag,
		BufferCapacity:             *bufferCapacityFlag,
		BufferLevelMultiplier:      *bufferMultiplierFlag,
		WorkingModeCount:           *workingModesFlag,
		DormantLevelThreshold:      *dormantThresholdFlag,
		BatchInterval:              *batchIntervalFlag,
		ForgottenCapacity:          *forgottenCapFlag,
		ForgottenFalsePositiveRate: *forgottenFPRFlag,
	}
}

// ShardCountFromFlags returns the bag_shard_count flag.
func ShardCountFromFlags() int { return *shardCountFlag }

// CyclesSince converts the wall time elapsed since `last` into decay cycles using bag_cycle_duration.
func CyclesSince(last, now time.Time) float64 {
	if *cycleDurationFlag <= 0 || !now.After(last) {
		return 0
	}
	return float64(now.Sub(last)) / float64(*cycleDurationFlag)
}
