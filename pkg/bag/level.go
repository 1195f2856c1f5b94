package bag

import "math"

// LevelOf maps a priority onto one of `levelCount` levels: ceil(p*levelCount)-1 clamped to [0, levelCount-1].
// Priorities outside [0, 1] are clamped and NaN lands on level 0.
func LevelOf(priority float64, levelCount int) int {
	if levelCount <= 1 || math.IsNaN(priority) || priority <= 0 {
		return 0
	}
	if priority >= 1 {
		return levelCount - 1
	}
	level := int(math.Ceil(priority*float64(levelCount))) - 1
	return min(max(level, 0), levelCount-1)
}
