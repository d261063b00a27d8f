package stresstest

import (
	"math"
	"math/rand"
	"time"
)

// WeightedChoice maps a draw in [0,1) to a bucket index. Buckets are laid
// out by cumulative weight, rounded to 1e-9 so that 0.7+0.2 compares equal
// to 0.9. A draw exactly on a boundary falls into the later bucket; a draw
// at or past the total lands in the last bucket. It returns -1 when weights
// is empty.
func WeightedChoice(weights []float64, draw float64) int {
	if len(weights) == 0 {
		return -1
	}
	var cumulative float64
	for i, w := range weights {
		cumulative = math.Round((cumulative+w)*1e9) / 1e9
		if draw < cumulative {
			return i
		}
	}
	return len(weights) - 1
}

// Pick draws from rng and returns the chosen bucket.
func Pick(rng *rand.Rand, weights []float64) int {
	return WeightedChoice(weights, rng.Float64())
}

// Between returns a uniformly distributed duration in [lo, hi).
func Between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}
