package utils

import (
	"math/rand/v2"
	"time"
)

// Jitter moves duration by up to maxJitterPercentage percent in either
// direction.
func Jitter(duration *time.Duration, maxJitterPercentage float64) {
	if *duration == 0 {
		return
	}

	jitterFraction := maxJitterPercentage / 100.0
	jitterDuration := time.Duration(float64(*duration) * jitterFraction * (rand.Float64()*2 - 1))
	*duration += jitterDuration
}
