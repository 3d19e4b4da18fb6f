package registration

import (
	"math"
	"math/rand"
	"time"
)

// fullJitterBackoff computes a full-jitter exponential backoff delay
// (spec §4.2): delay = rand(0, min(ceiling, base * 2^attempt)).
// Full jitter (rather than capped exponential with no randomization)
// avoids every disconnected neuron retrying the directory in lockstep
// after an outage.
func fullJitterBackoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := float64(base) * math.Pow(2, float64(attempt))
	capped := math.Min(exp, float64(ceiling))
	if capped <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(capped)))
}
