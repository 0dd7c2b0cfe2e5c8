package outbox

import (
	"math"
	"math/rand"
	"time"
)

// backoff returns minBackoff * 2^(attempts-1), clamped to [minBackoff, maxBackoff].
func backoff(attempts int, minBackoff, maxBackoff time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	factor := math.Pow(2, float64(attempts-1))
	d := time.Duration(factor * float64(minBackoff))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	if d < minBackoff {
		return minBackoff
	}
	return d
}

func jitter(r *rand.Rand, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	if r == nil {
		return 0
	}
	// [0, maxJitter]
	return time.Duration(r.Int63n(int64(maxJitter) + 1)) //nolint:gosec
}
