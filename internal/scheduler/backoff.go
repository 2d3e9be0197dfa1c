package scheduler

import (
	"math"
	"time"

	"github.com/jpillora/backoff"
)

// retryBackoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), without jitter or an upper cap.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	b := &backoff.Backoff{
		Min:    base,
		Max:    time.Duration(math.MaxInt64),
		Factor: 2,
		Jitter: false,
	}
	return b.ForAttempt(float64(attempt - 1))
}
