package broker

import (
	"math/rand/v2"
	"time"
)

// backoffDelay computes min(max, base*2^(attempt-1)) with symmetric uniform
// jitter of +/- jitterFrac applied. attempt is 1-based.
func backoffDelay(base, maxDelay time.Duration, attempt int, jitterFrac float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := base
	for i := 1; i < attempt && raw > 0 && raw < maxDelay; i++ {
		raw *= 2 // an overflow turns raw negative, which ends the loop
	}
	if raw > maxDelay || raw < 0 {
		raw = maxDelay
	}

	jitter := float64(raw) * jitterFrac
	delta := (rand.Float64()*2 - 1) * jitter
	result := float64(raw) + delta
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
