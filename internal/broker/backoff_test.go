package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		d := backoffDelay(base, max, attempt, 0)
		expected := base * time.Duration(int64(1)<<uint(attempt-1))
		if expected > max {
			expected = max
		}
		assert.Equal(t, expected, d, "attempt %d", attempt)
	}
}

func TestBackoffDelayRespectsMax(t *testing.T) {
	d := backoffDelay(time.Second, 5*time.Second, 20, 0)
	assert.Equal(t, 5*time.Second, d)
}

func TestBackoffDelayJitterStaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second
	for i := 0; i < 50; i++ {
		d := backoffDelay(base, max, 3, 0.2)
		raw := base * 4
		lower := float64(raw) * 0.8
		upper := float64(raw) * 1.2
		assert.GreaterOrEqual(t, float64(d), lower)
		assert.LessOrEqual(t, float64(d), upper)
	}
}

func TestBackoffDelayNeverNegative(t *testing.T) {
	d := backoffDelay(time.Millisecond, time.Second, 1, 5.0)
	assert.GreaterOrEqual(t, d, time.Duration(0))
}
