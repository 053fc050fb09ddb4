package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixed(v float64) Rand { return func() float64 { return v } }

func TestPacerDelay(t *testing.T) {
	p := Pacer{Min: 2 * time.Second, Max: 6 * time.Second, Rand: fixed(0.5)}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Zero(t, p.Delay(time.Time{}, now), "first send is never paced")
	assert.Equal(t, 4*time.Second, p.Delay(now, now))
	assert.Equal(t, time.Second, p.Delay(now.Add(-3*time.Second), now))
	assert.Zero(t, p.Delay(now.Add(-time.Minute), now))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, MaxAttempts: 5, Rand: fixed(1)}

	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(9))

	low := Backoff{Initial: time.Second, Rand: fixed(0)}
	assert.Equal(t, 2*time.Second, low.Delay(3))

	assert.False(t, b.Exhausted(5))
	assert.True(t, b.Exhausted(6))
	assert.False(t, Backoff{}.Exhausted(1000))
}
