package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowCounter(t *testing.T) {
	now := time.Unix(1000, 0)
	wc := NewWindowCounter(10 * time.Second)
	wc.nowFunc = func() time.Time { return now }

	wc.Add(10)
	wc.Add(30)
	now = now.Add(3 * time.Second)
	wc.Add(20)

	sum, count := wc.Snapshot()
	assert.Equal(t, int64(60), sum)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, float64(20), wc.Average())
	assert.InDelta(t, 0.3, wc.Rate(), 1e-9)

	// the first two values slide out of the window
	now = now.Add(8 * time.Second)
	sum, count = wc.Snapshot()
	assert.Equal(t, int64(20), sum)
	assert.Equal(t, int64(1), count)

	now = now.Add(time.Minute)
	sum, count = wc.Snapshot()
	assert.Zero(t, sum)
	assert.Zero(t, count)
	assert.Zero(t, wc.Average())
}

func TestWindowCounterClockStepBack(t *testing.T) {
	now := time.Unix(1000, 0)
	wc := NewWindowCounter(5 * time.Second)
	wc.nowFunc = func() time.Time { return now }

	wc.Add(1)
	now = now.Add(-3 * time.Second)
	wc.Add(2)

	sum, count := wc.Snapshot()
	assert.Equal(t, int64(3), sum)
	assert.Equal(t, int64(2), count)
}
