package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	assert.Equal(t, start, c.Now())

	c.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
	assert.Equal(t, 5*time.Second, c.Since(start))
}

func TestFakeClockSet(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	target := time.Unix(1000, 0)
	c.Set(target)
	assert.Equal(t, target, c.Now())
}

func TestFakeMemoryProbe(t *testing.T) {
	p := &FakeMemoryProbe{FreeMB: 2048}
	free, err := p.FreeMemoryMB()
	assert.NoError(t, err)
	assert.Equal(t, 2048.0, free)
}

func TestRealClockMonotonic(t *testing.T) {
	c := NewRealClock()
	start := c.Now()
	time.Sleep(time.Millisecond)
	assert.Greater(t, c.Since(start), time.Duration(0))
}
