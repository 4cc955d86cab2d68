package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterRateAndETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(2000, 0)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	stats := m.Snapshot()
	require.EqualValues(t, 1000, stats.BytesDone)
	assert.InDelta(t, 1000, stats.RateBps, 100)
	assert.InDelta(t, float64(time.Second), float64(stats.ETA), float64(100*time.Millisecond))
}

func TestMeterEWMASmoothing(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(10000, 0)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	now = now.Add(1 * time.Second)
	m.Add(3000)

	assert.InDelta(t, 1400, m.Snapshot().RateBps, 100)
}

func TestMeterNoRateNoETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(1000, 0)

	stats := m.Snapshot()
	assert.Zero(t, stats.RateBps)
	assert.Zero(t, stats.ETA)
}

func TestMeterResumeOffsetExcludedFromRate(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(1000, 600)

	now = now.Add(2 * time.Second)
	m.Add(200)

	stats := m.Snapshot()
	assert.EqualValues(t, 800, stats.BytesDone)
	assert.InDelta(t, 80.0, stats.Percent, 0.001)
	assert.InDelta(t, 100, stats.RateBps, 1)
}
