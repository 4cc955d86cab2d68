package progress

import (
	"time"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Meter tracks byte progress and computes a smoothed rate. A Meter belongs to a
// single session and is not safe for concurrent use.
type Meter struct {
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start initializes the meter. already counts bytes that were done before this
// attempt (a resume offset); they count toward Percent but not toward the rate.
func (m *Meter) Start(totalBytes, already int64) {
	m.total = totalBytes
	m.done = already
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = already
	m.rateBps = 0
}

// Add increments the completed byte count.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	now := m.now()
	m.done += int64(n)
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / deltaTime
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
