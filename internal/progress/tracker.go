// Package progress derives coarse percentage milestones and transfer rates for a
// single session. Nothing here is shared between sessions.
package progress

// DefaultStep is the milestone granularity in percent.
const DefaultStep = 10

// Milestone is reported each time progress crosses a multiple of the step.
type Milestone struct {
	Percent int
	Stats   Stats
}

// Tracker turns byte counts into milestone callbacks.
type Tracker struct {
	meter *Meter
	step  int
	last  int
	fn    func(Milestone)
}

// NewTracker starts tracking a transfer of total bytes of which already were
// present before this attempt. fn may be nil.
func NewTracker(total, already int64, step int, fn func(Milestone)) *Tracker {
	return newTracker(NewMeter(), total, already, step, fn)
}

func newTracker(m *Meter, total, already int64, step int, fn func(Milestone)) *Tracker {
	if step <= 0 || step > 100 {
		step = DefaultStep
	}
	m.Start(total, already)
	t := &Tracker{meter: m, step: step, fn: fn}
	t.last = t.bucket(m.Snapshot())
	return t
}

func (t *Tracker) bucket(s Stats) int {
	if s.Total <= 0 {
		return 0
	}
	pct := int(s.BytesDone * 100 / s.Total)
	return pct - pct%t.step
}

// Add records n more bytes and fires the callback on a new milestone.
func (t *Tracker) Add(n int) {
	t.meter.Add(n)
	if t.fn == nil {
		return
	}
	s := t.meter.Snapshot()
	b := t.bucket(s)
	if b > t.last {
		t.last = b
		t.fn(Milestone{Percent: b, Stats: s})
	}
}

// Stats returns the current snapshot.
func (t *Tracker) Stats() Stats {
	return t.meter.Snapshot()
}
