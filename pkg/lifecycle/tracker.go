package lifecycle

import (
	"sync"
	"time"
)

// Tracker remembers the last observed circadian phase and reports
// transitions. It holds no timer of its own; the scheduler feeds it on
// every tick.
type Tracker struct {
	loc *time.Location

	current  Phase
	since    time.Time
	onChange func(from, to Phase, at time.Time)

	mu sync.RWMutex
}

// NewTracker creates a tracker evaluating phases in loc (time.Local when nil).
func NewTracker(loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	return &Tracker{loc: loc}
}

// SetCallback configures the phase transition callback.
func (t *Tracker) SetCallback(onChange func(from, to Phase, at time.Time)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = onChange
}

// Location returns the zone phases are evaluated in.
func (t *Tracker) Location() *time.Location {
	return t.loc
}

// Observe records the phase at now and returns it. The callback fires
// synchronously when the phase differs from the previous observation; the
// very first observation is not a transition.
func (t *Tracker) Observe(now time.Time) Phase {
	local := now.In(t.loc)
	p := PhaseAt(local)

	t.mu.Lock()
	prev := t.current
	cb := t.onChange
	changed := prev != "" && prev != p
	if prev != p {
		t.current = p
		t.since = local
	}
	t.mu.Unlock()

	if changed && cb != nil {
		cb(prev, p, local)
	}
	return p
}

// Current returns the last observed phase and when it began.
// The phase is empty before the first observation.
func (t *Tracker) Current() (Phase, time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.since
}
