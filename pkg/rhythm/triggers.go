package rhythm

import (
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/denizumutdereli/qubicsleep/pkg/lifecycle"
)

// Window slack for the window-gated rhythms: the minimum gap is shortened
// by the window length so a run can land anywhere inside the next window.
const (
	deepSleepSlack   = 2 * time.Hour
	homeostasisSlack = time.Hour
)

// Gate reports whether a rhythm may run at local time t.
type Gate func(t time.Time) bool

// Trigger pairs a minimum interval with a circadian gate.
type Trigger struct {
	Rhythm   core.Rhythm
	Interval time.Duration
	Slack    time.Duration
	Gate     Gate
}

// MinGap is the effective minimum time between runs.
func (tr Trigger) MinGap() time.Duration {
	if tr.Slack > 0 && tr.Slack < tr.Interval {
		return tr.Interval - tr.Slack
	}
	return tr.Interval
}

// ShouldRun reports whether the trigger is due at local time now given
// the last completed run. A rhythm that never ran is due once its gate opens.
func (tr Trigger) ShouldRun(now, last time.Time) bool {
	if tr.Gate != nil && !tr.Gate(now) {
		return false
	}
	return last.IsZero() || now.Sub(last) >= tr.MinGap()
}

func anyPhase(time.Time) bool { return true }

func inPhase(p lifecycle.Phase) Gate {
	return func(t time.Time) bool { return lifecycle.PhaseAt(t) == p }
}

func awake(t time.Time) bool { return lifecycle.IsWake(lifecycle.PhaseAt(t)) }

// sundayThreeAM opens for the 03:00 hour on Sundays.
func sundayThreeAM(t time.Time) bool {
	return t.Weekday() == time.Sunday && t.Hour() == 3
}

// DefaultTriggers builds the six triggers from config, in evaluation order.
func DefaultTriggers(cfg core.SchedulerConfig) []Trigger {
	return []Trigger{
		{Rhythm: core.RhythmContinuous, Interval: cfg.ContinuousInterval, Gate: awake},
		{Rhythm: core.RhythmShortTerm, Interval: cfg.ShortTermInterval, Gate: anyPhase},
		{Rhythm: core.RhythmLongTerm, Interval: cfg.LongTermInterval, Gate: anyPhase},
		{Rhythm: core.RhythmDeepSleep, Interval: cfg.DeepSleepInterval, Slack: deepSleepSlack, Gate: inPhase(lifecycle.PhaseDeepSleep)},
		{Rhythm: core.RhythmREMSleep, Interval: cfg.REMSleepInterval, Gate: inPhase(lifecycle.PhaseREMDominant)},
		{Rhythm: core.RhythmHomeostasis, Interval: cfg.HomeostasisInterval, Slack: homeostasisSlack, Gate: sundayThreeAM},
	}
}
