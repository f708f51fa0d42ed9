package lifecycle

import "time"

// Phase is a circadian phase derived from the hour of day.
type Phase string

const (
	PhaseWakeActive  Phase = "wake_active"  // 06:00–22:00
	PhaseWakeQuiet   Phase = "wake_quiet"   // 22:00–24:00
	PhaseLightSleep  Phase = "light_sleep"  // 00:00–02:00
	PhaseDeepSleep   Phase = "deep_sleep"   // 02:00–04:00
	PhaseREMDominant Phase = "rem_dominant" // 04:00–06:00
)

// PhaseForHour maps an hour of day (0–23) to its circadian phase.
// Hours outside the range are folded into it.
func PhaseForHour(hour int) Phase {
	hour = ((hour % 24) + 24) % 24
	switch {
	case hour < 2:
		return PhaseLightSleep
	case hour < 4:
		return PhaseDeepSleep
	case hour < 6:
		return PhaseREMDominant
	case hour < 22:
		return PhaseWakeActive
	default:
		return PhaseWakeQuiet
	}
}

// PhaseAt returns the circadian phase of t in t's own location.
func PhaseAt(t time.Time) Phase {
	return PhaseForHour(t.Hour())
}

// IsWake reports whether p is one of the waking phases.
func IsWake(p Phase) bool {
	return p == PhaseWakeActive || p == PhaseWakeQuiet
}

// IsSleep reports whether p is one of the sleeping phases.
func IsSleep(p Phase) bool {
	return !IsWake(p)
}
