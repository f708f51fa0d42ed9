package core

import (
	"fmt"
	"math"
	"strings"
)

// DefaultMaxTraceContentBytes is the hard upper boundary for ingested trace content.
const DefaultMaxTraceContentBytes = 64 * 1024

// ValidateContent ensures trace content is non-empty and within size boundaries.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty content", ErrDataCorruption)
	}
	if size := len(content); size > DefaultMaxTraceContentBytes {
		return fmt.Errorf("%w: content %d bytes > %d", ErrDataCorruption, size, DefaultMaxTraceContentBytes)
	}
	return nil
}

// NormalizeTrace checks a trace read from the store. Structural damage
// (missing id, unknown tier or fate, NaN numbers) is reported as
// ErrDataCorruption; numeric fields that are merely out of range are
// clamped in place.
func NormalizeTrace(t *MemoryTrace) error {
	if strings.TrimSpace(string(t.ID)) == "" {
		return fmt.Errorf("%w: empty id", ErrDataCorruption)
	}
	if !t.Tier.Valid() {
		return fmt.Errorf("%w: trace %s has unknown tier %q", ErrDataCorruption, t.ID, t.Tier)
	}
	if t.Fate == "" {
		t.Fate = FatePending
	}
	if !t.Fate.Valid() {
		return fmt.Errorf("%w: trace %s has unknown fate %q", ErrDataCorruption, t.ID, t.Fate)
	}
	for name, v := range map[string]float64{
		"activation_strength":   t.ActivationStrength,
		"consolidated_strength": t.ConsolidatedStrength,
		"emotional_salience":    t.EmotionalSalience,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: trace %s has non-finite %s", ErrDataCorruption, t.ID, name)
		}
	}

	t.ActivationStrength = Clamp01(t.ActivationStrength)
	t.ConsolidatedStrength = Clamp01(t.ConsolidatedStrength)
	t.EmotionalSalience = Clamp01(t.EmotionalSalience)
	if t.CoActivationCount < 0 {
		t.CoActivationCount = 0
	}
	return nil
}
