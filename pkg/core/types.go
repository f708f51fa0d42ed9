package core

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// TraceID is a unique identifier for a memory trace
type TraceID string

// NewTraceID generates a new unique trace ID
func NewTraceID() TraceID {
	return TraceID(uuid.New().String())
}

// Tier is the memory hierarchy level a trace currently lives in.
type Tier string

const (
	TierWorkingMemory Tier = "working_memory"
	TierShortTerm     Tier = "short_term"
	TierConsolidating Tier = "consolidating"
	TierLongTerm      Tier = "long_term"
	TierPruned        Tier = "pruned"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierWorkingMemory, TierShortTerm, TierConsolidating, TierLongTerm, TierPruned:
		return true
	}
	return false
}

// Fate is the consolidation outcome recorded on a trace.
type Fate string

const (
	FatePending              Fate = "pending"
	FateCorticalTransfer     Fate = "cortical_transfer"
	FateHippocampalRetention Fate = "hippocampal_retention"
	FateDecayed              Fate = "decayed"
)

// Valid reports whether f is a known fate.
func (f Fate) Valid() bool {
	switch f {
	case FatePending, FateCorticalTransfer, FateHippocampalRetention, FateDecayed:
		return true
	}
	return false
}

// Absorbing reports whether no later pass may change the fate.
func (f Fate) Absorbing() bool {
	return f == FateCorticalTransfer || f == FateHippocampalRetention
}

// Summary is the structured reply of the text-generation service.
type Summary struct {
	Gist     string `json:"gist" msgpack:"gist"`
	Category string `json:"category" msgpack:"category"`
	Region   string `json:"region" msgpack:"region"`
}

// MemoryTrace is a single memory unit as seen by the consolidation engine.
type MemoryTrace struct {
	ID           TraceID   `json:"id" msgpack:"id"`
	Content      string    `json:"content" msgpack:"content"`
	CreatedAt    time.Time `json:"created_at" msgpack:"created_at"`
	LastAccessAt time.Time `json:"last_access_at" msgpack:"last_access_at"`

	// ActivationTimes is the activation event log used for spike timing.
	// When empty, LastAccessAt is treated as the only event.
	ActivationTimes []time.Time `json:"activation_times,omitempty" msgpack:"activation_times,omitempty"`

	ActivationStrength float64 `json:"activation_strength" msgpack:"activation_strength"`
	Tier               Tier    `json:"tier" msgpack:"tier"`
	SemanticCategory   string  `json:"semantic_category" msgpack:"semantic_category"`
	EmotionalSalience  float64 `json:"emotional_salience" msgpack:"emotional_salience"`
	CoActivationCount  int     `json:"co_activation_count" msgpack:"co_activation_count"`

	ConsolidatedStrength    float64 `json:"consolidated_strength" msgpack:"consolidated_strength"`
	Fate                    Fate    `json:"consolidation_fate" msgpack:"consolidation_fate"`
	SynapticTag             bool    `json:"synaptic_tag" msgpack:"synaptic_tag"`
	MetaplasticityThreshold float64 `json:"metaplasticity_threshold" msgpack:"metaplasticity_threshold"`

	Summary         *Summary `json:"summary,omitempty" msgpack:"summary,omitempty"`
	SummaryAttempts int      `json:"summary_attempts" msgpack:"summary_attempts"`

	LastUpdateAt time.Time `json:"last_update_at" msgpack:"last_update_at"`

	// Version is bumped by every committed batch; ApplyBatch rejects
	// updates computed from a stale version.
	Version uint64 `json:"version" msgpack:"version"`
}

// NewMemoryTrace creates a fresh working-memory trace.
func NewMemoryTrace(content, category string, now time.Time) MemoryTrace {
	return MemoryTrace{
		ID:                      NewTraceID(),
		Content:                 content,
		CreatedAt:               now,
		LastAccessAt:            now,
		ActivationTimes:         []time.Time{now},
		ActivationStrength:      1.0, // born fully activated
		Tier:                    TierWorkingMemory,
		SemanticCategory:        category,
		ConsolidatedStrength:    0.0,
		Fate:                    FatePending,
		MetaplasticityThreshold: 0.5,
		LastUpdateAt:            now,
	}
}

// MaxActivationEvents caps the stored activation log; older events are dropped.
const MaxActivationEvents = 64

// Activate records a re-activation at at: the event joins the log in time
// order (keeping the newest MaxActivationEvents), the trace is fully
// activated again and LastAccessAt moves forward.
func (t *MemoryTrace) Activate(at time.Time) {
	events := append([]time.Time(nil), t.Events()...)
	events = append(events, at)
	sort.Slice(events, func(i, j int) bool { return events[i].Before(events[j]) })
	if n := len(events); n > MaxActivationEvents {
		events = events[n-MaxActivationEvents:]
	}
	t.ActivationTimes = events
	t.ActivationStrength = 1.0
	if at.After(t.LastAccessAt) {
		t.LastAccessAt = at
	}
}

// Events returns the activation events of the trace, falling back to
// LastAccessAt when no event log is recorded.
func (t *MemoryTrace) Events() []time.Time {
	if len(t.ActivationTimes) > 0 {
		return t.ActivationTimes
	}
	if t.LastAccessAt.IsZero() {
		return nil
	}
	return []time.Time{t.LastAccessAt}
}

// Clone returns a deep copy so pipeline stages never share mutable slices.
func (t MemoryTrace) Clone() MemoryTrace {
	c := t
	if t.ActivationTimes != nil {
		c.ActivationTimes = append([]time.Time(nil), t.ActivationTimes...)
	}
	if t.Summary != nil {
		s := *t.Summary
		c.Summary = &s
	}
	return c
}

// STDPWindow is the spike-timing classification of a link.
type STDPWindow string

const (
	WindowPotentiation STDPWindow = "potentiation"
	WindowDepression   STDPWindow = "depression"
	WindowNone         STDPWindow = "none"
)

// PlasticityRule names the branch of the differential rule that produced a delta.
type PlasticityRule string

const (
	RuleLTP     PlasticityRule = "ltp"
	RuleLTD     PlasticityRule = "ltd"
	RuleHebbian PlasticityRule = "hebbian"
)

// SynapticLink is a directed pre → post connection derived within one batch.
type SynapticLink struct {
	PreID  TraceID `json:"pre_id" msgpack:"pre_id"`
	PostID TraceID `json:"post_id" msgpack:"post_id"`

	CoActivationCount   int        `json:"coactivation_count" msgpack:"coactivation_count"`
	AvgTemporalOffsetMs float64    `json:"avg_temporal_offset_ms" msgpack:"avg_temporal_offset_ms"`
	Window              STDPWindow `json:"stdp_window_type" msgpack:"stdp_window_type"`
	STDPFactor          float64    `json:"stdp_strength_factor" msgpack:"stdp_strength_factor"`

	Rule  PlasticityRule `json:"rule" msgpack:"rule"`
	Delta float64        `json:"ltp_ltd_delta" msgpack:"ltp_ltd_delta"`

	Tagged      bool    `json:"tagged" msgpack:"tagged"`
	TagStrength float64 `json:"tag_strength" msgpack:"tag_strength"`

	ScaledDelta       float64 `json:"scaled_delta" msgpack:"scaled_delta"`
	CompetitionRank   int     `json:"competition_rank" msgpack:"competition_rank"`
	CompetitionFactor float64 `json:"competition_factor" msgpack:"competition_factor"`
	FinalDelta        float64 `json:"final_weight_delta" msgpack:"final_weight_delta"`
}

// Key returns a stable identifier for the directed link.
func (l *SynapticLink) Key() string {
	return string(l.PreID) + ":" + string(l.PostID)
}

// BatchStatus is the commit state of a consolidation batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchCommitted BatchStatus = "committed"
	BatchAborted   BatchStatus = "aborted"
)

// ConsolidationBatch is the unit of atomic commit produced by one rhythm invocation.
type ConsolidationBatch struct {
	ID            uint64      `json:"id" msgpack:"id"`
	CorrelationID string      `json:"correlation_id" msgpack:"correlation_id"`
	Rhythm        Rhythm      `json:"rhythm" msgpack:"rhythm"`
	CreatedAt     time.Time   `json:"created_at" msgpack:"created_at"`
	Status        BatchStatus `json:"status" msgpack:"status"`

	// Traces is the candidate snapshot the batch was computed from.
	Traces []MemoryTrace  `json:"traces" msgpack:"traces"`
	Links  []SynapticLink `json:"links" msgpack:"links"`

	// Updates carries the new state of every trace touched by the batch.
	Updates []MemoryTrace `json:"updates" msgpack:"updates"`

	// Pruned lists traces to remove; only ever non-empty for Homeostasis.
	Pruned []PrunedTrace `json:"pruned,omitempty" msgpack:"pruned,omitempty"`
}

// PrunedTrace names a trace to delete and the version its prune verdict
// was computed from. A trace touched since then is kept.
type PrunedTrace struct {
	ID      TraceID `json:"id" msgpack:"id"`
	Version uint64  `json:"version" msgpack:"version"`
}

// NewBatch creates a pending batch over a snapshot.
func NewBatch(id uint64, rhythm Rhythm, traces []MemoryTrace, now time.Time) *ConsolidationBatch {
	return &ConsolidationBatch{
		ID:            id,
		CorrelationID: uuid.New().String(),
		Rhythm:        rhythm,
		CreatedAt:     now,
		Status:        BatchPending,
		Traces:        traces,
	}
}

// Filter narrows a MemoryStore query.
type Filter struct {
	Tiers []Tier
	// Limit caps the snapshot size; 0 means unlimited.
	Limit int
}

// Rhythm identifies one of the scheduler's processing cadences.
type Rhythm string

const (
	RhythmContinuous  Rhythm = "continuous"
	RhythmShortTerm   Rhythm = "short_term"
	RhythmLongTerm    Rhythm = "long_term"
	RhythmDeepSleep   Rhythm = "deep_sleep"
	RhythmREMSleep    Rhythm = "rem_sleep"
	RhythmHomeostasis Rhythm = "homeostasis"
)

// AllRhythms lists every rhythm in evaluation order.
var AllRhythms = []Rhythm{
	RhythmContinuous,
	RhythmShortTerm,
	RhythmLongTerm,
	RhythmDeepSleep,
	RhythmREMSleep,
	RhythmHomeostasis,
}

// ParseRhythm resolves a rhythm name.
func ParseRhythm(s string) (Rhythm, bool) {
	for _, r := range AllRhythms {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Clamp01 bounds v to [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clamp(v, 0, 1)
}

func clamp(val, lo, hi float64) float64 {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
