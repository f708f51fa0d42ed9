package engine

import (
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/denizumutdereli/qubicsleep/pkg/synapse"
)

// FateClassifier applies a batch's link deltas to traces and decides
// their consolidation fate.
type FateClassifier struct {
	consolidation float64
	weak          float64
	strong        float64
	decay         float64
	boost         float64
	prune         float64
	retention     time.Duration
	capture       float64
}

// NewFateClassifier creates a classifier from validated config.
func NewFateClassifier(cfg *core.Config) *FateClassifier {
	p := cfg.Plasticity
	return &FateClassifier{
		consolidation: p.ConsolidationThreshold,
		weak:          p.WeakThreshold,
		strong:        p.StrongThreshold,
		decay:         p.DecayRate,
		boost:         p.BoostFactor,
		prune:         p.PruneThreshold,
		retention:     p.RetentionWindow,
		capture:       synapse.NewSynapticTagger(synapse.ParamsFromConfig(cfg)).CaptureDelta(),
	}
}

// Incoming is the per-trace aggregate of a batch's links.
type Incoming struct {
	Delta         float64
	Positive      bool
	Tagged        bool
	Coactivations int
}

// Aggregate sums final deltas per post-synaptic trace and counts
// co-activations on both ends of every link.
func Aggregate(links []core.SynapticLink) map[core.TraceID]Incoming {
	agg := make(map[core.TraceID]Incoming)
	for i := range links {
		l := &links[i]

		in := agg[l.PostID]
		in.Delta += l.FinalDelta
		if l.FinalDelta > 0 {
			in.Positive = true
		}
		if l.Tagged {
			in.Tagged = true
		}
		in.Coactivations += l.CoActivationCount
		agg[l.PostID] = in

		pre := agg[l.PreID]
		pre.Coactivations += l.CoActivationCount
		agg[l.PreID] = pre
	}
	return agg
}

// Verdict is the classifier's decision for one trace before the
// summarizer is consulted.
type Verdict struct {
	Trace core.MemoryTrace
	// WantsSummary is set when the trace crossed the consolidation
	// threshold and has no absorbing fate yet.
	WantsSummary bool
	// PruneCandidate is set during Homeostasis for weak, long-unused traces.
	PruneCandidate bool
	Captured       bool
}

// Classify computes the new state of t. It never calls out; summarizer
// results are folded in afterwards by Transfer or Defer.
func (f *FateClassifier) Classify(t core.MemoryTrace, in Incoming, rhythm core.Rhythm, now time.Time) Verdict {
	v := Verdict{Trace: t.Clone()}
	tr := &v.Trace

	s := tr.ConsolidatedStrength + in.Delta

	// A tag left by an earlier batch guarantees one delayed strengthening.
	switch {
	case tr.SynapticTag && !in.Positive:
		s += f.capture
		tr.SynapticTag = false
		v.Captured = true
	case in.Tagged:
		tr.SynapticTag = true
	}

	s = core.Clamp01(s)
	tr.CoActivationCount += in.Coactivations

	// Working-memory items are held by admission control, not consolidated.
	if s > f.consolidation && !tr.Fate.Absorbing() && tr.Tier != core.TierWorkingMemory {
		v.WantsSummary = true
	}

	if s < f.weak && tr.Tier != core.TierWorkingMemory {
		s *= f.decay
		if !tr.Fate.Absorbing() {
			tr.Fate = core.FateDecayed
		}
	}

	if s >= f.strong {
		s = core.Clamp01(s * f.boost)
	}

	if (rhythm == core.RhythmDeepSleep || rhythm == core.RhythmREMSleep) &&
		tr.Tier != core.TierWorkingMemory &&
		s >= f.weak && s <= f.consolidation &&
		(tr.Fate == core.FatePending || tr.Fate == core.FateDecayed) {
		tr.Fate = core.FateHippocampalRetention
	}

	if rhythm == core.RhythmHomeostasis && s < f.prune && now.Sub(tr.LastAccessAt) > f.retention {
		v.PruneCandidate = true
	}

	tr.ConsolidatedStrength = s
	tr.MetaplasticityThreshold = synapse.MetaplasticityThreshold(s)
	return v
}

// Transfer records a successful summary: the trace moves to the cortex.
func Transfer(t *core.MemoryTrace, s core.Summary) {
	t.Summary = &s
	t.Fate = core.FateCorticalTransfer
	t.Tier = core.TierLongTerm
}

// Defer records a failed summary attempt; the trace waits in
// Consolidating for a later pass.
func Defer(t *core.MemoryTrace) {
	t.SummaryAttempts++
	t.Fate = core.FatePending
	t.Tier = core.TierConsolidating
}

// changed reports whether an update needs to be written.
func changed(before, after *core.MemoryTrace) bool {
	return before.ConsolidatedStrength != after.ConsolidatedStrength ||
		before.Fate != after.Fate ||
		before.Tier != after.Tier ||
		before.SynapticTag != after.SynapticTag ||
		before.CoActivationCount != after.CoActivationCount ||
		before.SummaryAttempts != after.SummaryAttempts ||
		before.MetaplasticityThreshold != after.MetaplasticityThreshold ||
		(before.Summary == nil) != (after.Summary == nil)
}
