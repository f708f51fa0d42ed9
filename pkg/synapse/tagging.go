package synapse

import "github.com/denizumutdereli/qubicsleep/pkg/core"

const (
	// MinTagCoactivation is the co-activation count needed to set a tag.
	MinTagCoactivation = 3
	// MinTagFactor is the STDP factor a link must exceed to be tagged.
	MinTagFactor = 0.5

	captureFraction = 0.1
)

// SynapticTagger marks links strong enough to capture plasticity-related
// proteins later (synaptic tagging and capture).
type SynapticTagger struct {
	lr float64
}

// NewSynapticTagger creates a tagger from pipeline parameters.
func NewSynapticTagger(p Params) *SynapticTagger {
	return &SynapticTagger{lr: p.LearningRate}
}

// Tag reports whether the link qualifies and its tag strength.
func Tag(link *core.SynapticLink) (bool, float64) {
	if link.CoActivationCount >= MinTagCoactivation && link.STDPFactor > MinTagFactor {
		return true, float64(link.CoActivationCount) * link.STDPFactor
	}
	return false, 0
}

// Apply sets Tagged and TagStrength on every link.
func (t *SynapticTagger) Apply(links []core.SynapticLink) {
	for i := range links {
		links[i].Tagged, links[i].TagStrength = Tag(&links[i])
	}
}

// CaptureDelta is the positive delta a tagged synapse is guaranteed.
func (t *SynapticTagger) CaptureDelta() float64 {
	return t.lr * captureFraction
}

// Capture floors the final delta of tagged links at the capture delta.
func (t *SynapticTagger) Capture(links []core.SynapticLink) {
	floor := t.CaptureDelta()
	for i := range links {
		if links[i].Tagged && links[i].FinalDelta < floor {
			links[i].FinalDelta = floor
		}
	}
}
