package synapse

import (
	"math"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// BCM sliding thresholds.
const (
	HighActivityThreshold = 0.96
	LowActivityThreshold  = 0.40
	BaseThreshold         = 0.5

	ltpGain = 1.5
	ltdGain = 0.8

	// ltdFloor is the strength under which any link depresses its target.
	ltdFloor = 0.4

	// coactivationSaturation caps the co-activation term.
	coactivationSaturation = 10
)

// MetaplasticityThreshold is the BCM modification threshold for a node of
// the given strength. Highly active nodes make potentiation harder, quiet
// nodes make it easier.
func MetaplasticityThreshold(strength float64) float64 {
	switch {
	case strength > 0.8:
		return HighActivityThreshold
	case strength < 0.5:
		return LowActivityThreshold
	default:
		return BaseThreshold
	}
}

// PlasticityCalculator turns classified links into weight deltas.
type PlasticityCalculator struct {
	lr         float64
	focusBoost float64
}

// NewPlasticityCalculator creates a calculator from pipeline parameters.
func NewPlasticityCalculator(p Params) *PlasticityCalculator {
	return &PlasticityCalculator{lr: p.LearningRate, focusBoost: p.FocusBoost}
}

// Delta computes the raw delta for a link given the strength of its
// post-synaptic node.
func (c *PlasticityCalculator) Delta(link *core.SynapticLink, postStrength float64) (float64, core.PlasticityRule) {
	s := core.Clamp01(postStrength)
	theta := MetaplasticityThreshold(s)
	co := float64(min(link.CoActivationCount, coactivationSaturation)) / coactivationSaturation

	switch {
	case link.Window == core.WindowPotentiation && s > 0.8*theta:
		return c.lr * ltpGain * link.STDPFactor * co, core.RuleLTP
	case link.Window == core.WindowDepression || s < ltdFloor:
		return -c.lr * ltdGain * math.Abs(link.STDPFactor), core.RuleLTD
	default:
		return c.lr * co * (1 - s), core.RuleHebbian
	}
}

// Apply fills Rule and Delta on every link. strengths maps trace ids to
// their current consolidated strength; links touching a focus trace get
// the focus multiplier.
func (c *PlasticityCalculator) Apply(links []core.SynapticLink, strengths map[core.TraceID]float64, focus map[core.TraceID]bool) {
	for i := range links {
		l := &links[i]
		d, rule := c.Delta(l, strengths[l.PostID])
		if focus[l.PreID] || focus[l.PostID] {
			d *= c.focusBoost
		}
		l.Delta = d
		l.Rule = rule
	}
}
