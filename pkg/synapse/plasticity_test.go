package synapse

import (
	"math"
	"testing"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

const eps = 1e-9

func TestMetaplasticityThreshold(t *testing.T) {
	tests := []struct {
		s, want float64
	}{
		{0.9, 0.96},
		{0.81, 0.96},
		{0.8, 0.5},
		{0.5, 0.5},
		{0.49, 0.40},
		{0, 0.40},
	}
	for _, tt := range tests {
		if got := MetaplasticityThreshold(tt.s); got != tt.want {
			t.Errorf("MetaplasticityThreshold(%v): expected %v, got %v", tt.s, tt.want, got)
		}
	}
}

func TestPlasticityDelta(t *testing.T) {
	pc := NewPlasticityCalculator(DefaultParams())

	tests := []struct {
		name   string
		link   core.SynapticLink
		s      float64
		rule   core.PlasticityRule
		expect float64
	}{
		{
			name:   "ltp strong node",
			link:   core.SynapticLink{Window: core.WindowPotentiation, STDPFactor: 1.0, CoActivationCount: 5},
			s:      0.9,
			rule:   core.RuleLTP,
			expect: 0.1 * 1.5 * 1.0 * 0.5,
		},
		{
			name:   "ltp saturates coactivation",
			link:   core.SynapticLink{Window: core.WindowPotentiation, STDPFactor: 0.7, CoActivationCount: 25},
			s:      0.6,
			rule:   core.RuleLTP,
			expect: 0.1 * 1.5 * 0.7,
		},
		{
			name:   "ltd on depression window",
			link:   core.SynapticLink{Window: core.WindowDepression, STDPFactor: -0.5, CoActivationCount: 4},
			s:      0.6,
			rule:   core.RuleLTD,
			expect: -0.1 * 0.8 * 0.5,
		},
		{
			name:   "ltd on weak node",
			link:   core.SynapticLink{Window: core.WindowPotentiation, STDPFactor: 1.0, CoActivationCount: 4},
			s:      0.3,
			rule:   core.RuleLTD,
			expect: -0.1 * 0.8 * 1.0,
		},
		{
			name:   "hebbian otherwise",
			link:   core.SynapticLink{Window: core.WindowNone, STDPFactor: 0, CoActivationCount: 5},
			s:      0.6,
			rule:   core.RuleHebbian,
			expect: 0.1 * 0.5 * 0.4,
		},
	}

	for _, tt := range tests {
		d, rule := pc.Delta(&tt.link, tt.s)
		if rule != tt.rule {
			t.Errorf("%s: expected rule %s, got %s", tt.name, tt.rule, rule)
		}
		if math.Abs(d-tt.expect) > eps {
			t.Errorf("%s: expected delta %v, got %v", tt.name, tt.expect, d)
		}
	}
}

func TestPlasticityFocusBoost(t *testing.T) {
	pc := NewPlasticityCalculator(DefaultParams())

	links := []core.SynapticLink{
		{PreID: "a", PostID: "b", Window: core.WindowPotentiation, STDPFactor: 1.0, CoActivationCount: 10},
		{PreID: "c", PostID: "d", Window: core.WindowPotentiation, STDPFactor: 1.0, CoActivationCount: 10},
	}
	strengths := map[core.TraceID]float64{"b": 0.6, "d": 0.6}
	pc.Apply(links, strengths, map[core.TraceID]bool{"a": true})

	if math.Abs(links[0].Delta-links[1].Delta*1.2) > eps {
		t.Errorf("Expected focus link boosted by 1.2: %v vs %v", links[0].Delta, links[1].Delta)
	}
}

func TestTagging(t *testing.T) {
	tests := []struct {
		co       int
		factor   float64
		tagged   bool
		strength float64
	}{
		{3, 0.7, true, 2.1},
		{5, 1.0, true, 5},
		{2, 1.0, false, 0},
		{3, 0.5, false, 0},
		{10, -0.5, false, 0},
	}
	for _, tt := range tests {
		l := core.SynapticLink{CoActivationCount: tt.co, STDPFactor: tt.factor}
		tagged, s := Tag(&l)
		if tagged != tt.tagged || math.Abs(s-tt.strength) > eps {
			t.Errorf("Tag(co=%d, f=%v): expected (%v, %v), got (%v, %v)", tt.co, tt.factor, tt.tagged, tt.strength, tagged, s)
		}
	}
}

func TestCaptureFloorsTaggedLinks(t *testing.T) {
	tg := NewSynapticTagger(DefaultParams())
	links := []core.SynapticLink{
		{Tagged: true, FinalDelta: -0.05},
		{Tagged: true, FinalDelta: 0.05},
		{Tagged: false, FinalDelta: -0.05},
	}
	tg.Capture(links)

	if math.Abs(links[0].FinalDelta-tg.CaptureDelta()) > eps {
		t.Errorf("Tagged negative delta should be floored at %v, got %v", tg.CaptureDelta(), links[0].FinalDelta)
	}
	if links[1].FinalDelta != 0.05 {
		t.Errorf("Larger delta should be kept, got %v", links[1].FinalDelta)
	}
	if links[2].FinalDelta != -0.05 {
		t.Errorf("Untagged delta should be untouched, got %v", links[2].FinalDelta)
	}
}
