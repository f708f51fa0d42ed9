// Package synapse holds the pure stages of a consolidation pass:
// admission control, spike timing, plasticity, tagging, homeostatic
// scaling and competition. Every stage reads its input and returns new
// values; none of them touches shared state, so a pass over the same
// snapshot always yields the same links.
package synapse

import (
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// Params are the tunables shared by the pipeline stages.
type Params struct {
	LearningRate float64
	FocusBoost   float64

	MinCapacity int
	MaxCapacity int
	FocusSize   int
	RecencyTau  time.Duration

	PairingWindow time.Duration
}

// DefaultParams mirrors core.DefaultConfig.
func DefaultParams() Params {
	return ParamsFromConfig(core.DefaultConfig())
}

// ParamsFromConfig extracts pipeline parameters from a validated config.
func ParamsFromConfig(cfg *core.Config) Params {
	return Params{
		LearningRate:  cfg.Plasticity.LearningRate,
		FocusBoost:    cfg.Plasticity.FocusBoost,
		MinCapacity:   cfg.WorkingMemory.MinCapacity,
		MaxCapacity:   cfg.WorkingMemory.MaxCapacity,
		FocusSize:     cfg.WorkingMemory.FocusSize,
		RecencyTau:    cfg.WorkingMemory.RecencyTau,
		PairingWindow: cfg.STDP.PairingWindow,
	}
}
