package synapse

import (
	"context"

	"github.com/denizumutdereli/qubicsleep/pkg/concurrency"
	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// Pipeline chains the link stages in their fixed order:
// spike timing → plasticity → tagging → homeostasis → competition → capture.
type Pipeline struct {
	STDP       *SpikeTimingAnalyzer
	Plasticity *PlasticityCalculator
	Tagger     *SynapticTagger
	Scaler     *HomeostaticScaler
	Ranker     *CompetitionRanker
}

// NewPipeline wires every stage from the same parameters.
func NewPipeline(p Params, pool *concurrency.WorkerPool) *Pipeline {
	return &Pipeline{
		STDP:       NewSpikeTimingAnalyzer(p, pool),
		Plasticity: NewPlasticityCalculator(p),
		Tagger:     NewSynapticTagger(p),
		Scaler:     NewHomeostaticScaler(),
		Ranker:     NewCompetitionRanker(),
	}
}

// Run derives the batch links for traces. focus is the admission focus set.
func (p *Pipeline) Run(ctx context.Context, traces []core.MemoryTrace, focus map[core.TraceID]bool) ([]core.SynapticLink, error) {
	links, err := p.STDP.Analyze(ctx, traces)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, nil
	}

	strengths := make(map[core.TraceID]float64, len(traces))
	for i := range traces {
		strengths[traces[i].ID] = traces[i].ConsolidatedStrength
	}

	p.Plasticity.Apply(links, strengths, focus)
	p.Tagger.Apply(links)
	p.Scaler.Apply(links)
	p.Ranker.Apply(links)
	p.Tagger.Capture(links)
	return links, nil
}
