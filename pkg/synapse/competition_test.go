package synapse

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

func TestCompetitionFactorBands(t *testing.T) {
	tests := []struct {
		pos, n int
		want   float64
	}{
		{0, 10, 1.0},
		{2, 10, 1.0},
		{3, 10, 0.5},
		{6, 10, 0.5},
		{7, 10, 0.2},
		{9, 10, 0.2},
		{0, 1, 1.0},
	}
	for _, tt := range tests {
		if got := CompetitionFactor(tt.pos, tt.n); got != tt.want {
			t.Errorf("CompetitionFactor(%d, %d): expected %v, got %v", tt.pos, tt.n, tt.want, got)
		}
	}
}

func TestCompetitionMonotonic(t *testing.T) {
	counts := []int{10, 8, 8, 5, 3, 1, 5, 8}
	var links []core.SynapticLink
	for i, c := range counts {
		links = append(links, core.SynapticLink{
			PreID:             "src",
			PostID:            core.TraceID(fmt.Sprintf("p%d", i)),
			CoActivationCount: c,
			ScaledDelta:       0.05,
		})
	}

	NewCompetitionRanker().Apply(links)

	for i := range links {
		for j := range links {
			if links[i].CoActivationCount > links[j].CoActivationCount &&
				links[i].CompetitionFactor < links[j].CompetitionFactor {
				t.Errorf("Count %d got factor %v below count %d with %v",
					links[i].CoActivationCount, links[i].CompetitionFactor,
					links[j].CoActivationCount, links[j].CompetitionFactor)
			}
			if links[i].CoActivationCount == links[j].CoActivationCount &&
				links[i].CompetitionFactor != links[j].CompetitionFactor {
				t.Errorf("Tied counts should share a factor: %v vs %v",
					links[i].CompetitionFactor, links[j].CompetitionFactor)
			}
		}
	}

	for _, l := range links {
		if math.Abs(l.FinalDelta-l.ScaledDelta*l.CompetitionFactor) > eps {
			t.Errorf("FinalDelta should be scaled × factor, got %v", l.FinalDelta)
		}
		if l.CoActivationCount == 10 && (l.CompetitionRank != 1 || l.CompetitionFactor != WinnerFactor) {
			t.Errorf("Top link should rank 1 with winner factor, got %d/%v", l.CompetitionRank, l.CompetitionFactor)
		}
		if l.CoActivationCount == 1 && l.CompetitionFactor != LoserFactor {
			t.Errorf("Bottom link should get loser factor, got %v", l.CompetitionFactor)
		}
	}
}

func TestCompetitionIsPerSource(t *testing.T) {
	links := []core.SynapticLink{
		{PreID: "a", PostID: "x", CoActivationCount: 1, ScaledDelta: 0.1},
		{PreID: "b", PostID: "y", CoActivationCount: 9, ScaledDelta: 0.1},
	}
	NewCompetitionRanker().Apply(links)

	for _, l := range links {
		if l.CompetitionRank != 1 || l.CompetitionFactor != WinnerFactor {
			t.Errorf("Sole outgoing link of %s should win, got %d/%v", l.PreID, l.CompetitionRank, l.CompetitionFactor)
		}
	}
}

func TestPipelineStrongTaggedLink(t *testing.T) {
	pre := eventTraceFixture("a", "work", ms(0), ms(300), ms(600), ms(900), ms(1200))
	post := eventTraceFixture("b", "work", ms(10), ms(310), ms(610), ms(910), ms(1210))
	post.ConsolidatedStrength = 0.6

	links, err := NewPipeline(DefaultParams(), nil).Run(context.Background(), []core.MemoryTrace{pre, post}, nil)
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(links))
	}

	l := links[0]
	if !l.Tagged {
		t.Error("Expected link to be tagged")
	}
	if l.Rule != core.RuleLTP {
		t.Errorf("Expected LTP, got %s", l.Rule)
	}
	if l.FinalDelta <= 0 {
		t.Errorf("Expected positive final delta, got %v", l.FinalDelta)
	}
	if math.Abs(l.ScaledDelta) > FallbackBound+eps {
		t.Errorf("Single-link batch must respect fallback bound, got %v", l.ScaledDelta)
	}
}

func TestPipelineNoLinks(t *testing.T) {
	links, err := NewPipeline(DefaultParams(), nil).Run(context.Background(),
		[]core.MemoryTrace{eventTraceFixture("a", "x", ms(0))}, nil)
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	if links != nil {
		t.Errorf("Expected no links, got %v", links)
	}
}
