package synapse

import (
	"sort"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// Competition factors by percentile band.
const (
	WinnerFactor = 1.0
	MiddleFactor = 0.5
	LoserFactor  = 0.2
)

// CompetitionFactor maps a 0-based position among n siblings to a factor.
func CompetitionFactor(position, n int) float64 {
	if n <= 0 {
		return WinnerFactor
	}
	p := float64(position) / float64(n)
	switch {
	case p < 0.3:
		return WinnerFactor
	case p < 0.7:
		return MiddleFactor
	default:
		return LoserFactor
	}
}

// CompetitionRanker lets the outgoing links of one source compete by
// co-activation count.
type CompetitionRanker struct{}

// NewCompetitionRanker creates a ranker.
func NewCompetitionRanker() *CompetitionRanker {
	return &CompetitionRanker{}
}

// Apply fills CompetitionRank, CompetitionFactor and FinalDelta. Links
// with equal co-activation under the same source share the best factor of
// their group, so a larger count never earns a smaller factor.
func (r *CompetitionRanker) Apply(links []core.SynapticLink) {
	bySource := make(map[core.TraceID][]int)
	for i := range links {
		bySource[links[i].PreID] = append(bySource[links[i].PreID], i)
	}

	for _, idx := range bySource {
		sort.Slice(idx, func(a, b int) bool {
			la, lb := &links[idx[a]], &links[idx[b]]
			if la.CoActivationCount != lb.CoActivationCount {
				return la.CoActivationCount > lb.CoActivationCount
			}
			return la.PostID < lb.PostID
		})

		n := len(idx)
		groupFactor := WinnerFactor
		for pos, i := range idx {
			l := &links[i]
			if pos == 0 || links[idx[pos-1]].CoActivationCount != l.CoActivationCount {
				groupFactor = CompetitionFactor(pos, n)
			}
			l.CompetitionRank = pos + 1
			l.CompetitionFactor = groupFactor
			l.FinalDelta = l.ScaledDelta * groupFactor
		}
	}
}
