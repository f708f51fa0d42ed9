package synapse

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/concurrency"
	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// STDP window edges in milliseconds. All edges are inclusive.
const (
	StrongPotentiationMs = 20.0
	WeakPotentiationMs   = 40.0
	DepressionFarMs      = 70.0

	StrongPotentiationFactor = 1.0
	WeakPotentiationFactor   = 0.7
	DepressionFactor         = -0.5
)

// Classify maps a signed post-minus-pre offset to its STDP window. The
// rules are checked in order, so -40ms lands in the weak potentiation band.
func Classify(offsetMs float64) (core.STDPWindow, float64) {
	abs := math.Abs(offsetMs)
	switch {
	case abs <= StrongPotentiationMs:
		return core.WindowPotentiation, StrongPotentiationFactor
	case abs <= WeakPotentiationMs:
		return core.WindowPotentiation, WeakPotentiationFactor
	case offsetMs >= -DepressionFarMs && offsetMs <= -WeakPotentiationMs:
		return core.WindowDepression, DepressionFactor
	default:
		return core.WindowNone, 0.0
	}
}

// PairOffsets pairs every pre event with the nearest post event inside
// ±window and returns the signed offsets (post - pre) in milliseconds.
// Both inputs must be sorted ascending. The scan is a sliding window: the
// lower edge only moves forward, so the cost is linear in the event count
// plus the number of posts inside each window.
func PairOffsets(pre, post []time.Time, window time.Duration) []float64 {
	if len(pre) == 0 || len(post) == 0 {
		return nil
	}

	offsets := make([]float64, 0, len(pre))
	lo := 0
	for _, p := range pre {
		for lo < len(post) && post[lo].Before(p.Add(-window)) {
			lo++
		}

		best := time.Duration(0)
		found := false
		for k := lo; k < len(post); k++ {
			d := post[k].Sub(p)
			if d > window {
				break
			}
			// Equal distances prefer the causal (positive) pairing.
			if !found || absDur(d) < absDur(best) || (absDur(d) == absDur(best) && d > best) {
				best = d
				found = true
			}
		}
		if found {
			offsets = append(offsets, float64(best)/float64(time.Millisecond))
		}
	}
	return offsets
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// SpikeTimingAnalyzer derives links between co-active traces of the same
// semantic category.
type SpikeTimingAnalyzer struct {
	window time.Duration
	pool   *concurrency.WorkerPool
}

// NewSpikeTimingAnalyzer creates an analyzer. pool may be nil, in which
// case categories are analysed sequentially.
func NewSpikeTimingAnalyzer(p Params, pool *concurrency.WorkerPool) *SpikeTimingAnalyzer {
	return &SpikeTimingAnalyzer{window: p.PairingWindow, pool: pool}
}

type eventTrace struct {
	id     core.TraceID
	events []time.Time
}

// Analyze returns one link per qualifying pair, sorted by (pre, post).
func (a *SpikeTimingAnalyzer) Analyze(ctx context.Context, traces []core.MemoryTrace) ([]core.SynapticLink, error) {
	groups := groupByCategory(traces)

	results := make([][]core.SynapticLink, len(groups))
	analyse := func(_ context.Context, i int) error {
		results[i] = a.analyseGroup(groups[i])
		return nil
	}

	if a.pool != nil {
		if err := a.pool.Map(ctx, len(groups), analyse); err != nil {
			return nil, err
		}
	} else {
		for i := range groups {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := analyse(ctx, i); err != nil {
				return nil, err
			}
		}
	}

	var links []core.SynapticLink
	for _, r := range results {
		links = append(links, r...)
	}
	sortLinks(links)
	return links, nil
}

// groupByCategory buckets traces with at least one event, in category order.
func groupByCategory(traces []core.MemoryTrace) [][]eventTrace {
	byCat := make(map[string][]eventTrace)
	for i := range traces {
		ev := append([]time.Time(nil), traces[i].Events()...)
		if len(ev) == 0 {
			continue
		}
		sort.Slice(ev, func(a, b int) bool { return ev[a].Before(ev[b]) })
		cat := traces[i].SemanticCategory
		byCat[cat] = append(byCat[cat], eventTrace{id: traces[i].ID, events: ev})
	}

	cats := make([]string, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	groups := make([][]eventTrace, 0, len(cats))
	for _, c := range cats {
		g := byCat[c]
		// Orientation: earliest first event is pre; ties by id.
		sort.Slice(g, func(i, j int) bool {
			if !g[i].events[0].Equal(g[j].events[0]) {
				return g[i].events[0].Before(g[j].events[0])
			}
			return g[i].id < g[j].id
		})
		groups = append(groups, g)
	}
	return groups
}

func (a *SpikeTimingAnalyzer) analyseGroup(g []eventTrace) []core.SynapticLink {
	var links []core.SynapticLink
	for i := 0; i < len(g); i++ {
		for j := i + 1; j < len(g); j++ {
			if g[i].id == g[j].id {
				continue
			}
			offsets := PairOffsets(g[i].events, g[j].events, a.window)
			if len(offsets) == 0 {
				continue
			}
			avg := mean(offsets)
			window, factor := Classify(avg)
			links = append(links, core.SynapticLink{
				PreID:               g[i].id,
				PostID:              g[j].id,
				CoActivationCount:   len(offsets),
				AvgTemporalOffsetMs: avg,
				Window:              window,
				STDPFactor:          factor,
			})
		}
	}
	return links
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func sortLinks(links []core.SynapticLink) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].PreID != links[j].PreID {
			return links[i].PreID < links[j].PreID
		}
		return links[i].PostID < links[j].PostID
	})
}
