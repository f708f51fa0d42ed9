package synapse

import (
	"math"
	"sort"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// Admission is the result of one working-memory admission round.
type Admission struct {
	// Pool is the admitted working-memory set, best score first.
	Pool []core.MemoryTrace
	// Evicted holds current members pushed out and candidates left out.
	Evicted []core.MemoryTrace
	// Focus is the top-activation subset of Pool (Cowan's focus of attention).
	Focus map[core.TraceID]bool
}

// AdmissionController enforces the working-memory capacity bounds.
type AdmissionController struct {
	min, max  int
	focusSize int
	tau       time.Duration
}

// NewAdmissionController creates a controller from pipeline parameters.
func NewAdmissionController(p Params) *AdmissionController {
	return &AdmissionController{
		min:       p.MinCapacity,
		max:       p.MaxCapacity,
		focusSize: p.FocusSize,
		tau:       p.RecencyTau,
	}
}

// RecencyWeight is exp(-Δt/τ) where Δt is the time since last access.
// Accesses in the future (clock skew) count as fresh.
func RecencyWeight(lastAccess, now time.Time, tau time.Duration) float64 {
	dt := now.Sub(lastAccess)
	if dt <= 0 || tau <= 0 {
		return 1
	}
	return math.Exp(-float64(dt) / float64(tau))
}

// Score is activation_strength × recency_weight.
func (a *AdmissionController) Score(t *core.MemoryTrace, now time.Time) float64 {
	return t.ActivationStrength * RecencyWeight(t.LastAccessAt, now, a.tau)
}

type scored struct {
	trace core.MemoryTrace
	score float64
}

// better orders by score descending, then id ascending.
func better(a, b scored) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.trace.ID < b.trace.ID
}

// Admit merges candidates into the current working-memory set. Candidates
// are offered best first; while the pool is below capacity they are taken,
// and once it is full each offer evicts the lowest-scoring member if the
// candidate beats it. The pool never shrinks below its size at the start of
// the round, so with at least MinCapacity traces available it always ends
// within [MinCapacity, MaxCapacity].
func (a *AdmissionController) Admit(current, candidates []core.MemoryTrace, now time.Time) Admission {
	seen := make(map[core.TraceID]bool, len(current)+len(candidates))
	pool := make([]scored, 0, a.max+1)
	var evicted []core.MemoryTrace

	for _, t := range current {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		pool = append(pool, scored{trace: t, score: a.Score(&t, now)})
	}
	sort.SliceStable(pool, func(i, j int) bool { return better(pool[i], pool[j]) })

	// An oversized starting pool is trimmed from the bottom.
	for len(pool) > a.max {
		evicted = append(evicted, pool[len(pool)-1].trace)
		pool = pool[:len(pool)-1]
	}

	offers := make([]scored, 0, len(candidates))
	for _, t := range candidates {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		offers = append(offers, scored{trace: t, score: a.Score(&t, now)})
	}
	sort.SliceStable(offers, func(i, j int) bool { return better(offers[i], offers[j]) })

	for _, c := range offers {
		if len(pool) < a.max {
			pool = insertSorted(pool, c)
			continue
		}
		lowest := pool[len(pool)-1]
		if better(c, lowest) {
			evicted = append(evicted, lowest.trace)
			pool = insertSorted(pool[:len(pool)-1], c)
		} else {
			evicted = append(evicted, c.trace)
		}
	}

	out := Admission{
		Pool:    make([]core.MemoryTrace, len(pool)),
		Evicted: evicted,
		Focus:   a.focus(pool),
	}
	for i, s := range pool {
		out.Pool[i] = s.trace
	}
	return out
}

func insertSorted(pool []scored, s scored) []scored {
	i := sort.Search(len(pool), func(i int) bool { return better(s, pool[i]) })
	pool = append(pool, scored{})
	copy(pool[i+1:], pool[i:])
	pool[i] = s
	return pool
}

// focus picks the top focusSize members by raw activation.
func (a *AdmissionController) focus(pool []scored) map[core.TraceID]bool {
	byActivation := make([]core.MemoryTrace, len(pool))
	for i, s := range pool {
		byActivation[i] = s.trace
	}
	sort.SliceStable(byActivation, func(i, j int) bool {
		if byActivation[i].ActivationStrength != byActivation[j].ActivationStrength {
			return byActivation[i].ActivationStrength > byActivation[j].ActivationStrength
		}
		return byActivation[i].ID < byActivation[j].ID
	})

	n := min(a.focusSize, len(byActivation))
	focus := make(map[core.TraceID]bool, n)
	for _, t := range byActivation[:n] {
		focus[t.ID] = true
	}
	return focus
}
