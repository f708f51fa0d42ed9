package synapse

import (
	"math"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// FallbackBound caps deltas when the batch has no spread.
const FallbackBound = 0.1

// HomeostaticScaler keeps a batch of deltas within twice its standard
// deviation so no single link can run away.
type HomeostaticScaler struct{}

// NewHomeostaticScaler creates a scaler.
func NewHomeostaticScaler() *HomeostaticScaler {
	return &HomeostaticScaler{}
}

// Bound is 2×population stddev of deltas, or FallbackBound when the
// stddev is zero or there are no deltas.
func Bound(deltas []float64) float64 {
	if len(deltas) == 0 {
		return FallbackBound
	}
	n := float64(len(deltas))
	var sum float64
	for _, d := range deltas {
		sum += d
	}
	m := sum / n
	var ss float64
	for _, d := range deltas {
		ss += (d - m) * (d - m)
	}
	sd := math.Sqrt(ss / n)
	if sd == 0 || math.IsNaN(sd) {
		return FallbackBound
	}
	return 2 * sd
}

// Clamp returns deltas with magnitudes capped at bound, signs preserved.
func Clamp(deltas []float64, bound float64) []float64 {
	out := make([]float64, len(deltas))
	for i, d := range deltas {
		switch {
		case d > bound:
			out[i] = bound
		case d < -bound:
			out[i] = -bound
		default:
			out[i] = d
		}
	}
	return out
}

// Scale clamps deltas at their own bound. It is one pass over raw deltas:
// feeding its output back in recomputes a tighter bound, so callers that
// need a stable result re-run Clamp with the returned bound instead.
func Scale(deltas []float64) ([]float64, float64) {
	b := Bound(deltas)
	return Clamp(deltas, b), b
}

// Apply fills ScaledDelta on every link from its raw Delta and returns
// the bound used. Running it again yields the same ScaledDelta.
func (h *HomeostaticScaler) Apply(links []core.SynapticLink) float64 {
	deltas := make([]float64, len(links))
	for i := range links {
		deltas[i] = links[i].Delta
	}
	scaled, bound := Scale(deltas)
	for i := range links {
		links[i].ScaledDelta = scaled[i]
	}
	return bound
}
