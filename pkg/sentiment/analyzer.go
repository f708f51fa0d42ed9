// Package sentiment scores the emotional salience of ingested memory text.
package sentiment

import (
	"math"
	"sync"

	"github.com/jonreiter/govader"
)

// Label is the dominant emotion of a text.
type Label string

const (
	LabelHappiness Label = "happiness"
	LabelSadness   Label = "sadness"
	LabelFear      Label = "fear"
	LabelAnger     Label = "anger"
	LabelSurprise  Label = "surprise"
	LabelNeutral   Label = "neutral"
)

// Salience weights: polarity magnitude dominates, emotional word density
// refines it.
const (
	polarityWeight = 0.7
	densityWeight  = 0.3
	arousalBonus   = 0.1
)

// Result is the scored text.
type Result struct {
	Label    Label
	Compound float64 // VADER compound [-1, 1]
	Positive float64
	Negative float64
	Salience float64 // [0, 1]
}

// Analyzer wraps govader and is safe for concurrent use.
type Analyzer struct {
	sia *govader.SentimentIntensityAnalyzer
	mu  sync.Mutex
}

var (
	defaultAnalyzer *Analyzer
	once            sync.Once
)

// Default returns the shared analyzer.
func Default() *Analyzer {
	once.Do(func() {
		defaultAnalyzer = New()
	})
	return defaultAnalyzer
}

// New creates an analyzer. Loading the lexicon is not free; prefer Default.
func New() *Analyzer {
	return &Analyzer{sia: govader.NewSentimentIntensityAnalyzer()}
}

// Analyze scores text.
func (a *Analyzer) Analyze(text string) Result {
	a.mu.Lock()
	scores := a.sia.PolarityScores(text)
	a.mu.Unlock()

	r := Result{
		Compound: scores.Compound,
		Positive: scores.Positive,
		Negative: scores.Negative,
	}
	r.Label = label(scores.Compound, scores.Negative, scores.Neutral)
	r.Salience = salience(r)
	return r
}

// Salience returns only the [0,1] emotional salience of text.
func (a *Analyzer) Salience(text string) float64 {
	return a.Analyze(text).Salience
}

//	compound >=  0.60  → happiness
//	compound >=  0.20  → surprise
//	compound <= -0.60  → anger when negative words dominate, else fear
//	compound <= -0.20  → sadness
func label(compound, neg, neu float64) Label {
	switch {
	case compound >= 0.60:
		return LabelHappiness
	case compound >= 0.20:
		return LabelSurprise
	case compound <= -0.60:
		if neg > neu {
			return LabelAnger
		}
		return LabelFear
	case compound <= -0.20:
		return LabelSadness
	default:
		return LabelNeutral
	}
}

func salience(r Result) float64 {
	s := polarityWeight*math.Abs(r.Compound) + densityWeight*(r.Positive+r.Negative)
	if r.Label == LabelAnger || r.Label == LabelFear {
		s += arousalBonus
	}
	if s < 0 || math.IsNaN(s) {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
