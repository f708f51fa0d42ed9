package summarizer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// Mock is a deterministic summarizer for tests and offline runs. With no
// Err set it returns the first sentence of the content as the gist.
type Mock struct {
	mu    sync.Mutex
	Err   error
	calls int
}

// Summarize implements engine.Summarizer.
func (m *Mock) Summarize(ctx context.Context, content string) (core.Summary, error) {
	m.mu.Lock()
	m.calls++
	err := m.Err
	m.mu.Unlock()

	if err != nil {
		return core.Summary{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return core.Summary{}, fmt.Errorf("%w: %v", core.ErrTimeout, ctxErr)
	}

	gist := strings.TrimSpace(content)
	if i := strings.IndexAny(gist, ".!?"); i >= 0 {
		gist = gist[:i+1]
	}
	return core.Summary{Gist: gist, Category: "general", Region: "temporal"}, nil
}

// Calls returns how many times Summarize ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Disabled always reports the service as unavailable, leaving strong
// traces pending until a real summarizer is configured.
type Disabled struct{}

// Summarize implements engine.Summarizer.
func (Disabled) Summarize(context.Context, string) (core.Summary, error) {
	return core.Summary{}, fmt.Errorf("%w: summarizer disabled", core.ErrServiceUnavailable)
}

// Summarizer is the shape shared by every implementation here.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (core.Summary, error)
}

// New selects an implementation from config.
func New(cfg core.SummarizerConfig) Summarizer {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "ollama":
		return NewOllama(cfg)
	default:
		return Disabled{}
	}
}
