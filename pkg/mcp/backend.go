package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/denizumutdereli/qubicsleep/pkg/engine"
	"github.com/denizumutdereli/qubicsleep/pkg/rhythm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Scheduler is the part of rhythm.Scheduler the tools use.
type Scheduler interface {
	GetStatus() rhythm.Status
	RunNow(ctx context.Context, r core.Rhythm) (rhythm.Outcome, *engine.Result, error)
}

// Store is the part of the MemoryStore the tools read and touch.
type Store interface {
	TierCounts(ctx context.Context) (map[core.Tier]int, error)
	RecordActivation(ctx context.Context, id core.TraceID, at time.Time) (core.MemoryTrace, error)
}

// ServiceBackend serves the tools from a live scheduler and store.
type ServiceBackend struct {
	scheduler Scheduler
	store     Store
	now       func() time.Time
}

// NewBackend creates a backend. store may be nil.
func NewBackend(s Scheduler, store Store) *ServiceBackend {
	return &ServiceBackend{scheduler: s, store: store, now: time.Now}
}

// Status implements Backend.
func (b *ServiceBackend) Status(_ context.Context) (map[string]any, error) {
	st := b.scheduler.GetStatus()

	last := make(map[string]string, len(st.LastTrigger))
	for r, t := range st.LastTrigger {
		last[string(r)] = t.Format(time.RFC3339)
	}
	metrics := make(map[string]any, len(st.Metrics))
	for r, m := range st.Metrics {
		metrics[string(r)] = map[string]any{
			"runs":         m.Runs,
			"failures":     m.Failures,
			"skips":        m.Skips,
			"busy":         m.Busy,
			"avg_duration": m.AvgDuration.String(),
			"success_rate": m.SuccessRate(),
			"last_error":   m.LastError,
		}
	}

	return map[string]any{
		"running":              st.Running,
		"circadian_phase":      string(st.Phase),
		"last_trigger":         last,
		"metrics":              metrics,
		"pruning_suspended":    st.PruningSuspended,
		"homeostasis_failures": st.HomeostasisFailures,
	}, nil
}

// Tiers implements Backend.
func (b *ServiceBackend) Tiers(ctx context.Context) (map[string]any, error) {
	if b.store == nil {
		return nil, fmt.Errorf("no store attached")
	}
	counts, err := b.store.TierCounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(counts))
	for t, n := range counts {
		out[string(t)] = n
	}
	return out, nil
}

// Activate implements Backend. Every id gets the same event time so the
// traces count as co-active.
func (b *ServiceBackend) Activate(ctx context.Context, ids []string) (map[string]any, error) {
	if b.store == nil {
		return nil, fmt.Errorf("no store attached")
	}
	at := b.now().UTC()
	out := make(map[string]any, len(ids))
	for _, id := range ids {
		t, err := b.store.RecordActivation(ctx, core.TraceID(id), at)
		if err != nil {
			out[id] = map[string]any{"error": err.Error()}
			continue
		}
		out[id] = map[string]any{
			"version":        t.Version,
			"events":         len(t.ActivationTimes),
			"last_access_at": t.LastAccessAt.Format(time.RFC3339Nano),
			"activation":     t.ActivationStrength,
		}
	}
	return map[string]any{"activated_at": at.Format(time.RFC3339Nano), "traces": out}, nil
}

// Run implements Backend.
func (b *ServiceBackend) Run(ctx context.Context, name string) (map[string]any, error) {
	r, ok := core.ParseRhythm(strings.ToLower(name))
	if !ok {
		return nil, fmt.Errorf("unknown rhythm %q", name)
	}
	// A dropped client must not abort a batch mid-commit.
	outcome, res, err := b.scheduler.RunNow(context.WithoutCancel(ctx), r)
	out := map[string]any{"outcome": string(outcome)}
	if res != nil {
		out["result"] = res
	}
	if err != nil {
		out["error"] = err.Error()
	}
	return out, nil
}

// NewRouter mounts the MCP handler at path.
func NewRouter(path string, h http.Handler) chi.Router {
	if path == "" {
		path = "/mcp"
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Handle(path, h)
	r.Handle(path+"/*", h)
	return r
}
