package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/denizumutdereli/qubicsleep/pkg/persistence"
	"github.com/denizumutdereli/qubicsleep/pkg/summarizer"
)

// fakeStore keeps traces in memory and records applied batches.
type fakeStore struct {
	mu       sync.Mutex
	traces   []core.MemoryTrace
	batches  []*core.ConsolidationBatch
	filters  []core.Filter
	applyErr error
	lastID   uint64
}

func (s *fakeStore) Query(_ context.Context, f core.Filter) ([]core.MemoryTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)

	var out []core.MemoryTrace
	for _, t := range s.traces {
		for _, tier := range f.Tiers {
			if t.Tier == tier {
				out = append(out, t.Clone())
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ApplyBatch(_ context.Context, b *core.ConsolidationBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	b.Status = core.BatchCommitted
	s.batches = append(s.batches, b)
	return nil
}

func (s *fakeStore) LastBatchID(context.Context) (uint64, error) {
	return s.lastID, nil
}

func (s *fakeStore) lastBatch() *core.ConsolidationBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil
	}
	return s.batches[len(s.batches)-1]
}

// passRecovery runs everything once without retries.
type passRecovery struct {
	mu          sync.Mutex
	open        bool
	resourceErr error
	dead        []*core.ConsolidationBatch
}

func (r *passRecovery) RetryWithBackoff(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

func (r *passRecovery) Execute(_ string, fn func() error) error { return fn() }

func (r *passRecovery) BreakerOpen(string) bool { return r.open }

func (r *passRecovery) DeadLetter(b *core.ConsolidationBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.Status = core.BatchAborted
	r.dead = append(r.dead, b)
	return nil
}

func (r *passRecovery) CheckResources(context.Context) error { return r.resourceErr }

func newTestEngine(t *testing.T, store MemoryStore, sum Summarizer, rec Recovery) *Engine {
	t.Helper()
	e := New(core.DefaultConfig(), store, sum, rec, nil)
	e.SetClock(func() time.Time { return now })
	t.Cleanup(e.Close)
	return e
}

// spikingTrace fires count times, offset after base, 50ms apart.
func spikingTrace(tier core.Tier, strength float64, offset time.Duration, count int) core.MemoryTrace {
	base := now.Add(-10 * time.Minute)
	tr := core.NewMemoryTrace("Reviewed the release plan. Then lunch.", "work", base)
	tr.Tier = tier
	tr.ConsolidatedStrength = strength
	tr.ActivationTimes = nil
	for i := 0; i < count; i++ {
		tr.ActivationTimes = append(tr.ActivationTimes, base.Add(offset+time.Duration(i)*50*time.Millisecond))
	}
	tr.LastAccessAt = tr.ActivationTimes[len(tr.ActivationTimes)-1]
	return tr
}

func findTrace(ts []core.MemoryTrace, id core.TraceID) (core.MemoryTrace, bool) {
	for _, t := range ts {
		if t.ID == id {
			return t, true
		}
	}
	return core.MemoryTrace{}, false
}

func TestFilterFor(t *testing.T) {
	tests := []struct {
		rhythm core.Rhythm
		wm     bool
		lt     bool
	}{
		{core.RhythmContinuous, true, false},
		{core.RhythmShortTerm, true, false},
		{core.RhythmLongTerm, false, false},
		{core.RhythmDeepSleep, false, true},
		{core.RhythmREMSleep, false, true},
		{core.RhythmHomeostasis, true, true},
	}
	for _, tt := range tests {
		f := FilterFor(tt.rhythm, 10)
		if hasTier(f, core.TierWorkingMemory) != tt.wm || hasTier(f, core.TierLongTerm) != tt.lt {
			t.Errorf("%s: unexpected tiers %v", tt.rhythm, f.Tiers)
		}
		if hasTier(f, core.TierPruned) {
			t.Errorf("%s: pruned tier must never be queried", tt.rhythm)
		}
		if f.Limit != 10 {
			t.Errorf("%s: expected limit 10, got %d", tt.rhythm, f.Limit)
		}
	}
}

func TestRunStrongTaggedTraceTransfers(t *testing.T) {
	pre := spikingTrace(core.TierShortTerm, 0.6, 0, 4)
	post := spikingTrace(core.TierShortTerm, 0.9, 10*time.Millisecond, 4)
	store := &fakeStore{traces: []core.MemoryTrace{pre, post}}
	sum := &summarizer.Mock{}
	e := newTestEngine(t, store, sum, &passRecovery{})

	res, err := e.Run(context.Background(), core.RhythmLongTerm, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Links == 0 || res.Tagged == 0 {
		t.Fatalf("Expected tagged links, got links=%d tagged=%d", res.Links, res.Tagged)
	}

	b := store.lastBatch()
	if b == nil || b.Status != core.BatchCommitted {
		t.Fatal("Expected a committed batch")
	}
	got, ok := findTrace(b.Updates, post.ID)
	if !ok {
		t.Fatal("Expected post trace to be updated")
	}
	if got.ConsolidatedStrength < post.ConsolidatedStrength {
		t.Errorf("Strong tagged trace weakened: %f -> %f", post.ConsolidatedStrength, got.ConsolidatedStrength)
	}
	if got.Fate != core.FateCorticalTransfer || got.Tier != core.TierLongTerm {
		t.Errorf("Expected cortical transfer to long-term, got %s/%s", got.Fate, got.Tier)
	}
	if got.Summary == nil || got.Summary.Gist != "Reviewed the release plan." {
		t.Errorf("Unexpected summary: %+v", got.Summary)
	}
	if got.Version != post.Version {
		t.Errorf("Update must carry the snapshot version %d, got %d", post.Version, got.Version)
	}
	if res.Transferred < 1 {
		t.Errorf("Expected at least 1 transfer, got %d", res.Transferred)
	}
}

func TestRunSummarizerFailureDefers(t *testing.T) {
	tr := spikingTrace(core.TierShortTerm, 0.9, 0, 1)
	store := &fakeStore{traces: []core.MemoryTrace{tr}}
	sum := &summarizer.Mock{Err: fmt.Errorf("%w: down", core.ErrServiceUnavailable)}
	e := newTestEngine(t, store, sum, &passRecovery{})

	res, err := e.Run(context.Background(), core.RhythmLongTerm, Options{})
	if err != nil {
		t.Fatalf("Summarizer failure must not fail the run: %v", err)
	}
	if res.Deferred != 1 {
		t.Errorf("Expected 1 deferred, got %d", res.Deferred)
	}
	got, _ := findTrace(store.lastBatch().Updates, tr.ID)
	if got.Fate != core.FatePending || got.Tier != core.TierConsolidating || got.SummaryAttempts != 1 {
		t.Errorf("Unexpected deferred trace: fate=%s tier=%s attempts=%d", got.Fate, got.Tier, got.SummaryAttempts)
	}
}

func TestRunPrunesOnlyDuringHomeostasis(t *testing.T) {
	weak := spikingTrace(core.TierLongTerm, 0.005, 0, 1)
	weak.LastAccessAt = now.Add(-60 * 24 * time.Hour)
	weak.ActivationTimes = []time.Time{weak.LastAccessAt}
	weak.Version = 4

	for _, rhythm := range []core.Rhythm{core.RhythmDeepSleep, core.RhythmREMSleep} {
		store := &fakeStore{traces: []core.MemoryTrace{weak}}
		e := newTestEngine(t, store, &summarizer.Mock{}, &passRecovery{})
		res, err := e.Run(context.Background(), rhythm, Options{PruneEnabled: true})
		if err != nil {
			t.Fatalf("%s: %v", rhythm, err)
		}
		if res.Pruned != 0 || len(store.lastBatch().Pruned) != 0 {
			t.Errorf("%s must never prune", rhythm)
		}
	}

	store := &fakeStore{traces: []core.MemoryTrace{weak}}
	e := newTestEngine(t, store, &summarizer.Mock{}, &passRecovery{})
	res, err := e.Run(context.Background(), core.RhythmHomeostasis, Options{PruneEnabled: true})
	if err != nil {
		t.Fatalf("Homeostasis: %v", err)
	}
	b := store.lastBatch()
	if res.Pruned != 1 || len(b.Pruned) != 1 || b.Pruned[0] != (core.PrunedTrace{ID: weak.ID, Version: 4}) {
		t.Errorf("Expected weak trace pruned, got %v", b.Pruned)
	}
	if _, ok := findTrace(b.Updates, weak.ID); ok {
		t.Error("Pruned trace must not also be updated")
	}
}

func TestRunDryRunKeepsTraces(t *testing.T) {
	weak := spikingTrace(core.TierLongTerm, 0.005, 0, 1)
	weak.LastAccessAt = now.Add(-60 * 24 * time.Hour)
	weak.ActivationTimes = []time.Time{weak.LastAccessAt}
	store := &fakeStore{traces: []core.MemoryTrace{weak}}
	e := newTestEngine(t, store, &summarizer.Mock{}, &passRecovery{})

	res, err := e.Run(context.Background(), core.RhythmHomeostasis, Options{PruneEnabled: true, DryRun: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.PruneCands) != 1 || res.Pruned != 0 {
		t.Errorf("Expected 1 candidate and nothing pruned, got %d/%d", len(res.PruneCands), res.Pruned)
	}
	if b := store.lastBatch(); b != nil && len(b.Pruned) != 0 {
		t.Errorf("Dry run removed traces: %v", b.Pruned)
	}
}

func TestRunDropsMalformedTraces(t *testing.T) {
	good := spikingTrace(core.TierShortTerm, 0.2, 0, 1)
	bad := spikingTrace(core.TierShortTerm, 0.2, 0, 1)
	bad.Fate = "forgotten"
	store := &fakeStore{traces: []core.MemoryTrace{good, bad}}
	e := newTestEngine(t, store, &summarizer.Mock{}, &passRecovery{})

	res, err := e.Run(context.Background(), core.RhythmLongTerm, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Dropped != 1 || res.Snapshot != 2 {
		t.Errorf("Expected 1 of 2 dropped, got %d of %d", res.Dropped, res.Snapshot)
	}
	if _, ok := findTrace(store.lastBatch().Updates, bad.ID); ok {
		t.Error("Malformed trace must not be written back")
	}
}

func TestRunAdmitsIntoWorkingMemory(t *testing.T) {
	var traces []core.MemoryTrace
	for i := 0; i < 3; i++ {
		traces = append(traces, spikingTrace(core.TierWorkingMemory, 0.1, time.Duration(i)*time.Second, 1))
	}
	cand := spikingTrace(core.TierShortTerm, 0.1, 5*time.Second, 1)
	cand.ActivationStrength = 0.9
	traces = append(traces, cand)
	store := &fakeStore{traces: traces}
	e := newTestEngine(t, store, &summarizer.Mock{}, &passRecovery{})

	res, err := e.Run(context.Background(), core.RhythmContinuous, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Admitted != 1 || res.Evicted != 0 {
		t.Errorf("Expected 1 admitted and 0 evicted, got %d/%d", res.Admitted, res.Evicted)
	}
	got, ok := findTrace(store.lastBatch().Updates, cand.ID)
	if !ok || got.Tier != core.TierWorkingMemory {
		t.Errorf("Expected candidate in working memory, got %+v", got.Tier)
	}
}

func TestRunDeadLettersFailedCommit(t *testing.T) {
	tr := spikingTrace(core.TierShortTerm, 0.2, 0, 1)
	store := &fakeStore{traces: []core.MemoryTrace{tr}, applyErr: fmt.Errorf("%w: disk gone", core.ErrConnectionFailure)}
	rec := &passRecovery{}
	e := newTestEngine(t, store, &summarizer.Mock{}, rec)

	_, err := e.Run(context.Background(), core.RhythmLongTerm, Options{})
	if !errors.Is(err, core.ErrConnectionFailure) {
		t.Fatalf("Expected ErrConnectionFailure, got %v", err)
	}
	if len(rec.dead) != 1 || rec.dead[0].Status != core.BatchAborted {
		t.Fatalf("Expected 1 aborted dead-lettered batch, got %d", len(rec.dead))
	}
	if len(rec.dead[0].Updates) == 0 {
		t.Error("Dead-lettered batch should carry its updates")
	}
}

func TestRunSkipsWhenGuarded(t *testing.T) {
	store := &fakeStore{traces: []core.MemoryTrace{spikingTrace(core.TierShortTerm, 0.2, 0, 1)}}

	rec := &passRecovery{open: true}
	e := newTestEngine(t, store, &summarizer.Mock{}, rec)
	if _, err := e.Run(context.Background(), core.RhythmLongTerm, Options{}); !errors.Is(err, core.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}

	rec = &passRecovery{resourceErr: fmt.Errorf("%w: memory", core.ErrResourceExhaustion)}
	e = newTestEngine(t, store, &summarizer.Mock{}, rec)
	_, err := e.Run(context.Background(), core.RhythmLongTerm, Options{})
	if !core.IsSkippable(err) {
		t.Errorf("Expected a skippable error, got %v", err)
	}
	if len(store.filters) != 0 {
		t.Errorf("Guarded runs must not query the store, got %d queries", len(store.filters))
	}
}

func TestBatchIDsAreMonotonic(t *testing.T) {
	store := &fakeStore{traces: []core.MemoryTrace{spikingTrace(core.TierShortTerm, 0.2, 0, 1)}, lastID: 41}
	e := newTestEngine(t, store, &summarizer.Mock{}, &passRecovery{})

	first, err := e.Run(context.Background(), core.RhythmLongTerm, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	second, err := e.Run(context.Background(), core.RhythmShortTerm, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if first.BatchID != 42 || second.BatchID != 43 {
		t.Errorf("Expected batch ids 42, 43, got %d, %d", first.BatchID, second.BatchID)
	}
	if first.CorrelationID == "" || first.CorrelationID == second.CorrelationID {
		t.Error("Expected distinct correlation ids")
	}
}

func TestRunAgainstSQLite(t *testing.T) {
	store, err := persistence.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	pre := spikingTrace(core.TierShortTerm, 0.6, 0, 4)
	post := spikingTrace(core.TierShortTerm, 0.9, 10*time.Millisecond, 4)
	for _, tr := range []core.MemoryTrace{pre, post} {
		if err := store.Upsert(ctx, tr); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	e := newTestEngine(t, store, &summarizer.Mock{}, &passRecovery{})
	res, err := e.Run(ctx, core.RhythmLongTerm, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.BatchID != 1 {
		t.Errorf("Expected first batch id 1, got %d", res.BatchID)
	}

	got, err := store.Get(ctx, post.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Tier != core.TierLongTerm || got.Fate != core.FateCorticalTransfer {
		t.Errorf("Expected committed transfer, got %s/%s", got.Tier, got.Fate)
	}
	links, err := store.Links(ctx, pre.ID)
	if err != nil || len(links) == 0 {
		t.Errorf("Expected persisted links, got %d (%v)", len(links), err)
	}
	if last, _ := store.LastBatchID(ctx); last != 1 {
		t.Errorf("Expected last batch id 1, got %d", last)
	}

	// A second pass sees the bumped versions and commits cleanly.
	if _, err := e.Run(ctx, core.RhythmDeepSleep, Options{}); err != nil {
		t.Errorf("Second run failed: %v", err)
	}
}

// hangingSummarizer blocks until its context ends.
type hangingSummarizer struct{}

func (hangingSummarizer) Summarize(ctx context.Context, _ string) (core.Summary, error) {
	<-ctx.Done()
	return core.Summary{}, fmt.Errorf("%w: %v", core.ErrTimeout, ctx.Err())
}

func TestHangingSummarizerDoesNotStarveCommit(t *testing.T) {
	store, err := persistence.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	var ids []core.TraceID
	for i := 0; i < 3; i++ {
		tr := spikingTrace(core.TierShortTerm, 0.6, time.Duration(i)*time.Second, 1)
		if err := store.Upsert(ctx, tr); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		ids = append(ids, tr.ID)
	}

	cfg := core.DefaultConfig()
	cfg.Engine.InvocationTimeout = 300 * time.Millisecond
	rec := &passRecovery{}
	e := New(cfg, store, hangingSummarizer{}, rec, nil)
	e.SetClock(func() time.Time { return now })
	defer e.Close()

	res, err := e.Run(ctx, core.RhythmLongTerm, Options{})
	if err != nil {
		t.Fatalf("Slow summaries must not fail the batch: %v", err)
	}
	if res.Deferred != 3 {
		t.Errorf("Expected 3 deferred, got %d", res.Deferred)
	}
	if len(rec.dead) != 0 {
		t.Errorf("Expected nothing dead-lettered, got %d", len(rec.dead))
	}
	if last, _ := store.LastBatchID(ctx); last != res.BatchID {
		t.Errorf("Expected batch %d committed, last is %d", res.BatchID, last)
	}
	for _, id := range ids {
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Tier != core.TierConsolidating || got.SummaryAttempts != 1 {
			t.Errorf("Expected deferred trace in consolidating, got %s attempts=%d", got.Tier, got.SummaryAttempts)
		}
	}
}

func TestCommitSurvivesCallerCancel(t *testing.T) {
	store := &fakeStore{traces: []core.MemoryTrace{spikingTrace(core.TierShortTerm, 0.6, 0, 1)}}
	rec := &passRecovery{}
	e := newTestEngine(t, store, hangingSummarizer{}, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := e.Run(ctx, core.RhythmLongTerm, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.lastBatch() == nil || len(rec.dead) != 0 {
		t.Error("Expected the batch committed after the caller deadline passed")
	}
}
