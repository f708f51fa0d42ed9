package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *SQLiteStore, tier core.Tier, strength float64, at time.Time) core.MemoryTrace {
	t.Helper()
	tr := core.NewMemoryTrace("content", "work", at)
	tr.Tier = tier
	tr.ConsolidatedStrength = strength
	tr.ActivationTimes = []time.Time{at, at.Add(12 * time.Millisecond)}
	if err := s.Upsert(context.Background(), tr); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.Get(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

func TestSchemaVersion(t *testing.T) {
	s := openTestStore(t)

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	got := seed(t, s, core.TierShortTerm, 0.42, at)
	if got.Tier != core.TierShortTerm || got.ConsolidatedStrength != 0.42 {
		t.Errorf("Unexpected state: tier=%s strength=%v", got.Tier, got.ConsolidatedStrength)
	}
	if len(got.ActivationTimes) != 2 || !got.ActivationTimes[1].Equal(at.Add(12*time.Millisecond)) {
		t.Errorf("Activation log not preserved: %v", got.ActivationTimes)
	}
	if !got.LastAccessAt.Equal(at) {
		t.Errorf("LastAccessAt = %v, want %v", got.LastAccessAt, at)
	}

	got.Summary = &core.Summary{Gist: "g", Category: "c", Region: "r"}
	if err := s.Upsert(context.Background(), got); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	again, _ := s.Get(context.Background(), got.ID)
	if again.Version != got.Version+1 {
		t.Errorf("Version = %d, want %d", again.Version, got.Version+1)
	}
	if again.Summary == nil || again.Summary.Gist != "g" {
		t.Errorf("Summary not preserved: %+v", again.Summary)
	}

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, core.ErrTraceNotFound) {
		t.Errorf("Expected ErrTraceNotFound, got %v", err)
	}
	if err := s.Upsert(context.Background(), core.MemoryTrace{}); !errors.Is(err, core.ErrDataCorruption) {
		t.Errorf("Expected ErrDataCorruption for empty id, got %v", err)
	}
}

func TestQueryFiltersAndOrders(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	old := seed(t, s, core.TierShortTerm, 0.2, base)
	recent := seed(t, s, core.TierShortTerm, 0.2, base.Add(time.Hour))
	seed(t, s, core.TierLongTerm, 0.9, base.Add(2*time.Hour))

	got, err := s.Query(context.Background(), core.Filter{Tiers: []core.Tier{core.TierShortTerm}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 short-term traces, got %d", len(got))
	}
	if got[0].ID != recent.ID || got[1].ID != old.ID {
		t.Error("Expected most recently accessed first")
	}

	limited, _ := s.Query(context.Background(), core.Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("Expected limit 1, got %d", len(limited))
	}

	counts, err := s.TierCounts(context.Background())
	if err != nil {
		t.Fatalf("TierCounts: %v", err)
	}
	if counts[core.TierShortTerm] != 2 || counts[core.TierLongTerm] != 1 {
		t.Errorf("Unexpected tier counts: %v", counts)
	}
}

func TestApplyBatchCommits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	a := seed(t, s, core.TierShortTerm, 0.6, at)
	b := seed(t, s, core.TierShortTerm, 0.4, at)
	doomed := seed(t, s, core.TierShortTerm, 0.001, at)

	batch := core.NewBatch(1, core.RhythmHomeostasis, []core.MemoryTrace{a, b, doomed}, at)
	upA := a.Clone()
	upA.ConsolidatedStrength = 0.7
	upA.Fate = core.FateCorticalTransfer
	upA.Tier = core.TierLongTerm
	batch.Updates = []core.MemoryTrace{upA}
	batch.Links = []core.SynapticLink{{
		PreID: b.ID, PostID: a.ID, CoActivationCount: 4,
		Window: core.WindowPotentiation, STDPFactor: 1, Rule: core.RuleLTP,
		Tagged: true, TagStrength: 4, FinalDelta: 0.05, CompetitionRank: 1, CompetitionFactor: 1,
	}}
	batch.Pruned = []core.PrunedTrace{{ID: doomed.ID, Version: doomed.Version}}

	if err := s.ApplyBatch(ctx, batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if batch.Status != core.BatchCommitted {
		t.Errorf("Status = %s, want committed", batch.Status)
	}

	gotA, _ := s.Get(ctx, a.ID)
	if gotA.Fate != core.FateCorticalTransfer || gotA.Version != a.Version+1 {
		t.Errorf("Update not applied: fate=%s version=%d", gotA.Fate, gotA.Version)
	}
	if _, err := s.Get(ctx, doomed.ID); !errors.Is(err, core.ErrTraceNotFound) {
		t.Errorf("Pruned trace should be gone, got %v", err)
	}

	links, err := s.Links(ctx, a.ID)
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(links) != 1 || !links[0].Tagged || links[0].Window != core.WindowPotentiation {
		t.Errorf("Link not stored: %+v", links)
	}

	last, _ := s.LastBatchID(ctx)
	if last != 1 {
		t.Errorf("LastBatchID = %d, want 1", last)
	}

	if err := s.ApplyBatch(ctx, batch); !errors.Is(err, core.ErrVersionConflict) {
		t.Errorf("Replaying a committed batch should conflict, got %v", err)
	}
}

func TestApplyBatchVersionConflictRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	a := seed(t, s, core.TierShortTerm, 0.6, at)
	b := seed(t, s, core.TierShortTerm, 0.4, at)

	// Concurrent ingestion touches b after the snapshot was taken.
	if err := s.Upsert(ctx, b); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	batch := core.NewBatch(5, core.RhythmShortTerm, []core.MemoryTrace{a, b}, at)
	upA, upB := a.Clone(), b.Clone()
	upA.ConsolidatedStrength = 0.9
	upB.ConsolidatedStrength = 0.1
	batch.Updates = []core.MemoryTrace{upA, upB}

	err := s.ApplyBatch(ctx, batch)
	if !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}

	gotA, _ := s.Get(ctx, a.ID)
	if gotA.ConsolidatedStrength != 0.6 {
		t.Errorf("Batch should be all-or-nothing, a changed to %v", gotA.ConsolidatedStrength)
	}
	if last, _ := s.LastBatchID(ctx); last != 0 {
		t.Errorf("Aborted batch should not be recorded, got %d", last)
	}
	if batch.Status == core.BatchCommitted {
		t.Error("Aborted batch must not be marked committed")
	}
}

func TestApplyBatchKeepsRefreshedPruneCandidate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	weak := seed(t, s, core.TierShortTerm, 0.001, at)
	other := seed(t, s, core.TierShortTerm, 0.4, at)

	// The trace is refreshed after the Homeostasis snapshot was taken.
	refreshed := weak.Clone()
	refreshed.ConsolidatedStrength = 0.9
	if err := s.Upsert(ctx, refreshed); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	batch := core.NewBatch(9, core.RhythmHomeostasis, []core.MemoryTrace{weak, other}, at)
	upOther := other.Clone()
	upOther.ConsolidatedStrength = 0.45
	batch.Updates = []core.MemoryTrace{upOther}
	batch.Pruned = []core.PrunedTrace{{ID: weak.ID, Version: weak.Version}}

	if err := s.ApplyBatch(ctx, batch); !errors.Is(err, core.ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}

	got, err := s.Get(ctx, weak.ID)
	if err != nil {
		t.Fatalf("Refreshed trace must survive a stale prune, got %v", err)
	}
	if got.ConsolidatedStrength != 0.9 {
		t.Errorf("Expected strength 0.9, got %v", got.ConsolidatedStrength)
	}
	if gotOther, _ := s.Get(ctx, other.ID); gotOther.ConsolidatedStrength != 0.4 {
		t.Errorf("Batch should roll back, other changed to %v", gotOther.ConsolidatedStrength)
	}
	if last, _ := s.LastBatchID(ctx); last != 0 {
		t.Errorf("Rejected batch should not be recorded, got %d", last)
	}
}

func TestRecordActivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	tr := seed(t, s, core.TierShortTerm, 0.4, at)
	later := at.Add(time.Hour)

	got, err := s.RecordActivation(ctx, tr.ID, later)
	if err != nil {
		t.Fatalf("RecordActivation: %v", err)
	}
	if got.Version != tr.Version+1 {
		t.Errorf("Expected version %d, got %d", tr.Version+1, got.Version)
	}

	stored, _ := s.Get(ctx, tr.ID)
	if stored.Version != got.Version {
		t.Errorf("Returned version %d does not match stored %d", got.Version, stored.Version)
	}
	if len(stored.ActivationTimes) != 3 || !stored.ActivationTimes[2].Equal(later) {
		t.Errorf("Expected the new event appended, got %v", stored.ActivationTimes)
	}
	if !stored.LastAccessAt.Equal(later) || stored.ActivationStrength != 1 {
		t.Errorf("Expected refreshed access, got %v / %v", stored.LastAccessAt, stored.ActivationStrength)
	}
	if stored.ConsolidatedStrength != 0.4 {
		t.Errorf("Activation must not touch consolidated strength, got %v", stored.ConsolidatedStrength)
	}

	// A batch computed before the activation is now stale.
	batch := core.NewBatch(3, core.RhythmLongTerm, []core.MemoryTrace{tr}, at)
	up := tr.Clone()
	up.ConsolidatedStrength = 0.1
	batch.Updates = []core.MemoryTrace{up}
	if err := s.ApplyBatch(ctx, batch); !errors.Is(err, core.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}

	if _, err := s.RecordActivation(ctx, "missing", later); !errors.Is(err, core.ErrTraceNotFound) {
		t.Errorf("Expected ErrTraceNotFound, got %v", err)
	}

	stats := s.Stats()
	if stats["activations"] != uint64(1) {
		t.Errorf("Expected 1 activation, got %v", stats["activations"])
	}
	if stats["batches_rejected"] != uint64(1) {
		t.Errorf("Expected 1 rejected batch, got %v", stats["batches_rejected"])
	}
}

func TestOpenFileStore(t *testing.T) {
	cfg := core.DefaultConfig().Store
	cfg.Path = filepath.Join(t.TempDir(), "nested", "q.db")

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Stats()["path"] != cfg.Path {
		t.Errorf("Stats path = %v", s.Stats()["path"])
	}
}
