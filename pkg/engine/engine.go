// Package engine runs one consolidation invocation: it snapshots the
// candidate traces, pushes them through the synaptic pipeline, classifies
// their fates and commits the result as a single batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/concurrency"
	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/denizumutdereli/qubicsleep/pkg/recovery"
	"github.com/denizumutdereli/qubicsleep/pkg/synapse"
	"go.uber.org/zap"
)

// MemoryStore is the persistence boundary of the engine.
type MemoryStore interface {
	Query(ctx context.Context, f core.Filter) ([]core.MemoryTrace, error)
	ApplyBatch(ctx context.Context, b *core.ConsolidationBatch) error
}

// batchSequencer is implemented by stores that remember committed batch ids.
type batchSequencer interface {
	LastBatchID(ctx context.Context) (uint64, error)
}

// Summarizer produces the gist of a trace for cortical transfer.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (core.Summary, error)
}

// Recovery carries retries, breakers, dead-lettering and the resource guard.
type Recovery interface {
	RetryWithBackoff(ctx context.Context, op string, fn func(context.Context) error) error
	Execute(breaker string, fn func() error) error
	BreakerOpen(breaker string) bool
	DeadLetter(b *core.ConsolidationBatch) error
	CheckResources(ctx context.Context) error
}

// Options adjust a single invocation.
type Options struct {
	// PruneEnabled allows Homeostasis to remove traces.
	PruneEnabled bool
	// DryRun computes prune candidates without removing them.
	DryRun bool
}

// Result summarizes one invocation.
type Result struct {
	BatchID       uint64         `json:"batch_id"`
	CorrelationID string         `json:"correlation_id"`
	Rhythm        core.Rhythm    `json:"rhythm"`
	Snapshot      int            `json:"snapshot"`
	Dropped       int            `json:"dropped"`
	Admitted      int            `json:"admitted"`
	Evicted       int            `json:"evicted"`
	Links         int            `json:"links"`
	Tagged        int            `json:"tagged"`
	Bound         float64        `json:"bound"`
	Updated       int            `json:"updated"`
	Transferred   int            `json:"transferred"`
	Deferred      int            `json:"deferred"`
	Retained      int            `json:"retained"`
	Decayed       int            `json:"decayed"`
	Captured      int            `json:"captured"`
	PruneCands    []core.TraceID `json:"prune_candidates,omitempty"`
	Pruned        int            `json:"pruned"`
	DryRun        bool           `json:"dry_run"`
	Duration      time.Duration  `json:"duration"`
}

// Engine is safe for concurrent use; callers serialize per rhythm.
type Engine struct {
	cfg        *core.Config
	store      MemoryStore
	summarizer Summarizer
	recovery   Recovery
	logger     *zap.Logger

	admission  *synapse.AdmissionController
	pipeline   *synapse.Pipeline
	fate       *FateClassifier
	pool       *concurrency.WorkerPool
	summaryCap int

	now func() time.Time

	seqMu  sync.Mutex
	seeded bool
	lastID atomic.Uint64

	// Stats
	runs      atomic.Uint64
	commits   atomic.Uint64
	deadLetts atomic.Uint64
}

// New wires an engine. logger may be nil.
func New(cfg *core.Config, store MemoryStore, sum Summarizer, rec Recovery, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := concurrency.NewWorkerPool(cfg.Engine.Workers)
	params := synapse.ParamsFromConfig(cfg)
	return &Engine{
		cfg:        cfg,
		store:      store,
		summarizer: sum,
		recovery:   rec,
		logger:     logger,
		admission:  synapse.NewAdmissionController(params),
		pipeline:   synapse.NewPipeline(params, pool),
		fate:       NewFateClassifier(cfg),
		pool:       pool,
		summaryCap: cfg.Summarizer.Concurrency,
		now:        time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Close releases the worker pool.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

// FilterFor returns the snapshot filter of a rhythm.
func FilterFor(r core.Rhythm, limit int) core.Filter {
	var tiers []core.Tier
	switch r {
	case core.RhythmContinuous, core.RhythmShortTerm:
		tiers = []core.Tier{core.TierWorkingMemory, core.TierShortTerm}
	case core.RhythmLongTerm:
		tiers = []core.Tier{core.TierShortTerm, core.TierConsolidating}
	case core.RhythmDeepSleep, core.RhythmREMSleep:
		tiers = []core.Tier{core.TierShortTerm, core.TierConsolidating, core.TierLongTerm}
	default:
		tiers = []core.Tier{core.TierWorkingMemory, core.TierShortTerm, core.TierConsolidating, core.TierLongTerm}
	}
	return core.Filter{Tiers: tiers, Limit: limit}
}

func hasTier(f core.Filter, t core.Tier) bool {
	for _, ft := range f.Tiers {
		if ft == t {
			return true
		}
	}
	return false
}

func (e *Engine) nextBatchID(ctx context.Context) (uint64, error) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	if !e.seeded {
		if seq, ok := e.store.(batchSequencer); ok {
			last, err := seq.LastBatchID(ctx)
			if err != nil {
				return 0, err
			}
			e.lastID.Store(last)
		}
		e.seeded = true
	}
	return e.lastID.Add(1), nil
}

// Run executes one invocation for rhythm. Errors satisfying
// core.IsSkippable mean nothing was attempted.
func (e *Engine) Run(ctx context.Context, rhythm core.Rhythm, opts Options) (*Result, error) {
	start := e.now()
	e.runs.Add(1)

	if e.cfg.Engine.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Engine.InvocationTimeout)
		defer cancel()
	}

	if err := e.recovery.CheckResources(ctx); err != nil {
		return nil, err
	}
	if e.recovery.BreakerOpen(recovery.BreakerStore) {
		return nil, fmt.Errorf("%w: %s", core.ErrCircuitOpen, recovery.BreakerStore)
	}

	filter := FilterFor(rhythm, e.cfg.Store.SnapshotLimit)
	var raw []core.MemoryTrace
	err := e.recovery.RetryWithBackoff(ctx, "snapshot", func(ctx context.Context) error {
		return e.recovery.Execute(recovery.BreakerStore, func() error {
			var qerr error
			raw, qerr = e.store.Query(ctx, filter)
			return qerr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", rhythm, err)
	}

	res := &Result{Rhythm: rhythm, Snapshot: len(raw), DryRun: opts.DryRun}

	snapshot := make([]core.MemoryTrace, 0, len(raw))
	for i := range raw {
		t := raw[i].Clone()
		if err := core.NormalizeTrace(&t); err != nil {
			res.Dropped++
			e.logger.Warn("dropping malformed trace", zap.String("rhythm", string(rhythm)), zap.Error(err))
			continue
		}
		snapshot = append(snapshot, t)
	}

	now := e.now()
	id, err := e.nextBatchID(ctx)
	if err != nil {
		return nil, fmt.Errorf("assign batch id: %w", err)
	}
	batch := core.NewBatch(id, rhythm, snapshot, now)
	res.BatchID = batch.ID
	res.CorrelationID = batch.CorrelationID

	log := e.logger.With(
		zap.Uint64("batch_id", batch.ID),
		zap.String("correlation_id", batch.CorrelationID),
		zap.String("rhythm", string(rhythm)))

	// Admission decides working-memory membership before the pipeline.
	working := make([]core.MemoryTrace, len(snapshot))
	copy(working, snapshot)
	var focus map[core.TraceID]bool
	if hasTier(filter, core.TierWorkingMemory) {
		focus = e.admit(working, now, res)
	}

	links, err := e.pipeline.Run(ctx, working, focus)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", rhythm, err)
	}
	batch.Links = links
	res.Links = len(links)
	for i := range links {
		if links[i].Tagged {
			res.Tagged++
		}
	}
	res.Bound = e.bound(links)

	updates, pruned := e.classify(ctx, snapshot, working, links, rhythm, opts, now, res, log)
	batch.Updates = updates
	batch.Pruned = pruned
	res.Updated = len(updates)

	if len(batch.Updates) > 0 || len(batch.Links) > 0 || len(batch.Pruned) > 0 {
		// The commit gets its own budget, detached from the invocation
		// deadline and from caller cancellation.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Engine.CommitTimeout)
		err := e.commit(cctx, batch, log)
		cancel()
		if err != nil {
			return res, err
		}
	}

	res.Duration = e.now().Sub(start)
	log.Info("consolidation pass complete",
		zap.Int("snapshot", res.Snapshot),
		zap.Int("links", res.Links),
		zap.Int("updated", res.Updated),
		zap.Int("transferred", res.Transferred),
		zap.Int("deferred", res.Deferred),
		zap.Int("pruned", res.Pruned),
		zap.Int("prune_candidates", len(res.PruneCands)),
		zap.Bool("dry_run", res.DryRun),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// admit runs admission control in place: admitted traces move to
// WorkingMemory, displaced working-memory traces drop to ShortTerm.
func (e *Engine) admit(working []core.MemoryTrace, now time.Time, res *Result) map[core.TraceID]bool {
	var current, candidates []core.MemoryTrace
	for i := range working {
		switch working[i].Tier {
		case core.TierWorkingMemory:
			current = append(current, working[i])
		case core.TierShortTerm:
			candidates = append(candidates, working[i])
		}
	}

	adm := e.admission.Admit(current, candidates, now)
	inPool := make(map[core.TraceID]bool, len(adm.Pool))
	for _, t := range adm.Pool {
		inPool[t.ID] = true
	}
	for i := range working {
		t := &working[i]
		switch {
		case inPool[t.ID]:
			if t.Tier != core.TierWorkingMemory {
				res.Admitted++
			}
			t.Tier = core.TierWorkingMemory
		case t.Tier == core.TierWorkingMemory:
			t.Tier = core.TierShortTerm
			res.Evicted++
		}
	}
	return adm.Focus
}

func (e *Engine) bound(links []core.SynapticLink) float64 {
	deltas := make([]float64, len(links))
	for i := range links {
		deltas[i] = links[i].Delta
	}
	return synapse.Bound(deltas)
}

// classify applies fates and collects updates. Summaries run on a bounded
// set of goroutines; a failure only defers its own trace.
func (e *Engine) classify(ctx context.Context, snapshot, working []core.MemoryTrace, links []core.SynapticLink,
	rhythm core.Rhythm, opts Options, now time.Time, res *Result, log *zap.Logger) ([]core.MemoryTrace, []core.PrunedTrace) {

	agg := Aggregate(links)
	verdicts := make([]Verdict, len(working))
	var wants []int
	for i := range working {
		verdicts[i] = e.fate.Classify(working[i], agg[working[i].ID], rhythm, now)
		if verdicts[i].WantsSummary {
			wants = append(wants, i)
		}
		if verdicts[i].Captured {
			res.Captured++
		}
	}

	e.summarize(ctx, verdicts, wants, log)
	for _, i := range wants {
		if verdicts[i].Trace.Fate != core.FateCorticalTransfer {
			res.Deferred++
		}
	}

	var updates []core.MemoryTrace
	var pruned []core.PrunedTrace
	for i := range verdicts {
		v := &verdicts[i]
		t := &v.Trace

		if v.PruneCandidate {
			res.PruneCands = append(res.PruneCands, t.ID)
			if opts.PruneEnabled && !opts.DryRun {
				pruned = append(pruned, core.PrunedTrace{ID: t.ID, Version: snapshot[i].Version})
				res.Pruned++
				continue
			}
		}

		switch {
		case t.Fate == core.FateCorticalTransfer && snapshot[i].Fate != core.FateCorticalTransfer:
			res.Transferred++
		case t.Fate == core.FateHippocampalRetention && snapshot[i].Fate != core.FateHippocampalRetention:
			res.Retained++
		case t.Fate == core.FateDecayed && snapshot[i].Fate != core.FateDecayed:
			res.Decayed++
		}

		if changed(&snapshot[i], t) {
			t.LastUpdateAt = now
			updates = append(updates, *t)
		}
	}
	sort.Slice(pruned, func(a, b int) bool { return pruned[a].ID < pruned[b].ID })
	return updates, pruned
}

func (e *Engine) summarize(ctx context.Context, verdicts []Verdict, idx []int, log *zap.Logger) {
	if len(idx) == 0 || e.summarizer == nil {
		for _, i := range idx {
			Defer(&verdicts[i].Trace)
		}
		return
	}

	// Summaries share what is left of the invocation budget minus a
	// reserve, so a hanging service is cut off well before the deadline.
	sumCtx, cancelAll := context.WithDeadline(ctx, e.summaryDeadline(ctx))
	defer cancelAll()

	sem := make(chan struct{}, max(1, e.summaryCap))
	var wg sync.WaitGroup
	for _, i := range idx {
		wg.Add(1)
		sem <- struct{}{}
		go func(v *Verdict) {
			defer wg.Done()
			defer func() { <-sem }()

			sctx, cancel := context.WithTimeout(sumCtx, e.cfg.Summarizer.Timeout)
			defer cancel()

			var sum core.Summary
			err := e.recovery.Execute(recovery.BreakerSummarizer, func() error {
				var serr error
				sum, serr = e.summarizer.Summarize(sctx, v.Trace.Content)
				return serr
			})
			if err != nil {
				Defer(&v.Trace)
				log.Debug("summary deferred",
					zap.String("trace_id", string(v.Trace.ID)),
					zap.Int("attempts", v.Trace.SummaryAttempts),
					zap.Error(err))
				return
			}
			Transfer(&v.Trace, sum)
		}(&verdicts[i])
	}
	wg.Wait()
}

// summaryDeadline leaves a quarter of the remaining invocation budget,
// capped at the commit timeout, unused by the summary phase.
func (e *Engine) summaryDeadline(ctx context.Context) time.Time {
	now := time.Now()
	deadline, ok := ctx.Deadline()
	if !ok {
		return now.Add(e.cfg.Summarizer.Timeout)
	}
	remaining := deadline.Sub(now)
	reserve := min(e.cfg.Engine.CommitTimeout, remaining/4)
	return deadline.Add(-reserve)
}

// commit applies the batch with retries; when that fails for good the
// batch is dead-lettered.
func (e *Engine) commit(ctx context.Context, batch *core.ConsolidationBatch, log *zap.Logger) error {
	var conflict error
	err := e.recovery.RetryWithBackoff(ctx, "apply_batch", func(ctx context.Context) error {
		err := e.recovery.Execute(recovery.BreakerStore, func() error {
			aerr := e.store.ApplyBatch(ctx, batch)
			// A stale snapshot is not the store's fault.
			if errors.Is(aerr, core.ErrVersionConflict) || errors.Is(aerr, core.ErrTraceNotFound) {
				conflict = aerr
				return nil
			}
			return aerr
		})
		if err == nil && conflict != nil {
			return conflict
		}
		return err
	})
	if err == nil {
		e.commits.Add(1)
		return nil
	}

	if dlErr := e.recovery.DeadLetter(batch); dlErr != nil {
		log.Error("dead-letter failed", zap.Error(dlErr))
		return fmt.Errorf("apply batch %d: %w (dead-letter failed: %v)", batch.ID, err, dlErr)
	}
	e.deadLetts.Add(1)
	return fmt.Errorf("apply batch %d: %w", batch.ID, err)
}

// Stats returns engine statistics
func (e *Engine) Stats() map[string]any {
	return map[string]any{
		"runs":          e.runs.Load(),
		"commits":       e.commits.Load(),
		"dead_lettered": e.deadLetts.Load(),
		"last_batch_id": e.lastID.Load(),
		"pool":          e.pool.Stats(),
	}
}
