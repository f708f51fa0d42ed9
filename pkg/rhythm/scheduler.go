// Package rhythm drives the consolidation engine on six biologically timed
// cadences, each gated by the circadian phase.
package rhythm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/denizumutdereli/qubicsleep/pkg/engine"
	"github.com/denizumutdereli/qubicsleep/pkg/lifecycle"
	"go.uber.org/zap"
)

// Runner executes one consolidation invocation.
type Runner interface {
	Run(ctx context.Context, r core.Rhythm, opts engine.Options) (*engine.Result, error)
}

// Outcome is what happened to a rhythm on one tick.
type Outcome string

const (
	OutcomeNotDue  Outcome = "not_due"
	OutcomeFired   Outcome = "fired"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeBusy    Outcome = "busy"
)

// Status is the scheduler's externally visible state.
type Status struct {
	Running             bool                         `json:"running"`
	Phase               lifecycle.Phase              `json:"circadian_phase"`
	PhaseSince          time.Time                    `json:"phase_since"`
	LastTrigger         map[core.Rhythm]time.Time    `json:"last_trigger"`
	Metrics             map[core.Rhythm]CycleMetrics `json:"metrics"`
	PruningSuspended    bool                         `json:"pruning_suspended"`
	HomeostasisFailures int                          `json:"homeostasis_failures"`
}

// Scheduler owns the trigger table and the two loops.
type Scheduler struct {
	cfg      core.SchedulerConfig
	runner   Runner
	logger   *zap.Logger
	tracker  *lifecycle.Tracker
	triggers map[core.Rhythm]Trigger
	metrics  *MetricsTracker

	now func() time.Time

	mu          sync.RWMutex
	lastTrigger map[core.Rhythm]time.Time

	guards map[core.Rhythm]*sync.Mutex

	homeoMu          sync.Mutex
	homeoFailures    int
	pruningSuspended bool

	running  atomic.Bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates a scheduler. logger may be nil.
func New(cfg core.SchedulerConfig, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", core.ErrConfiguration, cfg.Timezone, err)
	}

	s := &Scheduler{
		cfg:         cfg,
		runner:      runner,
		logger:      logger,
		tracker:     lifecycle.NewTracker(loc),
		triggers:    make(map[core.Rhythm]Trigger, len(core.AllRhythms)),
		metrics:     NewMetricsTracker(),
		now:         time.Now,
		lastTrigger: make(map[core.Rhythm]time.Time, len(core.AllRhythms)),
		guards:      make(map[core.Rhythm]*sync.Mutex, len(core.AllRhythms)),
	}
	for _, tr := range DefaultTriggers(cfg) {
		s.triggers[tr.Rhythm] = tr
		s.guards[tr.Rhythm] = &sync.Mutex{}
	}
	s.tracker.SetCallback(func(from, to lifecycle.Phase, at time.Time) {
		s.logger.Info("circadian phase change",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Time("at", at))
	})
	return s, nil
}

// SetClock replaces the scheduler's time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetLastTrigger seeds the last completed run of a rhythm.
func (s *Scheduler) SetLastTrigger(r core.Rhythm, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTrigger[r] = at
}

// Metrics returns the metrics tracker.
func (s *Scheduler) Metrics() *MetricsTracker {
	return s.metrics
}

func (s *Scheduler) localNow() time.Time {
	return s.now().In(s.tracker.Location())
}

// Tick evaluates every trigger once, in order. It never returns an error;
// failures are logged, counted and reported as outcomes.
func (s *Scheduler) Tick(ctx context.Context) map[core.Rhythm]Outcome {
	return s.tick(ctx, core.AllRhythms, nil)
}

// tick evaluates rhythms in order. When live is set and reports false,
// the remaining rhythms are left alone.
func (s *Scheduler) tick(ctx context.Context, rhythms []core.Rhythm, live func() bool) map[core.Rhythm]Outcome {
	out := make(map[core.Rhythm]Outcome, len(rhythms))
	for _, r := range rhythms {
		if live != nil && !live() {
			break
		}
		now := s.localNow()
		s.tracker.Observe(now)

		s.mu.RLock()
		last := s.lastTrigger[r]
		s.mu.RUnlock()

		if !s.triggers[r].ShouldRun(now, last) {
			out[r] = OutcomeNotDue
			continue
		}
		out[r], _, _ = s.invoke(ctx, r)
	}
	return out
}

// RunNow invokes a rhythm immediately, bypassing its gate. It is still
// serialized with scheduled runs and counted in the metrics.
func (s *Scheduler) RunNow(ctx context.Context, r core.Rhythm) (Outcome, *engine.Result, error) {
	if _, ok := s.triggers[r]; !ok {
		return OutcomeFailed, nil, fmt.Errorf("%w: unknown rhythm %q", core.ErrConfiguration, r)
	}
	return s.invoke(ctx, r)
}

func (s *Scheduler) invoke(ctx context.Context, r core.Rhythm) (Outcome, *engine.Result, error) {
	guard := s.guards[r]
	if !guard.TryLock() {
		s.metrics.RecordBusy(r)
		s.logger.Debug("rhythm still running", zap.String("rhythm", string(r)))
		return OutcomeBusy, nil, nil
	}
	defer guard.Unlock()

	s.inflight.Add(1)
	defer s.inflight.Done()

	opts := s.options(r)
	start := s.now()
	res, err := s.safeRun(ctx, r, opts)
	end := s.now()

	switch {
	case err == nil:
		s.setLast(r, end)
		s.metrics.RecordSuccess(r, end.Sub(start), end)
		s.homeostasisDone(r, opts, nil)
		return OutcomeFired, res, nil

	case core.IsSkippable(err):
		s.metrics.RecordSkip(r, err)
		s.logger.Warn("rhythm skipped", zap.String("rhythm", string(r)), zap.Error(err))
		return OutcomeSkipped, res, err

	default:
		s.setLast(r, end)
		s.metrics.RecordFailure(r, err, end)
		s.homeostasisDone(r, opts, err)
		s.logger.Error("rhythm failed",
			zap.String("rhythm", string(r)),
			zap.Duration("duration", end.Sub(start)),
			zap.Error(err))
		return OutcomeFailed, res, err
	}
}

// safeRun converts a panic inside the engine into an error.
func (s *Scheduler) safeRun(ctx context.Context, r core.Rhythm, opts engine.Options) (res *engine.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", r, p)
		}
	}()
	return s.runner.Run(ctx, r, opts)
}

func (s *Scheduler) setLast(r core.Rhythm, at time.Time) {
	s.mu.Lock()
	s.lastTrigger[r] = at
	s.mu.Unlock()
}

func (s *Scheduler) options(r core.Rhythm) engine.Options {
	if r != core.RhythmHomeostasis {
		return engine.Options{}
	}
	s.homeoMu.Lock()
	defer s.homeoMu.Unlock()
	if s.pruningSuspended {
		return engine.Options{PruneEnabled: true, DryRun: true}
	}
	return engine.Options{PruneEnabled: true}
}

// homeostasisDone tracks consecutive Homeostasis failures. Reaching the
// limit suspends pruning; a successful dry run lifts the suspension.
func (s *Scheduler) homeostasisDone(r core.Rhythm, opts engine.Options, err error) {
	if r != core.RhythmHomeostasis {
		return
	}
	s.homeoMu.Lock()
	defer s.homeoMu.Unlock()

	if err == nil {
		s.homeoFailures = 0
		if s.pruningSuspended && opts.DryRun {
			s.pruningSuspended = false
			s.logger.Info("pruning resumed after successful dry run")
		}
		return
	}

	s.homeoFailures++
	if !s.pruningSuspended && s.cfg.HomeostasisFailureLimit > 0 && s.homeoFailures >= s.cfg.HomeostasisFailureLimit {
		s.pruningSuspended = true
		s.logger.Warn("pruning suspended",
			zap.Int("consecutive_failures", s.homeoFailures))
	}
}

// Start launches the primary loop over the slower rhythms and a separate
// Continuous loop. Invocations run on a context detached from ctx so
// shutdown never interrupts a commit.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	contCtx, contCancel := context.WithCancel(loopCtx)
	s.cancel = func() {
		contCancel()
		cancel()
	}

	slow := make([]core.Rhythm, 0, len(core.AllRhythms)-1)
	for _, r := range core.AllRhythms {
		if r != core.RhythmContinuous {
			slow = append(slow, r)
		}
	}

	runCtx := context.WithoutCancel(ctx)
	s.loops.Add(2)
	go s.loop(loopCtx, runCtx, slow)
	go s.loop(contCtx, runCtx, []core.Rhythm{core.RhythmContinuous})

	s.logger.Info("rhythm scheduler started",
		zap.Duration("tick", s.cfg.TickInterval),
		zap.String("timezone", s.tracker.Location().String()))
}

func (s *Scheduler) loop(loopCtx, runCtx context.Context, rhythms []core.Rhythm) {
	defer s.loops.Done()
	live := func() bool { return s.running.Load() && loopCtx.Err() == nil }
	for waitInterval(loopCtx, s.cfg.TickInterval) {
		if !live() {
			return
		}
		s.tick(runCtx, rhythms, live)
	}
}

func waitInterval(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Stop clears the running flag, cancels both loops and waits up to timeout
// for them and any in-flight invocation to finish.
func (s *Scheduler) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("rhythm scheduler stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: scheduler did not stop within %s", core.ErrTimeout, timeout)
	}
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// GetStatus returns a snapshot of the scheduler state.
func (s *Scheduler) GetStatus() Status {
	phase := s.tracker.Observe(s.localNow())
	_, since := s.tracker.Current()

	s.mu.RLock()
	last := make(map[core.Rhythm]time.Time, len(s.lastTrigger))
	for r, t := range s.lastTrigger {
		last[r] = t
	}
	s.mu.RUnlock()

	s.homeoMu.Lock()
	suspended, failures := s.pruningSuspended, s.homeoFailures
	s.homeoMu.Unlock()

	return Status{
		Running:             s.running.Load(),
		Phase:               phase,
		PhaseSince:          since,
		LastTrigger:         last,
		Metrics:             s.metrics.Snapshot(),
		PruningSuspended:    suspended,
		HomeostasisFailures: failures,
	}
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() map[string]any {
	st := s.GetStatus()
	intervals := make(map[string]string, len(s.triggers))
	for r, tr := range s.triggers {
		intervals[string(r)] = tr.MinGap().String()
	}
	return map[string]any{
		"running":           st.Running,
		"phase":             string(st.Phase),
		"pruning_suspended": st.PruningSuspended,
		"tick_interval":     s.cfg.TickInterval.String(),
		"intervals":         intervals,
	}
}
