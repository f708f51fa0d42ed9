// Package recovery carries the failure handling shared by every
// consolidation invocation: bounded retries, per-dependency circuit
// breakers, a dead-letter log for uncommittable batches and a resource
// guard.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/denizumutdereli/qubicsleep/pkg/persistence"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker names used by the engine.
const (
	BreakerStore      = "memorystore"
	BreakerSummarizer = "summarizer"
)

// Manager implements the engine's recovery hooks.
type Manager struct {
	cfg     core.RecoveryConfig
	logger  *zap.Logger
	dead    *persistence.DeadLetterLog
	sampler Sampler

	mu       sync.Mutex
	breakers map[string]*Breaker

	deadLettered uint64
	lastUsage    Usage
}

// NewManager creates a manager. dead may be nil, in which case
// dead-lettering fails loudly instead of silently dropping batches.
func NewManager(cfg core.RecoveryConfig, dead *persistence.DeadLetterLog, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		dead:     dead,
		sampler:  SystemSampler{},
		breakers: make(map[string]*Breaker),
	}
}

// SetSampler replaces the resource sampler.
func (m *Manager) SetSampler(s Sampler) {
	m.sampler = s
}

// newBackOff builds the retry schedule: BaseDelay doubling up to MaxDelay,
// at most MaxRetries retries, abandoned when ctx ends.
func (m *Manager) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.MaxInterval = m.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()

	retries := m.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// RetryWithBackoff runs fn until it succeeds, fails with a non-retryable
// error, or MaxRetries retries are spent.
func (m *Manager) RetryWithBackoff(ctx context.Context, op string, fn func(context.Context) error) error {
	var last error
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		last = err
		if err != nil && !core.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, m.newBackOff(ctx), func(err error, delay time.Duration) {
		m.logger.Warn("retrying after transient failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	if err == nil {
		return nil
	}
	if err != last && ctx.Err() != nil && last != nil {
		return fmt.Errorf("%s: %w (last error: %v)", op, err, last)
	}
	return err
}

// Breaker returns the named breaker, creating it on first use.
func (m *Manager) Breaker(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[name]
	if !ok {
		b = NewBreaker(name, m.cfg.BreakerFailureThreshold, m.cfg.BreakerResetTimeout, m.logStateChange)
		m.breakers[name] = b
	}
	return b
}

func (m *Manager) logStateChange(name string, from, to gobreaker.State) {
	m.logger.Warn("circuit breaker state change",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// Execute runs fn through the named breaker.
func (m *Manager) Execute(name string, fn func() error) error {
	return m.Breaker(name).Execute(fn)
}

// BreakerOpen reports whether the named breaker currently rejects calls.
func (m *Manager) BreakerOpen(name string) bool {
	return m.Breaker(name).State() == gobreaker.StateOpen
}

// DeadLetter persists a batch that could not be committed.
func (m *Manager) DeadLetter(batch *core.ConsolidationBatch) error {
	if m.dead == nil {
		return fmt.Errorf("%w: no dead-letter log configured, batch %d lost", core.ErrConfiguration, batch.ID)
	}
	batch.Status = core.BatchAborted
	if err := m.dead.Append(batch); err != nil {
		return fmt.Errorf("dead-letter batch %d: %w", batch.ID, err)
	}

	m.mu.Lock()
	m.deadLettered++
	m.mu.Unlock()

	m.logger.Error("batch dead-lettered",
		zap.Uint64("batch_id", batch.ID),
		zap.String("correlation_id", batch.CorrelationID),
		zap.String("rhythm", string(batch.Rhythm)),
		zap.String("path", m.dead.Path()))
	return nil
}

// Replay re-applies dead-lettered batches. Committed and stale batches
// (version conflict, vanished trace) leave the log; the rest stay.
func (m *Manager) Replay(ctx context.Context, apply func(context.Context, *core.ConsolidationBatch) error) (replayed, remaining int, err error) {
	if m.dead == nil {
		return 0, 0, nil
	}

	batches, skipped, err := m.dead.ReadAll()
	if err != nil {
		return 0, 0, err
	}
	if skipped > 0 {
		m.logger.Warn("unreadable dead-letter frames dropped", zap.Int("count", skipped))
	}
	if len(batches) == 0 && skipped == 0 {
		return 0, 0, nil
	}

	var keep []*core.ConsolidationBatch
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			keep = append(keep, b)
			continue
		}
		aerr := apply(ctx, b)
		switch {
		case aerr == nil:
			replayed++
		case errors.Is(aerr, core.ErrVersionConflict), errors.Is(aerr, core.ErrTraceNotFound):
			m.logger.Info("stale dead-letter batch discarded",
				zap.Uint64("batch_id", b.ID), zap.Error(aerr))
		default:
			keep = append(keep, b)
		}
	}

	if err := m.dead.Truncate(); err != nil {
		return replayed, len(keep), err
	}
	for _, b := range keep {
		if err := m.dead.Append(b); err != nil {
			return replayed, len(keep), err
		}
	}
	return replayed, len(keep), nil
}

// CheckResources fails with core.ErrResourceExhaustion when any configured
// ceiling is crossed. A sampling failure is logged and treated as healthy.
func (m *Manager) CheckResources(ctx context.Context) error {
	u, err := m.sampler.Usage(ctx)
	if err != nil {
		m.logger.Warn("resource sampling failed", zap.Error(err))
		return nil
	}

	m.mu.Lock()
	m.lastUsage = u
	m.mu.Unlock()

	return exceeds(u, m.cfg)
}

// Stats returns recovery statistics
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	dead := m.deadLettered
	usage := m.lastUsage
	m.mu.Unlock()

	sort.Strings(names)
	breakers := make(map[string]any, len(names))
	for _, name := range names {
		breakers[name] = m.Breaker(name).Stats()
	}

	stats := map[string]any{
		"breakers":      breakers,
		"dead_lettered": dead,
		"last_usage":    usage,
	}
	if m.dead != nil {
		if n, err := m.dead.Len(); err == nil {
			stats["dead_letter_pending"] = n
		}
	}
	return stats
}
