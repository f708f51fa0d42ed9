package rhythm

import (
	"sync"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

// EMA weights for successful run durations.
const (
	emaOld = 0.8
	emaNew = 0.2
)

// CycleMetrics is the per-rhythm run record.
type CycleMetrics struct {
	Runs        uint64        `json:"runs"`
	Successes   uint64        `json:"successes"`
	Failures    uint64        `json:"failures"`
	Skips       uint64        `json:"skips"`
	Busy        uint64        `json:"busy"`
	AvgDuration time.Duration `json:"avg_duration"`
	LastRun     time.Time     `json:"last_run,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// SuccessRate is successes over attempted runs; 1 before any run.
func (m CycleMetrics) SuccessRate() float64 {
	if m.Runs == 0 {
		return 1
	}
	return float64(m.Successes) / float64(m.Runs)
}

// MetricsTracker accumulates CycleMetrics for every rhythm.
type MetricsTracker struct {
	mu      sync.RWMutex
	metrics map[core.Rhythm]*CycleMetrics
}

// NewMetricsTracker creates an empty tracker.
func NewMetricsTracker() *MetricsTracker {
	m := &MetricsTracker{metrics: make(map[core.Rhythm]*CycleMetrics, len(core.AllRhythms))}
	for _, r := range core.AllRhythms {
		m.metrics[r] = &CycleMetrics{}
	}
	return m
}

func (m *MetricsTracker) get(r core.Rhythm) *CycleMetrics {
	c, ok := m.metrics[r]
	if !ok {
		c = &CycleMetrics{}
		m.metrics[r] = c
	}
	return c
}

// RecordSuccess counts a completed run and folds d into the average.
// The first sample seeds the average.
func (m *MetricsTracker) RecordSuccess(r core.Rhythm, d time.Duration, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(r)
	c.Runs++
	c.Successes++
	c.LastRun = at
	c.LastError = ""
	if c.Successes == 1 {
		c.AvgDuration = d
		return
	}
	c.AvgDuration = time.Duration(emaOld*float64(c.AvgDuration) + emaNew*float64(d))
}

// RecordFailure counts a failed run.
func (m *MetricsTracker) RecordFailure(r core.Rhythm, err error, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(r)
	c.Runs++
	c.Failures++
	c.LastRun = at
	if err != nil {
		c.LastError = err.Error()
	}
}

// RecordSkip counts an invocation that was not attempted.
func (m *MetricsTracker) RecordSkip(r core.Rhythm, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(r)
	c.Skips++
	if err != nil {
		c.LastError = err.Error()
	}
}

// RecordBusy counts an invocation rejected because the rhythm was running.
func (m *MetricsTracker) RecordBusy(r core.Rhythm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(r).Busy++
}

// Get returns a copy of one rhythm's metrics.
func (m *MetricsTracker) Get(r core.Rhythm) CycleMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.metrics[r]; ok {
		return *c
	}
	return CycleMetrics{}
}

// Snapshot returns a copy of all metrics.
func (m *MetricsTracker) Snapshot() map[core.Rhythm]CycleMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[core.Rhythm]CycleMetrics, len(m.metrics))
	for r, c := range m.metrics {
		out[r] = *c
	}
	return out
}
