package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Config: central configuration for a qubicsleep instance.
//
// The configuration is resolved through a four-level hierarchy where each
// layer overrides values set by the layer beneath it:
//
//	Priority (highest → lowest):
//	  1. Programmatic overrides (e.g. CLI flags applied after loading)
//	  2. Environment variables (QUBICSLEEP_* prefix)
//	  3. YAML configuration file
//	  4. Built-in defaults
//
// All duration fields accept standard Go duration strings when supplied
// through the YAML file or environment variables (e.g. "30s", "5m", "1h").
// ---------------------------------------------------------------------------

// SchedulerConfig groups rhythm timing settings.
type SchedulerConfig struct {
	// TickInterval is the cadence of the primary loop and the continuous loop.
	TickInterval time.Duration `yaml:"tickInterval"`

	// Timezone is the IANA location used for circadian phase detection.
	// Empty means the host's local zone.
	Timezone string `yaml:"timezone"`

	// StopTimeout bounds how long Stop waits for the continuous loop.
	StopTimeout time.Duration `yaml:"stopTimeout"`

	ContinuousInterval  time.Duration `yaml:"continuousInterval"`
	ShortTermInterval   time.Duration `yaml:"shortTermInterval"`
	LongTermInterval    time.Duration `yaml:"longTermInterval"`
	DeepSleepInterval   time.Duration `yaml:"deepSleepInterval"`
	REMSleepInterval    time.Duration `yaml:"remSleepInterval"`
	HomeostasisInterval time.Duration `yaml:"homeostasisInterval"`

	// HomeostasisFailureLimit is the number of consecutive Homeostasis
	// failures after which pruning is suspended.
	HomeostasisFailureLimit int `yaml:"homeostasisFailureLimit"`
}

// Interval returns the configured minimum interval for a rhythm.
func (s SchedulerConfig) Interval(r Rhythm) time.Duration {
	switch r {
	case RhythmContinuous:
		return s.ContinuousInterval
	case RhythmShortTerm:
		return s.ShortTermInterval
	case RhythmLongTerm:
		return s.LongTermInterval
	case RhythmDeepSleep:
		return s.DeepSleepInterval
	case RhythmREMSleep:
		return s.REMSleepInterval
	case RhythmHomeostasis:
		return s.HomeostasisInterval
	}
	return 0
}

// Location resolves the configured timezone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// PlasticityConfig groups the learning and fate parameters.
type PlasticityConfig struct {
	// LearningRate scales every plasticity delta. Range [0.01, 0.5].
	LearningRate float64 `yaml:"learningRate"`

	// DecayRate is the multiplicative factor applied to weak traces per pass.
	DecayRate float64 `yaml:"decayRate"`

	// BoostFactor is the multiplicative factor applied to strong traces per pass.
	BoostFactor float64 `yaml:"boostFactor"`

	ConsolidationThreshold float64 `yaml:"consolidationThreshold"`
	WeakThreshold          float64 `yaml:"weakThreshold"`
	StrongThreshold        float64 `yaml:"strongThreshold"`

	// PruneThreshold is the strength under which an old trace may be removed
	// during Homeostasis.
	PruneThreshold float64 `yaml:"pruneThreshold"`

	// RetentionWindow is the minimum age since last access before pruning.
	RetentionWindow time.Duration `yaml:"retentionWindow"`

	// FocusBoost multiplies deltas of links touching the attentional focus.
	FocusBoost float64 `yaml:"focusBoost"`
}

// WorkingMemoryConfig groups admission control bounds (Miller's 7±2).
type WorkingMemoryConfig struct {
	MinCapacity int `yaml:"minCapacity"`
	MaxCapacity int `yaml:"maxCapacity"`

	// FocusSize is the number of top-activation items in the focus of attention.
	FocusSize int `yaml:"focusSize"`

	// RecencyTau is the time constant of the exponential recency weight.
	RecencyTau time.Duration `yaml:"recencyTau"`
}

// STDPConfig groups spike-timing analysis settings.
type STDPConfig struct {
	// PairingWindow is the maximum |post - pre| delay that counts as a paired event.
	PairingWindow time.Duration `yaml:"pairingWindow"`
}

// StoreConfig groups MemoryStore settings.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `yaml:"maxOpenConns"`

	// BusyTimeout is the SQLite busy timeout.
	BusyTimeout time.Duration `yaml:"busyTimeout"`

	// SnapshotLimit caps the number of traces read per invocation.
	SnapshotLimit int `yaml:"snapshotLimit"`
}

// SummarizerConfig groups text-generation service settings.
type SummarizerConfig struct {
	// Provider is "ollama" or "none".
	Provider string        `yaml:"provider"`
	URL      string        `yaml:"url"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`

	// Concurrency bounds parallel summarizer calls within one batch.
	Concurrency int `yaml:"concurrency"`
}

// RecoveryConfig groups retry, breaker, dead-letter and resource guard settings.
type RecoveryConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`

	BreakerFailureThreshold int           `yaml:"breakerFailureThreshold"`
	BreakerResetTimeout     time.Duration `yaml:"breakerResetTimeout"`

	DeadLetterPath string `yaml:"deadLetterPath"`

	// Resource ceilings in percent; 0 disables the individual check.
	MaxMemoryPercent float64 `yaml:"maxMemoryPercent"`
	MaxDiskPercent   float64 `yaml:"maxDiskPercent"`
	MaxCPUPercent    float64 `yaml:"maxCPUPercent"`
}

// EngineConfig groups consolidation engine settings.
type EngineConfig struct {
	// Workers bounds the pairwise STDP fan-out.
	Workers int `yaml:"workers"`

	// InvocationTimeout bounds the snapshot, pipeline and summary phases
	// of one engine invocation.
	InvocationTimeout time.Duration `yaml:"invocationTimeout"`

	// CommitTimeout bounds the batch commit. The commit runs on its own
	// budget, so slow summaries cannot starve it.
	CommitTimeout time.Duration `yaml:"commitTimeout"`
}

// MCPConfig groups the status tool endpoint settings.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
	APIKey  string `yaml:"apiKey"`
}

// Config is the root configuration object.
type Config struct {
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Plasticity    PlasticityConfig    `yaml:"plasticity"`
	WorkingMemory WorkingMemoryConfig `yaml:"workingMemory"`
	STDP          STDPConfig          `yaml:"stdp"`
	Store         StoreConfig         `yaml:"store"`
	Summarizer    SummarizerConfig    `yaml:"summarizer"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Engine        EngineConfig        `yaml:"engine"`
	MCP           MCPConfig           `yaml:"mcp"`
}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with production-safe defaults.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			TickInterval:            30 * time.Second,
			StopTimeout:             10 * time.Second,
			ContinuousInterval:      5 * time.Minute,
			ShortTermInterval:       20 * time.Minute,
			LongTermInterval:        90 * time.Minute,
			DeepSleepInterval:       24 * time.Hour,
			REMSleepInterval:        90 * time.Minute,
			HomeostasisInterval:     7 * 24 * time.Hour,
			HomeostasisFailureLimit: 3,
		},
		Plasticity: PlasticityConfig{
			LearningRate:           0.1,
			DecayRate:              0.8,
			BoostFactor:            1.2,
			ConsolidationThreshold: 0.5,
			WeakThreshold:          0.3,
			StrongThreshold:        0.7,
			PruneThreshold:         0.01,
			RetentionWindow:        30 * 24 * time.Hour,
			FocusBoost:             1.2,
		},
		WorkingMemory: WorkingMemoryConfig{
			MinCapacity: 5,
			MaxCapacity: 9,
			FocusSize:   4,
			RecencyTau:  time.Hour,
		},
		STDP: STDPConfig{
			PairingWindow: 100 * time.Millisecond,
		},
		Store: StoreConfig{
			Path:          "./data/qubicsleep.db",
			MaxOpenConns:  160,
			BusyTimeout:   5 * time.Second,
			SnapshotLimit: 5000,
		},
		Summarizer: SummarizerConfig{
			Provider:    "none",
			URL:         "http://localhost:11434",
			Model:       "llama3.2",
			Timeout:     300 * time.Second,
			Concurrency: 4,
		},
		Recovery: RecoveryConfig{
			MaxRetries:              3,
			BaseDelay:               time.Second,
			MaxDelay:                30 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerResetTimeout:     time.Minute,
			DeadLetterPath:          "./data/deadletter.qdl",
			MaxMemoryPercent:        95,
			MaxDiskPercent:          95,
			MaxCPUPercent:           0,
		},
		Engine: EngineConfig{
			Workers:           4,
			InvocationTimeout: 15 * time.Minute,
			CommitTimeout:     30 * time.Second,
		},
		MCP: MCPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6070",
			Path:    "/mcp",
		},
	}
}

// ConfigFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigFromEnv applies environment variable overrides to the given Config.
// If cfg is nil a new default Config is created first.
//
// Environment variable mapping (all optional, prefix QUBICSLEEP_):
//
//	QUBICSLEEP_TICK_INTERVAL        → Scheduler.TickInterval
//	QUBICSLEEP_TIMEZONE             → Scheduler.Timezone
//	QUBICSLEEP_LEARNING_RATE        → Plasticity.LearningRate
//	QUBICSLEEP_DECAY_RATE           → Plasticity.DecayRate
//	QUBICSLEEP_CONSOLIDATION_THRESHOLD → Plasticity.ConsolidationThreshold
//	QUBICSLEEP_WM_MIN / _WM_MAX     → WorkingMemory.MinCapacity / MaxCapacity
//	QUBICSLEEP_STORE_PATH           → Store.Path
//	QUBICSLEEP_STORE_MAX_CONNS      → Store.MaxOpenConns
//	QUBICSLEEP_SUMMARIZER           → Summarizer.Provider
//	QUBICSLEEP_SUMMARIZER_URL       → Summarizer.URL
//	QUBICSLEEP_SUMMARIZER_MODEL     → Summarizer.Model
//	QUBICSLEEP_SUMMARIZER_TIMEOUT   → Summarizer.Timeout
//	QUBICSLEEP_MAX_RETRIES          → Recovery.MaxRetries
//	QUBICSLEEP_DEADLETTER_PATH      → Recovery.DeadLetterPath
//	QUBICSLEEP_WORKERS              → Engine.Workers
//	QUBICSLEEP_MCP_ENABLED          → MCP.Enabled
//	QUBICSLEEP_MCP_ADDR             → MCP.Addr
//	QUBICSLEEP_MCP_API_KEY          → MCP.APIKey
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// -- Scheduler --
	setEnvDuration("QUBICSLEEP_TICK_INTERVAL", &cfg.Scheduler.TickInterval)
	setEnvStr("QUBICSLEEP_TIMEZONE", &cfg.Scheduler.Timezone)

	// -- Plasticity --
	setEnvFloat("QUBICSLEEP_LEARNING_RATE", &cfg.Plasticity.LearningRate)
	setEnvFloat("QUBICSLEEP_DECAY_RATE", &cfg.Plasticity.DecayRate)
	setEnvFloat("QUBICSLEEP_CONSOLIDATION_THRESHOLD", &cfg.Plasticity.ConsolidationThreshold)

	// -- Working memory --
	setEnvInt("QUBICSLEEP_WM_MIN", &cfg.WorkingMemory.MinCapacity)
	setEnvInt("QUBICSLEEP_WM_MAX", &cfg.WorkingMemory.MaxCapacity)

	// -- Store --
	setEnvStr("QUBICSLEEP_STORE_PATH", &cfg.Store.Path)
	setEnvInt("QUBICSLEEP_STORE_MAX_CONNS", &cfg.Store.MaxOpenConns)

	// -- Summarizer --
	setEnvStr("QUBICSLEEP_SUMMARIZER", &cfg.Summarizer.Provider)
	setEnvStr("QUBICSLEEP_SUMMARIZER_URL", &cfg.Summarizer.URL)
	setEnvStr("QUBICSLEEP_SUMMARIZER_MODEL", &cfg.Summarizer.Model)
	setEnvDuration("QUBICSLEEP_SUMMARIZER_TIMEOUT", &cfg.Summarizer.Timeout)

	// -- Recovery --
	setEnvInt("QUBICSLEEP_MAX_RETRIES", &cfg.Recovery.MaxRetries)
	setEnvStr("QUBICSLEEP_DEADLETTER_PATH", &cfg.Recovery.DeadLetterPath)

	// -- Engine --
	setEnvInt("QUBICSLEEP_WORKERS", &cfg.Engine.Workers)

	// -- MCP --
	setEnvBool("QUBICSLEEP_MCP_ENABLED", &cfg.MCP.Enabled)
	setEnvStr("QUBICSLEEP_MCP_ADDR", &cfg.MCP.Addr)
	setEnvStr("QUBICSLEEP_MCP_API_KEY", &cfg.MCP.APIKey)

	return cfg
}

// LoadConfig implements the full four-level configuration hierarchy:
//
//  1. Start with built-in defaults.
//  2. If configPath is non-empty, overlay the YAML file.
//  3. Apply environment variable overrides.
//  4. The caller may then apply programmatic overrides (e.g. CLI flags).
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}

// Validate performs structural validation of the entire configuration.
// Every returned error wraps ErrConfiguration and names the first invalid
// field encountered.
func (c *Config) Validate() error {
	// Scheduler
	if c.Scheduler.TickInterval <= 0 {
		return configErr("scheduler.tickInterval must be > 0")
	}
	if c.Scheduler.StopTimeout <= 0 {
		return configErr("scheduler.stopTimeout must be > 0")
	}
	for _, r := range AllRhythms {
		if c.Scheduler.Interval(r) <= 0 {
			return configErr("scheduler interval for %s must be > 0", r)
		}
	}
	if c.Scheduler.DeepSleepInterval <= 2*time.Hour {
		return configErr("scheduler.deepSleepInterval must exceed the 2h deep-sleep window")
	}
	if c.Scheduler.HomeostasisInterval <= time.Hour {
		return configErr("scheduler.homeostasisInterval must exceed the 1h homeostasis window")
	}
	if c.Scheduler.HomeostasisFailureLimit < 1 {
		return configErr("scheduler.homeostasisFailureLimit must be >= 1")
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return configErr("scheduler.timezone %q: %v", c.Scheduler.Timezone, err)
	}

	// Plasticity
	p := c.Plasticity
	if p.LearningRate < 0.01 || p.LearningRate > 0.5 {
		return configErr("plasticity.learningRate must be in [0.01, 0.5], got %g", p.LearningRate)
	}
	if p.DecayRate <= 0 || p.DecayRate >= 1 {
		return configErr("plasticity.decayRate must be in (0, 1), got %g", p.DecayRate)
	}
	if p.BoostFactor < 1 {
		return configErr("plasticity.boostFactor must be >= 1, got %g", p.BoostFactor)
	}
	for name, v := range map[string]float64{
		"plasticity.consolidationThreshold": p.ConsolidationThreshold,
		"plasticity.weakThreshold":          p.WeakThreshold,
		"plasticity.strongThreshold":        p.StrongThreshold,
		"plasticity.pruneThreshold":         p.PruneThreshold,
	} {
		if v <= 0 || v >= 1 {
			return configErr("%s must be in (0, 1), got %g", name, v)
		}
	}
	if p.WeakThreshold >= p.ConsolidationThreshold {
		return configErr("plasticity.weakThreshold (%g) must be < plasticity.consolidationThreshold (%g)",
			p.WeakThreshold, p.ConsolidationThreshold)
	}
	if p.WeakThreshold >= p.StrongThreshold {
		return configErr("plasticity.weakThreshold (%g) must be < plasticity.strongThreshold (%g)",
			p.WeakThreshold, p.StrongThreshold)
	}
	if p.PruneThreshold >= p.WeakThreshold {
		return configErr("plasticity.pruneThreshold (%g) must be < plasticity.weakThreshold (%g)",
			p.PruneThreshold, p.WeakThreshold)
	}
	if p.RetentionWindow <= 0 {
		return configErr("plasticity.retentionWindow must be > 0")
	}
	if p.FocusBoost < 1 {
		return configErr("plasticity.focusBoost must be >= 1, got %g", p.FocusBoost)
	}

	// Working memory: Miller's law bounds
	wm := c.WorkingMemory
	if wm.MinCapacity < 5 || wm.MinCapacity > 9 {
		return configErr("workingMemory.minCapacity must be in [5, 9], got %d", wm.MinCapacity)
	}
	if wm.MaxCapacity < 5 || wm.MaxCapacity > 9 {
		return configErr("workingMemory.maxCapacity must be in [5, 9], got %d", wm.MaxCapacity)
	}
	if wm.MinCapacity > wm.MaxCapacity {
		return configErr("workingMemory.minCapacity (%d) must be <= workingMemory.maxCapacity (%d)",
			wm.MinCapacity, wm.MaxCapacity)
	}
	if wm.FocusSize < 1 || wm.FocusSize > wm.MaxCapacity {
		return configErr("workingMemory.focusSize must be in [1, %d], got %d", wm.MaxCapacity, wm.FocusSize)
	}
	if wm.RecencyTau <= 0 {
		return configErr("workingMemory.recencyTau must be > 0")
	}

	// STDP
	if c.STDP.PairingWindow < 70*time.Millisecond {
		return configErr("stdp.pairingWindow must be >= 70ms to cover the depression window, got %v", c.STDP.PairingWindow)
	}

	// Store
	if strings.TrimSpace(c.Store.Path) == "" {
		return configErr("store.path must not be empty")
	}
	if c.Store.MaxOpenConns < 1 {
		return configErr("store.maxOpenConns must be >= 1, got %d", c.Store.MaxOpenConns)
	}
	if c.Store.SnapshotLimit < 0 {
		return configErr("store.snapshotLimit must be >= 0")
	}

	// Summarizer
	provider := strings.ToLower(strings.TrimSpace(c.Summarizer.Provider))
	if provider != "ollama" && provider != "none" {
		return configErr("summarizer.provider must be one of ollama|none, got %q", c.Summarizer.Provider)
	}
	c.Summarizer.Provider = provider
	if c.Summarizer.Timeout <= 0 {
		return configErr("summarizer.timeout must be > 0")
	}
	if c.Summarizer.Concurrency < 1 {
		return configErr("summarizer.concurrency must be >= 1")
	}

	// Recovery
	r := c.Recovery
	if r.MaxRetries < 0 {
		return configErr("recovery.maxRetries must be >= 0")
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return configErr("recovery.baseDelay must be > 0 and <= recovery.maxDelay")
	}
	if r.BreakerFailureThreshold < 1 {
		return configErr("recovery.breakerFailureThreshold must be >= 1")
	}
	if r.BreakerResetTimeout <= 0 {
		return configErr("recovery.breakerResetTimeout must be > 0")
	}
	for name, v := range map[string]float64{
		"recovery.maxMemoryPercent": r.MaxMemoryPercent,
		"recovery.maxDiskPercent":   r.MaxDiskPercent,
		"recovery.maxCPUPercent":    r.MaxCPUPercent,
	} {
		if v < 0 || v > 100 {
			return configErr("%s must be in [0, 100], got %g", name, v)
		}
	}

	// Engine
	if c.Engine.Workers < 1 {
		return configErr("engine.workers must be >= 1, got %d", c.Engine.Workers)
	}
	if c.Engine.InvocationTimeout <= 0 {
		return configErr("engine.invocationTimeout must be > 0")
	}
	if c.Engine.CommitTimeout <= 0 {
		return configErr("engine.commitTimeout must be > 0")
	}

	// MCP
	if c.MCP.Enabled {
		if c.MCP.Addr == "" {
			return configErr("mcp.addr must not be empty when mcp is enabled")
		}
		if !strings.HasPrefix(c.MCP.Path, "/") {
			return configErr("mcp.path must start with '/'")
		}
	}

	// Boundary guards
	if c.Scheduler.TickInterval > c.Scheduler.ContinuousInterval {
		log.Printf("⚠ WARNING: scheduler.tickInterval=%v is longer than the continuous interval; continuous passes will be late", c.Scheduler.TickInterval)
	}
	if c.Store.MaxOpenConns > 1000 {
		log.Printf("⚠ WARNING: store.maxOpenConns=%d is very high for SQLite", c.Store.MaxOpenConns)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

// setEnvStr sets *target to the value of the named env var if it is non-empty.
func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setEnvBool sets *target to the parsed boolean value of the named env var.
func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// setEnvInt sets *target to the parsed integer value of the named env var.
func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setEnvDuration sets *target to the parsed duration of the named env var.
func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

// setEnvFloat sets *target to the parsed float64 value of the named env var.
func setEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// ---------------------------------------------------------------------------
// CLI flag overrides: final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries optional values set via command-line flags.
// Pointer fields are nil when the flag was not explicitly provided.
type CLIOverrides struct {
	ConfigPath     *string
	StorePath      *string
	Timezone       *string
	TickInterval   *time.Duration
	LearningRate   *float64
	Workers        *int
	Summarizer     *string
	SummarizerURL  *string
	DeadLetterPath *string
	MCPEnabled     *bool
	MCPAddr        *string
}

// ApplyCLIOverrides patches the Config with any explicitly-set CLI flags.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.StorePath != nil {
		c.Store.Path = *o.StorePath
	}
	if o.Timezone != nil {
		c.Scheduler.Timezone = *o.Timezone
	}
	if o.TickInterval != nil {
		c.Scheduler.TickInterval = *o.TickInterval
	}
	if o.LearningRate != nil {
		c.Plasticity.LearningRate = *o.LearningRate
	}
	if o.Workers != nil {
		c.Engine.Workers = *o.Workers
	}
	if o.Summarizer != nil {
		c.Summarizer.Provider = *o.Summarizer
	}
	if o.SummarizerURL != nil {
		c.Summarizer.URL = *o.SummarizerURL
	}
	if o.DeadLetterPath != nil {
		c.Recovery.DeadLetterPath = *o.DeadLetterPath
	}
	if o.MCPEnabled != nil {
		c.MCP.Enabled = *o.MCPEnabled
	}
	if o.MCPAddr != nil {
		c.MCP.Addr = *o.MCPAddr
	}
}

// ---------------------------------------------------------------------------
// Lifecycle helpers
// ---------------------------------------------------------------------------

// WaitForShutdown blocks until an OS interrupt or termination signal is
// received, then cancels the provided context to initiate graceful shutdown.
func WaitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, initiating shutdown...", sig)
		cancel()
	case <-ctx.Done():
	}
}

// PrintBanner prints the startup banner to stdout.
func PrintBanner() {
	banner := `
   ____        __   _      _____ __
  / __ \__  __/ /_ (_)____/ ___// /__  ___  ____
 / / / / / / / __ \/ / ___/\__ \/ / _ \/ _ \/ __ \
/ /_/ / /_/ / /_/ / / /__ ___/ / /  __/  __/ /_/ /
\___\_\__,_/_.___/_/\___//____/_/\___/\___/ .___/
                                         /_/
    Circadian memory consolidation
    ──────────────────────────────
`
	fmt.Print(banner)
}
