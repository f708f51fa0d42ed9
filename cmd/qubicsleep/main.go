package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/denizumutdereli/qubicsleep/pkg/engine"
	"github.com/denizumutdereli/qubicsleep/pkg/mcp"
	"github.com/denizumutdereli/qubicsleep/pkg/rhythm"
	"github.com/denizumutdereli/qubicsleep/pkg/sentiment"
)

func main() {
	// Load .env file (optional - won't error if missing)
	if err := godotenv.Load(); err == nil {
		log.Println("[config] Loaded .env file")
	}

	var o core.CLIOverrides
	var debug bool

	rootCmd := &cobra.Command{
		Use:          "qubicsleep",
		Short:        "QubicSleep - circadian memory consolidation",
		Long:         "Moves memory traces from working memory to long-term storage on sleep-like rhythms, with spike-timing plasticity, synaptic tagging and homeostatic scaling.",
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy.
	pf := rootCmd.PersistentFlags()
	o.ConfigPath = pf.StringP("config", "f", "", "Path to YAML config file (overrides QUBICSLEEP_CONFIG env)")
	o.StorePath = pf.String("store", "", "SQLite database path")
	o.Timezone = pf.String("timezone", "", "IANA timezone for circadian phases")
	o.TickInterval = pf.Duration("tick", 0, "Scheduler tick interval")
	o.LearningRate = pf.Float64("learning-rate", 0, "Plasticity learning rate (0.01-0.5)")
	o.Workers = pf.Int("workers", 0, "STDP worker pool size")
	o.Summarizer = pf.String("summarizer", "", "Summarizer provider (ollama|none)")
	o.SummarizerURL = pf.String("summarizer-url", "", "Summarizer base URL")
	o.DeadLetterPath = pf.String("deadletter", "", "Dead-letter log path")
	o.MCPEnabled = pf.Bool("mcp", false, "Serve the MCP status tools")
	o.MCPAddr = pf.String("mcp-addr", "", "MCP listen address")
	pf.BoolVar(&debug, "debug", false, "Development logging")

	rootCmd.AddCommand(
		serveCmd(&o, &debug),
		runCmd(&o, &debug),
		ingestCmd(&o, &debug),
		activateCmd(&o),
		statusCmd(&o, &debug),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the full hierarchy: defaults -> YAML -> env -> flags.
func loadConfig(flags *pflag.FlagSet, o *core.CLIOverrides) (*core.Config, error) {
	configPath := os.Getenv("QUBICSLEEP_CONFIG")
	if o.ConfigPath != nil && *o.ConfigPath != "" {
		configPath = *o.ConfigPath
	}

	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyExplicitFlags(flags, cfg, o)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyExplicitFlags applies only the CLI flags that were explicitly set
// by the user on the command line. Unset flags are ignored so they do not
// override values resolved from YAML or environment variables.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config, o *core.CLIOverrides) {
	overrides := core.CLIOverrides{}

	if flags.Changed("store") {
		overrides.StorePath = o.StorePath
	}
	if flags.Changed("timezone") {
		overrides.Timezone = o.Timezone
	}
	if flags.Changed("tick") {
		overrides.TickInterval = o.TickInterval
	}
	if flags.Changed("learning-rate") {
		overrides.LearningRate = o.LearningRate
	}
	if flags.Changed("workers") {
		overrides.Workers = o.Workers
	}
	if flags.Changed("summarizer") {
		overrides.Summarizer = o.Summarizer
	}
	if flags.Changed("summarizer-url") {
		overrides.SummarizerURL = o.SummarizerURL
	}
	if flags.Changed("deadletter") {
		overrides.DeadLetterPath = o.DeadLetterPath
	}
	if flags.Changed("mcp") {
		overrides.MCPEnabled = o.MCPEnabled
	}
	if flags.Changed("mcp-addr") {
		overrides.MCPAddr = o.MCPAddr
	}

	cfg.ApplyCLIOverrides(&overrides)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveCmd(o *core.CLIOverrides, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rhythm scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			core.PrintBanner()

			cfg, err := loadConfig(cmd.Flags(), o)
			if err != nil {
				return err
			}
			logger, err := newLogger(*debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			log.Printf("Store: %s", cfg.Store.Path)
			log.Printf("Summarizer: %s", cfg.Summarizer.Provider)

			svc, err := build(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			log.Println("Consolidation engine initialized")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			replayed, remaining, err := svc.replay(ctx)
			if err != nil {
				log.Printf("⚠ Dead-letter replay failed: %v", err)
			} else if replayed > 0 || remaining > 0 {
				log.Printf("Dead-letter replay: %d applied, %d still pending", replayed, remaining)
			}

			svc.scheduler.Start(ctx)
			log.Printf("Rhythm scheduler started (tick=%s)", cfg.Scheduler.TickInterval)

			var httpServer *http.Server
			if cfg.MCP.Enabled {
				h, err := mcp.NewHandler(mcp.Config{
					APIKey:        cfg.MCP.APIKey,
					Stateless:     true,
					AllowRun:      true,
					AllowActivate: true,
				}, mcp.NewBackend(svc.scheduler, svc.store))
				if err != nil {
					return fmt.Errorf("failed to build MCP handler: %w", err)
				}
				httpServer = &http.Server{
					Addr:              cfg.MCP.Addr,
					Handler:           mcp.NewRouter(cfg.MCP.Path, h),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Printf("MCP server error: %v", err)
					}
				}()
				log.Printf("MCP tools at http://%s%s", cfg.MCP.Addr, cfg.MCP.Path)
			}

			log.Println("QubicSleep is ready!")
			log.Println("--------------------------------------------")

			core.WaitForShutdown(ctx, cancel)
			log.Println("Initiating graceful shutdown...")

			if httpServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					log.Printf("MCP shutdown error: %v", err)
				}
				shutdownCancel()
			}
			if err := svc.scheduler.Stop(cfg.Scheduler.StopTimeout); err != nil {
				log.Printf("Scheduler stop: %v", err)
			}

			log.Println("QubicSleep shutdown complete")
			return nil
		},
	}
}

func runCmd(o *core.CLIOverrides, debug *bool) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run <rhythm>",
		Short: "Run one rhythm now, ignoring its circadian gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := core.ParseRhythm(strings.ToLower(args[0]))
			if !ok {
				return fmt.Errorf("unknown rhythm %q", args[0])
			}
			cfg, err := loadConfig(cmd.Flags(), o)
			if err != nil {
				return err
			}
			logger, err := newLogger(*debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			svc, err := build(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			var res *engine.Result
			outcome := rhythm.OutcomeFired
			if dryRun {
				res, err = svc.engine.Run(cmd.Context(), r, engine.Options{PruneEnabled: true, DryRun: true})
				if err != nil {
					outcome = rhythm.OutcomeFailed
				}
			} else {
				outcome, res, err = svc.scheduler.RunNow(cmd.Context(), r)
			}

			printJSON(cmd.OutOrStdout(), map[string]any{"outcome": outcome, "result": res})
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute prune candidates without removing anything")
	return cmd
}

func ingestCmd(o *core.CLIOverrides, debug *bool) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "ingest [content...]",
		Short: "Store a new working-memory trace (reads stdin when no content is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			if content == "" {
				raw, err := io.ReadAll(bufio.NewReader(cmd.InOrStdin()))
				if err != nil {
					return err
				}
				content = string(raw)
			}
			content = strings.TrimSpace(content)
			if err := core.ValidateContent(content); err != nil {
				return err
			}

			cfg, err := loadConfig(cmd.Flags(), o)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			t := core.NewMemoryTrace(content, strings.ToLower(strings.TrimSpace(category)), time.Now())
			t.EmotionalSalience = sentiment.Default().Salience(content)
			if err := store.Upsert(cmd.Context(), t); err != nil {
				return fmt.Errorf("failed to store trace: %w", err)
			}

			printJSON(cmd.OutOrStdout(), map[string]any{
				"id":                 t.ID,
				"tier":               t.Tier,
				"semantic_category":  t.SemanticCategory,
				"emotional_salience": t.EmotionalSalience,
			})
			return nil
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "general", "Semantic category")
	return cmd
}

func activateCmd(o *core.CLIOverrides) *cobra.Command {
	var atFlag string
	cmd := &cobra.Command{
		Use:   "activate <id>...",
		Short: "Record that traces were recalled together (one shared event time)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if atFlag != "" {
				parsed, err := time.Parse(time.RFC3339Nano, atFlag)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				at = parsed
			}

			cfg, err := loadConfig(cmd.Flags(), o)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := make(map[string]any, len(args))
			var failed int
			for _, id := range args {
				t, err := store.RecordActivation(cmd.Context(), core.TraceID(id), at)
				if err != nil {
					failed++
					out[id] = map[string]any{"error": err.Error()}
					continue
				}
				out[id] = map[string]any{
					"version":        t.Version,
					"events":         len(t.ActivationTimes),
					"last_access_at": t.LastAccessAt,
				}
			}
			printJSON(cmd.OutOrStdout(), out)
			if failed > 0 {
				return fmt.Errorf("%d of %d activations failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&atFlag, "at", "", "Event time (RFC3339, default now)")
	return cmd
}

func statusCmd(o *core.CLIOverrides, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print tier counts, batch sequence and dead-letter backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), o)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			counts, err := store.TierCounts(ctx)
			if err != nil {
				return err
			}
			last, err := store.LastBatchID(ctx)
			if err != nil {
				return err
			}
			schema, err := store.SchemaVersion()
			if err != nil {
				return err
			}

			out := map[string]any{
				"store":          store.Path(),
				"schema_version": schema,
				"tiers":          counts,
				"last_batch_id":  last,
				"phase":          phaseNow(cfg),
			}
			if n, err := deadLetterBacklog(cfg); err == nil {
				out["dead_letter_backlog"] = n
			}
			if *debug {
				out["store_stats"] = store.Stats()
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
