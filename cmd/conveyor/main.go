// Command conveyor runs the extraction engine: a scheduler over per-domain
// jobs that pull changed records from the source ERP and upsert them into
// the data platform.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/orchestrator"
	"github.com/conveyorhq/conveyor/pkg/clients"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/extractor"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/observability"
	"github.com/conveyorhq/conveyor/pkg/platform"
	"github.com/conveyorhq/conveyor/pkg/resolver"
	"github.com/conveyorhq/conveyor/pkg/retry"
	"github.com/conveyorhq/conveyor/pkg/source"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile string
	runOnce bool
	dryRun  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Extraction orchestration engine",
		Long:  "Conveyor pulls changed records from an ERP source and upserts them into a graph-structured data platform, with per-endpoint circuit breaking, retries and change detection.",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "conveyor.yaml", "path to the config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extraction schedule",
		RunE:  runE,
	}
	runCmd.Flags().BoolVar(&runOnce, "once", false, "run every enabled job once and exit")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "execute the schedule without calling either boundary")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("config OK: %d enabled jobs\n", len(cfg.EnabledJobs()))
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conveyor %s (commit %s, built %s)\n", version, commit, date)
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runE(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if runOnce {
		cfg.Orchestrator.RunOnce = true
	}
	if dryRun {
		cfg.Orchestrator.DryRun = true
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
		Encoding:    cfg.Observability.LogEncoding,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Init(ctx, "conveyor", cfg.Observability.EnableTracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	orch, err := build(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Observability.EnableMetrics {
		startMetricsServer(cfg.Observability.MetricsAddr, orch)
	}

	logger.Info("starting",
		zap.String("version", version),
		zap.Int("jobs", len(cfg.EnabledJobs())),
		zap.Bool("run_once", cfg.Orchestrator.RunOnce),
		zap.Bool("dry_run", cfg.Orchestrator.DryRun))

	return orch.Run(ctx)
}

// build wires the full object graph from config: shared transport, breaker
// registry, retry executor, boundary clients, resolver, state tracker, one
// job per enabled descriptor, and the orchestrator on top.
func build(ctx context.Context, cfg *config.Config) (*orchestrator.Orchestrator, error) {
	transport, err := clients.NewTransport(clients.TransportConfig{
		MaxInFlight:         cfg.Transport.MaxInFlight,
		RequestTimeout:      cfg.Transport.RequestTimeout.Std(),
		DialTimeout:         cfg.Transport.DialTimeout.Std(),
		KeepAlive:           cfg.Transport.KeepAlive.Std(),
		MaxIdleConns:        cfg.Transport.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Transport.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Transport.IdleConnTimeout.Std(),
		EnableHTTP2:         cfg.Transport.EnableHTTP2,
		RatePerSec:          cfg.Transport.RatePerSec,
		RateBurst:           cfg.Transport.RateBurst,
	})
	if err != nil {
		return nil, err
	}

	breakers := clients.NewBreakerRegistry(clients.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window.Std(),
		Cooldown:         cfg.Breaker.Cooldown.Std(),
	})
	agg := clients.NewErrorAggregator(cfg.Breaker.Window.Std(), cfg.Orchestrator.SampleErrors)
	exec := retry.NewExecutor(retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff.Std(),
		MaxBackoff:     cfg.Retry.MaxBackoff.Std(),
		Multiplier:     cfg.Retry.Multiplier,
		JitterFactor:   cfg.Retry.JitterFactor,
	}, breakers, agg)

	src := source.NewClient(source.Config{
		BaseURL:    cfg.Source.BaseURL,
		APIKey:     cfg.Source.APIKey,
		CustomerID: cfg.Source.CustomerID,
		PageSize:   cfg.Source.PageSize,
	}, transport, exec)

	plat := platform.NewClient(ctx, platform.Config{
		BaseURL:      cfg.Platform.BaseURL,
		Project:      cfg.Platform.Project,
		ClientID:     cfg.Platform.ClientID,
		ClientSecret: cfg.Platform.ClientSecret,
		TokenURL:     cfg.Platform.TokenURL,
		Scopes:       cfg.Platform.Scopes,
	}, transport, exec)

	res := resolver.New(plat.LookupIDs, cfg.Resolver.CacheSize, cfg.Resolver.BatchSize)

	states, err := extractor.NewStateTracker(cfg.Orchestrator.StateFile)
	if err != nil {
		return nil, err
	}

	opts := extractor.Options{
		SampleErrors:        cfg.Orchestrator.SampleErrors,
		DryRun:              cfg.Orchestrator.DryRun,
		FullRefreshInterval: cfg.Orchestrator.FullRefreshInterval.Std(),
	}
	jobs := make([]*extractor.Job, 0, len(cfg.EnabledJobs()))
	for _, jc := range cfg.EnabledJobs() {
		jobs = append(jobs, extractor.New(jc, src, plat, res, states, opts))
	}

	return orchestrator.New(cfg, jobs, breakers, res, agg), nil
}

// startMetricsServer serves prometheus metrics and the health snapshot.
func startMetricsServer(addr string, orch *orchestrator.Orchestrator) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := orch.Health()
		w.Header().Set("Content-Type", "application/json")
		if !snap.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}
