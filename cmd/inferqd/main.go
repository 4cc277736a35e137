package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferq/internal/config"
	"inferq/internal/executor"
	"inferq/internal/httpapi"
	"inferq/internal/registry"
	"inferq/internal/scheduler"
	"inferq/internal/streaming"
	"inferq/pkg/types"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "inferqd:", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath   string
	addr         string
	modelsDir    string
	defaultModel string
	adapter      string
	serverURL    string
	strategy     string
	workers      int
	maxUnits     uint64
	queueDepth   int
	logLevel     string
	logFile      string
	corsOrigins  string
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "inferqd",
		Short:         "Resource-aware priority scheduler for LLM inference",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	fs := root.Flags()
	fs.StringVarP(&f.configPath, "config", "c", os.Getenv("INFERQ_CONFIG"), "Config file (.yaml, .json or .toml)")
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080 (env INFERQ_ADDR)")
	fs.StringVar(&f.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	fs.StringVar(&f.defaultModel, "default-model", "", "Default model id when request omits model")
	fs.StringVar(&f.adapter, "adapter", "", "Inference adapter: echo, llama or llama_server")
	fs.StringVar(&f.serverURL, "llama-server-url", "", "Base URL of the llama.cpp server for the llama_server adapter")
	fs.StringVar(&f.strategy, "strategy", "", "Scheduling strategy: pool or direct")
	fs.IntVar(&f.workers, "workers", 0, "Number of concurrent executions")
	fs.Uint64Var(&f.maxUnits, "max-units", 0, "Total KV-cache blocks shared by running jobs")
	fs.IntVar(&f.queueDepth, "queue-depth", 0, "Maximum number of queued jobs")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error (env INFERQ_LOG_LEVEL)")
	fs.StringVar(&f.logFile, "log-file", "", "Also write logs to this file, rotated")
	fs.StringVar(&f.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins; empty disables CORS")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "inferqd", version, "llama:", executor.LlamaBuilt)
		},
	})
	return root
}

// loadConfig layers file, environment and explicitly set flags, in that order.
func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	var cfg config.Config
	if f.configPath != "" {
		c, err := config.Load(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	if v := os.Getenv("INFERQ_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("INFERQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("models-dir") {
		cfg.ModelsDir = f.modelsDir
	}
	if changed("default-model") {
		cfg.DefaultModel = f.defaultModel
	}
	if changed("adapter") {
		cfg.Adapter = f.adapter
	}
	if changed("llama-server-url") {
		cfg.LlamaServerURL = f.serverURL
	}
	if changed("strategy") {
		cfg.Pool.Strategy = f.strategy
	}
	if changed("workers") {
		cfg.Pool.WorkerCount = f.workers
	}
	if changed("max-units") {
		cfg.Pool.MaxTotalUnits = f.maxUnits
	}
	if changed("queue-depth") {
		cfg.Pool.MaxQueueDepth = f.queueDepth
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-file") {
		cfg.LogFile = f.logFile
	}
	if changed("cors-origins") {
		cfg.CORSOrigins = splitCSV(f.corsOrigins)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(cfg config.Config) error {
	log, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	var models []types.Model
	if cfg.ModelsDir != "" {
		if models, err = registry.LoadDir(cfg.ModelsDir); err != nil {
			return fmt.Errorf("load models: %w", err)
		}
	}
	catalog := registry.NewCatalog(models, cfg.DefaultModel)
	log.Info().Int("models", len(models)).Str("default", catalog.Default()).Str("dir", cfg.ModelsDir).Msg("model catalog loaded")
	if len(models) > 0 {
		if _, err := catalog.Resolve(""); err != nil {
			log.Warn().Err(err).Msg("default model not in catalog; requests must name a model")
		}
	}

	adapter, err := newAdapter(cfg, log)
	if err != nil {
		return err
	}

	p := cfg.Pool
	streams := streaming.NewRegistry(p.StreamingRetention.Std(), streaming.WithLogger(log.With().Str("component", "streams").Logger()))
	execOpts := []executor.Option{
		executor.WithLogger(log.With().Str("component", "executor").Logger()),
		executor.WithStreamBuffer(p.StreamBuffer),
	}
	// without model files the model field passes through to the adapter
	if len(models) > 0 {
		execOpts = append(execOpts, executor.WithModels(catalog))
	}
	exec := executor.NewLLMExecutor(adapter, streams, execOpts...)

	sched, err := scheduler.New(scheduler.Config{
		Strategy:           scheduler.Strategy(p.Strategy),
		WorkerCount:        p.WorkerCount,
		MaxTotalUnits:      p.MaxTotalUnits,
		MaxQueueDepth:      p.MaxQueueDepth,
		ResourceKind:       scheduler.ResourceKVBlocks,
		StreamingRetention: p.StreamingRetention.Std(),
		SweepInterval:      p.SweepInterval.Std(),
		JobTimeout:         p.JobTimeout.Std(),
		ShutdownGrace:      p.ShutdownGrace.Std(),
		Logger:             &log,
		Publisher:          logPublisher{log: log.With().Str("component", "events").Logger()},
		Registry:           streams,
	}, exec)
	if err != nil {
		return err
	}
	prometheus.MustRegister(scheduler.NewStatsCollector(sched))

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetDefaultLogLevel(cfg.LogLevel)
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetDefaultMaxTokens(cfg.DefaultMaxTokens)
	httpapi.SetCORSOptions(len(cfg.CORSOrigins) > 0, cfg.CORSOrigins, nil, nil)

	opts := httpapi.Options{
		Accountant:   scheduler.NewAccountant(p.BlockSize, p.MaxTotalUnits),
		ResourceKind: scheduler.ResourceKVBlocks,
		Started:      time.Now(),
	}
	if len(models) > 0 {
		opts.Models = catalog
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(sched, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("adapter", cfg.Adapter).Str("strategy", p.Strategy).Msg("inferqd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	var serveErr error
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error().Err(serveErr).Msg("server error")
		}
	}

	// stop admitting, drain the scheduler, then close connections
	ctx, cancel := context.WithTimeout(context.Background(), p.ShutdownGrace.Std()+5*time.Second)
	defer cancel()
	if err := sched.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown incomplete")
	}
	cancelBase()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	streams.Close()
	log.Info().Msg("stopped")
	return serveErr
}

func newAdapter(cfg config.Config, log zerolog.Logger) (executor.InferenceAdapter, error) {
	switch cfg.Adapter {
	case config.AdapterEcho:
		return executor.NewEchoAdapter(cfg.EchoDelay.Std()), nil
	case config.AdapterLlama:
		if !executor.LlamaBuilt {
			log.Warn().Msg("binary built without the llama tag; every job will fail until rebuilt with -tags llama")
		}
		return executor.NewLlamaAdapter(cfg.LlamaCtx, cfg.LlamaThreads), nil
	case config.AdapterLlamaServer:
		reqTimeout := cfg.Pool.JobTimeout.Std()
		if reqTimeout < 0 {
			reqTimeout = 0
		}
		return executor.NewServerAdapter(cfg.LlamaServerURL, cfg.LlamaAPIKey, reqTimeout, 5*time.Second, log), nil
	}
	return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
}

// logPublisher logs scheduler lifecycle events at debug level.
type logPublisher struct{ log zerolog.Logger }

func (p logPublisher) Publish(e scheduler.Event) {
	ev := p.log.Debug().Str("event", e.Name).Str("job_id", e.JobID)
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("scheduler event")
}
