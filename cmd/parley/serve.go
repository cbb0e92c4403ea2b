package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/record"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/throttle"
	"github.com/parleyhq/parley/internal/tool"
	"github.com/parleyhq/parley/internal/tool/builtin"
	"github.com/parleyhq/parley/internal/workflow"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Parley gateway server",
		Long: `Start the Parley gateway server.

The server loads the YAML configuration, the content catalog (models,
apps, locales, platform), registers the provider adapters and serves
the chat API over HTTP. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  parley serve

  # Start with custom config
  parley serve --config /etc/parley/production.yaml

  # Start with debug logging
  parley serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe wires the gateway from configuration and blocks until a
// shutdown signal arrives or startup fails.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	log := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	tracer, stopTracing, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	log.Info(ctx, "starting parley gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"addr", cfg.Server.Addr(),
	)

	cat, err := catalog.New(catalog.Options{
		Dir:            filepath.Join(cfg.Contents.Dir, "config"),
		Logger:         log,
		ReloadDebounce: cfg.Contents.ReloadDebounce,
	})
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	defer cat.Close()
	if cfg.Contents.Watch {
		if err := cat.StartWatching(ctx); err != nil {
			log.Warn(ctx, "catalog watching unavailable, reload on restart only", "error", err)
		}
	}

	snap := cat.Snapshot()
	log.Info(ctx, "catalog loaded",
		"models", len(snap.Models),
		"apps", len(snap.Apps),
		"locales", len(snap.Locales),
	)

	limiter := throttle.New(cfg.Throttle.MaxConcurrent, cfg.Throttle.PerUpstream, metrics)
	providers := buildProviders(ctx, cfg, limiter, log)

	tools := tool.NewRegistry()
	builtin.Register(tools, cfg.Tools, nil)
	runner := tool.NewRunner(tools, tool.RunnerConfig{
		DefaultTimeout: cfg.Chat.ToolTimeout,
	}, log, metrics)

	recorder, err := record.Open(cfg.Record, log)
	if err != nil {
		return fmt.Errorf("open recorder: %w", err)
	}
	defer recorder.Close()

	sessions := session.NewManager(cfg.Sessions, log, metrics)
	if err := sessions.Start(); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	defer sessions.Stop()

	authenticator, err := auth.New(cfg.Auth)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	orch := chat.New(chat.Options{
		Config:    cfg.Chat,
		Catalog:   cat,
		Providers: providers,
		Tools:     tools,
		Runner:    runner,
		Recorder:  recorder,
		Logger:    log,
		Metrics:   metrics,
		Tracer:    tracer,
	})

	server := gateway.New(gateway.Options{
		Config:       cfg,
		Catalog:      cat,
		Orchestrator: orch,
		Sessions:     sessions,
		Workflows:    workflow.NewBridge(nil, log),
		Recorder:     recorder,
		Auth:         authenticator,
		Logger:       log,
		Metrics:      metrics,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	log.Info(ctx, "parley gateway started",
		"addr", cfg.Server.Addr(),
		"auth_mode", authenticator.Mode(),
		"providers", providers.Names(),
	)

	<-ctx.Done()
	log.Info(context.Background(), "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "server shutdown incomplete", "error", err)
	}
	if err := stopTracing(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "trace flush failed", "error", err)
	}

	log.Info(context.Background(), "parley gateway stopped")
	return nil
}

// buildProviders registers one adapter per vendor. Every upstream call
// rides a client whose transport holds that vendor's throttle permit
// until the response body is closed.
func buildProviders(ctx context.Context, cfg *config.Config, limiter *throttle.Limiter, log *observability.Logger) *provider.Registry {
	reg := provider.NewRegistry()

	client := func(upstream string) *http.Client {
		return &http.Client{
			Transport: &throttle.Transport{Limiter: limiter, Upstream: upstream},
		}
	}

	reg.Register(provider.NewOpenAI(cfg.Providers["openai"], client("openai"), log))
	reg.Register(provider.NewAnthropic(cfg.Providers["anthropic"], client("anthropic"), log))
	reg.Register(provider.NewGoogle(cfg.Providers["google"], client("google"), log))
	reg.Register(provider.NewMistral(cfg.Providers["mistral"], client("mistral"), log))
	reg.Register(provider.NewVLLM(cfg.Providers["vllm"], client("vllm"), log))

	// Bedrock resolves an AWS credential chain at construction, so it is
	// only registered when configured.
	if bcfg, ok := cfg.Providers["bedrock"]; ok {
		bedrock, err := provider.NewBedrock(bcfg, client("bedrock"), log)
		if err != nil {
			log.Warn(ctx, "bedrock adapter unavailable", "error", err)
		} else {
			reg.Register(bedrock)
		}
	}

	return reg
}
