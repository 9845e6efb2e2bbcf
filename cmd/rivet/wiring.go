package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danshapiro/rivet/internal/history"
	"github.com/danshapiro/rivet/internal/llm"
	"github.com/danshapiro/rivet/internal/llm/providers/openai"
	"github.com/danshapiro/rivet/internal/observability"
	"github.com/danshapiro/rivet/internal/publish"
	"github.com/danshapiro/rivet/internal/rivet/engine"
	"github.com/danshapiro/rivet/internal/rivet/ingest"
	"github.com/danshapiro/rivet/internal/rivet/sandbox"
	"github.com/danshapiro/rivet/internal/rivet/slice"
	"github.com/danshapiro/rivet/internal/rivet/validate"
)

// One extra attempt for 429s, 5xx and dropped connections.
const (
	transientRetries   = 1
	transientRetryBase = 2 * time.Second
)

// newEngine builds the engine used by generate and batch. Tests replace it.
var newEngine = buildEngine

// buildEngine wires the production collaborators described by cfg. The
// returned func releases everything it opened and is never nil.
func buildEngine(cfg *engine.RunConfigFile, logger *slog.Logger) (*engine.Engine, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*engine.Engine, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	if cfg.LLM.Provider != openai.ProviderName {
		return fail(fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider))
	}
	adapter, err := openai.NewFromEnv(cfg.LLM.APIKeyEnv, cfg.LLM.BaseURL)
	if err != nil {
		return fail(err)
	}
	client := llm.NewClient()
	client.Register(adapter)
	client.Use(
		llm.RetryTransient(transientRetries, transientRetryBase),
		llm.RateLimit(cfg.LLM.RequestsPerMinute),
		llm.Logging(logger),
	)
	completer := &llm.ChatCompleter{
		Client:      client,
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
	}

	docker, err := sandbox.NewDocker(cfg.Sandbox.DockerBinary,
		sandbox.WithWorkdir(cfg.Sandbox.Workdir),
		sandbox.WithNetwork(cfg.Sandbox.Network),
	)
	if err != nil {
		return fail(err)
	}

	var metrics *observability.Metrics
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		metrics = observability.NewMetrics(nil)
		closers = append(closers, serveMetrics(addr, logger))
	}
	if cfg.Telemetry.TraceStdout {
		shutdown, err := observability.InitTracing(os.Stderr, version)
		if err != nil {
			return fail(fmt.Errorf("init tracing: %w", err))
		}
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		})
	}

	eng := &engine.Engine{
		Ingester:  ingest.New(logger),
		Slicer:    &slice.Slicer{Completer: completer, Logger: logger},
		Completer: completer,
		Sandbox: &sandbox.Runner{
			Provider: docker,
			Image:    cfg.Sandbox.Image,
			Packages: cfg.Sandbox.Packages,
			Timeout:  cfg.SandboxTimeout(),
			Logger:   logger,
			Observe:  metrics.ObserveSandbox,
		},
		Validate: validate.Python,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   observability.Tracer(),
	}

	if !cfg.History.Disabled {
		store, err := history.Open(historyPath(cfg))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = store.Close() })
		eng.History = store
	}
	if cfg.Publish.Endpoint != "" {
		pub, err := publish.New(publish.Config{
			Endpoint:  cfg.Publish.Endpoint,
			Bucket:    cfg.Publish.Bucket,
			Prefix:    cfg.Publish.Prefix,
			Region:    cfg.Publish.Region,
			AccessKey: os.Getenv(cfg.Publish.AccessKeyEnv),
			SecretKey: os.Getenv(cfg.Publish.SecretKeyEnv),
			UseSSL:    cfg.Publish.UseSSL,
		})
		if err != nil {
			return fail(err)
		}
		eng.Publisher = pub
	}
	return eng, cleanup, nil
}

func historyPath(cfg *engine.RunConfigFile) string {
	if cfg.History.DBPath != "" {
		return cfg.History.DBPath
	}
	return history.DefaultPath()
}

// serveMetrics exposes /metrics on addr until the returned func is called.
func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
