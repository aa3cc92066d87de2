package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adaptive-runner/internal/analyzer"
	apihttp "adaptive-runner/internal/api/http"
	"adaptive-runner/internal/childexec"
	"adaptive-runner/internal/config"
	"adaptive-runner/internal/domain"
	"adaptive-runner/internal/handlers"
	etcdinfra "adaptive-runner/internal/infra/etcd"
	"adaptive-runner/internal/infra/memory"
	"adaptive-runner/internal/metrics"
	rt "adaptive-runner/internal/runtime"
	"adaptive-runner/internal/strategy"
	"adaptive-runner/internal/tracing"
)

func main() {
	// Child mode: re-invoked by the isolated strategy with a payload file.
	// Must be handled before any server machinery starts.
	if len(os.Args) >= 3 && os.Args[1] == childexec.Flag {
		registerBuiltinHandlers(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
		os.Exit(childexec.Run(os.Args[2]))
	}

	// 1. Logger and configuration.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Tracing.
	shutdownTracer, err := tracing.InitTracer("adaptive-runner")
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error("failed to shut down tracer", "error", err)
		}
	}()

	// 3. Built-in job handlers, shared with child mode.
	registerBuiltinHandlers(logger)

	// 4. Root context cancelled by SIGINT/SIGTERM; shutdown logic itself
	// lives outside the signal path.
	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 5. Statistics store: etcd when configured, in-memory otherwise.
	var store domain.StatsStore
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := etcdinfra.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer cli.Close()
		store = etcdinfra.NewStatsStore(cli, logger)
		logger.Info("using etcd statistics store", "endpoints", cfg.EtcdEndpoints)
	} else {
		store = memory.NewStatsStore()
		logger.Info("using in-memory statistics store")
	}

	// 6. Analyzer, strategies, runtime, health monitor.
	an := analyzer.New(store, analyzer.Config{
		InlineThreshold: cfg.InlineThresholdSeconds,
		PooledThreshold: cfg.PooledThresholdSeconds,
		StatsTTL:        cfg.StatsTTL,
	}, logger)

	limits := cfg.Limits()
	inline := strategy.NewInline(limits, logger)
	isolated := strategy.NewIsolated(limits, cfg.IsolateByDefault, logger)
	selector := strategy.NewSelector(an, inline, isolated, logger)

	runtime := rt.New(rt.Options{
		Limits:        limits,
		MinConcurrent: cfg.MinConcurrent,
		DrainTimeout:  cfg.DrainTimeout,
	}, selector, an, metrics.NewPromSink(limits.MaxConcurrent), logger)

	monitor := rt.NewMonitor(runtime, rt.HealthConfig{
		MemoryLimitMB:      cfg.RuntimeMemoryLimitMB,
		MemoryCheckEvery:   cfg.MemoryCheckEvery,
		SampleEvery:        cfg.HealthSampleEvery,
		LoadHighWater:      cfg.LoadHighWater,
		MemoryHighWaterPct: cfg.MemoryHighWaterPct,
		LoadLowWater:       cfg.LoadLowWater,
		MemoryLowWaterPct:  cfg.MemoryLowWaterPct,
	}, func(reason string) {
		logger.Error("health monitor requested shutdown", "reason", reason)
		cancel()
	}, logger)
	if err := monitor.Start(); err != nil {
		log.Fatalf("Failed to start health monitor: %v", err)
	}

	// 7. HTTP API.
	handler := apihttp.NewJobHandler(runtime, an, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}
	go func() {
		logger.Info("api listening", "addr", cfg.HTTPListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	// 8. Block until shutdown, then drain.
	<-rootCtx.Done()
	logger.Info("shutting down")

	monitor.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer drainCancel()
	if err := runtime.Shutdown(drainCtx, "signal received"); err != nil {
		logger.Error("shutdown did not drain cleanly", "error", err)
	}

	srvCtx, srvCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer srvCancel()
	if err := srv.Shutdown(srvCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}

	logger.Info("runner stopped")
}

// registerBuiltinHandlers installs the handlers shipped with the binary.
// The child process registers the same set so reconstruction by type name
// always succeeds.
func registerBuiltinHandlers(logger *slog.Logger) {
	handlers.Register("shell.command", func() domain.Handler {
		return handlers.NewShellHandler(logger)
	})
	handlers.Register("http.request", func() domain.Handler {
		return handlers.NewHTTPRequestHandler(logger)
	})
}
