// Command server runs the agent execution core: gRPC and HTTP bindings over
// one task manager, plus an optional Prometheus scrape endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lybic/agent/internal/config"
	grpcapi "github.com/lybic/agent/internal/grpc"
	"github.com/lybic/agent/internal/httpapi"
	"github.com/lybic/agent/internal/manager"
	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/store"
	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
)

// version is stamped by the build.
var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(2)
	}

	registry, err := tools.LoadRegistry(cfg.ToolsConfig, tools.ProviderConfig{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tools configuration invalid: %v\n", err)
		os.Exit(2)
	}
	if cfg.AllowRuntimeConfig {
		registry.AllowRuntimeUpdates()
	}

	logger, err := buildLogger(cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, registry, sugar); err != nil {
		sugar.Fatalw("Server exited with error", "error", err)
	}
	sugar.Info("Server stopped")
}

func buildLogger(format string) (*zap.Logger, error) {
	if format == "json" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(ctx context.Context, cfg *config.Config, registry *tools.Registry, sugar *zap.SugaredLogger) error {
	st, err := openStore(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, metricsHandler := buildMetrics(cfg)

	mgr := manager.New(manager.Config{
		Version:          version,
		MaxConcurrent:    cfg.MaxTasks,
		LogDir:           cfg.LogDir,
		LybicOrgID:       cfg.LybicOrgID,
		LybicAPIKey:      cfg.LybicAPIKey,
		LybicEndpoint:    cfg.LybicEndpoint,
		LybicMaxLifeSecs: cfg.LybicMaxLifeSecs,
		Invokers: func(overrides map[string]task.ProviderOverride) (tools.Invoker, error) {
			reg, err := registry.WithOverrides(overrides)
			if err != nil {
				return nil, err
			}
			return tools.WithRetries(tools.NewHTTPInvoker(reg, rec, sugar), sugar), nil
		},
	}, st, rec, sugar)

	if err := mgr.Recover(ctx); err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	}

	var runtimeRegistry *tools.Registry
	if cfg.AllowRuntimeConfig {
		runtimeRegistry = registry
	}

	grpcServer := grpclib.NewServer(grpclib.ForceServerCodec(grpcapi.Codec{}))
	grpcapi.NewServer(mgr, runtimeRegistry, rec, sugar).Register(grpcServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_SERVING)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpapi.NewServer(mgr, runtimeRegistry, rec, sugar).Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		sugar.Infow("gRPC server listening", "port", cfg.GRPCPort)
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		sugar.Infow("HTTP server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if metricsHandler != nil {
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: metricsHandler,
		}
		g.Go(func() error {
			sugar.Infow("Metrics server listening", "port", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("Shutting down")
		healthServer.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := mgr.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("Task drain incomplete", "error", err)
		}
		httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (store.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageSQL:
		st, err := store.OpenSQL(ctx, cfg.SQLConn, sugar)
		if err != nil {
			return nil, fmt.Errorf("open sql store: %w", err)
		}
		sugar.Infow("SQL store ready")
		return st, nil
	default:
		sugar.Infow("Using in-memory store, tasks will not survive a restart")
		return store.NewMemory(), nil
	}
}

// buildMetrics returns the recorder plus a scrape handler when metrics are
// enabled, or the no-op recorder otherwise.
func buildMetrics(cfg *config.Config) (metrics.Recorder, http.Handler) {
	if !cfg.EnableMetrics {
		return metrics.Noop{}, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewPrometheus(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return rec, mux
}
