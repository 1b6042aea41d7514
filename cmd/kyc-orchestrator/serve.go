package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"onchainkyc/internal/kyc/handler"
	"onchainkyc/internal/platform/config"
	"onchainkyc/internal/platform/httpserver"
	"onchainkyc/internal/platform/metrics"
	"onchainkyc/internal/platform/middleware"
	"onchainkyc/pkg/platform/httputil"
	"onchainkyc/pkg/platform/middleware/metadata"
	"onchainkyc/pkg/platform/middleware/requesttime"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveRun(cmd, configFromContext(cmd.Context()))
		},
	}
}

func serveRun(cmd *cobra.Command, cfg *config.Config) error {
	logger := commonRun(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(shutdownCtx)
	}()

	if cfg.Session.RecoverOnStart {
		report, err := a.service.Recover(ctx)
		if err != nil {
			logger.Error("startup recovery failed", "error", err)
		} else {
			logger.Info("startup recovery finished",
				"resumed", report.Resumed,
				"requeued", report.Requeued,
			)
		}
	}

	srv := httpserver.New(cfg.Server, a.router())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.retrier.Run(gctx)
	})
	g.Go(func() error {
		return a.service.RunSweeper(gctx, cfg.Session.SweepInterval)
	})
	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func (a *app) router() http.Handler {
	httpMetrics := metrics.New(a.registry)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.Logger(a.logger))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(middleware.LatencyMiddleware(httpMetrics, routePattern))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.cfg.Server.RequestTimeout))
		r.Use(middleware.ContentTypeJSON)
		handler.New(a.service, a.logger).Register(r)
	})
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// handleHealth reports whether the configured backends answer.
func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	healthy := true
	if a.db != nil {
		checks["postgres"] = "ok"
		if err := a.db.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		}
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Health(ctx); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}
