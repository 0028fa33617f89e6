package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/jenga/internal/config"
	"github.com/jkaninda/jenga/internal/gateway/httpapi"
	"github.com/jkaninda/jenga/internal/ratelimit"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API. Episodes are submitted with POST /v1/episodes and run
asynchronously; the episode history is served from the store. Liveness,
readiness and metrics endpoints are exposed for operations.`,
	RunE: runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `jenga --config path` and `jenga serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP API server.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveAddr != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{Enabled: true}
		}
		cfg.Server.ListenAddr = serveAddr
	}

	logger.Info("starting in server mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		MaxRequestSize: cfg.Server.MaxRequestSize(),
	}
	if cfg.Server != nil {
		httpCfg.EnableDocs = cfg.Server.EnableDocs
		httpCfg.APIToken = cfg.Server.APIToken
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.Server != nil && cfg.Server.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Server.RateLimit.BurstSize,
		})
	}

	gw := httpapi.NewGateway(httpCfg, sc.Runner, sc.Store, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
