package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/fleet-assistant/internal/api"
	"github.com/miradorstack/fleet-assistant/internal/config"
	"github.com/miradorstack/fleet-assistant/internal/metrics"
	"github.com/miradorstack/fleet-assistant/internal/services"
	"github.com/miradorstack/fleet-assistant/internal/utils"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs",
		Long:  "Starts the Gin HTTP API, the gRPC assistant service and the Prometheus metrics listener until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting fleet-assistant",
		slog.String("version", Version),
		slog.String("http", cfg.Server.HTTPAddress),
		slog.String("grpc", cfg.Server.GRPCAddress),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close resources", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var refresher *services.Refresher
	if cfg.Refresh.Schedule != "" {
		refresher, err = services.NewRefresher(a.service, cfg.Refresh.Schedule, cfg.Refresh.Timeout, logger)
		if err != nil {
			return err
		}
		refresher.Start()
		logger.Info("scheduled refresh enabled", slog.String("schedule", cfg.Refresh.Schedule))
	}

	grpcServer, err := api.NewServer(cfg.Server, api.NewGRPCService(a.service, logger))
	if err != nil {
		return err
	}
	go func() {
		logger.Info("grpc server listening", slog.String("address", grpcServer.Address()))
		if serveErr := grpcServer.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	var httpServer *api.HTTPServer
	if cfg.Server.HTTPAddress != "" {
		gin.SetMode(gin.ReleaseMode)
		httpServer = api.NewHTTPServer(cfg.Server.HTTPAddress, api.NewRouter(a.service, logger), logger)
		go func() {
			if serveErr := httpServer.Start(); serveErr != nil {
				logger.Error("http server exited", slog.Any("error", serveErr))
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if refresher != nil {
		refresher.Stop(shutdownCtx)
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
	}
	grpcServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}

	logger.Info("fleet-assistant stopped", slog.Duration("p95_ask", a.service.LatencyP95()))
	return nil
}
