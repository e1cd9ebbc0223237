package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/profile-store/internal/adapter/handler"
	"github.com/rl1809/profile-store/internal/adapter/storage"
	"github.com/rl1809/profile-store/internal/config"
	"github.com/rl1809/profile-store/internal/core/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := storage.Open(ctx, cfg.BackendConfig(logger))
	if err != nil {
		return err
	}

	audit, err := storage.OpenAuditStore(ctx, cfg.AuditPath)
	if err != nil {
		closeStore()
		return err
	}
	logger.Info("audit store ready", "path", cfg.AuditPath)

	opts := cfg.ServiceOptions()
	opts.Logger = logger
	profiles := service.NewProfileService(store, audit, opts)
	profiles.Start()

	// gRPC carries the health service only
	grpcServer := grpc.NewServer()
	health := handler.NewHealthHandler()
	health.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		closeStore()
		audit.Close()
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()

	mux := http.NewServeMux()
	handler.NewHTTPHandler(profiles).Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()
	health.SetServing()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	health.SetNotServing()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	logger.Info("HTTP server stopped")

	report := profiles.Shutdown(cfg.ShutdownDeadline)
	logger.Info("profiles flushed",
		"flushed", len(report.Flushed),
		"failed", len(report.Failed),
		"timed_out", len(report.TimedOut),
	)

	health.Shutdown()
	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	var g errgroup.Group
	g.Go(closeStore)
	g.Go(audit.Close)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("close connections: %w", err)
	}
	logger.Info("connections closed")
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
