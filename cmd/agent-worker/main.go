package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/chat-agent/cmd/mainconfig"
	"github.com/wolfman30/chat-agent/internal/app/bootstrap"
	appconfig "github.com/wolfman30/chat-agent/internal/config"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

func main() {
	if err := appconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue {
		logger.Error("agent-worker needs the SQS queue; unset USE_MEMORY_QUEUE or run the api binary")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	services, err := bootstrap.Build(ctx, bootstrap.Options{
		Config:     cfg,
		Logger:     logger,
		AWS:        &awsCfg,
		Registerer: registry,
	})
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}

	// Metrics only; the worker serves no application routes.
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	worker := services.NewWorker()
	worker.Start(ctx)
	logger.Info("agent worker started", "workers", cfg.WorkerCount, "queue", cfg.InboundQueueURL)

	<-ctx.Done()
	logger.Info("shutting down agent worker...")
	worker.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := services.Close(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("agent worker stopped")
}
