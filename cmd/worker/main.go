package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/promo-price-tracker/internal/bootstrap"
	"github.com/kirillkom/promo-price-tracker/internal/config"
	"github.com/kirillkom/promo-price-tracker/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "worker", prometheus.NewRegistry(), logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := startMetricsServer(app.Pipeline.Handler(), cfg.WorkerMetricsPort, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	timeout := time.Duration(cfg.WorkerRetryTimeoutSeconds) * time.Second
	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "retry_timeout", timeout.String())
	err = app.Queue.SubscribeRetryRequested(ctx, func(handlerCtx context.Context, uploadID string) error {
		processCtx, cancel := context.WithTimeout(handlerCtx, timeout)
		defer cancel()
		result, err := app.RetryUC.ProcessRetry(processCtx, uploadID)
		if err != nil {
			return err
		}
		logger.Info("retry.processed", "upload_id", uploadID, "products_found", result.ProductsFound, "prices_saved", result.PricesSaved)
		return nil
	})
	if err != nil {
		logger.Error("worker_subscribe_error", "error", err)
		os.Exit(1)
	}
}

func startMetricsServer(handler http.Handler, port string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_error", "error", err)
		}
	}()
	return server
}
