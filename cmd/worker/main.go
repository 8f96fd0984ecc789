package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ally-agent/ally/internal/bootstrap"
	"github.com/ally-agent/ally/internal/config"
	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/observability/logging"
	"github.com/ally-agent/ally/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	if app.Queue == nil {
		log.Fatal("worker requires NATS_URL")
	}

	workerMetrics := metrics.NewWorkerMetrics("worker")
	mux := http.NewServeMux()
	mux.Handle("/metrics", workerMetrics.Handler())
	go func() {
		if err := http.ListenAndServe(":"+cfg.WorkerMetricsPort, mux); err != nil {
			logger.Warn("metrics_server_failed", "error", err)
		}
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeIngestTasks(ctx, func(handlerCtx context.Context, task domain.IngestTask) error {
		ingestCtx, cancel := context.WithTimeout(handlerCtx, 5*time.Minute)
		defer cancel()

		workerMetrics.StartIngest()
		start := time.Now()
		err := app.Ingestor.StoreDocument(ingestCtx, task.FilePath, task.Collection)
		workerMetrics.FinishIngest("worker", time.Since(start), err)

		// A file no scraper can read will never succeed on redelivery.
		if err != nil && domain.IsKind(err, domain.ErrScrapeFailed) {
			logger.Warn("ingest_file_skipped", "file", task.FilePath, "error", err)
			return nil
		}
		return err
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}
