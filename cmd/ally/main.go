package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/ally-agent/ally/internal/bootstrap"
	"github.com/ally-agent/ally/internal/config"
	"github.com/ally-agent/ally/internal/observability/logging"
	"github.com/ally-agent/ally/internal/observability/metrics"
	"github.com/ally-agent/ally/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Text logs on stderr keep structured output apart from streamed answers
	// on stdout.
	logger := logging.NewTextLogger("ally", cfg.LogLevel)

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	var sessionMetrics *metrics.SessionMetrics
	if cfg.SessionMetricsPort != "" {
		sessionMetrics = metrics.NewSessionMetrics("ally")
		app.Collector.OnProviderFallback(func(provider string) {
			sessionMetrics.RecordSearchFallback("ally", provider)
		})
		mux := http.NewServeMux()
		mux.Handle("/metrics", sessionMetrics.Handler())
		go func() {
			if err := http.ListenAndServe(":"+cfg.SessionMetricsPort, mux); err != nil {
				logger.Warn("metrics_server_failed", "error", err)
			}
		}()
	}

	sess := session.New(session.Deps{
		Turns:       app.Controller,
		Retriever:   app.Retriever,
		Ingestor:    app.Ingestor,
		Store:       app.Store,
		Collections: app.Collections,
		Runtime:     app.Runtime,
		Transcripts: app.Transcripts,
		Queue:       app.Queue,
		Metrics:     sessionMetrics,
		Logger:      logger,
	}, session.Options{
		DefaultCollection:     cfg.DefaultCollection,
		InitialPromptSuffix:   cfg.InitialPromptSuffix,
		RecurringPromptSuffix: cfg.RecurringPromptSuffix,
	}, os.Stdout)

	if err := sess.Run(ctx, os.Stdin); err != nil {
		log.Fatalf("session error: %v", err)
	}
}
