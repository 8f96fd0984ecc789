package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ally-agent/ally/internal/config"
	"github.com/ally-agent/ally/internal/core/ports"
	"github.com/ally-agent/ally/internal/core/usecase"
	"github.com/ally-agent/ally/internal/infrastructure/chunking"
	"github.com/ally-agent/ally/internal/infrastructure/llm/ollama"
	"github.com/ally-agent/ally/internal/infrastructure/queue/nats"
	"github.com/ally-agent/ally/internal/infrastructure/repository/postgres"
	"github.com/ally-agent/ally/internal/infrastructure/resilience"
	"github.com/ally-agent/ally/internal/infrastructure/scrape"
	"github.com/ally-agent/ally/internal/infrastructure/search/duckduckgo"
	"github.com/ally-agent/ally/internal/infrastructure/search/google"
	"github.com/ally-agent/ally/internal/infrastructure/state"
	"github.com/ally-agent/ally/internal/infrastructure/vector/qdrant"
	"github.com/ally-agent/ally/internal/infrastructure/webfetch"
)

// App wires the full dependency graph. Queue and Transcripts stay nil when
// their backends are not configured; callers treat both as optional.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Runtime     *ollama.Client
	Embedder    *ollama.Embedder
	Store       *qdrant.Client
	Collections *state.CollectionFile

	Ingestor   *usecase.Ingestor
	Retriever  *usecase.Retriever
	Collector  *usecase.Collector
	Controller *usecase.SynthesisController

	Queue       ports.IngestQueue
	Transcripts ports.TranscriptStore

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	llmExec := resilience.NewExecutor(resilience.DefaultConfig())
	fetchExec := resilience.NewExecutor(resilience.DefaultConfig())

	searchCfg := resilience.DefaultConfig()
	searchCfg.RateLimit = cfg.SearchRateLimit
	searchCfg.RateBurst = cfg.SearchRateBurst
	searchExec := resilience.NewExecutor(searchCfg)

	runtime := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, llmExec)
	embedder := ollama.NewEmbedder(runtime)

	store := qdrant.New(cfg.QdrantURL)
	collections, err := state.NewCollectionFile(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("load collection state: %w", err)
	}

	var providers []ports.SearchProvider
	if cfg.GoogleAPIKey != "" && cfg.GoogleEngineID != "" {
		providers = append(providers, google.New(cfg.GoogleAPIKey, cfg.GoogleEngineID, searchExec))
	}
	providers = append(providers, duckduckgo.New())

	extractor := usecase.NewFactExtractor(usecase.FactStrategy(cfg.FactStrategy))
	collector := usecase.NewCollector(providers, webfetch.New(fetchExec), extractor, logger)
	retriever := usecase.NewRetriever(embedder, store, collections, logger)

	chunker := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	ingestor := usecase.NewIngestor(scrape.New(), embedder, store, collections, chunker, cfg.EmbedBatchSize, logger)

	controller := usecase.NewSynthesisController(collector, retriever, runtime, cfg.KBResults, logger)

	app := &App{
		Config: cfg,
		Logger: logger,

		Runtime:     runtime,
		Embedder:    embedder,
		Store:       store,
		Collections: collections,

		Ingestor:   ingestor,
		Retriever:  retriever,
		Collector:  collector,
		Controller: controller,
	}

	var closers []func()

	if cfg.NATSURL != "" {
		queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init ingest queue: %w", err)
		}
		app.Queue = queue
		closers = append(closers, queue.Close)
	}

	closeAll := func() {
		for _, close := range closers {
			close()
		}
	}

	if cfg.PostgresDSN != "" {
		db, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open transcript store: %w", err)
		}
		repo := postgres.NewTranscriptRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			closeAll()
			return nil, fmt.Errorf("transcript schema: %w", err)
		}
		app.Transcripts = repo
		closers = append(closers, func() { _ = db.Close() })
	}

	app.closeFn = closeAll
	return app, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
