package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string

	PostgresDSN string

	NATSURL     string
	NATSSubject string

	OllamaURL        string
	OllamaGenModel   string
	OllamaEmbedModel string

	QdrantURL         string
	DefaultCollection string
	StatePath         string

	GoogleAPIKey     string
	GoogleEngineID   string
	SearchRateLimit  float64
	SearchRateBurst  int
	MaxSearchResults int

	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
	KBResults      int
	FactStrategy   string

	InitialPromptSuffix   string
	RecurringPromptSuffix string

	WorkerMetricsPort  string
	SessionMetricsPort string
}

// Load reads environment variables with defaults, then overlays values from
// the YAML file named by ALLY_CONFIG when that variable is set.
func Load() (Config, error) {
	cfg := Config{
		LogLevel: mustEnv("LOG_LEVEL", "info"),

		PostgresDSN: mustEnv("POSTGRES_DSN", ""),

		NATSURL:     mustEnv("NATS_URL", ""),
		NATSSubject: mustEnv("NATS_SUBJECT", "kb.ingest"),

		OllamaURL:        mustEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaGenModel:   mustEnv("OLLAMA_GEN_MODEL", "llama3.1:8b"),
		OllamaEmbedModel: mustEnv("OLLAMA_EMBED_MODEL", "nomic-embed-text"),

		QdrantURL:         mustEnv("QDRANT_URL", "http://localhost:6333"),
		DefaultCollection: mustEnv("DEFAULT_COLLECTION", "knowledge_base"),
		StatePath:         mustEnv("STATE_PATH", "./data/collections.json"),

		GoogleAPIKey:     mustEnv("GOOGLE_SEARCH_API_KEY", ""),
		GoogleEngineID:   mustEnv("SEARCH_ENGINE_ID", ""),
		SearchRateLimit:  mustEnvFloat("SEARCH_RATE_LIMIT", 1),
		SearchRateBurst:  mustEnvInt("SEARCH_RATE_BURST", 3),
		MaxSearchResults: mustEnvInt("MAX_SEARCH_RESULTS", 10),

		ChunkSize:      mustEnvInt("CHUNK_SIZE", 1000),
		ChunkOverlap:   mustEnvInt("CHUNK_OVERLAP", 100),
		EmbedBatchSize: mustEnvInt("EMBED_BATCH_SIZE", 32),
		KBResults:      mustEnvInt("KB_RESULTS", 5),
		FactStrategy:   mustEnv("FACT_STRATEGY", "additive"),

		InitialPromptSuffix:   mustEnv("INITIAL_PROMPT_SUFFIX", ""),
		RecurringPromptSuffix: mustEnv("RECURRING_PROMPT_SUFFIX", ""),

		WorkerMetricsPort:  mustEnv("WORKER_METRICS_PORT", "9090"),
		SessionMetricsPort: mustEnv("SESSION_METRICS_PORT", ""),
	}

	path := os.Getenv("ALLY_CONFIG")
	if path == "" {
		return cfg, nil
	}
	if err := overlayFile(&cfg, path); err != nil {
		return Config{}, fmt.Errorf("config overlay %s: %w", path, err)
	}
	return cfg, nil
}

// fileConfig mirrors Config with pointer fields so an absent key leaves the
// environment-derived value in place.
type fileConfig struct {
	LogLevel *string `yaml:"log_level"`

	PostgresDSN *string `yaml:"postgres_dsn"`

	NATSURL     *string `yaml:"nats_url"`
	NATSSubject *string `yaml:"nats_subject"`

	OllamaURL        *string `yaml:"ollama_url"`
	OllamaGenModel   *string `yaml:"ollama_gen_model"`
	OllamaEmbedModel *string `yaml:"ollama_embed_model"`

	QdrantURL         *string `yaml:"qdrant_url"`
	DefaultCollection *string `yaml:"default_collection"`
	StatePath         *string `yaml:"state_path"`

	GoogleAPIKey     *string  `yaml:"google_api_key"`
	GoogleEngineID   *string  `yaml:"google_engine_id"`
	SearchRateLimit  *float64 `yaml:"search_rate_limit"`
	SearchRateBurst  *int     `yaml:"search_rate_burst"`
	MaxSearchResults *int     `yaml:"max_search_results"`

	ChunkSize      *int    `yaml:"chunk_size"`
	ChunkOverlap   *int    `yaml:"chunk_overlap"`
	EmbedBatchSize *int    `yaml:"embed_batch_size"`
	KBResults      *int    `yaml:"kb_results"`
	FactStrategy   *string `yaml:"fact_strategy"`

	InitialPromptSuffix   *string `yaml:"initial_prompt_suffix"`
	RecurringPromptSuffix *string `yaml:"recurring_prompt_suffix"`

	WorkerMetricsPort  *string `yaml:"worker_metrics_port"`
	SessionMetricsPort *string `yaml:"session_metrics_port"`
}

func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return err
	}

	overlayString(&cfg.LogLevel, fc.LogLevel)
	overlayString(&cfg.PostgresDSN, fc.PostgresDSN)
	overlayString(&cfg.NATSURL, fc.NATSURL)
	overlayString(&cfg.NATSSubject, fc.NATSSubject)
	overlayString(&cfg.OllamaURL, fc.OllamaURL)
	overlayString(&cfg.OllamaGenModel, fc.OllamaGenModel)
	overlayString(&cfg.OllamaEmbedModel, fc.OllamaEmbedModel)
	overlayString(&cfg.QdrantURL, fc.QdrantURL)
	overlayString(&cfg.DefaultCollection, fc.DefaultCollection)
	overlayString(&cfg.StatePath, fc.StatePath)
	overlayString(&cfg.GoogleAPIKey, fc.GoogleAPIKey)
	overlayString(&cfg.GoogleEngineID, fc.GoogleEngineID)
	overlayString(&cfg.FactStrategy, fc.FactStrategy)
	overlayString(&cfg.InitialPromptSuffix, fc.InitialPromptSuffix)
	overlayString(&cfg.RecurringPromptSuffix, fc.RecurringPromptSuffix)
	overlayString(&cfg.WorkerMetricsPort, fc.WorkerMetricsPort)
	overlayString(&cfg.SessionMetricsPort, fc.SessionMetricsPort)

	overlayInt(&cfg.SearchRateBurst, fc.SearchRateBurst)
	overlayInt(&cfg.MaxSearchResults, fc.MaxSearchResults)
	overlayInt(&cfg.ChunkSize, fc.ChunkSize)
	overlayInt(&cfg.ChunkOverlap, fc.ChunkOverlap)
	overlayInt(&cfg.EmbedBatchSize, fc.EmbedBatchSize)
	overlayInt(&cfg.KBResults, fc.KBResults)

	if fc.SearchRateLimit != nil {
		cfg.SearchRateLimit = *fc.SearchRateLimit
	}

	return nil
}

func overlayString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func overlayInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
