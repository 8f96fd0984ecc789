package ports

import (
	"context"

	"github.com/ally-agent/ally/internal/core/domain"
)

// SearchProvider is one web search backend. An error return is distinguishable
// from an empty result set so the collector can decide whether to fall back.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, n int) ([]domain.SearchResult, error)
}

// PageFetcher extracts readable text from a web page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Embedder turns text into vectors. Retry and backoff live behind this
// interface, not in the callers.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the per-collection surface of the vector database.
type VectorStore interface {
	Add(ctx context.Context, collection string, chunks []string, vectors [][]float32, meta domain.ChunkMetadata, ids []string) error
	Query(ctx context.Context, collection string, vector []float32, n int) ([]domain.KBResult, error)
	GetByFilePath(ctx context.Context, collection, filePath string) (*domain.ChunkMetadata, error)
	ListFilePaths(ctx context.Context, collection string, limit int) ([]string, error)
	DeleteCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
}

// CollectionState persists the per-collection indexed flags.
type CollectionState interface {
	IsIndexed(name string) bool
	SetIndexed(name string, indexed bool) error
	EnsureKnown(name string) error
	Remove(name string) error
	Clear() error
	Names() []string
}

// Scraper extracts text and provenance metadata from a local file.
type Scraper interface {
	Scrape(path string) (domain.ScrapedDocument, error)
	Hash(path string) (string, error)
}

// ModelRuntime is the chat model. The thread id scopes conversational memory
// inside the runtime; Stream delivers incremental chunks to onChunk.
type ModelRuntime interface {
	Stream(ctx context.Context, threadID, prompt string, onChunk func(string)) error
	Invoke(ctx context.Context, threadID, prompt string) (string, error)
	Model() string
	SwitchModel(name string)
}

// TranscriptMessage is one persisted exchange half.
type TranscriptMessage struct {
	ThreadID string
	Role     string
	Content  string
}

// TranscriptStore persists per-thread turns for later inspection. Failures
// are best effort and never abort a turn.
type TranscriptStore interface {
	EnsureThread(ctx context.Context, threadID string) error
	AppendMessage(ctx context.Context, threadID, role, content string) error
	ListRecent(ctx context.Context, threadID string, limit int) ([]TranscriptMessage, error)
}

// IngestQueue carries ingestion tasks between the session and the worker.
type IngestQueue interface {
	PublishIngestTask(ctx context.Context, task domain.IngestTask) error
	SubscribeIngestTasks(ctx context.Context, handler func(context.Context, domain.IngestTask) error) error
	Close()
}
