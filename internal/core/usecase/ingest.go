package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/core/ports"
)

const vectorWriteBatch = 50

// Chunker splits document text into embedding-sized pieces.
type Chunker interface {
	Split(text string) []string
}

// Ingestor scrapes, chunks, embeds, and stores documents. Writes happen in
// bounded sub-batches, so a mid-ingestion failure never forces re-embedding
// of chunks already persisted: at-least-once per committed batch.
type Ingestor struct {
	scraper    ports.Scraper
	embedder   ports.Embedder
	store      ports.VectorStore
	state      ports.CollectionState
	chunker    Chunker
	logger     *slog.Logger
	embedBatch int
}

func NewIngestor(
	scraper ports.Scraper,
	embedder ports.Embedder,
	store ports.VectorStore,
	state ports.CollectionState,
	chunker Chunker,
	embedBatch int,
	logger *slog.Logger,
) *Ingestor {
	if embedBatch <= 0 {
		embedBatch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		scraper:    scraper,
		embedder:   embedder,
		store:      store,
		state:      state,
		chunker:    chunker,
		logger:     logger,
		embedBatch: embedBatch,
	}
}

// AlreadyStored reports whether any chunk for this file path exists in the
// collection.
func (g *Ingestor) AlreadyStored(ctx context.Context, filePath, collection string) (bool, error) {
	meta, err := g.store.GetByFilePath(ctx, collection, filePath)
	if err != nil {
		if domain.IsKind(err, domain.ErrCollectionNotFound) {
			return false, nil
		}
		return false, domain.WrapError(domain.ErrStoreAccess, "check stored", err)
	}
	return meta != nil, nil
}

// WasModified compares the file's current hash and modification date against
// the stored chunk metadata. A file unknown to the collection counts as
// modified.
func (g *Ingestor) WasModified(ctx context.Context, filePath, collection string) (bool, error) {
	currentHash, err := g.scraper.Hash(filePath)
	if err != nil {
		return false, domain.WrapError(domain.ErrScrapeFailed, "hash file", err)
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return false, domain.WrapError(domain.ErrScrapeFailed, "stat file", err)
	}
	currentModDate := info.ModTime().Format(time.RFC3339)

	stored, err := g.store.GetByFilePath(ctx, collection, filePath)
	if err != nil {
		if domain.IsKind(err, domain.ErrCollectionNotFound) {
			return true, nil
		}
		return false, domain.WrapError(domain.ErrStoreAccess, "check modified", err)
	}
	if stored == nil || stored.Hash == "" || stored.ModDate == "" {
		return true, nil
	}
	return stored.Hash != currentHash || stored.ModDate != currentModDate, nil
}

// StoreDocument ingests one file into a collection. Idempotent: an unchanged
// file already present is skipped.
func (g *Ingestor) StoreDocument(ctx context.Context, filePath, collection string) error {
	stored, err := g.AlreadyStored(ctx, filePath, collection)
	if err != nil {
		return err
	}
	if stored {
		modified, err := g.WasModified(ctx, filePath, collection)
		if err != nil {
			return err
		}
		if !modified {
			g.logger.Debug("document_unchanged", "file", filePath, "collection", collection)
			return nil
		}
	}

	doc, err := g.scraper.Scrape(filePath)
	if err != nil {
		return domain.WrapError(domain.ErrScrapeFailed, "scrape "+filePath, err)
	}

	chunks := g.chunker.Split(doc.Content)
	if len(chunks) == 0 {
		g.logger.Warn("document_empty", "file", filePath)
		return nil
	}

	// A freshly seen collection defaults to indexed.
	if err := g.state.EnsureKnown(collection); err != nil {
		return domain.WrapError(domain.ErrSetupFailed, "record collection", err)
	}

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += g.embedBatch {
		end := start + g.embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch, err := g.embedder.Embed(ctx, chunks[start:end])
		if err != nil {
			return domain.WrapError(domain.ErrStoreAccess, "embed chunks", err)
		}
		if len(batch) != end-start {
			return domain.WrapError(domain.ErrStoreAccess, "embed chunks",
				fmt.Errorf("expected %d vectors, got %d", end-start, len(batch)))
		}
		vectors = append(vectors, batch...)
	}

	for start := 0; start < len(chunks); start += vectorWriteBatch {
		end := start + vectorWriteBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		ids := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			ids = append(ids, fmt.Sprintf("%s_%d", doc.Meta.Hash, i))
		}
		if err := g.store.Add(ctx, collection, chunks[start:end], vectors[start:end], doc.Meta, ids); err != nil {
			return domain.WrapError(domain.ErrStoreAccess, "write chunk batch", err)
		}
	}

	g.logger.Info("document_stored", "file", filePath, "collection", collection, "chunks", len(chunks))
	return nil
}

// StoreDirectory walks a directory tree and ingests every file, skipping
// unmodified ones. A scrape failure skips that file with a notice and the
// walk continues; store failures abort.
func (g *Ingestor) StoreDirectory(ctx context.Context, dir, collection string) ([]string, error) {
	resolved, err := filepath.Abs(expandHome(dir))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "resolve directory", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "stat directory", err)
	}
	if !info.IsDir() {
		if err := g.StoreDocument(ctx, resolved, collection); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var notices []string
	walkErr := filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err := g.StoreDocument(ctx, path, collection); err != nil {
			if domain.IsKind(err, domain.ErrScrapeFailed) {
				notices = append(notices, fmt.Sprintf("skipped %s: %v", path, err))
				g.logger.Warn("document_skipped", "file", path, "error", err)
				return nil
			}
			return err
		}
		return nil
	})
	if walkErr != nil {
		return notices, walkErr
	}
	return notices, nil
}

func expandHome(path string) string {
	if path == "." || path == "./" {
		if cwd, err := os.Getwd(); err == nil {
			return cwd
		}
	}
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
