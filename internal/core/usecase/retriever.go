package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/core/ports"
)

const (
	defaultKBResults    = 10
	kbSourceCap         = 5
	kbSourceChars       = 2000
	authorDiversitySeen = 3
)

// Retriever queries every indexed collection, merges by ascending distance,
// and deduplicates across collections by content hash.
type Retriever struct {
	embedder ports.Embedder
	store    ports.VectorStore
	state    ports.CollectionState
	logger   *slog.Logger
}

func NewRetriever(embedder ports.Embedder, store ports.VectorStore, state ports.CollectionState, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, store: store, state: state, logger: logger}
}

// QueryResults embeds the query once and fans it out across the indexed
// collections. The merged list never contains two entries with the same hash;
// the first (closest) occurrence wins.
func (r *Retriever) QueryResults(ctx context.Context, query string, n int) ([]domain.KBResult, error) {
	if n <= 0 {
		n = defaultKBResults
	}

	var indexed []string
	for _, name := range r.state.Names() {
		if r.state.IsIndexed(name) {
			indexed = append(indexed, name)
		}
	}
	// Nothing indexed means nothing to search; skip the embedding round-trip.
	if len(indexed) == 0 {
		return nil, nil
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreAccess, "embed query", err)
	}

	var candidates []domain.KBResult
	for _, name := range indexed {
		results, err := r.store.Query(ctx, strings.TrimSpace(name), vector, n)
		if err != nil {
			if domain.IsKind(err, domain.ErrCollectionNotFound) {
				continue
			}
			return nil, domain.WrapError(domain.ErrStoreAccess, "query collection "+name, err)
		}
		candidates = append(candidates, results...)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})

	seen := make(map[string]struct{}, len(candidates))
	out := make([]domain.KBResult, 0, n)
	for _, c := range candidates {
		if _, dup := seen[c.Meta.Hash]; dup {
			continue
		}
		seen[c.Meta.Hash] = struct{}{}
		out = append(out, c)
		if len(out) >= n {
			break
		}
	}
	return out, nil
}

// ParseCitation derives (author, title) from a stored file's base name.
// "Title -- Author" and "Author - Title" are recognized; anything else falls
// back to an unknown author with the basename as title.
func ParseCitation(filePath string) domain.Citation {
	base := filepath.Base(filePath)
	if ext := filepath.Ext(base); ext != "" && len(ext) < len(base) {
		base = base[:len(base)-len(ext)]
	}
	base = strings.TrimSpace(strings.ReplaceAll(base, "_", " "))

	if idx := strings.LastIndex(base, " -- "); idx >= 0 {
		return domain.Citation{
			Author: strings.TrimSpace(base[idx+4:]),
			Title:  strings.TrimSpace(base[:idx]),
		}
	}
	if idx := strings.Index(base, " - "); idx >= 0 {
		return domain.Citation{
			Author: strings.TrimSpace(base[:idx]),
			Title:  strings.TrimSpace(base[idx+3:]),
		}
	}
	return domain.Citation{Author: "Unknown", Title: base}
}

// FormatContext builds the knowledge-base block for prompting. Author
// diversity is enforced here, after distance ranking: once three distinct
// authors are present, further chunks from an already-represented author are
// skipped.
func (r *Retriever) FormatContext(results []domain.KBResult) string {
	if len(results) == 0 {
		return ""
	}

	type source struct {
		citation string
		content  string
	}
	var sources []source
	authors := make(map[string]struct{})

	for _, res := range results {
		citation := ParseCitation(res.Meta.FilePath)
		authorKey := citation.Author
		if idx := strings.Index(authorKey, ","); idx >= 0 {
			authorKey = authorKey[:idx]
		}
		if _, repeat := authors[authorKey]; repeat && len(authors) >= authorDiversitySeen {
			continue
		}
		authors[authorKey] = struct{}{}

		sources = append(sources, source{
			citation: fmt.Sprintf("[%s - %s]", citation.Author, citation.Title),
			content:  CompressContent(res.Chunk, kbSourceChars),
		})
		if len(sources) >= kbSourceCap {
			break
		}
	}

	var b strings.Builder
	rule := strings.Repeat("=", 70)
	b.WriteString("CONTEXT FROM KNOWLEDGE BASE:\n")
	b.WriteString(rule + "\n")
	for _, s := range sources {
		b.WriteString("\n" + s.citation + "\n")
		b.WriteString(s.content + "\n")
	}
	b.WriteString(rule + "\n")
	return b.String()
}
