package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/core/ports"
)

const (
	maxSearchQueries   = 3
	resultsPerQuery    = 10
	maxValidFetches    = 5
	minFetchedChars    = 100
	factsPerSource     = 4
	sourceContentChars = 3000
	sourceSummaryChars = 400
)

// Collector runs search queries against an ordered provider chain, screens
// the hits for relevance, and fetches page content for the survivors.
type Collector struct {
	providers  []ports.SearchProvider
	fetcher    ports.PageFetcher
	extractor  *FactExtractor
	logger     *slog.Logger
	onFallback func(provider string)
}

func NewCollector(providers []ports.SearchProvider, fetcher ports.PageFetcher, extractor *FactExtractor, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		providers: providers,
		fetcher:   fetcher,
		extractor: extractor,
		logger:    logger,
	}
}

// OnProviderFallback registers a hook fired whenever a provider yields
// nothing and the chain moves on. Metrics use it; nil is fine.
func (c *Collector) OnProviderFallback(fn func(provider string)) {
	c.onFallback = fn
}

// Collect executes up to three queries and returns a formatted evidence block
// for Stage-1 prompting. An empty block with notices means the web channel
// degraded, which is never an error.
func (c *Collector) Collect(ctx context.Context, input string, queries []string) (string, []string) {
	var notices []string

	if len(queries) > maxSearchQueries {
		queries = queries[:maxSearchQueries]
	}

	var allResults []domain.SearchResult
	for _, query := range queries {
		results, notice := c.searchWithFallback(ctx, query)
		if notice != "" {
			notices = append(notices, notice)
		}
		allResults = append(allResults, results...)
	}
	if len(allResults) == 0 {
		notices = append(notices, "no web evidence: all search providers returned nothing")
		return "", notices
	}

	keywords := BuildRelevanceKeywords(input, queries)
	filtered := ValidateSearchResults(allResults, keywords)
	c.logger.Debug("search_results_filtered", "total", len(allResults), "kept", len(filtered))
	if len(filtered) == 0 {
		notices = append(notices, "no web evidence: all search results filtered as irrelevant")
		return "", notices
	}

	valid := c.fetchValid(ctx, filtered)
	if len(valid) == 0 {
		notices = append(notices, "no web evidence: no fetched page passed content screening")
		return "", notices
	}

	return c.formatEvidence(valid, keywords), notices
}

func (c *Collector) searchWithFallback(ctx context.Context, query string) ([]domain.SearchResult, string) {
	for _, provider := range c.providers {
		results, err := provider.Search(ctx, query, resultsPerQuery)
		if err != nil {
			c.logger.Warn("search_provider_failed",
				"provider", provider.Name(), "query", query, "error", err)
			if c.onFallback != nil {
				c.onFallback(provider.Name())
			}
			continue
		}
		if len(results) == 0 {
			if c.onFallback != nil {
				c.onFallback(provider.Name())
			}
			continue
		}
		return results, ""
	}
	return nil, fmt.Sprintf("search exhausted all providers for query %q", query)
}

func (c *Collector) fetchValid(ctx context.Context, results []domain.SearchResult) []domain.FetchedDocument {
	valid := make([]domain.FetchedDocument, 0, maxValidFetches)
	scan := results
	if len(scan) > 10 {
		scan = scan[:10]
	}
	for _, r := range scan {
		content, err := c.fetcher.Fetch(ctx, r.Link)
		if err != nil {
			c.logger.Debug("fetch_failed", "url", r.Link, "error", err)
			continue
		}
		if len(content) <= minFetchedChars || looksLikeErrorPage(content) {
			continue
		}
		valid = append(valid, domain.FetchedDocument{Result: r, Content: content})
		if len(valid) >= maxValidFetches {
			break
		}
	}
	return valid
}

func looksLikeErrorPage(content string) bool {
	head := content
	if len(head) > 50 {
		head = head[:50]
	}
	return strings.Contains(strings.ToLower(head), "error")
}

func (c *Collector) formatEvidence(docs []domain.FetchedDocument, keywords []string) string {
	var b strings.Builder
	bar := strings.Repeat("=", 80)

	b.WriteString("\n" + bar + "\n")
	b.WriteString("RESEARCH RESULTS FROM WEB\n")
	b.WriteString(bar + "\n")
	b.WriteString("These results were retrieved based on the research strategy for your question.\n")
	b.WriteString("Extract and synthesize information from these sources.\n\n")

	factTotal := 0
	for i, doc := range docs {
		rule := strings.Repeat("-", 70)
		b.WriteString(rule + "\n")
		fmt.Fprintf(&b, "RESULT %d: %s\n", i+1, titleOrDefault(doc.Result.Title))
		b.WriteString(doc.Result.Link + "\n")
		b.WriteString(rule + "\n")

		summary := strings.TrimSpace(strings.ReplaceAll(truncateRunes(doc.Content, sourceSummaryChars), "\n", " "))
		if len(doc.Content) > sourceSummaryChars {
			summary += "..."
		}
		b.WriteString("SUMMARY:\n" + summary + "\n\n")

		facts := c.extractor.ExtractFacts(doc.Content, keywords, factsPerSource)
		if len(facts) > 0 {
			b.WriteString("KEY FACTS:\n")
			for _, fact := range facts {
				factTotal++
				fmt.Fprintf(&b, "  [%d] %q\n", factTotal, truncateRunes(fact, 300))
			}
			b.WriteString("\n")
		}

		b.WriteString("CONTENT:\n" + CompressContent(doc.Content, sourceContentChars) + "\n")
		b.WriteString(rule + "\n\n")
	}

	b.WriteString(bar + "\n")
	fmt.Fprintf(&b, "TOTAL FACTS AVAILABLE (approx): %d\n", factTotal)
	b.WriteString(bar + "\n")
	return b.String()
}

func titleOrDefault(title string) string {
	if strings.TrimSpace(title) == "" {
		return "Untitled"
	}
	return title
}
