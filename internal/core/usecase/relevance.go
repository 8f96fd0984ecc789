package usecase

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ally-agent/ally/internal/core/domain"
)

var (
	keywordTokenPattern = regexp.MustCompile(`\b[A-Za-z0-9\-]{3,}\b`)
	shortTitlePattern   = regexp.MustCompile(`^[a-z]{1,3}$`)
	multiWordProperPattern = regexp.MustCompile(
		`\b[A-Z][a-zA-Z0-9\-]{2,}(?:\s+[A-Z][a-zA-Z0-9\-]{2,})+\b`)
	properTokenPattern = regexp.MustCompile(`[A-Za-z0-9\-]{3,}`)
	digitsOnlyPattern  = regexp.MustCompile(`^[0-9]+$`)
)

// BuildRelevanceKeywords derives the topic terms used to screen search
// results. Unique tokens from the input and the queries, stopwords and pure
// digits dropped, longest first with a lexicographic tie-break, capped at 20.
func BuildRelevanceKeywords(input string, queries []string) []string {
	seen := make(map[string]struct{})
	for _, s := range append([]string{input}, queries...) {
		for _, w := range keywordTokenPattern.FindAllString(s, -1) {
			lw := strings.ToLower(w)
			if _, stop := plannerStopwords[lw]; stop {
				continue
			}
			if digitsOnlyPattern.MatchString(lw) {
				continue
			}
			seen[lw] = struct{}{}
		}
	}

	keywords := make([]string, 0, len(seen))
	for k := range seen {
		keywords = append(keywords, k)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if len(keywords[i]) != len(keywords[j]) {
			return len(keywords[i]) > len(keywords[j])
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > 20 {
		keywords = keywords[:20]
	}
	return keywords
}

// ValidateSearchResults drops results whose title and snippet tie to none of
// the relevance keywords. Order is preserved. A 1-3 letter title is treated
// as noise and rejected outright.
func ValidateSearchResults(results []domain.SearchResult, keywords []string) []domain.SearchResult {
	filtered := make([]domain.SearchResult, 0, len(results))
	for _, r := range results {
		if resultIsRelevant(r.Title, r.Snippet, keywords) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func resultIsRelevant(title, snippet string, keywords []string) bool {
	title = strings.TrimSpace(title)
	if title == "" || shortTitlePattern.MatchString(strings.ToLower(title)) {
		return false
	}

	combined := strings.ToLower(title + " " + strings.TrimSpace(snippet))
	top := keywords
	if len(top) > 10 {
		top = top[:10]
	}
	for _, kw := range top {
		if strings.Contains(combined, kw) {
			return true
		}
	}

	kwSet := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kwSet[kw] = struct{}{}
	}
	for _, phrase := range multiWordProperPattern.FindAllString(title+" "+snippet, -1) {
		for _, token := range properTokenPattern.FindAllString(phrase, -1) {
			if _, ok := kwSet[strings.ToLower(token)]; ok {
				return true
			}
		}
	}
	return false
}
