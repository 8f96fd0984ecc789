package usecase

import (
	"regexp"
	"sort"
	"strings"
)

var plannerStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"in": {}, "on": {}, "for": {}, "and": {}, "or": {}, "of": {}, "to": {},
	"with": {}, "by": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"how": {}, "what": {}, "why": {}, "when": {}, "where": {}, "who": {}, "which": {},
}

var genericNoiseLines = map[string]struct{}{
	"important": {}, "always": {}, "note": {}, "please": {}, "thanks": {},
	"ok": {}, "im": {}, "i'm": {}, "imho": {}, "ciao": {},
}

var uiNoisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*important[:\s]`),
	regexp.MustCompile(`(?i)^\s*always[:\s]`),
	regexp.MustCompile(`(?i)^\s*note[:\s]`),
	regexp.MustCompile(`^[\\/A-Za-z]:\\`),
}

var windowsPathPattern = regexp.MustCompile(`[A-Za-z]:\\`)

// Markers that force a research turn regardless of the regex heuristics.
var fictionMarkers = []string{
	"idw", "transformer", "transformers", "comic", "marvel", "dc", "universe", "megatron",
}

// Research heuristics, one named pattern per category so each can be tested
// on its own.
var (
	temporalPattern    = regexp.MustCompile(`\b(latest|recent|today|yesterday|this week|this month|202[0-9]|[0-9]{4})\b`)
	statisticalPattern = regexp.MustCompile(`\b(stat|percent|percentage|how many|count|number|rate|freethrow|free throw|foul)\b`)
	comparisonPattern  = regexp.MustCompile(`\b(compare|vs|versus|difference|similar to|like|analog)\b`)
	whQuestionPattern  = regexp.MustCompile(`\b(who|when|where|which|what year|why)\b`)
	newsPattern        = regexp.MustCompile(`\b(news|announce|report|study|survey|research)\b`)
	passiveClaimPattern = regexp.MustCompile(
		`(has been|been|is|was|were)\s+(treated|portrayed|described|shown|claimed|promoted|criticized|attacked)`)
)

var researchHeuristics = []*regexp.Regexp{
	temporalPattern,
	statisticalPattern,
	comparisonPattern,
	whQuestionPattern,
	newsPattern,
	passiveClaimPattern,
}

var (
	properPhrasePattern = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9\-]{2,}(?:\s+[A-Z][a-zA-Z0-9\-]{2,})*\b`)
	capitalTokenPattern = regexp.MustCompile(`\b([A-Z]{2,}|[A-Z][a-z]{3,})\b`)
	lowerTokenPattern   = regexp.MustCompile(`\b[a-z0-9]{4,}\b`)
	alphaNumWordPattern = regexp.MustCompile(`\b[A-Za-z0-9]{3,}\b`)
	alphaNumRunPattern  = regexp.MustCompile(`[A-Za-z0-9]{2,}`)
)

// NeedsResearch decides whether a turn warrants web collection. An explicit
// override short-circuits every heuristic.
func NeedsResearch(input string, override *bool) bool {
	if override != nil {
		return *override
	}

	lower := strings.ToLower(input)
	for _, marker := range fictionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, pattern := range researchHeuristics {
		if pattern.MatchString(lower) {
			return true
		}
	}
	return false
}

// GenerateSearchQueries derives up to maxQueries short queries from free text.
// Multi-word capitalized phrases win over single capitalized tokens, which win
// over frequent long lowercase tokens. One and two word generic queries are
// never produced.
func GenerateSearchQueries(input string, maxQueries int) []string {
	if maxQueries <= 0 {
		return nil
	}
	cleaned := cleanPromptNoise(input)
	if cleaned == "" {
		cleaned = strings.TrimSpace(input)
	}

	queries := make([]string, 0, maxQueries)
	have := func(candidate string) bool {
		lower := strings.ToLower(candidate)
		for _, q := range queries {
			if strings.ToLower(q) == lower {
				return true
			}
		}
		return false
	}

	for _, phrase := range properPhrasePattern.FindAllString(cleaned, -1) {
		if len(phrase) > 4 || phrase == strings.ToUpper(phrase) {
			if !have(phrase) {
				queries = append(queries, phrase)
			}
			if len(queries) >= maxQueries {
				return sanitizeQueries(queries, maxQueries)
			}
		}
	}

	lowerTokens := lowerTokenPattern.FindAllString(strings.ToLower(cleaned), -1)
	tokenSet := make(map[string]struct{}, len(lowerTokens))
	filtered := lowerTokens[:0]
	for _, t := range lowerTokens {
		if _, stop := plannerStopwords[t]; stop {
			continue
		}
		filtered = append(filtered, t)
		tokenSet[t] = struct{}{}
	}
	lowerTokens = filtered

	for _, cap := range capitalTokenPattern.FindAllString(cleaned, -1) {
		lower := strings.ToLower(cap)
		if _, seen := tokenSet[lower]; seen {
			continue
		}
		if !have(cap) {
			queries = append(queries, cap)
		}
		if len(queries) >= maxQueries {
			return sanitizeQueries(queries, maxQueries)
		}
	}

	for _, t := range rankByFrequency(lowerTokens) {
		if !have(t) {
			queries = append(queries, t)
		}
		if len(queries) >= maxQueries {
			break
		}
	}

	queries = sanitizeQueries(queries, maxQueries)
	if len(queries) > 0 {
		return queries
	}

	// Fallback: first few meaningful words, then the raw input capped.
	words := make([]string, 0, maxQueries)
	for _, w := range alphaNumWordPattern.FindAllString(cleaned, -1) {
		if _, stop := plannerStopwords[strings.ToLower(w)]; stop {
			continue
		}
		words = append(words, w)
		if len(words) >= maxQueries {
			break
		}
	}
	if len(words) > 0 {
		return words
	}
	return []string{truncateRunes(cleaned, 100)}
}

func sanitizeQueries(queries []string, maxQueries int) []string {
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		if len(q) < 3 {
			continue
		}
		if !alphaNumRunPattern.MatchString(q) {
			continue
		}
		out = append(out, q)
	}
	if len(out) > maxQueries {
		out = out[:maxQueries]
	}
	return out
}

// rankByFrequency orders tokens by descending count, stable on first
// appearance for equal counts.
func rankByFrequency(tokens []string) []string {
	counts := make(map[string]int, len(tokens))
	first := make(map[string]int, len(tokens))
	order := make([]string, 0, len(tokens))
	for i, t := range tokens {
		if counts[t] == 0 {
			first[t] = i
			order = append(order, t)
		}
		counts[t]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		if counts[order[i]] != counts[order[j]] {
			return counts[order[i]] > counts[order[j]]
		}
		return first[order[i]] < first[order[j]]
	})
	return order
}

// cleanPromptNoise strips UI banners, filesystem paths, and short generic
// lines that sometimes leak into prompt text.
func cleanPromptNoise(raw string) string {
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		ln := strings.TrimSpace(line)
		if ln == "" {
			continue
		}
		noisy := false
		for _, pattern := range uiNoisePatterns {
			if pattern.MatchString(ln) {
				noisy = true
				break
			}
		}
		if noisy {
			continue
		}
		if len(strings.Fields(ln)) <= 2 {
			if _, generic := genericNoiseLines[strings.ToLower(ln)]; generic {
				continue
			}
		}
		if windowsPathPattern.MatchString(ln) {
			continue
		}
		kept = append(kept, ln)
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}
