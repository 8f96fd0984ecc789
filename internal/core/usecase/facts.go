package usecase

import (
	"regexp"
	"sort"
	"strings"
)

// FactStrategy selects how sentences are ranked before the per-source cap.
type FactStrategy string

const (
	// StrategyAdditive scores every sentence on keyword, year, numeric, and
	// proper-noun signals and keeps the highest totals.
	StrategyAdditive FactStrategy = "additive"
	// StrategyNarrative ranks concrete story events above causal claims,
	// comparisons, and generic scored sentences.
	StrategyNarrative FactStrategy = "narrative"
)

const (
	factScanWindow  = 5000
	factMinLen      = 40
	factMaxLen      = 500
	backfillMaxLen  = 250
	defaultMaxFacts = 4
)

var (
	sentenceSplitPattern = regexp.MustCompile(`[.!?]\s+`)
	yearPattern          = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	numericPattern       = regexp.MustCompile(`\b\d+%|\$\d+|\d+\b`)
	properNounPairPattern = regexp.MustCompile(
		`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)

	eventVerbPattern = regexp.MustCompile(`(?i)\b(killed|murdered|died|executed|attacked|rebelled|revolted|witnessed|saw|discovered|encountered|confronted|snapped|triggered|sparked)\b`)
	locationPattern  = regexp.MustCompile(`(?i)\b(mine|mines|factory|workplace|prison|cell|street)\b`)
	personPattern    = regexp.MustCompile(`(?i)(worker|coworker|colleague|friend|guard|officer)\b`)
	traumaPattern    = regexp.MustCompile(`(?i)\b(died|death|murder|murdered|killed|atrocity|tragedy)\b`)
	causalPattern    = regexp.MustCompile(`(?i)\b(led to|caused|resulted in|because|due to|triggered by|fueled by|driven by)\b`)
	comparePattern   = regexp.MustCompile(`(?i)\b(like|similar to|compared to|mirror|parallel|akin to|parallels)\b`)
	loadedAdjPattern = regexp.MustCompile(`(?i)\b(revolutionary|oppressive|tyrannical|authoritarian|brutal|violent|radical|heroic|noble)\b`)
	anyDigitsPattern = regexp.MustCompile(`\d{1,4}`)
)

// FactExtractor selects short, citable sentences from source content.
type FactExtractor struct {
	strategy FactStrategy
}

func NewFactExtractor(strategy FactStrategy) *FactExtractor {
	if strategy != StrategyNarrative {
		strategy = StrategyAdditive
	}
	return &FactExtractor{strategy: strategy}
}

func (e *FactExtractor) Strategy() FactStrategy { return e.strategy }

// ExtractFacts returns up to maxFacts sentences from content, deduplicated by
// lowercase text. When ranking finds too few, plain sentences of moderate
// length backfill in original order.
func (e *FactExtractor) ExtractFacts(content string, keywords []string, maxFacts int) []string {
	if content == "" {
		return nil
	}
	if maxFacts <= 0 {
		maxFacts = defaultMaxFacts
	}

	sentences := splitSentences(truncateRunes(content, factScanWindow))
	var ranked []string
	if e.strategy == StrategyNarrative {
		ranked = rankNarrative(sentences)
	} else {
		ranked = rankAdditive(sentences, keywords)
	}

	facts := make([]string, 0, maxFacts)
	seen := make(map[string]struct{})
	for _, s := range ranked {
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		facts = append(facts, s)
		seen[key] = struct{}{}
		if len(facts) >= maxFacts {
			return facts
		}
	}

	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if len(s) <= factMinLen || len(s) >= backfillMaxLen {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		facts = append(facts, s)
		seen[key] = struct{}{}
		if len(facts) >= maxFacts {
			break
		}
	}
	return facts
}

func rankAdditive(sentences, keywords []string) []string {
	type scored struct {
		text  string
		score int
	}
	var candidates []scored
	for _, sent := range sentences {
		s := strings.TrimSpace(sent)
		if len(s) < factMinLen || len(s) > factMaxLen {
			continue
		}
		score := scoreSentence(s, keywords)
		if score > 0 {
			candidates = append(candidates, scored{text: s, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return len(candidates[i].text) > len(candidates[j].text)
	})
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.text)
	}
	return out
}

func scoreSentence(s string, keywords []string) int {
	score := 0
	lower := strings.ToLower(s)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			score += 5
		}
	}
	if yearPattern.MatchString(s) {
		score += 3
	}
	if numericPattern.MatchString(s) {
		score += 2
	}
	if properNounPairPattern.MatchString(s) {
		score++
	}
	lengthBonus := len(s) / 120
	if lengthBonus > 3 {
		lengthBonus = 3
	}
	return score + lengthBonus
}

func rankNarrative(sentences []string) []string {
	var storyEvents, causalClaims, comparisons []string
	type scored struct {
		text  string
		score int
	}
	var generic []scored

	for _, sent := range sentences {
		s := strings.TrimSpace(sent)
		if len(s) < factMinLen || len(s) > factMaxLen {
			continue
		}

		hasEvent := eventVerbPattern.MatchString(s)
		hasTrauma := traumaPattern.MatchString(s)
		hasScene := locationPattern.MatchString(s) || personPattern.MatchString(s)

		switch {
		case (hasEvent || hasTrauma) && hasScene:
			storyEvents = append(storyEvents, s)
		case causalPattern.MatchString(s) && (loadedAdjPattern.MatchString(s) || hasEvent):
			causalClaims = append(causalClaims, s)
		case comparePattern.MatchString(s) && properNounPairPattern.MatchString(s):
			comparisons = append(comparisons, s)
		default:
			score := 0
			if anyDigitsPattern.MatchString(s) {
				score += 2
			}
			if properNounPairPattern.MatchString(s) {
				score++
			}
			if loadedAdjPattern.MatchString(s) {
				score += 2
			}
			if score >= 3 {
				generic = append(generic, scored{text: s, score: score})
			}
		}
	}

	sort.SliceStable(generic, func(i, j int) bool { return generic[i].score > generic[j].score })

	out := make([]string, 0, len(storyEvents)+len(causalClaims)+len(comparisons)+len(generic))
	out = append(out, storyEvents...)
	out = append(out, causalClaims...)
	out = append(out, comparisons...)
	for _, g := range generic {
		out = append(out, g.text)
	}
	return out
}

func splitSentences(content string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceSplitPattern.FindAllStringIndex(content, -1) {
		// keep the terminal punctuation, drop the trailing whitespace
		out = append(out, content[start:loc[0]+1])
		start = loc[1]
	}
	if start < len(content) {
		out = append(out, content[start:])
	}
	return out
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
