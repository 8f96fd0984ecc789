package usecase

import (
	"fmt"
	"strings"

	"github.com/ally-agent/ally/internal/core/domain"
)

const (
	stage1SliceChars = 4000
	kbContextCap     = 9000

	// Soft ceiling for Stage-1 plus Stage-2. Crossing the warn line emits a
	// notice, nothing is truncated beyond the Stage-1 slice.
	tokenSoftCeiling = 24000
	tokenWarnLine    = 20000
)

// EstimateTokens approximates the token count of a prompt at roughly four
// characters per token.
func EstimateTokens(text string) int {
	n := len(strings.TrimSpace(text)) / 4
	if n < 1 {
		return 1
	}
	return n
}

// BuildStage1Message instructs the model to extract verifiable detail from
// the collected web sources only.
func BuildStage1Message(input, webSourcesBlock string) domain.StageMessage {
	var b strings.Builder
	bar := strings.Repeat("!", 80)
	rule := strings.Repeat("=", 60)

	b.WriteString(bar + "\n")
	b.WriteString("STAGE 1: EXTRACT DETAILED CONTEXT FROM WEB SOURCES\n")
	b.WriteString(bar + "\n\n")
	b.WriteString("YOUR TASK: Read the web sources and extract specific, verifiable details relevant to the question.\n")
	b.WriteString("GUIDELINES:\n")
	b.WriteString("  - Identify entities, dates, events, and direct quotes from sources.\n")
	b.WriteString("  - For each fact include a short citation: (From [title/URL]: \"quote or paraphrase\")\n")
	b.WriteString("  - Emphasize sequences, motivations, and comparisons explicitly stated in sources.\n\n")
	b.WriteString(rule + "\n")
	b.WriteString("WEB SOURCES - BEGIN\n")
	b.WriteString(rule + "\n")
	b.WriteString(webSourcesBlock + "\n")
	b.WriteString(rule + "\n")
	b.WriteString("QUESTION: " + input + "\n")
	b.WriteString(rule + "\n")
	b.WriteString("RESPOND WITH DETAILED CONTEXT FROM SOURCES. USE DIRECT QUOTES WHERE AVAILABLE.")

	text := b.String()
	return domain.StageMessage{Text: text, EstimatedTokens: EstimateTokens(text)}
}

// BuildStage2Message asks the model to synthesize the Stage-1 findings with
// knowledge-base concepts. Stage-1 output is sliced to keep the second call
// from compounding a huge context.
func BuildStage2Message(input, stage1Response, kbContext string) domain.StageMessage {
	slice := truncateRunes(stage1Response, stage1SliceChars)

	var b strings.Builder
	bar := strings.Repeat("=", 80)

	b.WriteString(bar + "\n")
	b.WriteString("STAGE 2: SYNTHESIZE WITH KNOWLEDGE BASE / THEORY\n")
	b.WriteString(bar + "\n")
	b.WriteString("ORIGINAL QUESTION:\n")
	b.WriteString(input + "\n\n")
	b.WriteString("Stage 1 Findings:\n")
	b.WriteString(slice + "\n\n")
	b.WriteString("KNOWLEDGE BASE CONTEXT:\n")
	b.WriteString(kbContext + "\n\n")
	b.WriteString("TASK:\n")
	b.WriteString("  - Apply the KB concepts to explain mechanisms and root causes found in Stage 1.\n")
	b.WriteString("  - Do NOT invent parallels; rely on explicit mechanisms and documented comparisons.\n")
	b.WriteString("  - Provide a concise final answer and a short list of supporting source citations.")

	text := b.String()
	return domain.StageMessage{Text: text, EstimatedTokens: EstimateTokens(text)}
}

// BuildKBOnlyMessage is the strict evidence-bound prompt used when no web
// evidence exists. The model must state whether the knowledge base supports
// each point and propose follow-up queries for anything missing.
func BuildKBOnlyMessage(input, kbContext string) string {
	kbContext = truncateRunes(kbContext, kbContextCap)
	lines := []string{
		"You are given: (A) a user's question, and (B) internal knowledge-base context from stored documents.",
		"Task: Provide a short, clear analytic answer grounded ONLY in the KB. Do NOT introduce external authors or analogies unless they are explicitly cited in the KB.",
		"RULES:",
		"  1) Start with a 2-3 sentence thesis that answers the user's question directly and states whether the KB contains direct supporting evidence (yes/no).",
		"  2) Provide up to three supporting points. For each point, explicitly cite the KB source (e.g., [KB: filename]) and quote or paraphrase the supporting sentence. If no KB evidence exists for a point, write 'no direct KB evidence'.",
		"  3) If numerical/statistical claims are relevant, include the exact numeric values and the KB citation. If the KB does not contain numbers, say 'no numeric data in KB' and add a precise web search query the user can run.",
		"  4) Do not invent or attribute ideas to thinkers unless those names are present in the KB and cited. If you draw an analogy, label it 'ANALOGY' and explain why it might help, but make clear it is not KB fact.",
		"  5) End with one 1-sentence limitation and then list up to three suggested exact web search queries the user can run to collect missing evidence (each query on its own line).",
		"",
		"KB CONTEXT (begin):",
		kbContext,
		"KB CONTEXT (end).",
		"",
		fmt.Sprintf("USER QUESTION: %s", input),
		"",
		"Answer now following the RULES above.",
	}
	return strings.Join(lines, "\n")
}
