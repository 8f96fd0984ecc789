package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/core/ports"
)

type fakeRuntime struct {
	prompts []string
	stage1  string
	stage2  string
	kbOnly  string
	plain   string
	model   string
}

func (r *fakeRuntime) Stream(_ context.Context, _ string, prompt string, onChunk func(string)) error {
	r.prompts = append(r.prompts, prompt)
	resp := r.respond(prompt)
	// deliver in two chunks to exercise accumulation
	half := len(resp) / 2
	onChunk(resp[:half])
	onChunk(resp[half:])
	return nil
}

func (r *fakeRuntime) Invoke(_ context.Context, _ string, prompt string) (string, error) {
	r.prompts = append(r.prompts, prompt)
	return r.respond(prompt), nil
}

func (r *fakeRuntime) Model() string { return r.model }

func (r *fakeRuntime) SwitchModel(name string) { r.model = name }

func (r *fakeRuntime) respond(prompt string) string {
	switch {
	case strings.Contains(prompt, "STAGE 1:"):
		return r.stage1
	case strings.Contains(prompt, "STAGE 2:"):
		return r.stage2
	case strings.Contains(prompt, "KB CONTEXT (begin):"):
		return r.kbOnly
	default:
		return r.plain
	}
}

type scriptedProvider struct {
	results []domain.SearchResult
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Search(_ context.Context, _ string, _ int) ([]domain.SearchResult, error) {
	return p.results, nil
}

func webCollector(results []domain.SearchResult, pages map[string]string) *Collector {
	return NewCollector(
		[]ports.SearchProvider{&scriptedProvider{results: results}},
		&fakeFetcher{pages: pages},
		NewFactExtractor(StrategyAdditive),
		nil,
	)
}

func kbRetriever(results []domain.KBResult) *Retriever {
	store := &fakeVectorStore{byCollection: map[string][]domain.KBResult{"books": results}}
	state := &fakeState{indexed: map[string]bool{"books": true}, order: []string{"books"}}
	return NewRetriever(&fakeEmbedder{}, store, state, nil)
}

func longStage1Output() string {
	return strings.Repeat("Stage one finding with citation (From Source: \"quote\"). ", 5)
}

func researchTurn(text string) domain.TurnInput {
	return domain.TurnInput{
		ThreadID:      "t1",
		Text:          text,
		RAGEnabled:    true,
		ForceResearch: boolPtr(true),
	}
}

func TestRunTurnTwoStagePath(t *testing.T) {
	runtime := &fakeRuntime{stage1: longStage1Output(), stage2: "final synthesis answer"}
	collector := webCollector(
		[]domain.SearchResult{{Title: "Inflation Statistics Report", Link: "https://a.example", Snippet: ""}},
		map[string]string{"https://a.example": longPage("inflation")},
	)
	retriever := kbRetriever([]domain.KBResult{
		kbResult("Capital -- Marx.txt", "h1", "kb chunk about value", 0.1),
	})
	ctrl := NewSynthesisController(collector, retriever, runtime, 10, nil)

	var streamed strings.Builder
	result, err := ctrl.RunTurn(context.Background(), researchTurn("inflation statistics question"),
		func(chunk string) { streamed.WriteString(chunk) })
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Path != domain.PathTwoStage {
		t.Fatalf("path = %q, want %q (notices: %v)", result.Path, domain.PathTwoStage, result.Notices)
	}
	if result.Answer != "final synthesis answer" {
		t.Fatalf("answer = %q", result.Answer)
	}
	if len(runtime.prompts) != 2 {
		t.Fatalf("want 2 model calls, got %d", len(runtime.prompts))
	}
	if !strings.Contains(runtime.prompts[1], "Stage 1 Findings:") {
		t.Fatal("stage-2 prompt missing stage-1 findings")
	}
	if result.Stage1Tokens < 1 || result.Stage2Tokens < 1 {
		t.Fatalf("token estimates missing: %d/%d", result.Stage1Tokens, result.Stage2Tokens)
	}
	if len(result.References) != 1 || result.References[0] != "Capital -- Marx.txt" {
		t.Fatalf("references = %v", result.References)
	}
	if !strings.Contains(streamed.String(), "final synthesis answer") {
		t.Fatal("stage-2 output not streamed")
	}
	if !result.ResearchTaken {
		t.Fatal("research not recorded")
	}
}

func TestRunTurnStage1GateStopsAfterOneModelCall(t *testing.T) {
	runtime := &fakeRuntime{stage1: "too short", kbOnly: "kb grounded answer"}
	collector := webCollector(
		[]domain.SearchResult{{Title: "Inflation Statistics Report", Link: "https://a.example", Snippet: ""}},
		map[string]string{"https://a.example": longPage("inflation")},
	)
	retriever := kbRetriever([]domain.KBResult{
		kbResult("Capital -- Marx.txt", "h1", "kb chunk", 0.1),
	})
	ctrl := NewSynthesisController(collector, retriever, runtime, 10, nil)

	result, err := ctrl.RunTurn(context.Background(), researchTurn("inflation statistics question"), nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Path != domain.PathStage1Only {
		t.Fatalf("path = %q, want %q", result.Path, domain.PathStage1Only)
	}
	if result.Answer != "too short" {
		t.Fatalf("answer = %q, want the accumulated stage-1 output", result.Answer)
	}
	if len(runtime.prompts) != 1 {
		t.Fatalf("model calls = %d, want exactly 1 after a failed gate", len(runtime.prompts))
	}
	found := false
	for _, n := range result.Notices {
		if strings.Contains(n, "insufficient output") {
			found = true
		}
	}
	if !found {
		t.Fatalf("gate notice missing: %v", result.Notices)
	}
}

func TestRunTurnStage1OnlyWithoutKBContext(t *testing.T) {
	runtime := &fakeRuntime{stage1: longStage1Output()}
	collector := webCollector(
		[]domain.SearchResult{{Title: "Inflation Statistics Report", Link: "https://a.example", Snippet: ""}},
		map[string]string{"https://a.example": longPage("inflation")},
	)
	retriever := kbRetriever(nil)
	ctrl := NewSynthesisController(collector, retriever, runtime, 10, nil)

	result, err := ctrl.RunTurn(context.Background(), researchTurn("inflation statistics question"), nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Path != domain.PathStage1Only {
		t.Fatalf("path = %q, want %q", result.Path, domain.PathStage1Only)
	}
	found := false
	for _, n := range result.Notices {
		if strings.Contains(n, "stage-1 output stands") {
			found = true
		}
	}
	if !found {
		t.Fatalf("stage1-only notice missing: %v", result.Notices)
	}
}

func TestRunTurnKBOnlyWhenWebChannelEmpty(t *testing.T) {
	runtime := &fakeRuntime{kbOnly: "kb grounded answer"}
	collector := webCollector(nil, nil)
	retriever := kbRetriever([]domain.KBResult{
		kbResult("Capital -- Marx.txt", "h1", "kb chunk", 0.1),
	})
	ctrl := NewSynthesisController(collector, retriever, runtime, 10, nil)

	result, err := ctrl.RunTurn(context.Background(), researchTurn("inflation statistics question"), nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Path != domain.PathKBOnly {
		t.Fatalf("path = %q, want %q", result.Path, domain.PathKBOnly)
	}
	found := false
	for _, n := range result.Notices {
		if strings.Contains(n, "no web evidence") {
			found = true
		}
	}
	if !found {
		t.Fatalf("degraded web channel notice missing: %v", result.Notices)
	}
}

func TestRunTurnPlainWhenResearchForcedOff(t *testing.T) {
	runtime := &fakeRuntime{plain: "direct answer"}
	ctrl := NewSynthesisController(webCollector(nil, nil), kbRetriever(nil), runtime, 10, nil)

	in := domain.TurnInput{
		ThreadID:      "t1",
		Text:          "what is the latest inflation data for 2024",
		RAGEnabled:    true,
		ForceResearch: boolPtr(false),
	}
	result, err := ctrl.RunTurn(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Path != domain.PathPlain {
		t.Fatalf("path = %q, want %q", result.Path, domain.PathPlain)
	}
	if result.ResearchTaken {
		t.Fatal("override off should suppress research")
	}
	if len(runtime.prompts) != 1 || runtime.prompts[0] != in.Text {
		t.Fatalf("plain path should send raw input, got %v", runtime.prompts)
	}
}

func TestRunTurnPlainWhenRAGDisabled(t *testing.T) {
	runtime := &fakeRuntime{plain: "direct answer"}
	ctrl := NewSynthesisController(webCollector(nil, nil), kbRetriever(nil), runtime, 10, nil)

	in := domain.TurnInput{ThreadID: "t1", Text: "inflation statistics question", RAGEnabled: false, ForceResearch: boolPtr(true)}
	result, err := ctrl.RunTurn(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Path != domain.PathPlain {
		t.Fatalf("path = %q, want %q", result.Path, domain.PathPlain)
	}
	if result.ResearchTaken {
		t.Fatal("research should not run with retrieval disabled")
	}
}
