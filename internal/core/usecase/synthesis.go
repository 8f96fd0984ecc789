package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/core/ports"
)

const stage1MinChars = 100

// streamAccumulator gathers streamed chunks for one model call. One exists
// per stage, owned by the turn, so no state leaks across calls.
type streamAccumulator struct {
	b       strings.Builder
	onChunk func(string)
}

func newStreamAccumulator(onChunk func(string)) *streamAccumulator {
	return &streamAccumulator{onChunk: onChunk}
}

func (a *streamAccumulator) collect(chunk string) {
	a.b.WriteString(chunk)
	if a.onChunk != nil {
		a.onChunk(chunk)
	}
}

func (a *streamAccumulator) text() string { return a.b.String() }

// SynthesisController is the per-turn state machine: decide research, collect
// web and knowledge-base evidence, then produce exactly one model response
// through the two-stage, KB-only, or plain path.
type SynthesisController struct {
	collector *Collector
	retriever *Retriever
	runtime   ports.ModelRuntime
	logger    *slog.Logger

	kbResults int
}

func NewSynthesisController(
	collector *Collector,
	retriever *Retriever,
	runtime ports.ModelRuntime,
	kbResults int,
	logger *slog.Logger,
) *SynthesisController {
	if kbResults <= 0 {
		kbResults = defaultKBResults
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SynthesisController{
		collector: collector,
		retriever: retriever,
		runtime:   runtime,
		logger:    logger,
		kbResults: kbResults,
	}
}

// RunTurn executes one user turn. onChunk receives streamed output as it
// arrives; the final answer is whatever the terminal stage produced.
func (s *SynthesisController) RunTurn(ctx context.Context, in domain.TurnInput, onChunk func(string)) (domain.TurnResult, error) {
	result := domain.TurnResult{Path: domain.PathPlain}

	// S0: decide.
	research := NeedsResearch(in.Text, in.ForceResearch)
	var queries []string
	if research {
		queries = GenerateSearchQueries(in.Text, maxSearchQueries)
	}
	result.Queries = queries
	result.ResearchTaken = research && in.RAGEnabled && len(queries) > 0

	// S1: collect.
	webEvidence := ""
	if result.ResearchTaken {
		var notices []string
		webEvidence, notices = s.collector.Collect(ctx, in.Text, queries)
		result.Notices = append(result.Notices, notices...)
	}

	kbContext := ""
	if in.RAGEnabled {
		kbResults, err := s.retriever.QueryResults(ctx, in.Text, s.kbResults)
		if err != nil {
			return result, err
		}
		kbContext = s.retriever.FormatContext(kbResults)
		result.References = referencePaths(kbResults)
	}

	// S2/S3: two-stage path.
	if webEvidence != "" {
		stage1 := BuildStage1Message(in.Text, webEvidence)
		result.Stage1Tokens = stage1.EstimatedTokens

		acc := newStreamAccumulator(onChunk)
		if err := s.runtime.Stream(ctx, in.ThreadID, stage1.Text, acc.collect); err != nil {
			return result, fmt.Errorf("stage1 stream: %w", err)
		}
		stage1Out := acc.text()

		// The stage-1 stream already reached the terminal; a failed gate
		// means that output stands, never a second model call.
		if len(strings.TrimSpace(stage1Out)) < stage1MinChars {
			result.Notices = append(result.Notices,
				"stage-1 produced insufficient output, skipping stage-2")
			s.logger.Warn("stage1_insufficient", "chars", len(strings.TrimSpace(stage1Out)))
			result.Path = domain.PathStage1Only
			result.Answer = stage1Out
			return result, nil
		}

		if kbContext != "" {
			stage2 := BuildStage2Message(in.Text, stage1Out, kbContext)
			result.Stage2Tokens = stage2.EstimatedTokens
			total := result.Stage1Tokens + result.Stage2Tokens
			if total > tokenWarnLine {
				result.Notices = append(result.Notices,
					fmt.Sprintf("approaching token limit (%d/%d)", total, tokenSoftCeiling))
				s.logger.Warn("token_budget_warning", "total", total, "ceiling", tokenSoftCeiling)
			}

			acc2 := newStreamAccumulator(onChunk)
			if err := s.runtime.Stream(ctx, in.ThreadID, stage2.Text, acc2.collect); err != nil {
				return result, fmt.Errorf("stage2 stream: %w", err)
			}
			result.Path = domain.PathTwoStage
			result.Answer = acc2.text()
			return result, nil
		}

		result.Notices = append(result.Notices, "no knowledge-base context, stage-1 output stands")
		result.Path = domain.PathStage1Only
		result.Answer = stage1Out
		return result, nil
	}

	// S4: KB-only path.
	if kbContext != "" {
		prompt := BuildKBOnlyMessage(in.Text, kbContext)
		acc := newStreamAccumulator(onChunk)
		if err := s.runtime.Stream(ctx, in.ThreadID, prompt, acc.collect); err != nil {
			return result, fmt.Errorf("kb-only stream: %w", err)
		}
		result.Path = domain.PathKBOnly
		result.Answer = acc.text()
		return result, nil
	}

	// S5: plain path.
	acc := newStreamAccumulator(onChunk)
	if err := s.runtime.Stream(ctx, in.ThreadID, in.Text, acc.collect); err != nil {
		return result, fmt.Errorf("plain stream: %w", err)
	}
	result.Path = domain.PathPlain
	result.Answer = acc.text()
	return result, nil
}

func referencePaths(results []domain.KBResult) []string {
	seen := make(map[string]struct{}, len(results))
	var out []string
	for _, r := range results {
		if r.Meta.FilePath == "" {
			continue
		}
		if _, dup := seen[r.Meta.FilePath]; dup {
			continue
		}
		seen[r.Meta.FilePath] = struct{}{}
		out = append(out, r.Meta.FilePath)
	}
	return out
}
