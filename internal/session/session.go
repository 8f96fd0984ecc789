package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/core/ports"
	"github.com/ally-agent/ally/internal/observability/metrics"
)

// TurnRunner produces exactly one response per user turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, in domain.TurnInput, onChunk func(string)) (domain.TurnResult, error)
}

// KnowledgeSearcher answers direct knowledge-base queries for /query.
type KnowledgeSearcher interface {
	QueryResults(ctx context.Context, query string, n int) ([]domain.KBResult, error)
}

// DocumentIngestor stores documents into a collection.
type DocumentIngestor interface {
	StoreDirectory(ctx context.Context, dir, collection string) ([]string, error)
}

// State is everything a session remembers between turns.
type State struct {
	ThreadID      string
	RAGEnabled    bool
	ForceResearch *bool
	LatestRefs    []string
}

// Deps are the session's collaborators. Transcripts, Queue, and Metrics are
// optional; a nil value disables that concern.
type Deps struct {
	Turns       TurnRunner
	Retriever   KnowledgeSearcher
	Ingestor    DocumentIngestor
	Store       ports.VectorStore
	Collections ports.CollectionState
	Runtime     ports.ModelRuntime
	Transcripts ports.TranscriptStore
	Queue       ports.IngestQueue
	Metrics     *metrics.SessionMetrics
	Logger      *slog.Logger
}

type Options struct {
	DefaultCollection     string
	InitialPromptSuffix   string
	RecurringPromptSuffix string
}

type Session struct {
	deps Deps
	opts Options
	out  io.Writer

	state    State
	commands map[string]commandHandler

	prevModel string
	turnCount int
}

func New(deps Deps, opts Options, out io.Writer) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Session{
		deps: deps,
		opts: opts,
		out:  out,
		state: State{
			ThreadID:   uuid.NewString(),
			RAGEnabled: true,
		},
	}
	s.commands = newCommandTable()
	return s
}

func (s *Session) State() State { return s.state }

// Run reads lines until /quit, EOF, or an unrecoverable turn failure. An
// interrupt aborts the current turn only and returns to the prompt.
func (s *Session) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if err := s.dispatch(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			continue
		}

		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err := s.handleTurn(turnCtx, line)
		stop()
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() == nil {
				fmt.Fprintln(s.out, "turn interrupted")
				continue
			}
			return err
		}
	}
}

func (s *Session) dispatch(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	name := fields[0]
	handler, ok := s.commands[name]
	if !ok {
		return domain.WrapError(domain.ErrInvalidInput, "dispatch", fmt.Errorf("unknown command %s, try /help", name))
	}

	err := handler(ctx, s, fields[1:])
	if s.deps.Metrics != nil && !errors.Is(err, errQuit) {
		s.deps.Metrics.RecordCommand("ally", name, err)
	}
	return err
}

func (s *Session) handleTurn(ctx context.Context, text string) error {
	text = s.applyPromptSuffix(text)

	in := domain.TurnInput{
		ThreadID:      s.state.ThreadID,
		Text:          text,
		RAGEnabled:    s.state.RAGEnabled,
		ForceResearch: s.state.ForceResearch,
	}

	start := time.Now()
	res, err := s.deps.Turns.RunTurn(ctx, in, func(chunk string) {
		fmt.Fprint(s.out, chunk)
	})
	fmt.Fprintln(s.out)

	if err != nil {
		return s.routeTurnError(err)
	}

	for _, notice := range res.Notices {
		fmt.Fprintf(s.out, "note: %s\n", notice)
	}
	s.state.LatestRefs = res.References

	s.recordTurn(res, time.Since(start))
	s.persistTurn(ctx, text, res.Answer)
	return nil
}

// routeTurnError implements the session's degrade policy: knowledge-store
// failures disable retrieval for the rest of the session, a missing model
// reverts to the previous one, anything else ends the session.
func (s *Session) routeTurnError(err error) error {
	switch {
	case domain.IsKind(err, domain.ErrStoreAccess) || domain.IsKind(err, domain.ErrSetupFailed):
		s.state.RAGEnabled = false
		fmt.Fprintf(s.out, "warning: knowledge base unavailable, continuing without it: %v\n", err)
		s.deps.Logger.Warn("rag_disabled", "error", err)
		return nil
	case domain.IsKind(err, domain.ErrModelNotFound) && s.prevModel != "":
		prev := s.prevModel
		s.prevModel = ""
		s.deps.Runtime.SwitchModel(prev)
		fmt.Fprintf(s.out, "warning: model unavailable, reverted to %s\n", prev)
		s.deps.Logger.Warn("model_reverted", "model", prev, "error", err)
		return nil
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("turn failed: %w", err)
	}
}

// applyPromptSuffix appends the initial suffix once, on the first turn, and
// the recurring suffix on every turn including the first.
func (s *Session) applyPromptSuffix(text string) string {
	defer func() { s.turnCount++ }()

	if s.turnCount == 0 && s.opts.InitialPromptSuffix != "" {
		text += "\n" + s.opts.InitialPromptSuffix
	}
	if s.opts.RecurringPromptSuffix != "" {
		text += "\n" + s.opts.RecurringPromptSuffix
	}
	return text
}

func (s *Session) recordTurn(res domain.TurnResult, elapsed time.Duration) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.RecordTurn("ally", string(res.Path), len(res.References), elapsed)
	model := s.deps.Runtime.Model()
	s.deps.Metrics.RecordTokenUsage("ally", "stage1", model, res.Stage1Tokens)
	s.deps.Metrics.RecordTokenUsage("ally", "stage2", model, res.Stage2Tokens)
}

// persistTurn is best effort: transcript failures are logged and swallowed.
func (s *Session) persistTurn(ctx context.Context, input, answer string) {
	if s.deps.Transcripts == nil {
		return
	}
	if err := s.deps.Transcripts.EnsureThread(ctx, s.state.ThreadID); err != nil {
		s.deps.Logger.Warn("transcript_thread_failed", "thread", s.state.ThreadID, "error", err)
		return
	}
	if err := s.deps.Transcripts.AppendMessage(ctx, s.state.ThreadID, "user", input); err != nil {
		s.deps.Logger.Warn("transcript_append_failed", "thread", s.state.ThreadID, "error", err)
		return
	}
	if err := s.deps.Transcripts.AppendMessage(ctx, s.state.ThreadID, "assistant", answer); err != nil {
		s.deps.Logger.Warn("transcript_append_failed", "thread", s.state.ThreadID, "error", err)
	}
}
