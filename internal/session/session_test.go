package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/core/ports"
)

type fakeTurns struct {
	result domain.TurnResult
	err    error
	inputs []domain.TurnInput
}

func (f *fakeTurns) RunTurn(_ context.Context, in domain.TurnInput, onChunk func(string)) (domain.TurnResult, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return domain.TurnResult{}, f.err
	}
	if onChunk != nil {
		onChunk(f.result.Answer)
	}
	return f.result, nil
}

type fakeSearcher struct {
	results []domain.KBResult
	err     error
}

func (f *fakeSearcher) QueryResults(context.Context, string, int) ([]domain.KBResult, error) {
	return f.results, f.err
}

type fakeIngestor struct {
	notices []string
	err     error
	calls   []string
}

func (f *fakeIngestor) StoreDirectory(_ context.Context, dir, collection string) ([]string, error) {
	f.calls = append(f.calls, dir+"|"+collection)
	return f.notices, f.err
}

type fakeStore struct {
	collections []string
	deleted     []string
}

func (f *fakeStore) Add(context.Context, string, []string, [][]float32, domain.ChunkMetadata, []string) error {
	return nil
}

func (f *fakeStore) Query(context.Context, string, []float32, int) ([]domain.KBResult, error) {
	return nil, nil
}

func (f *fakeStore) GetByFilePath(context.Context, string, string) (*domain.ChunkMetadata, error) {
	return nil, nil
}

func (f *fakeStore) ListFilePaths(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) DeleteCollection(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeStore) ListCollections(context.Context) ([]string, error) {
	return f.collections, nil
}

type fakeCollections struct {
	indexed map[string]bool
	known   []string
	cleared bool
}

func newFakeCollections() *fakeCollections {
	return &fakeCollections{indexed: map[string]bool{}}
}

func (f *fakeCollections) IsIndexed(name string) bool { return f.indexed[name] }

func (f *fakeCollections) SetIndexed(name string, indexed bool) error {
	f.indexed[name] = indexed
	return nil
}

func (f *fakeCollections) EnsureKnown(name string) error {
	f.known = append(f.known, name)
	return nil
}

func (f *fakeCollections) Remove(name string) error {
	delete(f.indexed, name)
	return nil
}

func (f *fakeCollections) Clear() error {
	f.cleared = true
	f.indexed = map[string]bool{}
	return nil
}

func (f *fakeCollections) Names() []string {
	names := make([]string, 0, len(f.indexed))
	for name := range f.indexed {
		names = append(names, name)
	}
	return names
}

type fakeRuntime struct {
	model     string
	switches  []string
	invokeErr error
}

func (f *fakeRuntime) Stream(context.Context, string, string, func(string)) error { return nil }

func (f *fakeRuntime) Invoke(context.Context, string, string) (string, error) {
	return "pong", f.invokeErr
}

func (f *fakeRuntime) Model() string { return f.model }

func (f *fakeRuntime) SwitchModel(name string) {
	f.model = name
	f.switches = append(f.switches, name)
}

type fakeQueue struct {
	tasks []domain.IngestTask
	err   error
}

func (f *fakeQueue) PublishIngestTask(_ context.Context, task domain.IngestTask) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeQueue) SubscribeIngestTasks(context.Context, func(context.Context, domain.IngestTask) error) error {
	return nil
}

func (f *fakeQueue) Close() {}

type fakeTranscripts struct {
	appended []string
	recent   []ports.TranscriptMessage
	err      error
}

func (f *fakeTranscripts) EnsureThread(context.Context, string) error { return f.err }

func (f *fakeTranscripts) AppendMessage(_ context.Context, _, role, content string) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, role+":"+content)
	return nil
}

func (f *fakeTranscripts) ListRecent(_ context.Context, _ string, limit int) ([]ports.TranscriptMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recent) {
		return f.recent[len(f.recent)-limit:], nil
	}
	return f.recent, nil
}

func newTestSession(t *testing.T, deps Deps) (*Session, *bytes.Buffer) {
	t.Helper()
	if deps.Turns == nil {
		deps.Turns = &fakeTurns{}
	}
	if deps.Retriever == nil {
		deps.Retriever = &fakeSearcher{}
	}
	if deps.Ingestor == nil {
		deps.Ingestor = &fakeIngestor{}
	}
	if deps.Store == nil {
		deps.Store = &fakeStore{}
	}
	if deps.Collections == nil {
		deps.Collections = newFakeCollections()
	}
	if deps.Runtime == nil {
		deps.Runtime = &fakeRuntime{model: "llama3.1:8b"}
	}
	out := &bytes.Buffer{}
	return New(deps, Options{DefaultCollection: "knowledge_base"}, out), out
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	s, _ := newTestSession(t, Deps{})

	err := s.dispatch(context.Background(), "/frobnicate")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if !strings.Contains(err.Error(), "/help") {
		t.Fatalf("expected hint at /help, got %v", err)
	}
}

func TestResearchCommandControlsOverride(t *testing.T) {
	s, _ := newTestSession(t, Deps{})
	ctx := context.Background()

	if err := s.dispatch(ctx, "/research on"); err != nil {
		t.Fatalf("research on: %v", err)
	}
	if s.state.ForceResearch == nil || !*s.state.ForceResearch {
		t.Fatal("expected forced-on override")
	}

	if err := s.dispatch(ctx, "/research off"); err != nil {
		t.Fatalf("research off: %v", err)
	}
	if s.state.ForceResearch == nil || *s.state.ForceResearch {
		t.Fatal("expected forced-off override")
	}

	if err := s.dispatch(ctx, "/research auto"); err != nil {
		t.Fatalf("research auto: %v", err)
	}
	if s.state.ForceResearch != nil {
		t.Fatal("expected override cleared")
	}

	if err := s.dispatch(ctx, "/research maybe"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestQueryPrintsCitationsAndPreviews(t *testing.T) {
	long := strings.Repeat("marx on surplus value and the working day ", 10)
	searcher := &fakeSearcher{results: []domain.KBResult{
		{
			Chunk:    long,
			Meta:     domain.ChunkMetadata{FilePath: "/kb/Capital -- Marx.pdf"},
			Distance: 0.12,
		},
	}}
	s, out := newTestSession(t, Deps{Retriever: searcher})

	if err := s.dispatch(context.Background(), "/query working day"); err != nil {
		t.Fatalf("query: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "Capital (Marx)") {
		t.Fatalf("expected parsed citation, got %q", got)
	}
	if !strings.Contains(got, "...") {
		t.Fatalf("expected truncated preview, got %q", got)
	}
	if !strings.Contains(got, "/kb/Capital -- Marx.pdf") {
		t.Fatalf("expected file path, got %q", got)
	}
	for _, line := range strings.Split(got, "\n") {
		if strings.Contains(line, "...") && len([]rune(strings.TrimSpace(line))) > queryPreviewChars+3 {
			t.Fatalf("preview exceeds cap: %q", line)
		}
	}
}

func TestStoreFailureDisablesRetrievalForSession(t *testing.T) {
	turns := &fakeTurns{err: domain.WrapError(domain.ErrStoreAccess, "kb query", errors.New("connection refused"))}
	s, out := newTestSession(t, Deps{Turns: turns})

	if err := s.handleTurn(context.Background(), "what is surplus value"); err != nil {
		t.Fatalf("expected degrade, got %v", err)
	}
	if s.state.RAGEnabled {
		t.Fatal("expected retrieval disabled after store failure")
	}
	if !strings.Contains(out.String(), "knowledge base unavailable") {
		t.Fatalf("expected visible warning, got %q", out.String())
	}
}

func TestUnknownTurnErrorEndsSession(t *testing.T) {
	turns := &fakeTurns{err: errors.New("boom")}
	s, _ := newTestSession(t, Deps{Turns: turns})

	if err := s.handleTurn(context.Background(), "hello"); err == nil {
		t.Fatal("expected fatal turn error")
	}
}

func TestModelChangeRevertsWhenModelMissing(t *testing.T) {
	runtime := &fakeRuntime{
		model:     "llama3.1:8b",
		invokeErr: domain.WrapError(domain.ErrModelNotFound, "generate", errors.New("404")),
	}
	s, out := newTestSession(t, Deps{Runtime: runtime})

	if err := s.dispatch(context.Background(), "/model change ghost:7b"); err != nil {
		t.Fatalf("model change: %v", err)
	}
	if runtime.model != "llama3.1:8b" {
		t.Fatalf("expected revert to llama3.1:8b, got %q", runtime.model)
	}
	if len(runtime.switches) != 2 || runtime.switches[0] != "ghost:7b" || runtime.switches[1] != "llama3.1:8b" {
		t.Fatalf("unexpected switch sequence %v", runtime.switches)
	}
	if !strings.Contains(out.String(), "kept llama3.1:8b") {
		t.Fatalf("expected revert notice, got %q", out.String())
	}
}

func TestModelChangeKeepsWorkingModel(t *testing.T) {
	runtime := &fakeRuntime{model: "llama3.1:8b"}
	s, out := newTestSession(t, Deps{Runtime: runtime})

	if err := s.dispatch(context.Background(), "/model change qwen2.5:14b"); err != nil {
		t.Fatalf("model change: %v", err)
	}
	if runtime.model != "qwen2.5:14b" {
		t.Fatalf("expected switch, got %q", runtime.model)
	}
	if s.prevModel != "llama3.1:8b" {
		t.Fatalf("expected previous model remembered, got %q", s.prevModel)
	}
	if !strings.Contains(out.String(), "model changed to qwen2.5:14b") {
		t.Fatalf("expected confirmation, got %q", out.String())
	}
}

func TestEmbedPublishesPerFileTasksWhenQueued(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("text"), 0o600); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}

	queue := &fakeQueue{}
	collections := newFakeCollections()
	s, out := newTestSession(t, Deps{Queue: queue, Collections: collections})

	if err := s.dispatch(context.Background(), "/embed "+dir+" papers"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(queue.tasks) != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", len(queue.tasks))
	}
	for _, task := range queue.tasks {
		if task.Collection != "papers" {
			t.Fatalf("unexpected task collection %q", task.Collection)
		}
	}
	if len(collections.known) != 1 || collections.known[0] != "papers" {
		t.Fatalf("expected collection registered, got %v", collections.known)
	}
	if !strings.Contains(out.String(), "queued 2 files") {
		t.Fatalf("expected queue confirmation, got %q", out.String())
	}
}

func TestEmbedRunsIngestorInline(t *testing.T) {
	ingestor := &fakeIngestor{notices: []string{"skipped /kb/bad.docx: scrape failure"}}
	s, out := newTestSession(t, Deps{Ingestor: ingestor})

	if err := s.dispatch(context.Background(), "/embed /kb/papers"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(ingestor.calls) != 1 || ingestor.calls[0] != "/kb/papers|knowledge_base" {
		t.Fatalf("unexpected ingestor calls %v", ingestor.calls)
	}
	if !strings.Contains(out.String(), "skipped /kb/bad.docx") {
		t.Fatalf("expected notice surfaced, got %q", out.String())
	}
}

func TestClearRotatesThread(t *testing.T) {
	s, out := newTestSession(t, Deps{})
	s.state.LatestRefs = []string{"/kb/a.txt"}
	before := s.state.ThreadID

	if err := s.dispatch(context.Background(), "/clear"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if s.state.ThreadID == before {
		t.Fatal("expected a fresh thread id")
	}
	if s.state.LatestRefs != nil {
		t.Fatal("expected references dropped with the thread")
	}
	if !strings.Contains(out.String(), s.state.ThreadID) {
		t.Fatalf("expected new thread id printed, got %q", out.String())
	}
}

func TestTurnPersistsTranscriptBestEffort(t *testing.T) {
	turns := &fakeTurns{result: domain.TurnResult{
		Path:       domain.PathKBOnly,
		Answer:     "an answer",
		References: []string{"/kb/a.txt"},
	}}
	transcripts := &fakeTranscripts{}
	s, _ := newTestSession(t, Deps{Turns: turns, Transcripts: transcripts})

	if err := s.handleTurn(context.Background(), "a question"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(transcripts.appended) != 2 {
		t.Fatalf("expected user and assistant rows, got %v", transcripts.appended)
	}
	if transcripts.appended[0] != "user:a question" || transcripts.appended[1] != "assistant:an answer" {
		t.Fatalf("unexpected transcript rows %v", transcripts.appended)
	}
	if len(s.state.LatestRefs) != 1 || s.state.LatestRefs[0] != "/kb/a.txt" {
		t.Fatalf("expected references captured, got %v", s.state.LatestRefs)
	}
}

func TestHistoryPrintsRecentTranscript(t *testing.T) {
	transcripts := &fakeTranscripts{recent: []ports.TranscriptMessage{
		{Role: "user", Content: "what is a commodity"},
		{Role: "assistant", Content: "a thing produced for exchange"},
		{Role: "user", Content: "and surplus value"},
	}}
	s, out := newTestSession(t, Deps{Transcripts: transcripts})

	if err := s.dispatch(context.Background(), "/history 2"); err != nil {
		t.Fatalf("history: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "what is a commodity") {
		t.Fatalf("expected only the last 2 rows, got %q", got)
	}
	if !strings.Contains(got, "assistant: a thing produced for exchange") {
		t.Fatalf("expected assistant row, got %q", got)
	}
	if !strings.Contains(got, "user: and surplus value") {
		t.Fatalf("expected user row, got %q", got)
	}

	if err := s.dispatch(context.Background(), "/history zero"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestHistoryWithoutTranscriptStore(t *testing.T) {
	s, out := newTestSession(t, Deps{})

	if err := s.dispatch(context.Background(), "/history"); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "transcript store not configured") {
		t.Fatalf("expected configuration notice, got %q", out.String())
	}
}

func TestTranscriptFailureDoesNotAbortTurn(t *testing.T) {
	turns := &fakeTurns{result: domain.TurnResult{Path: domain.PathPlain, Answer: "hi"}}
	transcripts := &fakeTranscripts{err: errors.New("postgres down")}
	s, _ := newTestSession(t, Deps{Turns: turns, Transcripts: transcripts})

	if err := s.handleTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("expected best-effort persistence, got %v", err)
	}
}

func TestPromptSuffixesApplyInOrder(t *testing.T) {
	turns := &fakeTurns{result: domain.TurnResult{Path: domain.PathPlain, Answer: "ok"}}
	s, _ := newTestSession(t, Deps{Turns: turns})
	s.opts.InitialPromptSuffix = "answer in English"
	s.opts.RecurringPromptSuffix = "stay concise"

	ctx := context.Background()
	if err := s.handleTurn(ctx, "first"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if err := s.handleTurn(ctx, "second"); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	if got := turns.inputs[0].Text; got != "first\nanswer in English\nstay concise" {
		t.Fatalf("unexpected first prompt %q", got)
	}
	if got := turns.inputs[1].Text; got != "second\nstay concise" {
		t.Fatalf("unexpected second prompt %q", got)
	}
}

func TestRunQuitsOnCommand(t *testing.T) {
	s, out := newTestSession(t, Deps{})

	err := s.Run(context.Background(), strings.NewReader("/quit\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "bye") {
		t.Fatalf("expected farewell, got %q", out.String())
	}
}

func TestRunTreatsBareLinesAsTurns(t *testing.T) {
	turns := &fakeTurns{result: domain.TurnResult{Path: domain.PathPlain, Answer: "streamed answer"}}
	s, out := newTestSession(t, Deps{Turns: turns})

	err := s.Run(context.Background(), strings.NewReader("hello there\n/quit\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(turns.inputs) != 1 || turns.inputs[0].Text != "hello there" {
		t.Fatalf("unexpected turn inputs %v", turns.inputs)
	}
	if !strings.Contains(out.String(), "streamed answer") {
		t.Fatalf("expected streamed output, got %q", out.String())
	}
}
