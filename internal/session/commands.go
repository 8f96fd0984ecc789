package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/core/usecase"
)

var errQuit = errors.New("quit")

const queryPreviewChars = 150

type commandHandler func(ctx context.Context, s *Session, args []string) error

func newCommandTable() map[string]commandHandler {
	table := map[string]commandHandler{}

	table["/embed"] = cmdEmbed
	table["/index"] = cmdIndex
	table["/unindex"] = cmdUnindex
	table["/list"] = cmdList
	table["/collections"] = cmdCollections
	table["/delete"] = cmdDelete
	table["/purge"] = cmdPurge
	table["/query"] = cmdQuery
	table["/list_all_docs"] = cmdListAllDocs
	table["/start_rag"] = cmdStartRAG
	table["/stop_rag"] = cmdStopRAG
	table["/refs"] = cmdRefs
	table["/research"] = cmdResearch
	table["/id"] = cmdID
	table["/clear"] = cmdClear
	table["/history"] = cmdHistory
	table["/model"] = cmdModel
	table["/help"] = cmdHelp
	table["/quit"] = cmdQuit

	return table
}

func usageError(usage string) error {
	return domain.WrapError(domain.ErrInvalidInput, "command", fmt.Errorf("usage: %s", usage))
}

func cmdEmbed(ctx context.Context, s *Session, args []string) error {
	if len(args) == 0 {
		return usageError("/embed <dir> [collection]")
	}
	dir := args[0]
	collection := s.opts.DefaultCollection
	if len(args) > 1 {
		collection = args[1]
	}
	if collection == "" {
		return usageError("/embed <dir> <collection>")
	}

	if s.deps.Queue != nil {
		return enqueueDirectory(ctx, s, dir, collection)
	}

	notices, err := s.deps.Ingestor.StoreDirectory(ctx, dir, collection)
	for _, n := range notices {
		fmt.Fprintf(s.out, "note: %s\n", n)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "embedded %s into %s\n", dir, collection)
	return nil
}

// enqueueDirectory publishes one task per file; the worker runs the ingestor.
func enqueueDirectory(ctx context.Context, s *Session, dir, collection string) error {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		task := domain.IngestTask{FilePath: path, Collection: collection}
		if err := s.deps.Queue.PublishIngestTask(ctx, task); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", dir, err)
	}
	if err := s.deps.Collections.EnsureKnown(collection); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "queued %d files for %s\n", count, collection)
	return nil
}

func cmdIndex(_ context.Context, s *Session, args []string) error {
	if len(args) != 1 {
		return usageError("/index <collection>")
	}
	if err := s.deps.Collections.SetIndexed(args[0], true); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "collection %s is now searched\n", args[0])
	return nil
}

func cmdUnindex(_ context.Context, s *Session, args []string) error {
	if len(args) != 1 {
		return usageError("/unindex <collection>")
	}
	if err := s.deps.Collections.SetIndexed(args[0], false); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "collection %s is now skipped\n", args[0])
	return nil
}

func cmdList(_ context.Context, s *Session, _ []string) error {
	names := s.deps.Collections.Names()
	if len(names) == 0 {
		fmt.Fprintln(s.out, "no known collections")
		return nil
	}
	for _, name := range names {
		flag := "skipped"
		if s.deps.Collections.IsIndexed(name) {
			flag = "searched"
		}
		fmt.Fprintf(s.out, "%s\t%s\n", name, flag)
	}
	return nil
}

func cmdCollections(ctx context.Context, s *Session, _ []string) error {
	names, err := s.deps.Store.ListCollections(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(s.out, "store has no collections")
		return nil
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(s.out, name)
	}
	return nil
}

func cmdDelete(ctx context.Context, s *Session, args []string) error {
	if len(args) != 1 {
		return usageError("/delete <collection>")
	}
	if err := s.deps.Store.DeleteCollection(ctx, args[0]); err != nil {
		return err
	}
	if err := s.deps.Collections.Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "deleted %s\n", args[0])
	return nil
}

func cmdPurge(ctx context.Context, s *Session, _ []string) error {
	names, err := s.deps.Store.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.deps.Store.DeleteCollection(ctx, name); err != nil {
			return err
		}
	}
	if err := s.deps.Collections.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "purged %d collections\n", len(names))
	return nil
}

func cmdQuery(ctx context.Context, s *Session, args []string) error {
	if len(args) == 0 {
		return usageError("/query <text>")
	}
	query := strings.Join(args, " ")

	results, err := s.deps.Retriever.QueryResults(ctx, query, 5)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(s.out, "no matches")
		return nil
	}
	for i, r := range results {
		cite := usecase.ParseCitation(r.Meta.FilePath)
		fmt.Fprintf(s.out, "%d. %s (%s) distance=%.3f\n", i+1, cite.Title, cite.Author, r.Distance)
		fmt.Fprintf(s.out, "   %s\n", previewChunk(r.Chunk))
		fmt.Fprintf(s.out, "   %s\n", r.Meta.FilePath)
	}
	return nil
}

func previewChunk(chunk string) string {
	chunk = strings.Join(strings.Fields(chunk), " ")
	runes := []rune(chunk)
	if len(runes) <= queryPreviewChars {
		return chunk
	}
	return string(runes[:queryPreviewChars]) + "..."
}

func cmdListAllDocs(ctx context.Context, s *Session, args []string) error {
	if len(args) != 1 {
		return usageError("/list_all_docs <collection>")
	}
	paths, err := s.deps.Store.ListFilePaths(ctx, args[0], 0)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintf(s.out, "collection %s is empty\n", args[0])
		return nil
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintln(s.out, p)
	}
	return nil
}

func cmdStartRAG(_ context.Context, s *Session, _ []string) error {
	s.state.RAGEnabled = true
	fmt.Fprintln(s.out, "knowledge-base retrieval enabled")
	return nil
}

func cmdStopRAG(_ context.Context, s *Session, _ []string) error {
	s.state.RAGEnabled = false
	fmt.Fprintln(s.out, "knowledge-base retrieval disabled")
	return nil
}

func cmdRefs(_ context.Context, s *Session, _ []string) error {
	if len(s.state.LatestRefs) == 0 {
		fmt.Fprintln(s.out, "no references yet")
		return nil
	}
	for i, ref := range s.state.LatestRefs {
		fmt.Fprintf(s.out, "%d. %s\n", i+1, ref)
	}
	return nil
}

func cmdResearch(_ context.Context, s *Session, args []string) error {
	if len(args) != 1 {
		return usageError("/research on|off|auto")
	}
	switch args[0] {
	case "on":
		v := true
		s.state.ForceResearch = &v
		fmt.Fprintln(s.out, "web research forced on")
	case "off":
		v := false
		s.state.ForceResearch = &v
		fmt.Fprintln(s.out, "web research forced off")
	case "auto":
		s.state.ForceResearch = nil
		fmt.Fprintln(s.out, "web research decided per turn")
	default:
		return usageError("/research on|off|auto")
	}
	return nil
}

func cmdID(_ context.Context, s *Session, args []string) error {
	if len(args) == 1 && args[0] == "new" {
		s.state.ThreadID = uuid.NewString()
	}
	fmt.Fprintf(s.out, "thread %s\n", s.state.ThreadID)
	return nil
}

// cmdClear starts a fresh thread; the runtime's conversational memory is
// scoped by thread id, so nothing else needs resetting.
func cmdClear(_ context.Context, s *Session, _ []string) error {
	s.state.ThreadID = uuid.NewString()
	s.state.LatestRefs = nil
	fmt.Fprintf(s.out, "started thread %s\n", s.state.ThreadID)
	return nil
}

const defaultHistoryTurns = 10

func cmdHistory(ctx context.Context, s *Session, args []string) error {
	if s.deps.Transcripts == nil {
		fmt.Fprintln(s.out, "transcript store not configured")
		return nil
	}

	limit := defaultHistoryTurns
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return usageError("/history [count]")
		}
		limit = n
	} else if len(args) > 1 {
		return usageError("/history [count]")
	}

	messages, err := s.deps.Transcripts.ListRecent(ctx, s.state.ThreadID, limit)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Fprintln(s.out, "no transcript for this thread")
		return nil
	}
	for _, msg := range messages {
		fmt.Fprintf(s.out, "%s: %s\n", msg.Role, msg.Content)
	}
	return nil
}

func cmdModel(ctx context.Context, s *Session, args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(s.out, "model %s\n", s.deps.Runtime.Model())
		return nil
	}
	if len(args) != 2 || args[0] != "change" {
		return usageError("/model [change <name>]")
	}

	prev := s.deps.Runtime.Model()
	s.deps.Runtime.SwitchModel(args[1])

	// Probe so a bad name fails here instead of mid-turn.
	if _, err := s.deps.Runtime.Invoke(ctx, s.state.ThreadID, "ping"); err != nil {
		if domain.IsKind(err, domain.ErrModelNotFound) {
			s.deps.Runtime.SwitchModel(prev)
			fmt.Fprintf(s.out, "model %s not found, kept %s\n", args[1], prev)
			return nil
		}
		return err
	}

	s.prevModel = prev
	fmt.Fprintf(s.out, "model changed to %s\n", args[1])
	return nil
}

func cmdHelp(_ context.Context, s *Session, _ []string) error {
	fmt.Fprint(s.out, `commands:
  /embed <dir> [collection]   ingest a directory into the knowledge base
  /index <collection>         include a collection in retrieval
  /unindex <collection>       exclude a collection from retrieval
  /list                       known collections and their retrieval flags
  /collections                collections present in the vector store
  /delete <collection>        drop one collection
  /purge                      drop every collection
  /query <text>               search the knowledge base directly
  /list_all_docs <collection> distinct files stored in a collection
  /start_rag /stop_rag        toggle knowledge-base retrieval
  /refs                       references behind the last answer
  /research on|off|auto       control web research
  /id [new]                   show or rotate the thread id
  /clear                      start a fresh thread
  /history [count]            recent turns from the transcript store
  /model [change <name>]      show or switch the model
  /quit                       exit
`)
	return nil
}

func cmdQuit(_ context.Context, s *Session, _ []string) error {
	fmt.Fprintln(s.out, "bye")
	return errQuit
}
