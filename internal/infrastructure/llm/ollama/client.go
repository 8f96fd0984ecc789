package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/infrastructure/resilience"
)

// Client talks to a local Ollama server. Conversational memory is kept per
// thread id as the context token array returned by /api/generate; switching
// the model keeps thread contexts, the server re-evaluates them.
type Client struct {
	baseURL    string
	embedModel string
	httpClient *http.Client
	exec       *resilience.Executor

	mu       sync.Mutex
	genModel string
	contexts map[string][]int
}

func New(baseURL, genModel, embedModel string, exec *resilience.Executor) *Client {
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 300 * time.Second},
		exec:       exec,
		contexts:   make(map[string][]int),
	}
}

func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genModel
}

func (c *Client) SwitchModel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genModel = name
}

// ClearThread drops the conversational context for a thread id.
func (c *Client) ClearThread(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.contexts, threadID)
}

type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Context []int  `json:"context,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Context  []int  `json:"context,omitempty"`
}

// Stream generates a response for the prompt, delivering chunks to onChunk as
// they arrive. A stream is never retried mid-flight: chunks already delivered
// to the caller cannot be taken back.
func (c *Client) Stream(ctx context.Context, threadID, prompt string, onChunk func(string)) error {
	reqBody := generateRequest{
		Model:   c.Model(),
		Prompt:  prompt,
		Stream:  true,
		Context: c.threadContext(threadID),
	}

	resp, err := c.postStream(ctx, "/api/generate", reqBody, "generate")
	if err != nil {
		return wrapGenerateError("generate stream", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Response != "" && onChunk != nil {
			onChunk(chunk.Response)
		}
		if chunk.Done {
			c.saveThreadContext(threadID, chunk.Context)
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return wrapTemporaryIfNeeded("generate stream", err)
	}
	return nil
}

// Invoke generates a full response without streaming. Retries go through the
// resilience executor.
func (c *Client) Invoke(ctx context.Context, threadID, prompt string) (string, error) {
	reqBody := generateRequest{
		Model:   c.Model(),
		Prompt:  prompt,
		Stream:  false,
		Context: c.threadContext(threadID),
	}

	var response struct {
		Response string `json:"response"`
		Context  []int  `json:"context,omitempty"`
	}
	err := c.exec.Execute(ctx, "ollama_generate", func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/generate", reqBody, &response, "generate")
	}, classifyOllamaError)
	if err != nil {
		return "", wrapGenerateError("generate", err)
	}
	c.saveThreadContext(threadID, response.Context)
	return strings.TrimSpace(response.Response), nil
}

func (c *Client) threadContext(threadID string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contexts[threadID]
}

func (c *Client) saveThreadContext(threadID string, tokens []int) {
	if threadID == "" || len(tokens) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts[threadID] = tokens
}

// Embedder produces vectors through /api/embed. Inputs are sanitized before
// leaving the process.
type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	clean := make([]string, len(texts))
	for i, t := range texts {
		clean[i] = sanitizeEmbedInput(t)
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": clean,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := e.client.exec.Execute(ctx, "ollama_embed", func(ctx context.Context) error {
		return e.client.postJSON(ctx, "/api/embed", request, &response, "embed")
	}, classifyOllamaError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("embed", err)
	}
	if len(response.Embeddings) != len(clean) {
		return nil, fmt.Errorf("embed: expected %d vectors, got %d", len(clean), len(response.Embeddings))
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0], nil
}

func wrapGenerateError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return domain.WrapError(domain.ErrModelNotFound, operation, err)
	}
	return wrapTemporaryIfNeeded(operation, err)
}
