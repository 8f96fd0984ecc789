package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ally-agent/ally/internal/core/domain"
)

const scrollPageSize = 200

// Client is the knowledge-base vector store over the Qdrant HTTP API. One
// client serves every collection; collections are created lazily on first
// write with cosine distance.
type Client struct {
	baseURL    string
	httpClient *http.Client

	ensureMu sync.Mutex
	ensured  map[string]int
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		ensured:    make(map[string]int),
	}
}

// Add upserts one batch of chunks. Point ids are derived deterministically
// from the caller's ids, so re-ingesting the same document overwrites its
// points instead of duplicating them.
func (c *Client) Add(ctx context.Context, collection string, chunks []string, vectors [][]float32, meta domain.ChunkMetadata, ids []string) error {
	if len(chunks) == 0 || len(vectors) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) || len(chunks) != len(ids) {
		return fmt.Errorf("chunks/vectors/ids mismatch")
	}

	if err := c.ensureCollection(ctx, collection, len(vectors[0])); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	points := make([]point, 0, len(chunks))
	for i := range chunks {
		points = append(points, point{
			ID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(ids[i])).String(),
			Vector: vectors[i],
			Payload: map[string]any{
				"file_path":   meta.FilePath,
				"hash":        meta.Hash,
				"mod_date":    meta.ModDate,
				"chunk_index": i,
				"point_key":   ids[i],
				"text":        chunks[i],
			},
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", collection)
	return c.do(ctx, http.MethodPut, path, map[string]any{"points": points}, nil, "upsert")
}

// Query searches one collection. Score comes back as cosine similarity;
// distance here is 1 - score so smaller always means closer.
func (c *Client) Query(ctx context.Context, collection string, vector []float32, n int) ([]domain.KBResult, error) {
	if n <= 0 {
		n = 10
	}
	reqBody := map[string]any{
		"vector":       vector,
		"limit":        n,
		"with_payload": true,
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", collection)
	if err := c.do(ctx, http.MethodPost, path, reqBody, &searchResp, "search"); err != nil {
		return nil, err
	}

	out := make([]domain.KBResult, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.KBResult{
			Chunk:    getStringPayload(r.Payload, "text"),
			Meta:     payloadMeta(r.Payload),
			Distance: 1 - r.Score,
		})
	}
	return out, nil
}

// GetByFilePath returns the stored metadata of any one chunk for the file, or
// nil when the file is unknown to the collection.
func (c *Client) GetByFilePath(ctx context.Context, collection, filePath string) (*domain.ChunkMetadata, error) {
	points, _, err := c.scroll(ctx, collection, filePath, 1, nil)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	meta := payloadMeta(points[0].Payload)
	return &meta, nil
}

// ListFilePaths scrolls the collection and returns the distinct file paths,
// up to limit.
func (c *Client) ListFilePaths(ctx context.Context, collection string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}

	seen := make(map[string]struct{})
	var paths []string
	var offset any

	for {
		points, next, err := c.scroll(ctx, collection, "", scrollPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			fp := getStringPayload(p.Payload, "file_path")
			if fp == "" {
				continue
			}
			if _, dup := seen[fp]; dup {
				continue
			}
			seen[fp] = struct{}{}
			paths = append(paths, fp)
			if len(paths) >= limit {
				return paths, nil
			}
		}
		if next == nil || len(points) == 0 {
			return paths, nil
		}
		offset = next
	}
}

func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	if err := c.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil, "delete collection"); err != nil {
		return err
	}
	c.ensureMu.Lock()
	delete(c.ensured, name)
	c.ensureMu.Unlock()
	return nil
}

func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var listResp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections", nil, &listResp, "list collections"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(listResp.Result.Collections))
	for _, col := range listResp.Result.Collections {
		names = append(names, col.Name)
	}
	return names, nil
}

type scrolledPoint struct {
	Payload map[string]any `json:"payload"`
}

func (c *Client) scroll(ctx context.Context, collection, filePath string, limit int, offset any) ([]scrolledPoint, any, error) {
	reqBody := map[string]any{
		"limit":        limit,
		"with_payload": true,
	}
	if filePath != "" {
		reqBody["filter"] = map[string]any{
			"must": []map[string]any{
				{
					"key":   "file_path",
					"match": map[string]any{"value": filePath},
				},
			},
		}
	}
	if offset != nil {
		reqBody["offset"] = offset
	}

	var scrollResp struct {
		Result struct {
			Points         []scrolledPoint `json:"points"`
			NextPageOffset any             `json:"next_page_offset"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/scroll", collection)
	if err := c.do(ctx, http.MethodPost, path, reqBody, &scrollResp, "scroll"); err != nil {
		return nil, nil, err
	}
	return scrollResp.Result.Points, scrollResp.Result.NextPageOffset, nil
}

func (c *Client) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	c.ensureMu.Lock()
	if size, ok := c.ensured[collection]; ok && size == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}

	err := c.do(ctx, http.MethodPut, "/collections/"+collection, reqBody, nil, "ensure collection")
	// 409 means the collection already exists, which is the goal
	if err != nil && !isStatus(err, http.StatusConflict) {
		return err
	}

	c.ensureMu.Lock()
	c.ensured[collection] = vectorSize
	c.ensureMu.Unlock()
	return nil
}

type statusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *statusError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("qdrant %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("qdrant %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.StatusCode == code
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any, operation string) error {
	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		serr := &statusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(raw),
		}
		if resp.StatusCode == http.StatusNotFound {
			return domain.WrapError(domain.ErrCollectionNotFound, operation, serr)
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func payloadMeta(payload map[string]any) domain.ChunkMetadata {
	return domain.ChunkMetadata{
		FilePath: getStringPayload(payload, "file_path"),
		Hash:     getStringPayload(payload, "hash"),
		ModDate:  getStringPayload(payload, "mod_date"),
	}
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
