package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ally-agent/ally/internal/core/domain"
	"github.com/ally-agent/ally/internal/infrastructure/resilience"
)

const (
	defaultBaseURL = "https://www.googleapis.com/customsearch/v1"
	pageSize       = 10
)

// Provider queries Google Programmable Search. The API caps one request at
// 10 items, so larger asks paginate with the start parameter.
type Provider struct {
	baseURL    string
	apiKey     string
	engineID   string
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(apiKey, engineID string, exec *resilience.Executor) *Provider {
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Provider{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		engineID:   engineID,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		exec:       exec,
	}
}

func (p *Provider) Name() string { return "google" }

func (p *Provider) Search(ctx context.Context, query string, n int) ([]domain.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "google search", errors.New("empty query"))
	}
	if n <= 0 {
		n = pageSize
	}

	var all []domain.SearchResult
	for start := 1; len(all) < n; start += pageSize {
		batch := n - len(all)
		if batch > pageSize {
			batch = pageSize
		}

		var page []domain.SearchResult
		err := p.exec.Execute(ctx, "google_search", func(ctx context.Context) error {
			var err error
			page, err = p.fetchPage(ctx, query, start, batch)
			return err
		}, classifySearchError)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		if len(page) < batch {
			break
		}
	}
	return all, nil
}

func (p *Provider) fetchPage(ctx context.Context, query string, start, num int) ([]domain.SearchResult, error) {
	params := url.Values{}
	params.Set("key", p.apiKey)
	params.Set("cx", p.engineID)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(num))
	params.Set("start", strconv.Itoa(start))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &searchStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	var searchResp struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]domain.SearchResult, 0, len(searchResp.Items))
	for _, item := range searchResp.Items {
		out = append(out, domain.SearchResult{
			Title:   item.Title,
			Link:    item.Link,
			Snippet: item.Snippet,
		})
	}
	return out, nil
}

type searchStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *searchStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("google search status: %s", e.Status)
	}
	return fmt.Sprintf("google search status: %s: %s", e.Status, e.Body)
}

func classifySearchError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}

	var statusErr *searchStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
