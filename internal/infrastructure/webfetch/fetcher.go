package webfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/ally-agent/ally/internal/infrastructure/resilience"
)

const (
	userAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	maxBodyBytes = 2 << 20
)

var skippedTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"header":   {},
	"footer":   {},
	"nav":      {},
	"svg":      {},
	"img":      {},
	"meta":     {},
	"link":     {},
}

// Fetcher downloads a page and reduces it to readable text. Markup, chrome,
// and scripts are stripped; whitespace collapses to single spaces.
type Fetcher struct {
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(exec *resilience.Executor) *Fetcher {
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		exec:       exec,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	var text string
	err := f.exec.Execute(ctx, "page_fetch", func(ctx context.Context) error {
		var err error
		text, err = f.fetchOnce(ctx, pageURL)
		return err
	}, classifyFetchError)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", &fetchStatusError{URL: pageURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return ExtractText(doc), nil
}

// ExtractText walks the parsed document and joins visible text with single
// spaces.
func ExtractText(doc *html.Node) string {
	var parts []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skippedTags[n.Data]; skip {
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

type fetchStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *fetchStatusError) Error() string {
	return fmt.Sprintf("fetch %s status: %s", e.URL, e.Status)
}

func classifyFetchError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}

	var statusErr *fetchStatusError
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
