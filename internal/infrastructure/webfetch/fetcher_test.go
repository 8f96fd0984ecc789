package webfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ally-agent/ally/internal/infrastructure/resilience"
)

func testFetcher() *Fetcher {
	return New(resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts: 2,
		BreakerEnabled:   false,
	}))
}

func TestFetchStripsMarkupAndChrome(t *testing.T) {
	page := `<html><head>
	<script>var x = "ignore me";</script>
	<style>.a { color: red }</style>
	</head><body>
	<header>site chrome</header>
	<nav>menu items</nav>
	<p>First   paragraph
	of body text.</p>
	<p>Second paragraph.</p>
	<footer>copyright line</footer>
	</body></html>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); !strings.Contains(got, "Mozilla") {
			t.Fatalf("user agent not set: %q", got)
		}
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	text, err := testFetcher().Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if text != "First paragraph of body text. Second paragraph." {
		t.Fatalf("extracted text = %q", text)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`<html><body>recovered page body</body></html>`))
	}))
	defer server.Close()

	text, err := testFetcher().Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if text != "recovered page body" {
		t.Fatalf("text = %q", text)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := testFetcher().Fetch(context.Background(), server.URL); err == nil {
		t.Fatal("expected error on 404")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}
