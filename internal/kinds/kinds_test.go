package kinds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/fetcher/guarded"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/orchestrator"
	"github.com/JakeFAU/fetchguard/internal/storage/memory"
	"github.com/JakeFAU/fetchguard/internal/urlsafety"
)

func loopbackFetcher() *guarded.Fetcher {
	gate := urlsafety.New(urlsafety.Policy{
		Schemes:         []string{"http", "https"},
		BlockedHosts:    []string{"internal.test"},
		BlockedPrefixes: []netip.Prefix{netip.MustParsePrefix("169.254.0.0/16")},
	})
	return guarded.New(gate, guarded.Config{}, zap.NewNop())
}

func htmlPage(title string, links ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html><head><title>%s</title><meta name="description" content="about %s"></head><body>`, title, title)
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s">link</a>`, l)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func siteServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCrawlValidateTargets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  orchestrator.Request[CrawlOptions]
		ok   bool
	}{
		{name: "valid", req: orchestrator.Request[CrawlOptions]{Targets: []string{"https://example.com"}}, ok: true},
		{name: "relative seed", req: orchestrator.Request[CrawlOptions]{Targets: []string{"/just/a/path"}}},
		{
			name: "depth too large",
			req:  orchestrator.Request[CrawlOptions]{Targets: []string{"https://example.com"}, Options: CrawlOptions{MaxDepth: 9}},
		},
		{
			name: "limit too large",
			req:  orchestrator.Request[CrawlOptions]{Targets: []string{"https://example.com"}, Options: CrawlOptions{Limit: 1000}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Crawl{}.ValidateTargets(tt.req)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperr.ErrInvalidTarget)
		})
	}
}

func TestBatchScrapeRejectsDuplicates(t *testing.T) {
	t.Parallel()

	err := BatchScrape{}.ValidateTargets(orchestrator.Request[ScrapeOptions]{
		Targets: []string{"https://Example.com", "https://example.com:443/#top"},
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTarget)

	err = BatchScrape{}.ValidateTargets(orchestrator.Request[ScrapeOptions]{
		Targets: []string{"https://example.com/a", "https://example.com/b"},
	})
	require.NoError(t, err)
}

func TestBatchScrapeRejectsBadOptions(t *testing.T) {
	t.Parallel()

	err := BatchScrape{}.ValidateTargets(orchestrator.Request[ScrapeOptions]{
		Targets: []string{"https://example.com"},
		Options: ScrapeOptions{Formats: []string{"pdf"}},
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTarget)

	err = BatchScrape{}.ValidateTargets(orchestrator.Request[ScrapeOptions]{
		Targets: []string{"https://example.com"},
		Options: ScrapeOptions{Headers: map[string]string{"host": "evil.example"}},
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTarget)
}

func TestScrapeProcessorRecordsPage(t *testing.T) {
	t.Parallel()

	var gotHeader string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotHeader = r.Header.Get("X-Trace")
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, htmlPage("Prices", "/a", "https://other.example/b"))
	}))
	defer srv.Close()

	blobs := memory.NewBlobStore()
	proc := NewScrapeProcessor(loopbackFetcher(), blobs, Config{BlobPrefix: "bodies"}, zap.NewNop())
	opts, err := json.Marshal(ScrapeOptions{
		Formats: []string{FormatHTML, FormatMetadata, FormatLinks},
		Headers: map[string]string{"X-Trace": "abc"},
	})
	require.NoError(t, err)

	raw, err := proc.Process(context.Background(), "job-1", jobs.Item{Target: srv.URL + "/"}, opts)
	require.NoError(t, err)

	var res ScrapeResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Prices", res.Title)
	assert.Equal(t, "about Prices", res.Description)
	assert.Empty(t, res.FinalURL)
	assert.Equal(t, []string{srv.URL + "/a", "https://other.example/b"}, res.Links)
	require.True(t, strings.HasPrefix(res.BlobURI, "memory://bodies/job-1/"))

	stored, contentType, ok := blobs.Object(strings.TrimPrefix(res.BlobURI, "memory://"))
	require.True(t, ok)
	assert.Equal(t, "text/html", contentType)
	assert.Equal(t, res.Bytes, len(stored))
	assert.Equal(t, "memory://bodies/job-1/"+res.Digest+".html", res.BlobURI)

	mu.Lock()
	assert.Equal(t, "abc", gotHeader)
	mu.Unlock()
}

func TestScrapeProcessorSkipsBlobWithoutHTMLFormat(t *testing.T) {
	t.Parallel()

	srv := siteServer(t, map[string]string{"/": htmlPage("Home")})
	proc := NewScrapeProcessor(loopbackFetcher(), memory.NewBlobStore(), Config{}, zap.NewNop())

	raw, err := proc.Process(context.Background(), "job-1", jobs.Item{Target: srv.URL + "/"}, json.RawMessage(`{"formats":["metadata"]}`))
	require.NoError(t, err)

	var res ScrapeResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Empty(t, res.BlobURI)
	assert.Equal(t, "Home", res.Title)
}

func TestScrapeProcessorStatusFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      int
		retryable bool
	}{
		{code: http.StatusNotFound, retryable: false},
		{code: http.StatusTooManyRequests, retryable: true},
		{code: http.StatusServiceUnavailable, retryable: true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			proc := NewScrapeProcessor(loopbackFetcher(), memory.NewBlobStore(), Config{}, zap.NewNop())
			_, err := proc.Process(context.Background(), "job-1", jobs.Item{Target: srv.URL}, nil)
			require.Error(t, err)
			assert.Equal(t, fmt.Sprintf("http status %d", tt.code), err.Error())
			assert.Equal(t, tt.retryable, apperr.IsRetryable(err))
		})
	}
}

func TestScrapeProcessorBlockedRedirectIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	proc := NewScrapeProcessor(loopbackFetcher(), memory.NewBlobStore(), Config{}, zap.NewNop())
	_, err := proc.Process(context.Background(), "job-1", jobs.Item{Target: srv.URL}, nil)
	require.ErrorIs(t, err, apperr.ErrURLNotAllowed)
	assert.False(t, apperr.IsRetryable(err))
}

func TestScrapeProcessorTruncatesLargeBodies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	proc := NewScrapeProcessor(loopbackFetcher(), memory.NewBlobStore(), Config{MaxBodyBytes: 16}, zap.NewNop())
	raw, err := proc.Process(context.Background(), "job-1", jobs.Item{Target: srv.URL}, nil)
	require.NoError(t, err)

	var res ScrapeResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 16, res.Bytes)
	assert.True(t, res.Truncated)
}

type countingWaiter struct {
	mu   sync.Mutex
	urls []string
}

func (w *countingWaiter) Wait(_ context.Context, rawURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, rawURL)
	return nil
}

func TestCrawlProcessorWalksSameHostLinks(t *testing.T) {
	t.Parallel()

	srv := siteServer(t, map[string]string{
		"/":      htmlPage("Home", "/a", "/b#frag", "https://elsewhere.example/x", "mailto:team@example.com"),
		"/a":     htmlPage("A", "/deep", "/"),
		"/b":     htmlPage("B"),
		"/deep":  htmlPage("Deep"),
		"/never": htmlPage("Never"),
	})
	waiter := &countingWaiter{}
	proc := NewCrawlProcessor(loopbackFetcher(), memory.NewBlobStore(), waiter, Config{}, zap.NewNop())

	opts := json.RawMessage(`{"maxDepth":1,"limit":10}`)
	raw, err := proc.Process(context.Background(), "job-1", jobs.Item{Target: srv.URL + "/"}, opts)
	require.NoError(t, err)

	var res CrawlResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "Home", res.Title)
	assert.Equal(t, []string{srv.URL + "/a", srv.URL + "/b"}, res.Links)
	require.Len(t, res.Pages, 3)
	assert.Equal(t, 0, res.Pages[0].Depth)
	assert.Equal(t, "A", res.Pages[1].Title)
	assert.Equal(t, 1, res.Pages[1].Depth)
	assert.Equal(t, "B", res.Pages[2].Title)
	assert.NotEmpty(t, res.Pages[1].BlobURI)
	assert.Len(t, waiter.urls, 2)
}

func TestCrawlProcessorHonoursLimitAndDepthZero(t *testing.T) {
	t.Parallel()

	srv := siteServer(t, map[string]string{
		"/":  htmlPage("Home", "/a", "/b", "/c"),
		"/a": htmlPage("A"),
		"/b": htmlPage("B"),
		"/c": htmlPage("C"),
	})
	proc := NewCrawlProcessor(loopbackFetcher(), memory.NewBlobStore(), nil, Config{}, zap.NewNop())

	raw, err := proc.Process(context.Background(), "job-1", jobs.Item{Target: srv.URL + "/"}, json.RawMessage(`{"maxDepth":0}`))
	require.NoError(t, err)
	var shallow CrawlResult
	require.NoError(t, json.Unmarshal(raw, &shallow))
	assert.Len(t, shallow.Pages, 1)
	assert.Len(t, shallow.Links, 3)

	raw, err = proc.Process(context.Background(), "job-2", jobs.Item{Target: srv.URL + "/"}, json.RawMessage(`{"maxDepth":2,"limit":2}`))
	require.NoError(t, err)
	var limited CrawlResult
	require.NoError(t, json.Unmarshal(raw, &limited))
	assert.Len(t, limited.Pages, 2)
	assert.Len(t, limited.Links, 2)
}

func TestCrawlProcessorRecordsSubpageFailures(t *testing.T) {
	t.Parallel()

	srv := siteServer(t, map[string]string{"/": htmlPage("Home", "/missing")})
	proc := NewCrawlProcessor(loopbackFetcher(), memory.NewBlobStore(), nil, Config{}, zap.NewNop())

	raw, err := proc.Process(context.Background(), "job-1", jobs.Item{Target: srv.URL + "/"}, json.RawMessage(`{"maxDepth":1}`))
	require.NoError(t, err)

	var res CrawlResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Pages, 2)
	assert.Equal(t, "http status 404", res.Pages[1].Error)
}

func TestCrawlProcessorSeedFailureFailsItem(t *testing.T) {
	t.Parallel()

	srv := siteServer(t, map[string]string{})
	proc := NewCrawlProcessor(loopbackFetcher(), memory.NewBlobStore(), nil, Config{}, zap.NewNop())

	_, err := proc.Process(context.Background(), "job-1", jobs.Item{Target: srv.URL + "/"}, nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}
