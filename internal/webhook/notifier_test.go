package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/urlsafety"
)

var testNow = time.Date(2026, 5, 4, 3, 2, 1, 123_000_000, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type staticSecrets map[string]string

func (s staticSecrets) WebhookSecret(_ context.Context, owner string) (string, error) {
	return s[owner], nil
}

type failingSecrets struct{}

func (failingSecrets) WebhookSecret(context.Context, string) (string, error) {
	return "", errors.New("db unavailable")
}

type recorder struct {
	mu       sync.Mutex
	outcomes []jobs.DeliveryOutcome
	err      error
}

func (r *recorder) UpdateJob(_ context.Context, _ string, patch jobs.JobPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if patch.Delivery != nil {
		r.outcomes = append(r.outcomes, *patch.Delivery)
	}
	return r.err
}

func (r *recorder) all() []jobs.DeliveryOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.DeliveryOutcome(nil), r.outcomes...)
}

type countingTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(req)
}

func loopbackGate() *urlsafety.Gate {
	return urlsafety.New(urlsafety.Policy{
		Schemes:         []string{"http", "https"},
		BlockedHosts:    []string{"internal.test", "*.internal.test"},
		BlockedPrefixes: []netip.Prefix{netip.MustParsePrefix("169.254.0.0/16")},
	})
}

var testJob = jobs.Job{ID: "job-1", OwnerID: "owner-1", Kind: jobs.KindCrawl}

type captured struct {
	body    []byte
	headers http.Header
}

func receiver(t *testing.T, status int) (*httptest.Server, *[]captured, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{body: body, headers: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

func TestSignMatchesIndependentHMAC(t *testing.T) {
	t.Parallel()

	timestamp := "2026-05-04T03:02:01.123Z"
	body := []byte(`{"event":"x","data":{"a":1}}`)

	mac := hmac.New(sha256.New, []byte("s"))
	_, _ = mac.Write([]byte(timestamp + "." + string(body)))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign("s", timestamp, body))
	assert.Equal(t, "none", Sign("", timestamp, body))
}

func TestDeliverSignsExactBody(t *testing.T) {
	t.Parallel()

	srv, got, mu := receiver(t, http.StatusNoContent)
	rec := &recorder{}
	n := New(loopbackGate(), staticSecrets{"owner-1": "s"}, rec, Config{}, fixedClock{}, zap.NewNop())

	payload := map[string]any{"event": "x", "data": map[string]int{"a": 1}}
	outcome, err := n.Deliver(context.Background(), testJob, srv.URL+"/hook", "crawl.completed", payload)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	req := (*got)[0]
	assert.Equal(t, "application/json", req.headers.Get("Content-Type"))
	assert.Equal(t, "crawl.completed", req.headers.Get(HeaderEvent))
	assert.Equal(t, "2026-05-04T03:02:01.123Z", req.headers.Get(HeaderTimestamp))
	assert.JSONEq(t, `{"event":"x","data":{"a":1}}`, string(req.body))

	mac := hmac.New(sha256.New, []byte("s"))
	_, _ = mac.Write([]byte(req.headers.Get(HeaderTimestamp)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(req.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), req.headers.Get(HeaderSignature))

	assert.True(t, outcome.Success)
	assert.Equal(t, http.StatusNoContent, outcome.StatusCode)
	require.NotNil(t, outcome.DeliveredAt)
	assert.Equal(t, []jobs.DeliveryOutcome{outcome}, rec.all())
}

func TestDeliverWithoutSecretSendsNone(t *testing.T) {
	t.Parallel()

	srv, got, mu := receiver(t, http.StatusOK)
	n := New(loopbackGate(), staticSecrets{}, &recorder{}, Config{}, fixedClock{}, zap.NewNop())

	_, err := n.Deliver(context.Background(), testJob, srv.URL, "crawl.completed", map[string]string{"k": "v"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	assert.Equal(t, "none", (*got)[0].headers.Get(HeaderSignature))
}

func TestDeliverNon2xxIsRetryableAndRecordedOnce(t *testing.T) {
	t.Parallel()

	srv, _, _ := receiver(t, http.StatusBadGateway)
	rec := &recorder{}
	n := New(loopbackGate(), staticSecrets{}, rec, Config{}, fixedClock{}, zap.NewNop())

	outcome, err := n.Deliver(context.Background(), testJob, srv.URL, "crawl.failed", map[string]string{})
	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, http.StatusBadGateway, deliveryErr.StatusCode)
	assert.True(t, apperr.IsRetryable(err))

	assert.False(t, outcome.Success)
	assert.Equal(t, http.StatusBadGateway, outcome.StatusCode)
	assert.Len(t, rec.all(), 1)
}

func TestDeliverDoesNotFollowRedirects(t *testing.T) {
	t.Parallel()

	var targetHits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		targetHits.Add(1)
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	n := New(loopbackGate(), staticSecrets{}, &recorder{}, Config{}, fixedClock{}, zap.NewNop())
	outcome, err := n.Deliver(context.Background(), testJob, srv.URL, "crawl.completed", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, http.StatusTemporaryRedirect, outcome.StatusCode)
	assert.Zero(t, targetHits.Load())
}

func TestDisallowedURLNeverFetchedOrRetried(t *testing.T) {
	t.Parallel()

	transport := &countingTransport{next: http.DefaultTransport}
	rec := &recorder{}
	n := New(loopbackGate(), staticSecrets{"owner-1": "s"}, rec, Config{}, fixedClock{}, zap.NewNop(), WithTransport(transport))

	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	outcome, err := Redeliver(context.Background(), n, policy, testJob, "http://169.254.169.254/latest/meta-data", "crawl.completed", map[string]string{})
	require.ErrorIs(t, err, apperr.ErrURLNotAllowed)
	assert.False(t, apperr.IsRetryable(err))

	assert.Zero(t, transport.calls.Load())
	assert.True(t, outcome.Attempted)
	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempt)
	assert.NotEmpty(t, outcome.Error)
	assert.Len(t, rec.all(), 1)
}

func TestRedeliverRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &recorder{}
	n := New(loopbackGate(), staticSecrets{}, rec, Config{}, fixedClock{}, zap.NewNop())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	outcome, err := Redeliver(context.Background(), n, policy, testJob, srv.URL, "crawl.completed", map[string]string{})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 3, outcome.Attempt)

	recorded := rec.all()
	require.Len(t, recorded, 3)
	assert.False(t, recorded[0].Success)
	assert.False(t, recorded[1].Success)
	assert.True(t, recorded[2].Success)
}

func TestRedeliverStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	srv, got, mu := receiver(t, http.StatusInternalServerError)
	n := New(loopbackGate(), staticSecrets{}, &recorder{}, Config{}, fixedClock{}, zap.NewNop())
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	outcome, err := Redeliver(context.Background(), n, policy, testJob, srv.URL, "crawl.failed", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, 2, outcome.Attempt)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *got, 2)
}

func TestRedeliverRetriesTimeouts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(300 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(loopbackGate(), staticSecrets{}, &recorder{}, Config{Timeout: 50 * time.Millisecond}, fixedClock{}, zap.NewNop())
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	outcome, err := Redeliver(context.Background(), n, policy, testJob, srv.URL, "crawl.completed", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, 3, outcome.Attempt)
	assert.Equal(t, int32(3), hits.Load())
}

func TestRedeliverStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	srv, got, mu := receiver(t, http.StatusServiceUnavailable)
	n := New(loopbackGate(), staticSecrets{}, &recorder{}, Config{}, fixedClock{}, zap.NewNop())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Redeliver(ctx, n, policy, testJob, srv.URL, "crawl.completed", map[string]string{})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *got)
}

func TestDeliverSecretLookupFailureIsRetryable(t *testing.T) {
	t.Parallel()

	srv, got, mu := receiver(t, http.StatusOK)
	n := New(loopbackGate(), failingSecrets{}, &recorder{}, Config{}, fixedClock{}, zap.NewNop())

	_, err := n.Deliver(context.Background(), testJob, srv.URL, "crawl.completed", map[string]string{})
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *got)
}

func TestDeliverRecorderFailureDoesNotMaskResult(t *testing.T) {
	t.Parallel()

	srv, _, _ := receiver(t, http.StatusOK)
	n := New(loopbackGate(), staticSecrets{}, &recorder{err: errors.New("write failed")}, Config{}, fixedClock{}, zap.NewNop())

	outcome, err := n.Deliver(context.Background(), testJob, srv.URL, "crawl.completed", map[string]string{})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for attempt, ceiling := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 5: 300 * time.Millisecond} {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, ceiling/2)
		assert.Less(t, d, ceiling)
	}

	assert.True(t, p.ShouldRetry(errors.New("boom"), 1))
	assert.False(t, p.ShouldRetry(errors.New("boom"), 3))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
	assert.True(t, p.ShouldRetry(&net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}, 1))
	assert.False(t, p.ShouldRetry(apperr.Unrecoverable(errors.New("bad")), 1))
	assert.False(t, p.ShouldRetry(nil, 1))
}
