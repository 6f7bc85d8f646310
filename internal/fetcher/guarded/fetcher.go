// Package guarded performs outbound HTTP requests whose every hop has passed the URL safety gate.
package guarded

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/logging"
	"github.com/JakeFAU/fetchguard/internal/metrics"
)

const (
	defaultMaxRedirects = 3
	defaultTimeout      = 15 * time.Second
	defaultUserAgent    = "fetchguard/1.0"
	drainLimit          = 64 << 10
)

// Gate is the subset of urlsafety.Gate used by the fetcher.
type Gate interface {
	Check(ctx context.Context, rawURL string) error
	DialControl(network, address string, c syscall.RawConn) error
}

// Config tunes the fetcher.
type Config struct {
	MaxRedirects int
	Timeout      time.Duration
	UserAgent    string
}

// Request describes one logical fetch. MaxRedirects of zero uses the configured default; a negative
// value allows no redirects at all.
type Request struct {
	Method       string
	URL          string
	Header       http.Header
	Body         []byte
	MaxRedirects int
}

// Response wraps the final hop's response together with the URL that produced it.
type Response struct {
	*http.Response
	FinalURL  string
	Redirects int
}

// Fetcher issues requests with redirect following disabled and re-validates every Location itself.
type Fetcher struct {
	gate      Gate
	client    *http.Client
	cfg       Config
	logger    *zap.Logger
	userAgent string
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithTransport replaces the dialing transport. The gate is still applied to each hop's URL.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.client.Transport = rt
		}
	}
}

// New builds a Fetcher whose dialer refuses blocked addresses at connect time.
func New(gate Gate, cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}

	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
		Control:   gate.DialControl,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	f := &Fetcher{
		gate: gate,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("guarded_fetcher"),
		userAgent: ua,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch validates req.URL, issues the request and follows redirects manually, validating each
// target before connecting. The caller owns the returned body.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	budget := req.MaxRedirects
	switch {
	case budget == 0:
		budget = f.cfg.MaxRedirects
	case budget < 0:
		budget = 0
	}

	current := req.URL
	body := req.Body
	header := req.Header.Clone()
	stage := "initial"
	hops := 0

	for {
		if err := f.gate.Check(ctx, current); err != nil {
			metrics.ObserveBlockedURL(stage)
			f.logger.Warn("blocked outbound url", zap.String("url", current), zap.String("stage", stage), zap.Error(err))
			return nil, err
		}

		resp, err := f.do(ctx, method, current, header, body)
		if err != nil {
			return nil, err
		}

		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return &Response{Response: resp, FinalURL: current, Redirects: hops}, nil
		}
		drainAndClose(resp.Body)

		if hops >= budget {
			return nil, apperr.New(apperr.CodeTooManyRedirects, "stopped after %d redirects", hops)
		}

		next, err := resolveLocation(current, location)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeURLNotAllowed, err, "redirect location %q is not a valid url", location)
		}
		if !sameHost(current, next) {
			header.Del("Authorization")
			header.Del("Cookie")
		}
		method, body = redirectMethod(resp.StatusCode, method, body)

		f.logger.Debug("following redirect",
			zap.String("from", current),
			zap.String("to", next),
			zap.Int("status_code", resp.StatusCode),
		)
		metrics.ObserveRedirect()
		hops++
		current = next
		stage = "redirect"
	}
}

func (f *Fetcher) do(ctx context.Context, method, target string, header http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	return resp, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// redirectMethod mirrors net/http: 303 always becomes GET, 301/302 become GET for anything other
// than GET or HEAD, 307/308 replay the original method and body.
func redirectMethod(code int, method string, body []byte) (string, []byte) {
	switch code {
	case http.StatusSeeOther:
		if method == http.MethodHead {
			return method, nil
		}
		return http.MethodGet, nil
	case http.StatusMovedPermanently, http.StatusFound:
		if method != http.MethodGet && method != http.MethodHead {
			return http.MethodGet, nil
		}
		return method, nil
	default:
		return method, body
	}
}

func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parse current url: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse location: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	_ = body.Close()
}
