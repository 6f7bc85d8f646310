// Package kinds holds the job kinds served by fetchguard: their submission strategies and the
// processors workers run for each item.
package kinds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/fetcher/guarded"
	"github.com/JakeFAU/fetchguard/internal/hash/sha256"
	"github.com/JakeFAU/fetchguard/internal/jobs"
)

const defaultMaxBodyBytes = 5 << 20

// Fetcher performs gated outbound requests.
type Fetcher interface {
	Fetch(ctx context.Context, req guarded.Request) (*guarded.Response, error)
}

// Waiter throttles requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config is shared by every processor.
type Config struct {
	MaxBodyBytes int64
	BlobPrefix   string
}

// StatusError reports a non-2xx response for an item.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// page is everything a processor learns from fetching one URL.
type page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Bytes       int
	Truncated   bool
	Digest      string
	Title       string
	Description string
	BlobURI     string
	Links       []string
}

// pageFetcher fetches a URL, optionally stores the body, and parses HTML metadata.
type pageFetcher struct {
	fetcher Fetcher
	blobs   jobs.BlobStore
	cfg     Config
	logger  *zap.Logger
}

func newPageFetcher(fetcher Fetcher, blobs jobs.BlobStore, cfg Config, logger *zap.Logger) pageFetcher {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	cfg.BlobPrefix = strings.Trim(cfg.BlobPrefix, "/")
	return pageFetcher{fetcher: fetcher, blobs: blobs, cfg: cfg, logger: logger}
}

func (p pageFetcher) fetch(ctx context.Context, jobID, target string, header http.Header, store bool) (*page, error) {
	resp, err := p.fetcher.Fetch(ctx, guarded.Request{URL: target, Header: header})
	if err != nil {
		return nil, classifyFetchError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", target, err)
	}
	truncated := int64(len(body)) > p.cfg.MaxBodyBytes
	if truncated {
		body = body[:p.cfg.MaxBodyBytes]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode)
	}

	pg := &page{
		URL:         target,
		FinalURL:    resp.FinalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Bytes:       len(body),
		Truncated:   truncated,
		Digest:      sha256.Digest(body),
	}

	if store {
		uri, err := p.blobs.PutObject(ctx, p.blobPath(jobID, pg.Digest), contentTypeOr(pg.ContentType), body)
		if err != nil {
			return nil, fmt.Errorf("store body of %s: %w", target, err)
		}
		pg.BlobURI = uri
	}

	if isHTML(pg.ContentType) {
		if err := pg.parseHTML(body); err != nil {
			p.logger.Debug("html parse failed", zap.String("url", target), zap.Error(err))
		}
	}
	return pg, nil
}

func (p pageFetcher) blobPath(jobID, name string) string {
	if p.cfg.BlobPrefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, name)
	}
	return fmt.Sprintf("%s/%s/%s.html", p.cfg.BlobPrefix, jobID, name)
}

func (pg *page) parseHTML(body []byte) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	pg.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if pg.Title == "" {
		if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok {
			pg.Title = strings.TrimSpace(og)
		}
	}
	if desc, ok := doc.Find("meta[name='description']").Attr("content"); ok {
		pg.Description = strings.TrimSpace(desc)
	}

	base, err := url.Parse(pg.FinalURL)
	if err != nil || pg.FinalURL == "" {
		base, _ = url.Parse(pg.URL)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && base != nil {
		if ref, err := url.Parse(href); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := resolveLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		pg.Links = append(pg.Links, link)
	})
	return nil
}

func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if base == nil || href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	normalized, err := normalizeURL(abs.String())
	if err != nil {
		return "", false
	}
	return normalized, true
}

// classifyFetchError marks gate rejections and exhausted redirect budgets as permanent.
func classifyFetchError(err error) error {
	switch {
	case errors.Is(err, apperr.ErrURLNotAllowed), errors.Is(err, apperr.ErrTooManyRedirects):
		return apperr.Unrecoverable(err)
	default:
		return err
	}
}

// classifyStatus treats client errors as permanent except for timeouts and throttling.
func classifyStatus(code int) error {
	err := &StatusError{StatusCode: code}
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return apperr.Unrecoverable(err)
	}
	return err
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func contentTypeOr(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

func headerFrom(values map[string]string) http.Header {
	if len(values) == 0 {
		return nil
	}
	h := make(http.Header, len(values))
	for k, v := range values {
		h.Set(k, v)
	}
	return h
}
