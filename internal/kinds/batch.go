package kinds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/logging"
	"github.com/JakeFAU/fetchguard/internal/orchestrator"
)

// Scrape output formats.
const (
	FormatHTML     = "html"
	FormatMetadata = "metadata"
	FormatLinks    = "links"
)

var (
	defaultFormats   = []string{FormatHTML, FormatMetadata}
	supportedFormats = []string{FormatHTML, FormatMetadata, FormatLinks}
	// Headers a caller may not override on outbound scrapes.
	forbiddenHeaders = []string{"Host", "Content-Length", "Connection", "Transfer-Encoding", "Upgrade"}
)

// ScrapeOptions tunes a batch scrape job.
type ScrapeOptions struct {
	Formats []string          `json:"formats,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (o ScrapeOptions) wants(format string) bool {
	formats := o.Formats
	if len(formats) == 0 {
		formats = defaultFormats
	}
	return slices.Contains(formats, format)
}

// BatchScrape is the submission strategy for batch scrape jobs. Each URL becomes one item.
type BatchScrape struct{}

// Kind implements orchestrator.Strategy.
func (BatchScrape) Kind() jobs.Kind { return jobs.KindBatchScrape }

// QueueName implements orchestrator.Strategy.
func (BatchScrape) QueueName() string { return string(jobs.KindBatchScrape) }

// BillingKey implements orchestrator.Strategy.
func (BatchScrape) BillingKey() string { return string(jobs.KindBatchScrape) }

// ValidateTargets rejects malformed or duplicate URLs and unsupported options.
func (BatchScrape) ValidateTargets(req orchestrator.Request[ScrapeOptions]) error {
	seen := make(map[string]int, len(req.Targets))
	for i, target := range req.Targets {
		normalized, err := normalizeURL(target)
		if err != nil {
			return apperr.Wrap(apperr.CodeInvalidTarget, err, "invalid url %q", target)
		}
		if first, dup := seen[normalized]; dup {
			return apperr.New(apperr.CodeInvalidTarget, "url %q at position %d duplicates position %d", target, i, first)
		}
		seen[normalized] = i
	}
	for _, format := range req.Options.Formats {
		if !slices.Contains(supportedFormats, format) {
			return apperr.New(apperr.CodeInvalidTarget, "unsupported format %q", format)
		}
	}
	for name := range req.Options.Headers {
		canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
		if canonical == "" || slices.Contains(forbiddenHeaders, canonical) {
			return apperr.New(apperr.CodeInvalidTarget, "header %q cannot be set", name)
		}
	}
	return nil
}

// BuildItems returns the URLs in submission order.
func (BatchScrape) BuildItems(req orchestrator.Request[ScrapeOptions]) []string {
	return append([]string(nil), req.Targets...)
}

// ScrapeResult is stored as the item result of a scraped URL.
type ScrapeResult struct {
	URL         string   `json:"url"`
	FinalURL    string   `json:"finalUrl,omitempty"`
	StatusCode  int      `json:"statusCode"`
	ContentType string   `json:"contentType,omitempty"`
	Bytes       int      `json:"bytes"`
	Truncated   bool     `json:"truncated,omitempty"`
	Digest      string   `json:"sha256,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	BlobURI     string   `json:"blobUri,omitempty"`
	Links       []string `json:"links,omitempty"`
}

// ScrapeProcessor fetches one URL per item.
type ScrapeProcessor struct {
	pages  pageFetcher
	logger *zap.Logger
}

// NewScrapeProcessor builds a ScrapeProcessor.
func NewScrapeProcessor(fetcher Fetcher, blobs jobs.BlobStore, cfg Config, logger *zap.Logger) *ScrapeProcessor {
	logger = logging.OrNop(logger).Named("batch_scrape")
	return &ScrapeProcessor{
		pages:  newPageFetcher(fetcher, blobs, cfg, logger),
		logger: logger,
	}
}

// Process scrapes item.Target.
func (p *ScrapeProcessor) Process(ctx context.Context, jobID string, item jobs.Item, rawOptions json.RawMessage) (json.RawMessage, error) {
	var opts ScrapeOptions
	if len(rawOptions) > 0 {
		if err := json.Unmarshal(rawOptions, &opts); err != nil {
			return nil, apperr.Unrecoverable(fmt.Errorf("decode scrape options: %w", err))
		}
	}

	pg, err := p.pages.fetch(ctx, jobID, item.Target, headerFrom(opts.Headers), opts.wants(FormatHTML))
	if err != nil {
		return nil, err
	}

	result := ScrapeResult{
		URL:         item.Target,
		StatusCode:  pg.StatusCode,
		ContentType: pg.ContentType,
		Bytes:       pg.Bytes,
		Truncated:   pg.Truncated,
		Digest:      pg.Digest,
		BlobURI:     pg.BlobURI,
	}
	if pg.FinalURL != item.Target {
		result.FinalURL = pg.FinalURL
	}
	if opts.wants(FormatMetadata) {
		result.Title = pg.Title
		result.Description = pg.Description
	}
	if opts.wants(FormatLinks) {
		result.Links = pg.Links
	}
	p.logger.Debug("scraped url",
		zap.String("job_id", jobID),
		zap.String("url", item.Target),
		zap.Int("status_code", pg.StatusCode),
		zap.Int("bytes", pg.Bytes),
	)

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode scrape result: %w", err)
	}
	return data, nil
}
