package kinds

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/logging"
	"github.com/JakeFAU/fetchguard/internal/orchestrator"
)

// Crawl limits.
const (
	DefaultCrawlLimit = 10
	MaxCrawlLimit     = 100
	MaxCrawlDepth     = 3
)

// CrawlOptions tunes a crawl job. MaxDepth 0 fetches only the seeds. SameHostOnly defaults to true.
type CrawlOptions struct {
	MaxDepth     int   `json:"maxDepth"`
	Limit        int   `json:"limit"`
	SameHostOnly *bool `json:"sameHostOnly,omitempty"`
}

func (o CrawlOptions) sameHostOnly() bool {
	return o.SameHostOnly == nil || *o.SameHostOnly
}

func (o CrawlOptions) withDefaults() CrawlOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultCrawlLimit
	}
	return o
}

// Crawl is the submission strategy for crawl jobs. Each seed becomes one item.
type Crawl struct{}

// Kind implements orchestrator.Strategy.
func (Crawl) Kind() jobs.Kind { return jobs.KindCrawl }

// QueueName implements orchestrator.Strategy.
func (Crawl) QueueName() string { return string(jobs.KindCrawl) }

// BillingKey implements orchestrator.Strategy.
func (Crawl) BillingKey() string { return string(jobs.KindCrawl) }

// ValidateTargets checks the seeds and option bounds.
func (Crawl) ValidateTargets(req orchestrator.Request[CrawlOptions]) error {
	for _, target := range req.Targets {
		if _, err := normalizeURL(target); err != nil {
			return apperr.Wrap(apperr.CodeInvalidTarget, err, "invalid seed url %q", target)
		}
	}
	opts := req.Options
	if opts.MaxDepth < 0 || opts.MaxDepth > MaxCrawlDepth {
		return apperr.New(apperr.CodeInvalidTarget, "maxDepth must be between 0 and %d", MaxCrawlDepth)
	}
	if opts.Limit < 0 || opts.Limit > MaxCrawlLimit {
		return apperr.New(apperr.CodeInvalidTarget, "limit must be between 0 and %d", MaxCrawlLimit)
	}
	return nil
}

// BuildItems returns the seeds in submission order.
func (Crawl) BuildItems(req orchestrator.Request[CrawlOptions]) []string {
	return append([]string(nil), req.Targets...)
}

// CrawlPage is one fetched page within a crawl item result.
type CrawlPage struct {
	URL        string `json:"url"`
	FinalURL   string `json:"finalUrl,omitempty"`
	Depth      int    `json:"depth"`
	StatusCode int    `json:"statusCode,omitempty"`
	Title      string `json:"title,omitempty"`
	BlobURI    string `json:"blobUri,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CrawlResult is stored as the item result of a crawl seed.
type CrawlResult struct {
	URL   string      `json:"url"`
	Title string      `json:"title,omitempty"`
	Links []string    `json:"links"`
	Pages []CrawlPage `json:"pages"`
}

// CrawlProcessor fetches a seed and walks its links breadth first up to the job's depth and
// page limit. Only a failure on the seed itself fails the item.
type CrawlProcessor struct {
	pages  pageFetcher
	waiter Waiter
	logger *zap.Logger
}

// NewCrawlProcessor builds a CrawlProcessor. waiter may be nil.
func NewCrawlProcessor(fetcher Fetcher, blobs jobs.BlobStore, waiter Waiter, cfg Config, logger *zap.Logger) *CrawlProcessor {
	logger = logging.OrNop(logger).Named("crawl")
	return &CrawlProcessor{
		pages:  newPageFetcher(fetcher, blobs, cfg, logger),
		waiter: waiter,
		logger: logger,
	}
}

// Process crawls from item.Target.
func (p *CrawlProcessor) Process(ctx context.Context, jobID string, item jobs.Item, rawOptions json.RawMessage) (json.RawMessage, error) {
	var opts CrawlOptions
	if len(rawOptions) > 0 {
		if err := json.Unmarshal(rawOptions, &opts); err != nil {
			return nil, apperr.Unrecoverable(fmt.Errorf("decode crawl options: %w", err))
		}
	}
	opts = opts.withDefaults()

	seed, err := p.pages.fetch(ctx, jobID, item.Target, nil, true)
	if err != nil {
		return nil, err
	}
	seedHost := hostOf(seed.FinalURL)
	if seedHost == "" {
		seedHost = hostOf(item.Target)
	}

	result := CrawlResult{
		URL:   item.Target,
		Title: seed.Title,
		Links: p.filterLinks(seed.Links, seedHost, opts),
		Pages: []CrawlPage{{
			URL:        seed.URL,
			FinalURL:   seed.FinalURL,
			StatusCode: seed.StatusCode,
			Title:      seed.Title,
			BlobURI:    seed.BlobURI,
		}},
	}

	seen := map[string]struct{}{}
	if normalized, err := normalizeURL(seed.URL); err == nil {
		seen[normalized] = struct{}{}
	}
	if normalized, err := normalizeURL(seed.FinalURL); err == nil {
		seen[normalized] = struct{}{}
	}

	frontier := result.Links
	for depth := 1; depth <= opts.MaxDepth && len(result.Pages) < opts.Limit && len(frontier) > 0; depth++ {
		var next []string
		for _, link := range frontier {
			if len(result.Pages) >= opts.Limit {
				break
			}
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("crawl %s: %w", item.Target, ctx.Err())
			}

			entry, links := p.visit(ctx, jobID, link, depth)
			result.Pages = append(result.Pages, entry)
			next = append(next, p.filterLinks(links, seedHost, opts)...)
		}
		frontier = next
	}

	p.logger.Debug("crawl finished",
		zap.String("job_id", jobID),
		zap.String("seed", item.Target),
		zap.Int("pages", len(result.Pages)),
	)
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode crawl result: %w", err)
	}
	return data, nil
}

func (p *CrawlProcessor) visit(ctx context.Context, jobID, link string, depth int) (CrawlPage, []string) {
	entry := CrawlPage{URL: link, Depth: depth}
	if p.waiter != nil {
		if err := p.waiter.Wait(ctx, link); err != nil {
			entry.Error = err.Error()
			return entry, nil
		}
	}
	pg, err := p.pages.fetch(ctx, jobID, link, nil, true)
	if err != nil {
		entry.Error = apperr.MessageOf(err)
		return entry, nil
	}
	entry.FinalURL = pg.FinalURL
	entry.StatusCode = pg.StatusCode
	entry.Title = pg.Title
	entry.BlobURI = pg.BlobURI
	return entry, pg.Links
}

func (p *CrawlProcessor) filterLinks(links []string, seedHost string, opts CrawlOptions) []string {
	out := make([]string, 0, len(links))
	for _, link := range links {
		if opts.sameHostOnly() && hostOf(link) != seedHost {
			continue
		}
		out = append(out, link)
		if len(out) >= opts.Limit {
			break
		}
	}
	return out
}
