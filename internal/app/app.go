// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/api"
	"github.com/JakeFAU/fetchguard/internal/billing"
	"github.com/JakeFAU/fetchguard/internal/clock/system"
	"github.com/JakeFAU/fetchguard/internal/config"
	"github.com/JakeFAU/fetchguard/internal/dispatcher"
	"github.com/JakeFAU/fetchguard/internal/fetcher/guarded"
	"github.com/JakeFAU/fetchguard/internal/id/uuid"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/kinds"
	"github.com/JakeFAU/fetchguard/internal/logging"
	"github.com/JakeFAU/fetchguard/internal/metrics"
	"github.com/JakeFAU/fetchguard/internal/orchestrator"
	"github.com/JakeFAU/fetchguard/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchguard/internal/progress"
	"github.com/JakeFAU/fetchguard/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/fetchguard/internal/publisher/memory"
	"github.com/JakeFAU/fetchguard/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/fetchguard/internal/queue/memory"
	"github.com/JakeFAU/fetchguard/internal/queue/redisq"
	"github.com/JakeFAU/fetchguard/internal/storage/gcs"
	"github.com/JakeFAU/fetchguard/internal/storage/local"
	"github.com/JakeFAU/fetchguard/internal/storage/memory"
	"github.com/JakeFAU/fetchguard/internal/storage/postgres"
	"github.com/JakeFAU/fetchguard/internal/telemetry"
	"github.com/JakeFAU/fetchguard/internal/urlsafety"
	"github.com/JakeFAU/fetchguard/internal/webhook"
	"github.com/JakeFAU/fetchguard/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// ledgerStore is what a ledger backend provides: job persistence plus webhook secrets.
type ledgerStore interface {
	jobs.Ledger
	jobs.SecretStore
}

// Option customises New.
type Option func(*options)

type options struct {
	gateOpts    []urlsafety.Option
	noTelemetry bool
}

// WithGateOptions passes options to the URL safety gate, e.g. a static resolver.
func WithGateOptions(opts ...urlsafety.Option) Option {
	return func(o *options) { o.gateOpts = append(o.gateOpts, opts...) }
}

// WithoutTelemetry skips installing the global tracer provider.
func WithoutTelemetry() Option {
	return func(o *options) { o.noTelemetry = true }
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Gate       *urlsafety.Gate
	Ledger     jobs.Ledger
	Queue      jobs.Queue
	Blobs      jobs.BlobStore
	Publisher  jobs.Publisher
	Billing    jobs.BillingGateway
	Tracker    *orchestrator.Tracker
	Progress   *progress.Hub
	Dispatcher *dispatcher.Dispatcher
	Server     *api.Server

	ready   map[string]api.ReadinessCheck
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New builds every service named by cfg. Partially built services are closed on failure.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		ready:  map[string]api.ReadinessCheck{},
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.logger.Info("initializing application services")
	metrics.Init()

	if !o.noTelemetry {
		tp, tpErr := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if tpErr != nil {
			return nil, fmt.Errorf("init tracer provider: %w", tpErr)
		}
		a.addCloser("tracer provider", func() error { return shutdownTracer(tp) })
	}

	ids := uuid.New()
	clock := system.New()

	gateOpts := append([]urlsafety.Option{
		urlsafety.WithLookupTimeout(time.Duration(cfg.Fetch.DNSTimeoutMs) * time.Millisecond),
	}, o.gateOpts...)
	a.Gate = urlsafety.New(urlsafety.DefaultPolicy(), gateOpts...)

	ledger, err := a.buildLedger(ctx, ids, clock)
	if err != nil {
		return nil, err
	}
	a.Ledger = ledger

	if a.Queue, err = a.buildQueue(); err != nil {
		return nil, err
	}
	if a.Blobs, err = a.buildBlobStore(ctx); err != nil {
		return nil, err
	}
	if a.Publisher, err = a.buildPublisher(ctx); err != nil {
		return nil, err
	}
	a.Billing = a.buildBilling(ids)

	a.Tracker = orchestrator.NewTracker(ledger, cfg.Jobs.HistoryLimitMax, a.logger)
	orchDeps := orchestrator.Deps{
		Gate:    a.Gate,
		Ledger:  ledger,
		Billing: a.Billing,
		Queue:   a.Queue,
		Clock:   clock,
		IDs:     ids,
		Tracker: a.Tracker,
	}
	orchCfg := orchestrator.Config{
		DefaultTimeout: cfg.DefaultJobTimeout(),
		MaxTimeout:     cfg.MaxJobTimeout(),
		MaxTargets:     cfg.Jobs.MaxTargets,
	}

	if a.Progress, err = a.buildProgress(); err != nil {
		return nil, err
	}
	a.Dispatcher = a.buildDispatcher(ledger, clock)
	a.Server = api.NewServer(api.Deps{
		Crawl:   orchestrator.New[kinds.CrawlOptions](kinds.Crawl{}, orchDeps, orchCfg, a.logger),
		Scrape:  orchestrator.New[kinds.ScrapeOptions](kinds.BatchScrape{}, orchDeps, orchCfg, a.logger),
		Tracker: a.Tracker,
		Ready:   a.ready,
	}, cfg, a.logger)

	a.logger.Info("application services initialized",
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("billing", cfg.Billing.Enabled),
	)
	return a, nil
}

func (a *App) buildLedger(ctx context.Context, ids jobs.IDGenerator, clock jobs.Clock) (ledgerStore, error) {
	switch a.cfg.Ledger.Backend {
	case config.BackendPostgres:
		ledger, err := postgres.NewLedger(ctx, postgres.Config{DSN: a.cfg.Ledger.DSN, MaxConns: a.cfg.Ledger.MaxConns}, ids, clock)
		if err != nil {
			return nil, fmt.Errorf("init postgres ledger: %w", err)
		}
		a.addCloser("postgres ledger", func() error { ledger.Close(); return nil })
		if err := ledger.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		a.ready["ledger"] = ledger.Ping
		return ledger, nil
	default:
		return memory.NewLedger(ids, clock), nil
	}
}

func (a *App) buildQueue() (jobs.Queue, error) {
	switch a.cfg.Queue.Backend {
	case config.BackendRedis:
		client, err := redisq.Connect(redisq.Config{
			Address:  a.cfg.Queue.Redis.Addr,
			Password: a.cfg.Queue.Redis.Password,
			DB:       a.cfg.Queue.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis queue: %w", err)
		}
		a.addCloser("redis client", client.Close)
		a.ready["queue"] = func(ctx context.Context) error { return pingRedis(ctx, client) }
		return redisq.New(client, redisq.Options{Prefix: a.cfg.Queue.Redis.Prefix, Retention: a.cfg.QueueRetention()}, a.logger), nil
	default:
		q := queuememory.NewQueue(a.cfg.Queue.Capacity, queuememory.WithRetention(a.cfg.QueueRetention()))
		a.addCloser("memory queue", func() error { q.Close(); return nil })
		return q, nil
	}
}

func (a *App) buildBlobStore(ctx context.Context) (jobs.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.addCloser("gcs client", client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return store, nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	default:
		return memory.NewBlobStore(), nil
	}
}

func (a *App) buildPublisher(ctx context.Context) (jobs.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("pubsub project not set, keeping job events in process")
		return memorypublisher.New(), nil
	}
	pub, err := pubsub.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.addCloser("pubsub publisher", pub.Close)
	return pub, nil
}

// buildProgress streams item progress to the debug log and, when a topic is set, the publisher.
func (a *App) buildProgress() (*progress.Hub, error) {
	hubSinks := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress"))}
	if topic := a.cfg.PubSub.ProgressTopic; topic != "" {
		pubSink, err := sinks.NewPublisherSink(a.Publisher, topic, 500)
		if err != nil {
			return nil, fmt.Errorf("init progress sink: %w", err)
		}
		hubSinks = append(hubSinks, pubSink)
	}
	hub := progress.NewHub(progress.Config{Logger: a.logger}, hubSinks...)
	a.addCloser("progress hub", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hub.Close(ctx)
	})
	return hub, nil
}

func (a *App) buildBilling(ids jobs.IDGenerator) jobs.BillingGateway {
	if !a.cfg.Billing.Enabled {
		return billing.Disabled{}
	}
	return billing.NewLedger(a.cfg.Billing.Prices, a.cfg.Billing.DefaultCredits, ids, a.logger)
}

func (a *App) buildDispatcher(ledger ledgerStore, clock jobs.Clock) *dispatcher.Dispatcher {
	cfg := a.cfg
	fetcher := guarded.New(a.Gate, guarded.Config{
		MaxRedirects: cfg.Fetch.MaxRedirects,
		Timeout:      time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		UserAgent:    cfg.Fetch.UserAgent,
	}, a.logger)
	limiter := ratelimit.New(ratelimit.Config{PerHostRPS: cfg.Fetch.PerHostRPS, PerHostBurst: cfg.Fetch.PerHostBurst})
	kindCfg := kinds.Config{MaxBodyBytes: cfg.Fetch.MaxBodyBytes, BlobPrefix: cfg.Storage.Prefix}
	processors := map[jobs.Kind]worker.Processor{
		jobs.KindCrawl:       kinds.NewCrawlProcessor(fetcher, a.Blobs, limiter, kindCfg, a.logger),
		jobs.KindBatchScrape: kinds.NewScrapeProcessor(fetcher, a.Blobs, kindCfg, a.logger),
	}

	notifier := webhook.New(a.Gate, ledger, ledger, webhook.Config{
		Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
	}, clock, a.logger)
	sender := webhook.NewSender(notifier, webhook.RetryPolicy{
		MaxAttempts: cfg.Webhook.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Webhook.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Webhook.BackoffMaxMs) * time.Millisecond,
	})

	workerCfg := worker.Config{
		ItemConcurrency: cfg.Jobs.ItemConcurrency,
		ItemMaxAttempts: cfg.Jobs.ItemMaxAttempts,
		MaxFailedItems:  cfg.Jobs.MaxFailedItems,
		Topic:           cfg.PubSub.TopicName,
	}
	workers := make([]dispatcher.Runner, 0, cfg.Jobs.Workers)
	for i := 0; i < cfg.Jobs.Workers; i++ {
		workers = append(workers, worker.New(worker.Deps{
			Source:     a.Queue,
			Ledger:     ledger,
			Processors: processors,
			Limiter:    limiter,
			Publisher:  a.Publisher,
			Webhooks:   sender,
			Status:     a.Tracker,
			Clock:      clock,
			Progress:   a.Progress,
		}, workerCfg, a.logger.With(zap.Int("worker_index", i))))
	}
	return dispatcher.New(workers, a.logger)
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Run serves HTTP and runs the workers until ctx is done, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.Dispatcher.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}
	a.logger.Info("shutdown complete")
	return runErr
}

// Close releases services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func pingRedis(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func shutdownTracer(tp *sdktrace.TracerProvider) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
