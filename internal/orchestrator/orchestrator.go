// Package orchestrator owns the create, charge, enqueue and wait lifecycle shared by every
// billable URL-driven job kind.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/logging"
	"github.com/JakeFAU/fetchguard/internal/metrics"
	"github.com/JakeFAU/fetchguard/internal/telemetry"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxTimeout = 10 * time.Minute
	DefaultMaxTargets = 100
)

// Strategy supplies the kind-specific parts of job creation.
type Strategy[T any] interface {
	Kind() jobs.Kind
	QueueName() string
	BillingKey() string
	ValidateTargets(req Request[T]) error
	// BuildItems returns one target per item, in item order.
	BuildItems(req Request[T]) []string
}

// Request is a caller's job submission. Sync defaults to true when nil.
type Request[T any] struct {
	Owner          string
	Targets        []string
	WebhookURL     string
	Sync           *bool
	Timeout        time.Duration
	IdempotencyKey string
	Options        T
}

// IsSync reports whether the caller wants to block until the job finishes.
func (r Request[T]) IsSync() bool {
	return r.Sync == nil || *r.Sync
}

// StartResult is returned by Start. Status is populated for synchronous requests; the summary
// fields are always set.
type StartResult struct {
	ID         string           `json:"id"`
	Status     jobs.Status      `json:"status"`
	TotalUnits int              `json:"totalUnits"`
	View       *jobs.StatusView `json:"-"`
}

// Gate validates caller-supplied URLs.
type Gate interface {
	Check(ctx context.Context, rawURL string) error
}

// StatusReader reads back an aggregated job status.
type StatusReader interface {
	GetStatus(ctx context.Context, jobID string) (*jobs.StatusView, error)
}

// Deps groups the collaborators used by Start.
type Deps struct {
	Gate    Gate
	Ledger  jobs.Ledger
	Billing jobs.BillingGateway
	Queue   jobs.WorkQueue
	Clock   jobs.Clock
	IDs     jobs.IDGenerator
	Tracker StatusReader
}

// Config bounds job submissions.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxTargets     int
}

// Orchestrator runs the shared job lifecycle for one kind.
type Orchestrator[T any] struct {
	strategy Strategy[T]
	deps     Deps
	cfg      Config
	logger   *zap.Logger
}

// New wires an Orchestrator for strategy.
func New[T any](strategy Strategy[T], deps Deps, cfg Config, logger *zap.Logger) *Orchestrator[T] {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.MaxTargets <= 0 {
		cfg.MaxTargets = DefaultMaxTargets
	}
	return &Orchestrator[T]{
		strategy: strategy,
		deps:     deps,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("orchestrator").With(zap.String("kind", string(strategy.Kind()))),
	}
}

// Kind returns the job kind this orchestrator creates.
func (o *Orchestrator[T]) Kind() jobs.Kind {
	return o.strategy.Kind()
}

// Start validates the request, persists and charges the job, enqueues it, and either returns
// immediately or waits for it to finish. Failures after the job row exists are compensated before
// the original error is returned.
func (o *Orchestrator[T]) Start(ctx context.Context, req Request[T]) (result StartResult, err error) {
	kind := o.strategy.Kind()
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.Start")
	span.SetAttributes(
		attribute.String("job.kind", string(kind)),
		attribute.Int("job.targets", len(req.Targets)),
		attribute.Bool("job.sync", req.IsSync()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := o.validate(ctx, req); err != nil {
		return StartResult{}, err
	}
	targets := o.strategy.BuildItems(req)

	options, err := json.Marshal(req.Options)
	if err != nil {
		return StartResult{}, apperr.Wrap(apperr.CodeInvalidTarget, err, "options are not serialisable")
	}
	jobID, err := o.jobID(req)
	if err != nil {
		return StartResult{}, err
	}

	job, err := o.deps.Ledger.CreateJob(ctx, jobs.NewJob{
		ID:         jobID,
		OwnerID:    req.Owner,
		Kind:       kind,
		TotalUnits: len(targets),
		Options:    options,
		WebhookURL: req.WebhookURL,
		CreatedAt:  o.deps.Clock.Now(),
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("create job: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	if err := o.persistChargeEnqueue(ctx, req, job, targets, options); err != nil {
		return StartResult{}, err
	}

	metrics.ObserveJobStarted(string(kind))
	o.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("owner_id", req.Owner),
		zap.Int("total_units", len(targets)),
		zap.Bool("sync", req.IsSync()),
	)

	result = StartResult{ID: job.ID, Status: jobs.StatusPending, TotalUnits: len(targets)}
	if !req.IsSync() {
		return result, nil
	}

	view, err := o.wait(ctx, job.ID, req.Timeout)
	if err != nil {
		return StartResult{}, err
	}
	result.Status = view.Status
	result.View = view
	return result, nil
}

func (o *Orchestrator[T]) validate(ctx context.Context, req Request[T]) error {
	if strings.TrimSpace(req.Owner) == "" {
		return apperr.New(apperr.CodeInvalidTarget, "owner is required")
	}
	if len(req.Targets) == 0 {
		return apperr.New(apperr.CodeInvalidTarget, "at least one target is required")
	}
	if len(req.Targets) > o.cfg.MaxTargets {
		return apperr.New(apperr.CodeInvalidTarget, "%d targets exceed the limit of %d", len(req.Targets), o.cfg.MaxTargets)
	}
	if err := o.strategy.ValidateTargets(req); err != nil {
		return err
	}
	for _, target := range req.Targets {
		if err := o.deps.Gate.Check(ctx, target); err != nil {
			metrics.ObserveBlockedURL("submit")
			return err
		}
	}
	if req.WebhookURL != "" {
		if err := o.deps.Gate.Check(ctx, req.WebhookURL); err != nil {
			metrics.ObserveBlockedURL("submit")
			return err
		}
	}
	return nil
}

func (o *Orchestrator[T]) jobID(req Request[T]) (string, error) {
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		return o.deps.IDs.KeyedID(req.Owner + "/" + string(o.strategy.Kind()) + "/" + key), nil
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id, nil
}

// persistChargeEnqueue runs the steps after the job row exists. Any failure rolls back everything
// registered so far.
func (o *Orchestrator[T]) persistChargeEnqueue(ctx context.Context, req Request[T], job jobs.Job, targets []string, options json.RawMessage) (err error) {
	var rb rollback
	rb.add("delete job", func(ctx context.Context) error {
		return o.deps.Ledger.DeleteJob(ctx, job.ID)
	})
	defer func() {
		if err != nil {
			metrics.ObserveRollback(string(job.Kind))
			o.logger.Warn("rolling back job creation", zap.String("job_id", job.ID), zap.Error(err))
			rb.run(ctx, o.logger, err)
		}
	}()

	if err := o.deps.Ledger.CreateItems(ctx, job.ID, targets); err != nil {
		return fmt.Errorf("create items: %w", err)
	}

	receipt, err := o.deps.Billing.Deduct(ctx, jobs.DeductRequest{
		Owner:       req.Owner,
		BillingKey:  o.strategy.BillingKey(),
		ReferenceID: job.ID,
	})
	if err != nil {
		return fmt.Errorf("deduct credits: %w", err)
	}
	if receipt != nil {
		breakdown := append([]jobs.BillingEntry(nil), receipt.Breakdown...)
		rb.add("refund", func(ctx context.Context) error {
			return o.deps.Billing.Refund(ctx, jobs.RefundRequest{
				Owner:       req.Owner,
				BillingKey:  o.strategy.BillingKey(),
				ReferenceID: job.ID,
				Breakdown:   breakdown,
			})
		})
		billing := receipt.ToBilling()
		if err := o.deps.Ledger.UpdateJob(ctx, job.ID, jobs.JobPatch{Billing: &billing}); err != nil {
			return fmt.Errorf("record billing: %w", err)
		}
	}

	payload := jobs.Payload{JobID: job.ID, OwnerID: req.Owner, Kind: job.Kind, Options: options}
	if err := o.deps.Queue.Enqueue(ctx, o.strategy.QueueName(), payload, job.ID); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (o *Orchestrator[T]) wait(ctx context.Context, jobID string, requested time.Duration) (*jobs.StatusView, error) {
	handle, err := o.deps.Queue.Handle(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrHandleNotFound) {
			return nil, apperr.Wrap(apperr.CodeJobNotFound, err, "queue has no record of job %s", jobID)
		}
		return nil, fmt.Errorf("resolve queue handle: %w", err)
	}

	timeout := o.timeout(requested)
	if err := o.deps.Queue.WaitUntilFinished(ctx, handle, timeout); err != nil {
		switch {
		case errors.Is(err, jobs.ErrWaitTimeout):
			return nil, apperr.Wrap(apperr.CodeJobTimeout, err, "job %s did not finish within %s", jobID, timeout)
		case errors.Is(err, jobs.ErrTaskFailed):
			return nil, apperr.Wrap(apperr.CodeJobFailed, err, "job %s failed", jobID)
		default:
			return nil, fmt.Errorf("wait for job %s: %w", jobID, err)
		}
	}

	view, err := o.deps.Tracker.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	switch view.Status {
	case jobs.StatusFailed:
		return nil, apperr.New(apperr.CodeJobFailed, "job %s failed: %d of %d items failed", jobID, view.FailedUnits, view.TotalUnits)
	case jobs.StatusCancelled:
		return nil, apperr.New(apperr.CodeJobFailed, "job %s was cancelled", jobID)
	}
	return view, nil
}

func (o *Orchestrator[T]) timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return o.cfg.DefaultTimeout
	}
	if requested > o.cfg.MaxTimeout {
		return o.cfg.MaxTimeout
	}
	return requested
}
