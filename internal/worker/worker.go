// Package worker executes queued jobs item by item and finalises them.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/logging"
	"github.com/JakeFAU/fetchguard/internal/metrics"
	"github.com/JakeFAU/fetchguard/internal/progress"
	"github.com/JakeFAU/fetchguard/internal/telemetry"
)

const (
	defaultItemConcurrency = 4
	defaultItemMaxAttempts = 2
	defaultRetryBackoff    = 250 * time.Millisecond
	defaultIdleBackoff     = 200 * time.Millisecond
)

// Processor performs the work for one item and returns its JSON result.
type Processor interface {
	Process(ctx context.Context, jobID string, item jobs.Item, options json.RawMessage) (json.RawMessage, error)
}

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// StatusReader renders the job status view sent in webhooks.
type StatusReader interface {
	GetStatus(ctx context.Context, jobID string) (*jobs.StatusView, error)
}

// WebhookSender delivers a job event, retrying as its policy allows.
type WebhookSender interface {
	Send(ctx context.Context, job jobs.Job, webhookURL, event string, payload any) (jobs.DeliveryOutcome, error)
}

// Config controls Worker behaviour.
type Config struct {
	Queues          []string
	ItemConcurrency int
	ItemMaxAttempts int
	RetryBackoff    time.Duration
	IdleBackoff     time.Duration
	Topic           string
	// MaxFailedItems fails a job whose failed items exceed it. Zero disables the budget.
	MaxFailedItems int
}

// Deps groups the worker's collaborators. Limiter, Publisher, Webhooks and Progress are optional.
type Deps struct {
	Source     jobs.TaskSource
	Ledger     jobs.Ledger
	Processors map[jobs.Kind]Processor
	Limiter    Limiter
	Publisher  jobs.Publisher
	Webhooks   WebhookSender
	Status     StatusReader
	Clock      jobs.Clock
	Progress   progress.Emitter
}

// Event is published when a job reaches a terminal state.
type Event struct {
	Event          string      `json:"event"`
	JobID          string      `json:"jobId"`
	OwnerID        string      `json:"ownerId"`
	Kind           jobs.Kind   `json:"kind"`
	Status         jobs.Status `json:"status"`
	TotalUnits     int         `json:"totalUnits"`
	CompletedUnits int         `json:"completedUnits"`
	FailedUnits    int         `json:"failedUnits"`
	Timestamp      string      `json:"timestamp"`
}

// WebhookPayload is the body delivered to job webhooks.
type WebhookPayload struct {
	Event string           `json:"event"`
	JobID string           `json:"jobId"`
	Data  *jobs.StatusView `json:"data"`
}

// Worker consumes tasks and executes their items.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ItemConcurrency <= 0 {
		cfg.ItemConcurrency = defaultItemConcurrency
	}
	if cfg.ItemMaxAttempts <= 0 {
		cfg.ItemMaxAttempts = defaultItemMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = defaultIdleBackoff
	}
	if len(cfg.Queues) == 0 {
		for kind := range deps.Processors {
			cfg.Queues = append(cfg.Queues, string(kind))
		}
	}
	return &Worker{deps: deps, cfg: cfg, logger: logging.OrNop(logger).Named("worker")}
}

// Run blocks, consuming tasks until the context finishes. Webhook deliveries still in flight are
// awaited before it returns.
func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Wait()
	for {
		task, err := w.deps.Source.Dequeue(ctx, w.cfg.Queues...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if !sleep(ctx, w.cfg.IdleBackoff) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", task.JobID), zap.String("queue", task.Queue))
		metrics.IncActiveWorkers()
		w.ProcessTask(ctx, task)
		metrics.DecActiveWorkers()
	}
}

// ProcessTask claims the task's job, runs its pending items and finalises it.
func (w *Worker) ProcessTask(ctx context.Context, task jobs.Task) {
	ctx, span := telemetry.Tracer().Start(ctx, "worker.ProcessTask")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", task.JobID), attribute.String("job.kind", string(task.Payload.Kind)))

	logger := w.logger.With(zap.String("job_id", task.JobID))
	job, ok := w.claim(ctx, task, logger)
	if !ok {
		return
	}
	w.emit(progress.Event{JobID: job.ID, Kind: job.Kind, Stage: progress.StageJobStart})

	processor, found := w.deps.Processors[job.Kind]
	if !found {
		logger.Error("no processor registered", zap.String("kind", string(job.Kind)))
	}

	items, err := w.deps.Ledger.ListItems(ctx, job.ID, jobs.ItemFilter{Status: jobs.ItemPending})
	if err != nil {
		logger.Error("list pending items failed", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ItemConcurrency)
	for _, item := range items {
		if w.cancelled(gctx, job.ID) {
			logger.Info("job cancelled, skipping remaining items")
			break
		}
		g.Go(func() error {
			if !found {
				err := apperr.Unrecoverable(fmt.Errorf("no processor for kind %s", job.Kind))
				w.complete(gctx, job, item, nil, err, 0, 0)
				return nil
			}
			w.processItem(gctx, job, item, processor)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		logger.Warn("worker stopping with job unfinished", zap.Error(ctx.Err()))
		return
	}
	w.finalize(ctx, job.ID, logger)
}

// claim moves the job to running. Jobs already terminal are acknowledged to the queue and skipped.
func (w *Worker) claim(ctx context.Context, task jobs.Task, logger *zap.Logger) (*jobs.Job, bool) {
	if _, err := w.deps.Ledger.TransitionJob(ctx, task.JobID, jobs.StatusRunning, jobs.StatusPending); err != nil {
		if apperr.CodeOf(err) == apperr.CodeJobNotFound {
			logger.Warn("queued job no longer exists")
			w.finishQueue(ctx, task.JobID, true, "job not found", logger)
			return nil, false
		}
		logger.Error("claim job failed", zap.Error(err))
		return nil, false
	}
	job, err := w.deps.Ledger.FindJob(ctx, task.JobID)
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		return nil, false
	}
	if job == nil {
		w.finishQueue(ctx, task.JobID, true, "job not found", logger)
		return nil, false
	}
	if job.Status.Terminal() {
		logger.Info("job already terminal", zap.String("status", string(job.Status)))
		w.finishQueue(ctx, job.ID, job.Status != jobs.StatusCompleted, string(job.Status), logger)
		return nil, false
	}
	return job, true
}

func (w *Worker) processItem(ctx context.Context, job *jobs.Job, item jobs.Item, processor Processor) {
	var lastErr error
	start := time.Now()
	attempt := 1
	for ; attempt <= w.cfg.ItemMaxAttempts; attempt++ {
		if w.deps.Limiter != nil {
			if err := w.deps.Limiter.Wait(ctx, item.Target); err != nil {
				return
			}
		}
		result, err := processor.Process(ctx, job.ID, item, job.Options)
		if err == nil {
			w.complete(ctx, job, item, result, nil, attempt, time.Since(start))
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			return
		}
		if !apperr.IsRetryable(err) || attempt == w.cfg.ItemMaxAttempts {
			break
		}
		w.logger.Debug("retrying item",
			zap.String("job_id", job.ID),
			zap.String("target", item.Target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !sleep(ctx, w.cfg.RetryBackoff*time.Duration(attempt)) {
			return
		}
	}
	w.complete(ctx, job, item, nil, lastErr, attempt, time.Since(start))
}

func (w *Worker) complete(ctx context.Context, job *jobs.Job, item jobs.Item, result json.RawMessage, procErr error, attempts int, dur time.Duration) {
	status, errText := jobs.ItemCompleted, ""
	if procErr != nil {
		status, errText = jobs.ItemFailed, apperr.MessageOf(procErr)
		w.logger.Warn("item failed",
			zap.String("job_id", job.ID),
			zap.String("target", item.Target),
			zap.Error(procErr),
		)
	}
	if _, err := w.deps.Ledger.CompleteItem(ctx, job.ID, item.ID, status, result, errText); err != nil {
		w.logger.Error("record item result failed", zap.String("job_id", job.ID), zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	metrics.ObserveItem(string(job.Kind), string(status))

	stage := progress.StageItemDone
	if procErr != nil {
		stage = progress.StageItemFailed
	}
	w.emit(progress.Event{
		JobID:    job.ID,
		Kind:     job.Kind,
		Stage:    stage,
		Target:   item.Target,
		Host:     progress.HostOf(item.Target),
		Attempts: attempts,
		Dur:      dur,
		Note:     errText,
	})
}

func (w *Worker) emit(evt progress.Event) {
	if w.deps.Progress == nil {
		return
	}
	evt.TS = w.deps.Clock.Now()
	w.deps.Progress.Emit(evt)
}

func (w *Worker) cancelled(ctx context.Context, jobID string) bool {
	job, err := w.deps.Ledger.FindJob(ctx, jobID)
	if err != nil || job == nil {
		return err == nil
	}
	return job.Status == jobs.StatusCancelled
}

// finalize marks the job COMPLETED when any item succeeded within the failure budget and FAILED
// otherwise, then signals the queue, publishes the completion event and delivers the webhook. A
// running job with unrecorded items is left running for the next delivery of its task.
func (w *Worker) finalize(ctx context.Context, jobID string, logger *zap.Logger) {
	job, err := w.deps.Ledger.FindJob(ctx, jobID)
	if err != nil || job == nil {
		logger.Error("reload job failed", zap.Error(err))
		return
	}
	counters := job.Counters()
	if job.Status == jobs.StatusRunning && counters.Total > 0 && !counters.Done() {
		logger.Warn("job has unrecorded items, leaving it running",
			zap.Int("total_units", job.TotalUnits),
			zap.Int("completed_units", job.CompletedUnits),
			zap.Int("failed_units", job.FailedUnits),
		)
		return
	}

	final := w.outcome(counters)
	changed, err := w.deps.Ledger.TransitionJob(ctx, jobID, final, jobs.StatusRunning)
	if err != nil {
		logger.Error("finalize job failed", zap.Error(err))
		return
	}
	if !changed {
		if job, err = w.deps.Ledger.FindJob(ctx, jobID); err != nil || job == nil {
			logger.Error("reload job failed", zap.Error(err))
			return
		}
		final = job.Status
	} else {
		job.Status = final
	}

	reason := ""
	if final != jobs.StatusCompleted {
		reason = fmt.Sprintf("%s: %d of %d items failed", final, job.FailedUnits, job.TotalUnits)
	}
	w.finishQueue(ctx, jobID, final != jobs.StatusCompleted, reason, logger)
	metrics.ObserveJobFinished(string(job.Kind), string(final))
	logger.Info("job finished",
		zap.String("status", string(final)),
		zap.Int("completed_units", job.CompletedUnits),
		zap.Int("failed_units", job.FailedUnits),
	)
	w.emit(progress.Event{JobID: job.ID, Kind: job.Kind, Stage: progress.StageJobDone, Note: string(final)})

	if final == jobs.StatusCancelled {
		return
	}
	event := fmt.Sprintf("%s.%s", job.Kind, final)
	w.publish(ctx, *job, event, logger)
	w.notify(ctx, *job, event, logger)
}

func (w *Worker) outcome(c jobs.Counters) jobs.Status {
	if c.Completed == 0 {
		return jobs.StatusFailed
	}
	if w.cfg.MaxFailedItems > 0 && c.Failed > w.cfg.MaxFailedItems {
		return jobs.StatusFailed
	}
	return jobs.StatusCompleted
}

func (w *Worker) finishQueue(ctx context.Context, jobID string, failed bool, reason string, logger *zap.Logger) {
	if err := w.deps.Source.Finish(ctx, jobID, failed, reason); err != nil {
		logger.Error("queue finish failed", zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, job jobs.Job, event string, logger *zap.Logger) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := Event{
		Event:          event,
		JobID:          job.ID,
		OwnerID:        job.OwnerID,
		Kind:           job.Kind,
		Status:         job.Status,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
		FailedUnits:    job.FailedUnits,
		Timestamp:      w.deps.Clock.Now().UTC().Format(time.RFC3339),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		logger.Error("publish completion event failed", zap.Error(err))
	}
}

// notify delivers the webhook in the background so the worker can take the next task.
func (w *Worker) notify(ctx context.Context, job jobs.Job, event string, logger *zap.Logger) {
	if w.deps.Webhooks == nil || job.WebhookURL == "" {
		return
	}
	view, err := w.deps.Status.GetStatus(ctx, job.ID)
	if err != nil || view == nil {
		logger.Error("build webhook payload failed", zap.Error(err))
		return
	}
	payload := WebhookPayload{Event: event, JobID: job.ID, Data: view}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if _, err := w.deps.Webhooks.Send(ctx, job, job.WebhookURL, event, payload); err != nil {
			logger.Warn("webhook delivery abandoned", zap.String("event", event), zap.Error(err))
		}
	}()
}

// Wait blocks until background webhook deliveries have returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
