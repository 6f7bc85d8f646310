package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/logging"
)

// History paging defaults.
const (
	DefaultHistoryLimit = 20
	DefaultHistoryMax   = 100
)

// Tracker answers status, history and cancellation queries for every job kind.
type Tracker struct {
	ledger   jobs.Ledger
	maxLimit int
	logger   *zap.Logger
}

// NewTracker builds a Tracker. maxLimit caps history page sizes.
func NewTracker(ledger jobs.Ledger, maxLimit int, logger *zap.Logger) *Tracker {
	if maxLimit <= 0 {
		maxLimit = DefaultHistoryMax
	}
	return &Tracker{
		ledger:   ledger,
		maxLimit: maxLimit,
		logger:   logging.OrNop(logger).Named("tracker"),
	}
}

// GetStatus returns the job's status view, or nil when the job does not exist. Item results are
// read only for completed or failed jobs.
func (t *Tracker) GetStatus(ctx context.Context, jobID string) (*jobs.StatusView, error) {
	job, err := t.ledger.FindJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, nil
	}
	return t.view(ctx, job)
}

// GetOwnedStatus behaves like GetStatus but hides jobs belonging to other owners.
func (t *Tracker) GetOwnedStatus(ctx context.Context, ownerID, jobID string) (*jobs.StatusView, error) {
	job, err := t.ledger.FindJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", jobID, err)
	}
	if job == nil || job.OwnerID != ownerID {
		return nil, nil
	}
	return t.view(ctx, job)
}

func (t *Tracker) view(ctx context.Context, job *jobs.Job) (*jobs.StatusView, error) {
	view := &jobs.StatusView{
		ID:             job.ID,
		Kind:           job.Kind,
		Status:         job.Status,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
		FailedUnits:    job.FailedUnits,
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.Status != jobs.StatusCompleted && job.Status != jobs.StatusFailed {
		return view, nil
	}

	items, err := t.ledger.ListItems(ctx, job.ID, jobs.ItemFilter{})
	if err != nil {
		return nil, fmt.Errorf("list items for %s: %w", job.ID, err)
	}
	view.Data = make([]jobs.ItemResult, len(items))
	for _, item := range items {
		if item.Order < 0 || item.Order >= len(items) {
			return nil, fmt.Errorf("item %s of job %s has order %d outside [0,%d)", item.ID, job.ID, item.Order, len(items))
		}
		view.Data[item.Order] = jobs.ItemResult{
			Target: item.Target,
			Status: item.Status,
			Result: item.Result,
			Error:  item.Error,
		}
	}
	return view, nil
}

// GetHistory lists the owner's jobs newest first. A non-positive limit means the default page size.
func (t *Tracker) GetHistory(ctx context.Context, ownerID string, limit, offset int) ([]jobs.Summary, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > t.maxLimit {
		limit = t.maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	summaries, err := t.ledger.ListJobs(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", ownerID, err)
	}
	return summaries, nil
}

// Cancel moves a pending or running job to cancelled. Credits are not refunded. Cancelling a job
// that is already terminal leaves it untouched and returns its current status.
func (t *Tracker) Cancel(ctx context.Context, jobID string) (*jobs.StatusView, error) {
	changed, err := t.ledger.TransitionJob(ctx, jobID, jobs.StatusCancelled, jobs.StatusPending, jobs.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	view, err := t.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	if changed {
		t.logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("kind", string(view.Kind)))
	}
	return view, nil
}
