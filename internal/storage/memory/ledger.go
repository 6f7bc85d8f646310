// Package memory provides in-process storage for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
)

// Ledger implements jobs.Ledger and jobs.SecretStore with mutex-guarded maps.
type Ledger struct {
	mu      sync.RWMutex
	jobs    map[string]jobs.Job
	items   map[string][]jobs.Item
	secrets map[string]string
	ids     jobs.IDGenerator
	clock   jobs.Clock
}

// NewLedger constructs a Ledger. ids supplies item ids; clock stamps transitions.
func NewLedger(ids jobs.IDGenerator, clock jobs.Clock) *Ledger {
	return &Ledger{
		jobs:    make(map[string]jobs.Job),
		items:   make(map[string][]jobs.Item),
		secrets: make(map[string]string),
		ids:     ids,
		clock:   clock,
	}
}

// CreateJob stores a new pending job.
func (l *Ledger) CreateJob(_ context.Context, in jobs.NewJob) (jobs.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.jobs[in.ID]; exists {
		return jobs.Job{}, apperr.New(apperr.CodeDuplicateJob, "job %s already exists", in.ID)
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = l.clock.Now()
	}
	job := jobs.Job{
		ID:         in.ID,
		OwnerID:    in.OwnerID,
		Kind:       in.Kind,
		Status:     jobs.StatusPending,
		TotalUnits: in.TotalUnits,
		CreatedAt:  created,
		Options:    cloneRaw(in.Options),
		WebhookURL: in.WebhookURL,
	}
	l.jobs[in.ID] = job
	return job, nil
}

// CreateItems appends one pending item per target, ordered by index.
func (l *Ledger) CreateItems(_ context.Context, jobID string, targets []string) error {
	items := make([]jobs.Item, 0, len(targets))
	for i, target := range targets {
		id, err := l.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate item id: %w", err)
		}
		items = append(items, jobs.Item{ID: id, JobID: jobID, Order: i, Target: target, Status: jobs.ItemPending})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.jobs[jobID]; !ok {
		return apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	if len(l.items[jobID]) > 0 {
		return fmt.Errorf("job %s already has items", jobID)
	}
	l.items[jobID] = items
	return nil
}

// UpdateJob applies the non-nil fields of patch.
func (l *Ledger) UpdateJob(_ context.Context, jobID string, patch jobs.JobPatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	if patch.Billing != nil {
		job.Billing = *patch.Billing
		job.Billing.Breakdown = append([]jobs.BillingEntry(nil), patch.Billing.Breakdown...)
	}
	if patch.Delivery != nil {
		job.Delivery = *patch.Delivery
	}
	l.jobs[jobID] = job
	return nil
}

// DeleteJob removes the job and its items.
func (l *Ledger) DeleteJob(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.jobs, jobID)
	delete(l.items, jobID)
	return nil
}

// FindJob returns a copy of the job or nil when absent.
func (l *Ledger) FindJob(_ context.Context, jobID string) (*jobs.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return nil, nil
	}
	job.Options = cloneRaw(job.Options)
	job.Billing.Breakdown = append([]jobs.BillingEntry(nil), job.Billing.Breakdown...)
	return &job, nil
}

// ListItems returns the job's items in order, optionally filtered by status.
func (l *Ledger) ListItems(_ context.Context, jobID string, filter jobs.ItemFilter) ([]jobs.Item, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]jobs.Item, 0, len(l.items[jobID]))
	for _, item := range l.items[jobID] {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		item.Result = cloneRaw(item.Result)
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// ListJobs returns the owner's job summaries newest first.
func (l *Ledger) ListJobs(_ context.Context, ownerID string, limit, offset int) ([]jobs.Summary, error) {
	l.mu.RLock()
	owned := make([]jobs.Job, 0)
	for _, job := range l.jobs {
		if job.OwnerID == ownerID {
			owned = append(owned, job)
		}
	}
	l.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})
	if offset >= len(owned) {
		return []jobs.Summary{}, nil
	}
	owned = owned[offset:]
	if limit > 0 && limit < len(owned) {
		owned = owned[:limit]
	}
	out := make([]jobs.Summary, 0, len(owned))
	for _, job := range owned {
		out = append(out, summarize(job))
	}
	return out, nil
}

// TransitionJob performs a conditional status update and stamps started/completed times.
func (l *Ledger) TransitionJob(_ context.Context, jobID string, to jobs.Status, from ...jobs.Status) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return false, apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	if !statusIn(job.Status, from) {
		return false, nil
	}
	now := l.clock.Now()
	job.Status = to
	if to == jobs.StatusRunning && job.StartedAt == nil {
		job.StartedAt = pointerTime(now)
	}
	if to.Terminal() {
		job.CompletedAt = pointerTime(now)
	}
	l.jobs[jobID] = job
	return true, nil
}

// CompleteItem marks a pending item terminal and bumps the job counter under the same lock.
func (l *Ledger) CompleteItem(
	_ context.Context,
	jobID, itemID string,
	status jobs.ItemStatus,
	result []byte,
	errText string,
) (jobs.Counters, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return jobs.Counters{}, apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	items := l.items[jobID]
	for i := range items {
		if items[i].ID != itemID {
			continue
		}
		if items[i].Status != jobs.ItemPending {
			return job.Counters(), nil
		}
		items[i].Status = status
		items[i].Result = cloneRaw(result)
		items[i].Error = errText
		switch status {
		case jobs.ItemCompleted:
			job.CompletedUnits++
		case jobs.ItemFailed:
			job.FailedUnits++
		}
		l.jobs[jobID] = job
		return job.Counters(), nil
	}
	return jobs.Counters{}, fmt.Errorf("item %s not found in job %s", itemID, jobID)
}

// SetWebhookSecret stores the signing secret for an owner.
func (l *Ledger) SetWebhookSecret(ownerID, secret string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.secrets[ownerID] = secret
}

// WebhookSecret implements jobs.SecretStore.
func (l *Ledger) WebhookSecret(_ context.Context, ownerID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.secrets[ownerID], nil
}

func summarize(job jobs.Job) jobs.Summary {
	return jobs.Summary{
		ID:             job.ID,
		Kind:           job.Kind,
		Status:         job.Status,
		TotalUnits:     job.TotalUnits,
		CompletedUnits: job.CompletedUnits,
		FailedUnits:    job.FailedUnits,
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
	}
}

func statusIn(s jobs.Status, set []jobs.Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func cloneRaw(raw []byte) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

var (
	_ jobs.Ledger      = (*Ledger)(nil)
	_ jobs.SecretStore = (*Ledger)(nil)
)
