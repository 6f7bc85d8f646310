// Package jobs defines the job aggregate, its items, and the collaborator interfaces the orchestrator,
// worker and notifier depend on.
package jobs

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

// Job status values. Completed, failed and cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ItemStatus is the state of a single Item.
type ItemStatus string

// Item status values.
const (
	ItemPending   ItemStatus = "pending"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// Kind names the job flavour sharing the orchestration lifecycle.
type Kind string

// Supported job kinds.
const (
	KindCrawl       Kind = "crawl"
	KindBatchScrape Kind = "batch_scrape"
)

// Job is the aggregate root for one billable unit of queued work.
type Job struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Kind           Kind            `json:"kind"`
	Status         Status          `json:"status"`
	TotalUnits     int             `json:"total_units"`
	CompletedUnits int             `json:"completed_units"`
	FailedUnits    int             `json:"failed_units"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Billing        Billing         `json:"billing"`
	Options        json.RawMessage `json:"options,omitempty"`
	WebhookURL     string          `json:"webhook_url,omitempty"`
	Delivery       DeliveryOutcome `json:"delivery"`
}

// Counters returns the job's progress counters.
func (j Job) Counters() Counters {
	return Counters{Total: j.TotalUnits, Completed: j.CompletedUnits, Failed: j.FailedUnits}
}

// Counters is a snapshot of a job's running totals.
type Counters struct {
	Total     int
	Completed int
	Failed    int
}

// Done reports whether every unit has reached a terminal item state.
func (c Counters) Done() bool {
	return c.Total > 0 && c.Completed+c.Failed >= c.Total
}

// Billing records the deduction made for a job. Deducted is true only when a receipt was persisted.
type Billing struct {
	Deducted      bool           `json:"deducted"`
	Source        string         `json:"source,omitempty"`
	Amount        int64          `json:"amount,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Breakdown     []BillingEntry `json:"breakdown,omitempty"`
}

// BillingEntry is one draw against a credit source.
type BillingEntry struct {
	Source        string `json:"source"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
}

// DeliveryOutcome is the most recent webhook attempt for a job. Earlier attempts are overwritten.
type DeliveryOutcome struct {
	Attempted   bool       `json:"attempted"`
	Attempt     int        `json:"attempt,omitempty"`
	Success     bool       `json:"success"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	StatusCode  int        `json:"status_code,omitempty"`
	LatencyMs   int64      `json:"latency_ms"`
	Error       string     `json:"error,omitempty"`
}

// Item is one unit of a job's work. Order is the stable 0-based position used for result ordering.
type Item struct {
	ID     string          `json:"id"`
	JobID  string          `json:"job_id"`
	Order  int             `json:"order"`
	Target string          `json:"target"`
	Status ItemStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewJob is the input to Ledger.CreateJob.
type NewJob struct {
	ID         string
	OwnerID    string
	Kind       Kind
	TotalUnits int
	Options    json.RawMessage
	WebhookURL string
	CreatedAt  time.Time
}

// JobPatch updates selected fields of a Job. Nil fields are left untouched.
type JobPatch struct {
	Billing  *Billing
	Delivery *DeliveryOutcome
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	Status ItemStatus
}

// Summary is the projection used for history listings; it never carries item bodies.
type Summary struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	Status         Status     `json:"status"`
	TotalUnits     int        `json:"totalUnits"`
	CompletedUnits int        `json:"completedUnits"`
	FailedUnits    int        `json:"failedUnits"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// StatusView is the job status shape returned to API callers. Data is present only for
// completed or failed jobs and follows item order.
type StatusView struct {
	ID             string       `json:"id"`
	Kind           Kind         `json:"kind,omitempty"`
	Status         Status       `json:"status"`
	TotalUnits     int          `json:"totalUnits"`
	CompletedUnits int          `json:"completedUnits"`
	FailedUnits    int          `json:"failedUnits"`
	CreatedAt      time.Time    `json:"createdAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	Data           []ItemResult `json:"data,omitempty"`
}

// ItemResult is one entry of StatusView.Data.
type ItemResult struct {
	Target string          `json:"target"`
	Status ItemStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Payload is the queue message for a job.
type Payload struct {
	JobID   string          `json:"job_id"`
	OwnerID string          `json:"owner_id"`
	Kind    Kind            `json:"kind"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Task is a dequeued job ready for a worker.
type Task struct {
	Queue   string
	JobID   string
	Payload Payload
}

// Handle identifies a queued job for waiting.
type Handle struct {
	Queue string
	JobID string
}

// DeductRequest asks the billing gateway to charge for a job.
type DeductRequest struct {
	Owner       string
	BillingKey  string
	ReferenceID string
}

// RefundRequest reverses a deduction using the breakdown from its receipt.
type RefundRequest struct {
	Owner       string
	BillingKey  string
	ReferenceID string
	Breakdown   []BillingEntry
}

// Receipt is returned by a successful deduction.
type Receipt struct {
	Amount    int64
	Breakdown []BillingEntry
}

// ToBilling converts a receipt into the Job.Billing record.
func (r Receipt) ToBilling() Billing {
	b := Billing{
		Deducted:  true,
		Amount:    r.Amount,
		Breakdown: append([]BillingEntry(nil), r.Breakdown...),
	}
	if len(r.Breakdown) > 0 {
		b.Source = r.Breakdown[0].Source
		b.TransactionID = r.Breakdown[0].TransactionID
	}
	return b
}
