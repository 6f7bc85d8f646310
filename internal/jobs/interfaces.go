package jobs

import (
	"context"
	"errors"
	"time"
)

// Queue signalling errors.
var (
	ErrHandleNotFound = errors.New("queue has no record of job")
	ErrWaitTimeout    = errors.New("timed out waiting for job")
	ErrTaskFailed     = errors.New("job finished with failure")
)

// Ledger persists Job and Item aggregates.
type Ledger interface {
	CreateJob(ctx context.Context, job NewJob) (Job, error)
	CreateItems(ctx context.Context, jobID string, targets []string) error
	UpdateJob(ctx context.Context, jobID string, patch JobPatch) error
	DeleteJob(ctx context.Context, jobID string) error
	// FindJob returns (nil, nil) when the job does not exist.
	FindJob(ctx context.Context, jobID string) (*Job, error)
	ListItems(ctx context.Context, jobID string, filter ItemFilter) ([]Item, error)
	ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]Summary, error)
	// TransitionJob moves the job to `to` only if its current status is one of from. It reports
	// whether the row changed.
	TransitionJob(ctx context.Context, jobID string, to Status, from ...Status) (bool, error)
	// CompleteItem marks a pending item terminal and increments the matching job counter in one
	// atomic step. Completing an already terminal item is a no-op that returns the current counters.
	CompleteItem(ctx context.Context, jobID, itemID string, status ItemStatus, result []byte, errText string) (Counters, error)
}

// SecretStore returns the webhook signing secret for an owner. Empty means unsigned.
type SecretStore interface {
	WebhookSecret(ctx context.Context, ownerID string) (string, error)
}

// BillingGateway deducts and refunds usage. Deduct returns (nil, nil) when billing is disabled
// for the owner.
type BillingGateway interface {
	Deduct(ctx context.Context, req DeductRequest) (*Receipt, error)
	Refund(ctx context.Context, req RefundRequest) error
}

// WorkQueue is the producer side of the durable job queue. Enqueueing an id that already exists
// fails with apperr.ErrDuplicateJob.
type WorkQueue interface {
	Enqueue(ctx context.Context, queueName string, payload Payload, jobID string) error
	Handle(ctx context.Context, jobID string) (Handle, error)
	// WaitUntilFinished blocks until the job finishes, the timeout elapses (ErrWaitTimeout) or ctx
	// is done. A failed job yields ErrTaskFailed.
	WaitUntilFinished(ctx context.Context, handle Handle, timeout time.Duration) error
}

// TaskSource is the consumer side of the queue used by workers.
type TaskSource interface {
	Dequeue(ctx context.Context, queueNames ...string) (Task, error)
	Finish(ctx context.Context, jobID string, failed bool, reason string) error
}

// Queue is implemented by backends serving both producers and consumers.
type Queue interface {
	WorkQueue
	TaskSource
}

// BlobStore writes fetched bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job lifecycle events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and item ids.
type IDGenerator interface {
	NewID() (string, error)
	// KeyedID derives a stable id from a namespace key so retried requests collide.
	KeyedID(key string) string
}
