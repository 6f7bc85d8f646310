package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/storage/memory"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

func (s *seqIDs) KeyedID(key string) string { return "keyed-" + key }

// denyGate rejects any URL containing one of its markers.
type denyGate struct {
	markers []string
	checked []string
	mu      sync.Mutex
}

func (g *denyGate) Check(_ context.Context, rawURL string) error {
	g.mu.Lock()
	g.checked = append(g.checked, rawURL)
	g.mu.Unlock()
	for _, m := range g.markers {
		if strings.Contains(rawURL, m) {
			return apperr.New(apperr.CodeURLNotAllowed, "blocked %s", rawURL)
		}
	}
	return nil
}

// recordingLedger wraps the in-memory ledger and records mutating calls.
type recordingLedger struct {
	*memory.Ledger

	mu        sync.Mutex
	calls     []string
	itemsErr  error
	updateErr error
	order     *[]string
}

func newRecordingLedger() *recordingLedger {
	return &recordingLedger{Ledger: memory.NewLedger(&seqIDs{}, fixedClock{})}
}

func (l *recordingLedger) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *recordingLedger) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *recordingLedger) CreateJob(ctx context.Context, in jobs.NewJob) (jobs.Job, error) {
	l.record("create_job")
	return l.Ledger.CreateJob(ctx, in)
}

func (l *recordingLedger) CreateItems(ctx context.Context, jobID string, targets []string) error {
	l.record("create_items")
	if l.itemsErr != nil {
		return l.itemsErr
	}
	return l.Ledger.CreateItems(ctx, jobID, targets)
}

func (l *recordingLedger) UpdateJob(ctx context.Context, jobID string, patch jobs.JobPatch) error {
	l.record("update_job")
	if l.updateErr != nil {
		return l.updateErr
	}
	return l.Ledger.UpdateJob(ctx, jobID, patch)
}

func (l *recordingLedger) DeleteJob(ctx context.Context, jobID string) error {
	l.record("delete_job")
	if l.order != nil {
		*l.order = append(*l.order, "delete_job")
	}
	return l.Ledger.DeleteJob(ctx, jobID)
}

type fakeBilling struct {
	mu        sync.Mutex
	receipt   *jobs.Receipt
	deductErr error
	deducts   []jobs.DeductRequest
	refunds   []jobs.RefundRequest
	order     *[]string
}

func (b *fakeBilling) Deduct(_ context.Context, req jobs.DeductRequest) (*jobs.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deducts = append(b.deducts, req)
	if b.deductErr != nil {
		return nil, b.deductErr
	}
	return b.receipt, nil
}

func (b *fakeBilling) Refund(ctx context.Context, req jobs.RefundRequest) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refunds = append(b.refunds, req)
	if b.order != nil {
		*b.order = append(*b.order, "refund")
	}
	return nil
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueueErr error
	handleErr  error
	waitErr    error
	enqueued   []jobs.Payload
	queues     []string
	waited     []time.Duration
	onWait     func(jobID string)
}

func (q *fakeQueue) Enqueue(_ context.Context, queueName string, payload jobs.Payload, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	if payload.JobID != jobID {
		return errors.New("payload job id mismatch")
	}
	q.queues = append(q.queues, queueName)
	q.enqueued = append(q.enqueued, payload)
	return nil
}

func (q *fakeQueue) Handle(_ context.Context, jobID string) (jobs.Handle, error) {
	if q.handleErr != nil {
		return jobs.Handle{}, q.handleErr
	}
	return jobs.Handle{Queue: "test", JobID: jobID}, nil
}

func (q *fakeQueue) WaitUntilFinished(_ context.Context, handle jobs.Handle, timeout time.Duration) error {
	q.mu.Lock()
	q.waited = append(q.waited, timeout)
	onWait := q.onWait
	q.mu.Unlock()
	if q.waitErr != nil {
		return q.waitErr
	}
	if onWait != nil {
		onWait(handle.JobID)
	}
	return nil
}

// testStrategy is a minimal kind used to exercise the shared lifecycle.
type testStrategy struct {
	validateErr error
}

type testOptions struct {
	Depth int `json:"depth"`
}

func (testStrategy) Kind() jobs.Kind { return jobs.KindBatchScrape }
func (testStrategy) QueueName() string { return "test_queue" }
func (testStrategy) BillingKey() string { return "test_key" }
func (s testStrategy) ValidateTargets(Request[testOptions]) error {
	return s.validateErr
}

func (testStrategy) BuildItems(req Request[testOptions]) []string {
	return append([]string(nil), req.Targets...)
}
