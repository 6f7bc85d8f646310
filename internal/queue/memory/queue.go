// Package memory provides an in-process work queue for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
)

// Queue errors.
var (
	ErrQueueFull = errors.New("queue is full")
	ErrClosed    = errors.New("queue closed")
)

const defaultRetention = 24 * time.Hour

type taskState struct {
	queue      string
	done       chan struct{}
	finished   bool
	finishedAt time.Time
	failed     bool
	reason     string
}

type finishedTask struct {
	jobID string
	state *taskState
}

// Queue is a bounded in-memory queue implementing jobs.Queue. Each task keeps a done channel that
// waiters select on, so an abandoned wait leaves nothing behind. Finished tasks are forgotten once
// the retention period has passed.
type Queue struct {
	mu        sync.Mutex
	capacity  int
	retention time.Duration
	now       func() time.Time
	pending   map[string][]jobs.Task
	size      int
	tasks     map[string]*taskState
	finished  []finishedTask
	notify    chan struct{}
	closed    bool
}

// Option customises a Queue.
type Option func(*Queue)

// WithRetention sets how long finished tasks stay queryable.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retention = d
		}
	}
}

// WithClock replaces the time source used for retention.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue constructs a new queue holding at most capacity undelivered tasks.
func NewQueue(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		capacity:  capacity,
		retention: defaultRetention,
		now:       time.Now,
		pending:   make(map[string][]jobs.Task),
		tasks:     make(map[string]*taskState),
		notify:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a task keyed by jobID. Reusing a jobID fails with DUPLICATE_JOB.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload jobs.Payload, jobID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pruneLocked()
	if _, exists := q.tasks[jobID]; exists {
		return apperr.New(apperr.CodeDuplicateJob, "job %s is already queued", jobID)
	}
	if q.size >= q.capacity {
		return ErrQueueFull
	}
	q.tasks[jobID] = &taskState{queue: queueName, done: make(chan struct{})}
	q.pending[queueName] = append(q.pending[queueName], jobs.Task{Queue: queueName, JobID: jobID, Payload: payload})
	q.size++
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// Dequeue pops the oldest task from the first non-empty named queue, waiting until one arrives.
func (q *Queue) Dequeue(ctx context.Context, queueNames ...string) (jobs.Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return jobs.Task{}, ErrClosed
		}
		for _, name := range queueNames {
			if list := q.pending[name]; len(list) > 0 {
				task := list[0]
				q.pending[name] = list[1:]
				q.size--
				q.mu.Unlock()
				return task, nil
			}
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return jobs.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Handle returns the handle for a known job.
func (q *Queue) Handle(_ context.Context, jobID string) (jobs.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.tasks[jobID]
	if !ok {
		return jobs.Handle{}, jobs.ErrHandleNotFound
	}
	return jobs.Handle{Queue: state.queue, JobID: jobID}, nil
}

// WaitUntilFinished blocks until Finish is called for the job, timeout elapses or ctx ends.
func (q *Queue) WaitUntilFinished(ctx context.Context, handle jobs.Handle, timeout time.Duration) error {
	q.mu.Lock()
	state, ok := q.tasks[handle.JobID]
	q.mu.Unlock()
	if !ok {
		return jobs.ErrHandleNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-state.done:
		q.mu.Lock()
		failed, reason := state.failed, state.reason
		q.mu.Unlock()
		if failed {
			return fmt.Errorf("%w: %s", jobs.ErrTaskFailed, reason)
		}
		return nil
	case <-timer.C:
		return jobs.ErrWaitTimeout
	case <-ctx.Done():
		return fmt.Errorf("wait canceled: %w", ctx.Err())
	}
}

// Finish records the task outcome and releases waiters. Later calls are ignored.
func (q *Queue) Finish(_ context.Context, jobID string, failed bool, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.tasks[jobID]
	if !ok {
		return jobs.ErrHandleNotFound
	}
	if state.finished {
		return nil
	}
	state.finished = true
	state.finishedAt = q.now()
	state.failed = failed
	state.reason = reason
	close(state.done)
	q.finished = append(q.finished, finishedTask{jobID: jobID, state: state})
	q.pruneLocked()
	return nil
}

// pruneLocked drops finished tasks older than the retention period. q.finished is in finish order.
func (q *Queue) pruneLocked() {
	cutoff := q.now().Add(-q.retention)
	n := 0
	for ; n < len(q.finished); n++ {
		entry := q.finished[n]
		if entry.state.finishedAt.After(cutoff) {
			break
		}
		if q.tasks[entry.jobID] == entry.state {
			delete(q.tasks, entry.jobID)
		}
	}
	if n > 0 {
		q.finished = append(q.finished[:0:0], q.finished[n:]...)
	}
}

// Len reports how many tasks the queue still tracks, delivered or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Forget drops all record of a job, as an operator purge would.
func (q *Queue) Forget(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.tasks[jobID]
	if !ok {
		return
	}
	list := q.pending[state.queue]
	for i, task := range list {
		if task.JobID == jobID {
			q.pending[state.queue] = append(list[:i:i], list[i+1:]...)
			q.size--
			break
		}
	}
	delete(q.tasks, jobID)
}

// Close wakes blocked consumers; later operations fail with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

var _ jobs.Queue = (*Queue)(nil)
