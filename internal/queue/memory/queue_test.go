package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	result := make(chan jobs.Task, 1)
	errCh := make(chan error, 1)

	go func() {
		task, err := q.Dequeue(context.Background(), "batch_scrape", "crawl")
		if err != nil {
			errCh <- err
			return
		}
		result <- task
	}()

	require.NoError(t, q.Enqueue(context.Background(), "crawl", jobs.Payload{JobID: "job-1", Kind: jobs.KindCrawl}, "job-1"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, "crawl", got.Queue)
		assert.Equal(t, jobs.KindCrawl, got.Payload.Kind)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueOnlyServesNamedQueues(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	require.NoError(t, q.Enqueue(context.Background(), "crawl", jobs.Payload{}, "job-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx, "batch_scrape")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueRejectsDuplicatesAndOverflow(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "crawl", jobs.Payload{}, "job-1"))

	err := q.Enqueue(ctx, "crawl", jobs.Payload{}, "job-1")
	require.ErrorIs(t, err, apperr.ErrDuplicateJob)

	err = q.Enqueue(ctx, "crawl", jobs.Payload{}, "job-2")
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueWaitUntilFinished(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "crawl", jobs.Payload{}, "ok"))
	require.NoError(t, q.Enqueue(ctx, "crawl", jobs.Payload{}, "bad"))

	handle, err := q.Handle(ctx, "ok")
	require.NoError(t, err)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Finish(ctx, "ok", false, "")
	}()
	require.NoError(t, q.WaitUntilFinished(ctx, handle, time.Second))

	require.NoError(t, q.Finish(ctx, "bad", true, "no items succeeded"))
	require.NoError(t, q.Finish(ctx, "bad", false, "ignored"))
	badHandle, err := q.Handle(ctx, "bad")
	require.NoError(t, err)
	err = q.WaitUntilFinished(ctx, badHandle, time.Second)
	require.ErrorIs(t, err, jobs.ErrTaskFailed)
	assert.Contains(t, err.Error(), "no items succeeded")
}

func TestQueueWaitTimeoutAndCancel(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	require.NoError(t, q.Enqueue(context.Background(), "crawl", jobs.Payload{}, "slow"))
	handle, err := q.Handle(context.Background(), "slow")
	require.NoError(t, err)

	err = q.WaitUntilFinished(context.Background(), handle, 20*time.Millisecond)
	require.ErrorIs(t, err, jobs.ErrWaitTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = q.WaitUntilFinished(ctx, handle, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueForget(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "crawl", jobs.Payload{}, "job-1"))
	q.Forget("job-1")

	_, err := q.Handle(ctx, "job-1")
	require.ErrorIs(t, err, jobs.ErrHandleNotFound)
	require.NoError(t, q.Enqueue(ctx, "crawl", jobs.Payload{}, "job-2"), "forgotten task frees capacity")
}

func TestQueuePrunesFinishedTasksAfterRetention(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewQueue(4, WithRetention(time.Hour), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "crawl", jobs.Payload{}, "job-1"))
	require.NoError(t, q.Enqueue(ctx, "crawl", jobs.Payload{}, "job-2"))
	require.NoError(t, q.Finish(ctx, "job-1", false, ""))

	now = now.Add(30 * time.Minute)
	require.NoError(t, q.Finish(ctx, "job-2", true, "boom"))

	now = now.Add(45 * time.Minute)
	require.NoError(t, q.Enqueue(ctx, "crawl", jobs.Payload{}, "job-3"))

	_, err := q.Handle(ctx, "job-1")
	require.ErrorIs(t, err, jobs.ErrHandleNotFound)
	handle, err := q.Handle(ctx, "job-2")
	require.NoError(t, err)
	err = q.WaitUntilFinished(ctx, handle, time.Second)
	require.ErrorIs(t, err, jobs.ErrTaskFailed)
	assert.Equal(t, 2, q.Len())

	now = now.Add(time.Hour)
	require.NoError(t, q.Finish(ctx, "job-3", false, ""))
	assert.Equal(t, 1, q.Len(), "job-2 expired, job-3 just finished")
	require.NoError(t, q.Enqueue(ctx, "crawl", jobs.Payload{}, "job-1"), "expired ids can be reused")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), "crawl")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake consumer")
	}
	require.ErrorIs(t, q.Enqueue(context.Background(), "crawl", jobs.Payload{}, "x"), ErrClosed)
}
