package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
)

func seedJob(t *testing.T, l *recordingLedger, id, owner string, created time.Time, targets ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := l.Ledger.CreateJob(ctx, jobs.NewJob{
		ID:         id,
		OwnerID:    owner,
		Kind:       jobs.KindCrawl,
		TotalUnits: len(targets),
		CreatedAt:  created,
	})
	require.NoError(t, err)
	require.NoError(t, l.Ledger.CreateItems(ctx, id, targets))
}

func TestTrackerGetStatusMissing(t *testing.T) {
	t.Parallel()

	tr := NewTracker(newRecordingLedger(), 0, zap.NewNop())
	view, err := tr.GetStatus(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestTrackerPendingOmitsData(t *testing.T) {
	t.Parallel()

	l := newRecordingLedger()
	seedJob(t, l, "job-1", "o", fixedNow, "https://a.example", "https://b.example")
	tr := NewTracker(l, 0, zap.NewNop())

	view, err := tr.GetStatus(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, jobs.StatusPending, view.Status)
	assert.Equal(t, 2, view.TotalUnits)
	assert.Nil(t, view.Data)

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"data"`)
}

func TestTrackerCompletedDataFollowsItemOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newRecordingLedger()
	seedJob(t, l, "job-1", "o", fixedNow, "https://a.example", "https://b.example", "https://c.example")
	_, err := l.TransitionJob(ctx, "job-1", jobs.StatusRunning, jobs.StatusPending)
	require.NoError(t, err)

	items, err := l.ListItems(ctx, "job-1", jobs.ItemFilter{})
	require.NoError(t, err)
	// Finish in reverse arrival order.
	_, err = l.CompleteItem(ctx, "job-1", items[2].ID, jobs.ItemCompleted, []byte(`{"n":3}`), "")
	require.NoError(t, err)
	_, err = l.CompleteItem(ctx, "job-1", items[1].ID, jobs.ItemFailed, nil, "http status 404")
	require.NoError(t, err)
	_, err = l.CompleteItem(ctx, "job-1", items[0].ID, jobs.ItemCompleted, []byte(`{"n":1}`), "")
	require.NoError(t, err)
	_, err = l.TransitionJob(ctx, "job-1", jobs.StatusCompleted, jobs.StatusRunning)
	require.NoError(t, err)

	view, err := NewTracker(l, 0, zap.NewNop()).GetStatus(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, view)
	require.Len(t, view.Data, 3)

	assert.Equal(t, 2, view.CompletedUnits)
	assert.Equal(t, 1, view.FailedUnits)
	assert.NotNil(t, view.CompletedAt)
	assert.Equal(t, "https://a.example", view.Data[0].Target)
	assert.JSONEq(t, `{"n":1}`, string(view.Data[0].Result))
	assert.Equal(t, jobs.ItemFailed, view.Data[1].Status)
	assert.Equal(t, "http status 404", view.Data[1].Error)
	assert.JSONEq(t, `{"n":3}`, string(view.Data[2].Result))
}

func TestTrackerOwnedStatusHidesOtherOwners(t *testing.T) {
	t.Parallel()

	l := newRecordingLedger()
	seedJob(t, l, "job-1", "alice", fixedNow, "https://a.example")
	tr := NewTracker(l, 0, zap.NewNop())

	view, err := tr.GetOwnedStatus(context.Background(), "bob", "job-1")
	require.NoError(t, err)
	assert.Nil(t, view)

	view, err = tr.GetOwnedStatus(context.Background(), "alice", "job-1")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "job-1", view.ID)
}

func TestTrackerHistoryPaging(t *testing.T) {
	t.Parallel()

	l := newRecordingLedger()
	for i := 0; i < 30; i++ {
		seedJob(t, l, fmt.Sprintf("job-%02d", i), "o", fixedNow.Add(time.Duration(i)*time.Minute), "https://a.example")
	}
	seedJob(t, l, "other", "someone-else", fixedNow, "https://a.example")
	tr := NewTracker(l, 25, zap.NewNop())
	ctx := context.Background()

	page, err := tr.GetHistory(ctx, "o", 0, 0)
	require.NoError(t, err)
	require.Len(t, page, DefaultHistoryLimit)
	assert.Equal(t, "job-29", page[0].ID)
	assert.Equal(t, "job-10", page[19].ID)

	page, err = tr.GetHistory(ctx, "o", 1000, 0)
	require.NoError(t, err)
	assert.Len(t, page, 25)

	page, err = tr.GetHistory(ctx, "o", 5, 28)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "job-01", page[0].ID)
	assert.Equal(t, "job-00", page[1].ID)
}

func TestTrackerCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newRecordingLedger()
	seedJob(t, l, "job-1", "o", fixedNow, "https://a.example")
	tr := NewTracker(l, 0, zap.NewNop())

	view, err := tr.Cancel(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, view.Status)
	assert.NotNil(t, view.CompletedAt)
	assert.Nil(t, view.Data)

	view, err = tr.Cancel(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, view.Status)

	_, err = tr.Cancel(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrJobNotFound)
}

func TestTrackerCancelLeavesCompletedJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newRecordingLedger()
	seedJob(t, l, "job-1", "o", fixedNow, "https://a.example")
	_, err := l.TransitionJob(ctx, "job-1", jobs.StatusRunning, jobs.StatusPending)
	require.NoError(t, err)
	_, err = l.TransitionJob(ctx, "job-1", jobs.StatusCompleted, jobs.StatusRunning)
	require.NoError(t, err)

	view, err := NewTracker(l, 0, zap.NewNop()).Cancel(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, view.Status)
}
