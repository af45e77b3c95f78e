package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
)

func newJob(t *testing.T, m *Memory, topics []string, errorHandling string) models.BatchJob {
	t.Helper()
	items := make([]ItemSpec, len(topics))
	for i, topic := range topics {
		items[i] = ItemSpec{Position: i, Topic: topic, Tier: "template"}
	}
	job, err := m.CreateJob(context.Background(), CreateJobParams{
		Name:                 "batch",
		Items:                items,
		ConcurrentProcessing: 2,
		ErrorHandling:        errorHandling,
		EstimatedCost:        0.1,
		CreatedBy:            "tester",
	})
	require.NoError(t, err)
	return job
}

func TestCreateJobInitialState(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a", "b", "c"}, models.ErrorHandlingContinue)

	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 3, job.TotalItems)
	assert.Equal(t, 0, job.CompletedItems)
	assert.NotEmpty(t, job.ID)
	assert.Nil(t, job.StartedAt)

	items, err := m.ListItems(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, i, item.Position)
		assert.Equal(t, models.ItemPending, item.Status)
		assert.Equal(t, job.ID, item.JobID)
	}
}

func TestCreateJobRejectsEmpty(t *testing.T) {
	m := NewMemory()
	_, err := m.CreateJob(context.Background(), CreateJobParams{Name: "empty"})
	assert.Error(t, err)
}

func TestClaimOrderIsFIFO(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"first", "second", "third"}, models.ErrorHandlingContinue)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		item, ok, err := m.ClaimNextItem(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, item.Position)
		assert.Equal(t, models.ItemRunning, item.Status)
		assert.NotNil(t, item.ClaimedAt)
	}

	_, ok, err := m.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyOutcomeCountersAndFinalize(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a", "b"}, models.ErrorHandlingContinue)
	ctx := context.Background()

	first, _, err := m.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)
	after, err := m.ApplyItemOutcome(ctx, job.ID, first.ID, models.Outcome{
		Kind:         models.OutcomeSucceeded,
		Conversation: json.RawMessage(`{"turns":[]}`),
		InputTokens:  2000,
		OutputTokens: 1500,
		Cost:         0.0285,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, after.CompletedItems)
	assert.Equal(t, 1, after.SuccessfulItems)
	assert.Equal(t, 0, after.FailedItems)
	assert.InDelta(t, 0.0285, after.ActualCost, 1e-9)
	assert.False(t, models.JobTerminal(after.Status))

	second, _, err := m.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)
	after, err = m.ApplyItemOutcome(ctx, job.ID, second.ID, models.Outcome{
		Kind:         models.OutcomeFailed,
		ErrorMessage: "boom",
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, after.Status)
	assert.Equal(t, 2, after.CompletedItems)
	assert.Equal(t, 1, after.SuccessfulItems)
	assert.Equal(t, 1, after.FailedItems)
	assert.NotNil(t, after.CompletedAt)
}

func TestApplyOutcomeIdempotent(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a", "b"}, models.ErrorHandlingContinue)
	ctx := context.Background()

	item, _, err := m.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)

	oc := models.Outcome{Kind: models.OutcomeSucceeded, Conversation: json.RawMessage(`{}`), Cost: 0.01}
	_, err = m.ApplyItemOutcome(ctx, job.ID, item.ID, oc)
	require.NoError(t, err)

	// A retried delivery of the same outcome must not double count.
	after, err := m.ApplyItemOutcome(ctx, job.ID, item.ID, oc)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CompletedItems)
	assert.Equal(t, 1, after.SuccessfulItems)
	assert.InDelta(t, 0.01, after.ActualCost, 1e-9)
}

func TestApplyOutcomeUnknownItem(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a"}, models.ErrorHandlingContinue)

	_, err := m.ApplyItemOutcome(context.Background(), job.ID, "missing", models.Outcome{Kind: models.OutcomeFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentOutcomesNeverLoseUpdates(t *testing.T) {
	m := NewMemory()
	topics := make([]string, 50)
	for i := range topics {
		topics[i] = "t"
	}
	job := newJob(t, m, topics, models.ErrorHandlingContinue)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok, err := m.ClaimNextItem(ctx, job.ID)
				if err != nil || !ok {
					return
				}
				_, _ = m.ApplyItemOutcome(ctx, job.ID, item.ID, models.Outcome{
					Kind: models.OutcomeSucceeded,
					Cost: 0.001,
				})
			}
		}()
	}
	wg.Wait()

	final, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 50, final.CompletedItems)
	assert.Equal(t, 50, final.SuccessfulItems)
	assert.Equal(t, final.SuccessfulItems+final.FailedItems, final.CompletedItems)
	assert.InDelta(t, 0.05, final.ActualCost, 1e-9)
}

func TestRequestCancelSkipsPendingWithoutCounters(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a", "b", "c"}, models.ErrorHandlingContinue)
	ctx := context.Background()

	cancelled, err := m.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)
	assert.True(t, cancelled.CancelRequested)
	assert.Equal(t, 0, cancelled.CompletedItems)
	assert.NotNil(t, cancelled.CompletedAt)

	items, err := m.ListItems(ctx, job.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, models.ItemSkipped, item.Status)
	}

	// Nothing left to claim.
	_, ok, err := m.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequestCancelDrainsInFlight(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a", "b"}, models.ErrorHandlingContinue)
	ctx := context.Background()

	running, _, err := m.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)

	cancelled, err := m.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)

	// The in-flight item drains: counters bump but status stays cancelled.
	after, err := m.ApplyItemOutcome(ctx, job.ID, running.ID, models.Outcome{Kind: models.OutcomeSucceeded})
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, after.Status)
	assert.Equal(t, 1, after.CompletedItems)
	assert.Equal(t, 1, after.SuccessfulItems)
}

func TestRequestCancelTerminalRejected(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a"}, models.ErrorHandlingContinue)
	ctx := context.Background()

	_, err := m.RequestCancel(ctx, job.ID)
	require.NoError(t, err)

	_, err = m.RequestCancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSkipPendingCountsAsFailed(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a", "b", "c"}, models.ErrorHandlingStop)
	ctx := context.Background()

	item, _, err := m.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)
	_, err = m.ApplyItemOutcome(ctx, job.ID, item.ID, models.Outcome{Kind: models.OutcomeFailed, ErrorMessage: "boom"})
	require.NoError(t, err)

	require.NoError(t, m.TripStop(ctx, job.ID))
	skipped, err := m.SkipPending(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)

	final, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, 3, final.CompletedItems)
	assert.Equal(t, 3, final.FailedItems)
	assert.Equal(t, 0, final.SuccessfulItems)
}

func TestSetStatusTransitions(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a"}, models.ErrorHandlingContinue)
	ctx := context.Background()

	paused, err := m.SetStatus(ctx, job.ID, models.JobPaused)
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, paused.Status)

	resumed, err := m.SetStatus(ctx, job.ID, models.JobProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, resumed.Status)

	// Terminal states accept no transitions.
	_, err = m.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	_, err = m.SetStatus(ctx, job.ID, models.JobProcessing)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReleaseItemReturnsToPending(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a"}, models.ErrorHandlingContinue)
	ctx := context.Background()

	item, _, err := m.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseItem(ctx, item.ID))

	again, ok, err := m.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, item.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestListJobsFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := newJob(t, m, []string{"x"}, models.ErrorHandlingContinue)
	newJob(t, m, []string{"y"}, models.ErrorHandlingContinue)

	_, err := m.RequestCancel(ctx, a.ID)
	require.NoError(t, err)

	queued, err := m.ListJobs(ctx, ListFilter{Status: models.JobQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	byCreator, err := m.ListJobs(ctx, ListFilter{CreatedBy: "tester"})
	require.NoError(t, err)
	assert.Len(t, byCreator, 2)

	none, err := m.ListJobs(ctx, ListFilter{CreatedBy: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCheckpointRoundTrip(t *testing.T) {
	m := NewMemory()
	job := newJob(t, m, []string{"a"}, models.ErrorHandlingContinue)
	ctx := context.Background()

	_, err := m.GetCheckpoint(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveCheckpoint(ctx, models.Checkpoint{
		JobID:              job.ID,
		CompletedItemIDs:   []string{"i1"},
		ProgressPercentage: 50,
	}))

	cp, err := m.GetCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1"}, cp.CompletedItemIDs)
	assert.Equal(t, 50, cp.ProgressPercentage)
}
