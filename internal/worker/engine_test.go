package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/config"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/provider"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/queue"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/store"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/telemetry"
)

type fakeGenerator struct {
	calls    atomic.Int32
	failWhen func(prompt string) error
}

func (f *fakeGenerator) Available() bool { return true }

func (f *fakeGenerator) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	f.calls.Add(1)
	if f.failWhen != nil {
		if err := f.failWhen(req.Prompt); err != nil {
			return provider.Result{}, err
		}
	}
	return provider.Result{
		Content: json.RawMessage(`{"turns":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`),
		Usage:   provider.Usage{InputTokens: 2000, OutputTokens: 1500},
		Cost:    0.0285,
	}, nil
}

func newTestEngine(t *testing.T, st store.Store, gen provider.Generator) (*Engine, *queue.Dispatch) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	d := queue.NewDispatch(client, time.Minute)

	cfg := config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		VisibilityTimeout:  time.Minute,
		LeaseExtendEvery:   time.Second,
		ProviderSlots:      4,
		CheckpointEvery:    2,
		ProviderModel:      "test-model",
	}
	return NewEngine(cfg, st, d, gen, zerolog.Nop()), d
}

func createJob(t *testing.T, st store.Store, topics []string, concurrency int, errorHandling string) models.BatchJob {
	t.Helper()
	items := make([]store.ItemSpec, len(topics))
	for i, topic := range topics {
		items[i] = store.ItemSpec{Position: i, Topic: topic, Tier: "template"}
	}
	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		Name:                 "test batch",
		Items:                items,
		ConcurrentProcessing: concurrency,
		ErrorHandling:        errorHandling,
		CreatedBy:            "tester",
	})
	require.NoError(t, err)
	return job
}

func TestRunJobProcessesAllItems(t *testing.T) {
	st := store.NewMemory()
	gen := &fakeGenerator{}
	e, _ := newTestEngine(t, st, gen)

	job := createJob(t, st, []string{"refunds", "billing", "onboarding", "churn", "upgrades"}, 2, models.ErrorHandlingContinue)

	e.runJob(context.Background(), job.ID)

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 5, final.CompletedItems)
	assert.Equal(t, 5, final.SuccessfulItems)
	assert.Equal(t, 0, final.FailedItems)
	assert.InDelta(t, 5*0.0285, final.ActualCost, 1e-9)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, int32(5), gen.calls.Load())

	items, err := st.ListItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, models.ItemSucceeded, item.Status)
		assert.NotEmpty(t, item.Conversation)
	}

	cp, err := st.GetCheckpoint(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.CompletedItemIDs)
}

func TestRunJobContinuePolicyRecordsFailures(t *testing.T) {
	st := store.NewMemory()
	gen := &fakeGenerator{failWhen: func(prompt string) error {
		if containsTopic(prompt, "billing") {
			return errors.New("provider: status 500: boom")
		}
		return nil
	}}
	e, _ := newTestEngine(t, st, gen)

	job := createJob(t, st, []string{"refunds", "billing", "onboarding"}, 1, models.ErrorHandlingContinue)
	e.runJob(context.Background(), job.ID)

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedItems)
	assert.Equal(t, 2, final.SuccessfulItems)
	assert.Equal(t, 1, final.FailedItems)
}

func TestRunJobStopPolicyFailsFast(t *testing.T) {
	st := store.NewMemory()
	gen := &fakeGenerator{failWhen: func(prompt string) error {
		if containsTopic(prompt, "refunds") {
			return errors.New("provider: status 500: boom")
		}
		return nil
	}}
	e, _ := newTestEngine(t, st, gen)

	// refunds fails first with concurrency 1, so the rest must be skipped.
	job := createJob(t, st, []string{"refunds", "billing", "onboarding", "churn"}, 1, models.ErrorHandlingStop)
	e.runJob(context.Background(), job.ID)

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, 4, final.CompletedItems)
	assert.Equal(t, 0, final.SuccessfulItems)
	assert.Equal(t, 4, final.FailedItems)
	assert.Equal(t, int32(1), gen.calls.Load())

	items, err := st.ListItems(context.Background(), job.ID)
	require.NoError(t, err)
	skipped := 0
	for _, item := range items {
		if item.Status == models.ItemSkipped {
			skipped++
		}
	}
	assert.Equal(t, 3, skipped)
}

func TestRunJobHonorsCancelFlag(t *testing.T) {
	st := store.NewMemory()
	gen := &fakeGenerator{}
	e, d := newTestEngine(t, st, gen)

	job := createJob(t, st, []string{"refunds", "billing"}, 1, models.ErrorHandlingContinue)

	// Cancel lands before the worker claims anything.
	_, err := st.RequestCancel(context.Background(), job.ID)
	require.NoError(t, err)
	require.NoError(t, d.RequestCancel(context.Background(), job.ID))

	counter := telemetry.JobsFinished.WithLabelValues(models.JobCancelled)
	before := testutil.ToFloat64(counter)

	e.runJob(context.Background(), job.ID)

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, final.Status)
	assert.Equal(t, 0, final.CompletedItems)
	assert.Equal(t, int32(0), gen.calls.Load())
	assert.InDelta(t, before+1, testutil.ToFloat64(counter), 1e-9)
}

func TestRunJobPausesOnFlag(t *testing.T) {
	st := store.NewMemory()
	gen := &fakeGenerator{}
	e, d := newTestEngine(t, st, gen)

	job := createJob(t, st, []string{"refunds", "billing"}, 1, models.ErrorHandlingContinue)
	require.NoError(t, d.RequestPause(context.Background(), job.ID))

	e.runJob(context.Background(), job.ID)

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, final.Status)
	assert.Equal(t, 0, final.CompletedItems)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestProcessOne(t *testing.T) {
	st := store.NewMemory()
	gen := &fakeGenerator{}
	e, _ := newTestEngine(t, st, gen)

	job := createJob(t, st, []string{"refunds", "billing"}, 1, models.ErrorHandlingContinue)

	item, after, err := e.ProcessOne(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemSucceeded, item.Status)
	assert.Equal(t, 0, item.Position)
	assert.Equal(t, models.JobProcessing, after.Status)
	assert.Equal(t, 1, after.CompletedItems)

	item, after, err = e.ProcessOne(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Position)
	assert.Equal(t, models.JobCompleted, after.Status)

	_, _, err = e.ProcessOne(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestProcessOneRejectsPausedJob(t *testing.T) {
	st := store.NewMemory()
	gen := &fakeGenerator{}
	e, d := newTestEngine(t, st, gen)

	job := createJob(t, st, []string{"refunds", "billing"}, 1, models.ErrorHandlingContinue)
	_, err := st.SetStatus(context.Background(), job.ID, models.JobPaused)
	require.NoError(t, err)

	_, _, err = e.ProcessOne(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
	assert.Equal(t, int32(0), gen.calls.Load())

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, final.Status)
	assert.Equal(t, 0, final.CompletedItems)

	// A pending pause request on a processing job blocks claims the same way.
	_, err = st.SetStatus(context.Background(), job.ID, models.JobProcessing)
	require.NoError(t, err)
	require.NoError(t, d.RequestPause(context.Background(), job.ID))

	_, _, err = e.ProcessOne(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestProcessOneNoPending(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(t, st, &fakeGenerator{})

	job := createJob(t, st, []string{"refunds"}, 1, models.ErrorHandlingContinue)

	// Claim the only item out from under ProcessOne.
	_, ok, err := st.ClaimNextItem(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = e.ProcessOne(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrNoPending)
}

func containsTopic(prompt, topic string) bool {
	return strings.Contains(prompt, topic)
}
