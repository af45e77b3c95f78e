// Package service holds the orchestration logic between the HTTP surface,
// the job store, and the dispatch queue.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/config"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/estimate"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/export"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/queue"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/ratelimit"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/store"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/telemetry"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/worker"
)

// ErrValidation marks bad input from the caller.
var ErrValidation = errors.New("validation")

// ErrRateLimited is returned when the submission bucket rejects a batch.
var ErrRateLimited = errors.New("rate limited")

const rateLimitPrefix = "batch:create:"

// ItemInput is one requested conversation.
type ItemInput struct {
	Topic      string          `json:"topic"`
	Tier       string          `json:"tier"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// CreateInput is a batch submission after transport decoding.
type CreateInput struct {
	Name                 string
	Items                []ItemInput
	Priority             int
	ConcurrentProcessing int
	ErrorHandling        string
	CreatedBy            string
}

// Batch wires job submission, lifecycle control, and export together.
type Batch struct {
	cfg      config.Config
	store    store.Store
	dispatch *queue.Dispatch
	engine   *worker.Engine
	exporter *export.Exporter
	bucket   *ratelimit.TokenBucket
	log      zerolog.Logger
}

func NewBatch(cfg config.Config, st store.Store, d *queue.Dispatch, eng *worker.Engine, exp *export.Exporter, bucket *ratelimit.TokenBucket, log zerolog.Logger) *Batch {
	return &Batch{
		cfg:      cfg,
		store:    st,
		dispatch: d,
		engine:   eng,
		exporter: exp,
		bucket:   bucket,
		log:      log.With().Str("component", "service").Logger(),
	}
}

// Create validates and persists a new batch job, projects its cost, and
// enqueues it for dispatch.
func (b *Batch) Create(ctx context.Context, in CreateInput) (models.BatchJob, estimate.Estimate, error) {
	if err := b.validate(&in); err != nil {
		return models.BatchJob{}, estimate.Estimate{}, err
	}

	if b.bucket != nil {
		// One token per requested item, bucketed per creator.
		allowed, _, err := b.bucket.AllowN(ctx, rateLimitPrefix+in.CreatedBy, len(in.Items))
		if err != nil {
			b.log.Error().Err(err).Msg("rate limit check failed, allowing request")
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			return models.BatchJob{}, estimate.Estimate{}, ErrRateLimited
		}
	}

	est := estimate.ForBatch(len(in.Items), in.ConcurrentProcessing)

	items := make([]store.ItemSpec, len(in.Items))
	for i, item := range in.Items {
		items[i] = store.ItemSpec{
			Position:   i,
			Topic:      item.Topic,
			Tier:       item.Tier,
			Parameters: item.Parameters,
		}
	}

	job, err := b.store.CreateJob(ctx, store.CreateJobParams{
		Name:                 in.Name,
		Items:                items,
		Priority:             in.Priority,
		ConcurrentProcessing: in.ConcurrentProcessing,
		ErrorHandling:        in.ErrorHandling,
		EstimatedCost:        est.Cost,
		CreatedBy:            in.CreatedBy,
	})
	if err != nil {
		return models.BatchJob{}, estimate.Estimate{}, fmt.Errorf("create job: %w", err)
	}

	if err := b.dispatch.Enqueue(ctx, job.ID, job.Priority, job.CreatedAt); err != nil {
		// Job is persisted; the dispatch sweep or a resume will pick it up.
		b.log.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
	}

	telemetry.JobsCreated.Inc()
	b.log.Info().Str("job_id", job.ID).Int("items", job.TotalItems).Float64("estimated_cost", est.Cost).Msg("batch created")
	return job, est, nil
}

func (b *Batch) validate(in *CreateInput) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	if max := b.cfg.MaxItemsPerJob; max > 0 && len(in.Items) > max {
		return fmt.Errorf("%w: batch exceeds %d items", ErrValidation, max)
	}
	for i, item := range in.Items {
		if strings.TrimSpace(item.Topic) == "" {
			return fmt.Errorf("%w: item %d is missing a topic", ErrValidation, i)
		}
		if len(item.Parameters) > 0 && !json.Valid(item.Parameters) {
			return fmt.Errorf("%w: item %d has malformed parameters", ErrValidation, i)
		}
	}
	if in.ConcurrentProcessing <= 0 {
		in.ConcurrentProcessing = b.cfg.DefaultConcurrency
	}
	if in.ConcurrentProcessing <= 0 {
		in.ConcurrentProcessing = 1
	}
	if max := b.cfg.MaxConcurrency; max > 0 && in.ConcurrentProcessing > max {
		in.ConcurrentProcessing = max
	}
	switch in.ErrorHandling {
	case models.ErrorHandlingStop, models.ErrorHandlingContinue:
	case "":
		in.ErrorHandling = models.ErrorHandlingContinue
	default:
		return fmt.Errorf("%w: errorHandling must be %q or %q", ErrValidation, models.ErrorHandlingStop, models.ErrorHandlingContinue)
	}
	if in.Priority < 0 || in.Priority > 9 {
		return fmt.Errorf("%w: priority must be between 0 and 9", ErrValidation)
	}
	return nil
}

// Get returns a single job.
func (b *Batch) Get(ctx context.Context, jobID string) (models.BatchJob, error) {
	return b.store.GetJob(ctx, jobID)
}

// List returns jobs newest first, optionally filtered by status and creator.
func (b *Batch) List(ctx context.Context, status, createdBy string) ([]models.BatchJob, error) {
	if status != "" {
		switch status {
		case models.JobQueued, models.JobProcessing, models.JobPaused,
			models.JobCompleted, models.JobFailed, models.JobCancelled:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
		}
	}
	return b.store.ListJobs(ctx, store.ListFilter{Status: status, CreatedBy: createdBy})
}

// Items returns the job's items in position order.
func (b *Batch) Items(ctx context.Context, jobID string) ([]models.BatchItem, error) {
	if _, err := b.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return b.store.ListItems(ctx, jobID)
}

// Cancel requests cancellation of a non-terminal job. The store flips the
// status immediately; the dispatch flag tells a worker mid-job to stop
// claiming and drain.
func (b *Batch) Cancel(ctx context.Context, jobID string) (models.BatchJob, error) {
	job, err := b.store.RequestCancel(ctx, jobID)
	if err != nil {
		return models.BatchJob{}, err
	}
	if err := b.dispatch.RequestCancel(ctx, jobID); err != nil {
		b.log.Error().Err(err).Str("job_id", jobID).Msg("set cancel flag")
	}
	if err := b.dispatch.Remove(ctx, jobID); err != nil {
		b.log.Error().Err(err).Str("job_id", jobID).Msg("remove from ready set")
	}
	// JobsFinished is counted by the worker when it observes the terminal
	// status, so a mid-run cancel is not counted twice here.
	b.log.Info().Str("job_id", jobID).Msg("batch cancelled")
	return job, nil
}

// Pause stops further item claims. A queued job pauses immediately; a
// processing job drains its in-flight items first.
func (b *Batch) Pause(ctx context.Context, jobID string) (models.BatchJob, error) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return models.BatchJob{}, err
	}
	switch job.Status {
	case models.JobQueued:
		paused, err := b.store.SetStatus(ctx, jobID, models.JobPaused)
		if err != nil {
			return models.BatchJob{}, err
		}
		if err := b.dispatch.Remove(ctx, jobID); err != nil {
			b.log.Error().Err(err).Str("job_id", jobID).Msg("remove from ready set")
		}
		return paused, nil
	case models.JobProcessing:
		if err := b.dispatch.RequestPause(ctx, jobID); err != nil {
			return models.BatchJob{}, fmt.Errorf("set pause flag: %w", err)
		}
		return job, nil
	default:
		return models.BatchJob{}, fmt.Errorf("%w: cannot pause a %s job", store.ErrInvalidState, job.Status)
	}
}

// Resume puts a paused job back into dispatch.
func (b *Batch) Resume(ctx context.Context, jobID string) (models.BatchJob, error) {
	job, err := b.store.SetStatus(ctx, jobID, models.JobProcessing)
	if err != nil {
		return models.BatchJob{}, err
	}
	if err := b.dispatch.ClearPause(ctx, jobID); err != nil {
		b.log.Error().Err(err).Str("job_id", jobID).Msg("clear pause flag")
	}
	if err := b.dispatch.Enqueue(ctx, jobID, job.Priority, job.CreatedAt); err != nil {
		return models.BatchJob{}, fmt.Errorf("re-enqueue: %w", err)
	}
	b.log.Info().Str("job_id", jobID).Msg("batch resumed")
	return job, nil
}

// ProcessNext synchronously generates the next pending item. It returns
// worker.ErrNoPending when every item is claimed or terminal.
func (b *Batch) ProcessNext(ctx context.Context, jobID string) (models.BatchItem, models.BatchJob, error) {
	return b.engine.ProcessOne(ctx, jobID)
}

// Export writes the training JSONL and batch log artifacts for a finished
// job and records them in the store.
func (b *Batch) Export(ctx context.Context, jobID, destination string) (export.Result, error) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return export.Result{}, err
	}
	if !models.JobTerminal(job.Status) {
		return export.Result{}, fmt.Errorf("%w: job is still %s", store.ErrInvalidState, job.Status)
	}
	items, err := b.store.ListItems(ctx, jobID)
	if err != nil {
		return export.Result{}, err
	}

	res, err := b.exporter.Export(ctx, job, items, destination)
	if err != nil {
		return export.Result{}, err
	}

	for _, artifact := range []models.Artifact{
		{JobID: jobID, Kind: "training_jsonl", Location: res.TrainingLocation, ItemCount: res.RecordCount},
		{JobID: jobID, Kind: "batch_log", Location: res.LogLocation, ItemCount: len(items)},
	} {
		if err := b.store.SaveArtifact(ctx, artifact); err != nil {
			b.log.Error().Err(err).Str("job_id", jobID).Str("kind", artifact.Kind).Msg("record artifact")
		}
	}

	b.log.Info().Str("job_id", jobID).Int("records", res.RecordCount).Msg("batch exported")
	return res, nil
}
