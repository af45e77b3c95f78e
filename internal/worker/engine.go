package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/config"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/provider"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/queue"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/store"
	"github.com/jamesjordanmarketing/train-data-sub012/internal/telemetry"
)

// ErrNoPending is returned by ProcessOne when the job has no claimable item.
var ErrNoPending = errors.New("no pending items")

// Engine drives batch jobs: it leases whole jobs from the dispatch set, then
// fans item generation out across a per-job concurrency limit and a global
// provider slot budget shared by every job on this worker.
type Engine struct {
	cfg      config.Config
	store    store.Store
	dispatch *queue.Dispatch
	gen      provider.Generator
	log      zerolog.Logger

	providerSem chan struct{}
}

func NewEngine(cfg config.Config, st store.Store, d *queue.Dispatch, gen provider.Generator, log zerolog.Logger) *Engine {
	slots := cfg.ProviderSlots
	if slots <= 0 {
		slots = 1
	}
	return &Engine{
		cfg:         cfg,
		store:       st,
		dispatch:    d,
		gen:         gen,
		log:         log.With().Str("component", "worker").Logger(),
		providerSem: make(chan struct{}, slots),
	}
}

// Run is the main worker loop. It returns when ctx is cancelled, after
// in-flight jobs have drained.
func (e *Engine) Run(ctx context.Context) error {
	maxActive := e.cfg.MaxActiveJobs
	if maxActive <= 0 {
		maxActive = 1
	}
	activeSem := make(chan struct{}, maxActive)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}

		if reclaimed, _ := e.dispatch.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			e.log.Warn().Strs("jobs", reclaimed).Msg("requeued jobs with expired leases")
		}
		if depth, err := e.dispatch.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}

		select {
		case activeSem <- struct{}{}:
		default:
			sleepCtx(ctx, e.cfg.WorkerPollInterval)
			continue
		}

		jobID, err := e.dispatch.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			<-activeSem
			if err != nil {
				e.log.Error().Err(err).Msg("dequeue failed")
			}
			sleepCtx(ctx, e.cfg.WorkerPollInterval)
			continue
		}

		wg.Add(1)
		telemetry.JobsActive.Inc()
		go func(id string) {
			defer func() {
				telemetry.JobsActive.Dec()
				<-activeSem
				wg.Done()
			}()
			e.runJob(ctx, id)
		}(jobID)
	}
}

// runJob processes one leased job to pause, cancellation, completion, or
// shutdown. The lease is acked on every clean ending; on shutdown it is left
// to expire so another worker picks the job up.
func (e *Engine) runJob(ctx context.Context, jobID string) {
	log := e.log.With().Str("job_id", jobID).Logger()

	keepalive, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go e.extendLease(keepalive, jobID)

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Msg("load job")
		_ = e.dispatch.Ack(context.WithoutCancel(ctx), jobID)
		return
	}
	if models.JobTerminal(job.Status) {
		// Cancelled (or otherwise finalized) between enqueue and dequeue.
		// This lease is the only observation of the terminal state, so it
		// is counted here rather than in the cancel handler.
		telemetry.JobsFinished.WithLabelValues(job.Status).Inc()
		_ = e.dispatch.Ack(context.WithoutCancel(ctx), jobID)
		return
	}

	e.releaseStale(ctx, jobID)

	if err := e.store.MarkJobStarted(ctx, jobID); err != nil && !errors.Is(err, store.ErrInvalidState) {
		log.Error().Err(err).Msg("mark started")
	}
	log.Info().Int("total_items", job.TotalItems).Int("concurrency", job.ConcurrentProcessing).Msg("job started")

	concurrency := job.ConcurrentProcessing
	if concurrency <= 0 {
		concurrency = 1
	}
	jobSem := make(chan struct{}, concurrency)

	var (
		wg     sync.WaitGroup
		halt   atomic.Bool
		paused bool
		ck     checkpointTracker
	)

claim:
	for {
		// Take the concurrency slot first so a just-finished outcome (halt,
		// stop policy) is observed before the next claim happens.
		select {
		case jobSem <- struct{}{}:
		case <-ctx.Done():
			break claim
		}

		if ctx.Err() != nil || halt.Load() {
			<-jobSem
			break
		}
		if cancelled, _ := e.dispatch.CancelRequested(ctx, jobID); cancelled {
			<-jobSem
			log.Info().Msg("cancel requested, draining in-flight items")
			break
		}
		if p, _ := e.dispatch.PauseRequested(ctx, jobID); p {
			<-jobSem
			paused = true
			log.Info().Msg("pause requested, draining in-flight items")
			break
		}

		item, ok, err := e.store.ClaimNextItem(ctx, jobID)
		if err != nil {
			<-jobSem
			log.Error().Err(err).Msg("claim item")
			sleepCtx(ctx, e.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			<-jobSem
			break claim
		}

		select {
		case e.providerSem <- struct{}{}:
		case <-ctx.Done():
			<-jobSem
			_ = e.store.ReleaseItem(context.WithoutCancel(ctx), item.ID)
			break claim
		}

		wg.Add(1)
		go func(item models.BatchItem) {
			defer func() {
				<-e.providerSem
				<-jobSem
				wg.Done()
			}()
			after, ok := e.processItem(ctx, job, item, &ck)
			if ok && (models.JobTerminal(after.Status) || after.StopTripped) {
				halt.Store(true)
			}
		}(item)
	}
	wg.Wait()

	final, err := e.store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		log.Error().Err(err).Msg("reload job")
		return
	}

	switch {
	case models.JobTerminal(final.Status):
		telemetry.JobsFinished.WithLabelValues(final.Status).Inc()
		log.Info().Str("status", final.Status).
			Int("successful", final.SuccessfulItems).
			Int("failed", final.FailedItems).
			Float64("cost", final.ActualCost).
			Msg("job finished")
		_ = e.dispatch.Ack(context.WithoutCancel(ctx), jobID)
	case paused:
		if _, err := e.store.SetStatus(context.WithoutCancel(ctx), jobID, models.JobPaused); err != nil && !errors.Is(err, store.ErrInvalidState) {
			log.Error().Err(err).Msg("pause job")
		}
		log.Info().Msg("job paused")
		_ = e.dispatch.Ack(context.WithoutCancel(ctx), jobID)
	case ctx.Err() != nil:
		// Shutdown mid-job. Leave the lease to expire so the job is requeued.
		log.Info().Msg("shutdown, releasing job to dispatch")
	default:
		// No pending items but the job is still open: items are running on
		// another worker or a stale claim is waiting out the visibility
		// window. Put the job back so it gets another look.
		_ = e.dispatch.Ack(context.WithoutCancel(ctx), jobID)
		_ = e.dispatch.Enqueue(context.WithoutCancel(ctx), jobID, final.Priority, final.CreatedAt)
	}
}

// processItem runs one generation and records its outcome. The second return
// is false when the outcome could not be applied.
func (e *Engine) processItem(ctx context.Context, job models.BatchJob, item models.BatchItem, ck *checkpointTracker) (models.BatchJob, bool) {
	log := e.log.With().Str("job_id", job.ID).Str("item_id", item.ID).Int("position", item.Position).Logger()

	telemetry.ItemsInFlight.Inc()
	start := time.Now()
	res, genErr := e.gen.Generate(ctx, provider.Request{
		Model:  e.cfg.ProviderModel,
		System: systemPrompt(item.Tier),
		Prompt: buildPrompt(item),
	})
	telemetry.ProviderLatency.Observe(time.Since(start).Seconds())
	telemetry.ItemsInFlight.Dec()

	if genErr != nil && ctx.Err() != nil {
		// Shutdown, not a real failure. Put the item back for the next worker.
		if err := e.store.ReleaseItem(context.WithoutCancel(ctx), item.ID); err != nil {
			log.Error().Err(err).Msg("release item")
		}
		return job, false
	}

	var oc models.Outcome
	if genErr != nil {
		oc = models.Outcome{Kind: models.OutcomeFailed, ErrorMessage: genErr.Error()}
		log.Warn().Err(genErr).Msg("generation failed")
	} else {
		oc = models.Outcome{
			Kind:         models.OutcomeSucceeded,
			Conversation: res.Content,
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			Cost:         res.Cost,
		}
		telemetry.ProviderCost.Add(res.Cost)
	}

	after, err := e.store.ApplyItemOutcome(context.WithoutCancel(ctx), job.ID, item.ID, oc)
	if err != nil {
		log.Error().Err(err).Msg("apply outcome")
		return job, false
	}
	telemetry.ItemsProcessed.WithLabelValues(oc.Kind).Inc()
	ck.record(item.ID, oc.Kind)

	if oc.Kind == models.OutcomeFailed && job.ErrorHandling == models.ErrorHandlingStop {
		bg := context.WithoutCancel(ctx)
		if err := e.store.TripStop(bg, job.ID); err != nil {
			log.Error().Err(err).Msg("trip stop")
		}
		skipped, err := e.store.SkipPending(bg, job.ID)
		if err != nil {
			log.Error().Err(err).Msg("skip pending")
		} else if skipped > 0 {
			telemetry.ItemsProcessed.WithLabelValues(models.OutcomeSkipped).Add(float64(skipped))
			log.Info().Int("skipped", skipped).Msg("stop policy skipped remaining items")
		}
		if fresh, err := e.store.GetJob(bg, job.ID); err == nil {
			after = fresh
		}
	}

	if every := e.cfg.CheckpointEvery; every > 0 && ck.due(every) {
		e.saveCheckpoint(context.WithoutCancel(ctx), after, ck)
	}
	return after, true
}

func (e *Engine) saveCheckpoint(ctx context.Context, job models.BatchJob, ck *checkpointTracker) {
	completed, failed := ck.snapshot()
	cp := models.Checkpoint{
		JobID:            job.ID,
		CompletedItemIDs: completed,
		FailedItemIDs:    failed,
		CheckpointedAt:   time.Now().UTC(),
	}
	if job.TotalItems > 0 {
		cp.ProgressPercentage = job.CompletedItems * 100 / job.TotalItems
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID).Msg("save checkpoint")
	}
}

// releaseStale returns items stuck in running from a previous worker crash
// back to pending so they can be claimed again.
func (e *Engine) releaseStale(ctx context.Context, jobID string) {
	items, err := e.store.ListItems(ctx, jobID)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-e.cfg.VisibilityTimeout)
	for _, item := range items {
		if item.Status != models.ItemRunning || item.ClaimedAt == nil {
			continue
		}
		if item.ClaimedAt.After(cutoff) {
			continue
		}
		if err := e.store.ReleaseItem(ctx, item.ID); err == nil {
			e.log.Warn().Str("job_id", jobID).Str("item_id", item.ID).Msg("released stale item claim")
		}
	}
}

// ProcessOne synchronously claims and generates a single item. It backs the
// polling endpoint that lets a frontend drive a batch without the worker
// daemon running.
func (e *Engine) ProcessOne(ctx context.Context, jobID string) (models.BatchItem, models.BatchJob, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.BatchItem{}, models.BatchJob{}, err
	}
	if models.JobTerminal(job.Status) {
		return models.BatchItem{}, job, store.ErrInvalidState
	}
	if job.Status == models.JobPaused {
		return models.BatchItem{}, job, fmt.Errorf("%w: job is paused", store.ErrInvalidState)
	}
	if paused, err := e.dispatch.PauseRequested(ctx, jobID); err == nil && paused {
		return models.BatchItem{}, job, fmt.Errorf("%w: pause requested", store.ErrInvalidState)
	}
	if err := e.store.MarkJobStarted(ctx, jobID); err != nil && !errors.Is(err, store.ErrInvalidState) {
		return models.BatchItem{}, job, err
	}

	item, ok, err := e.store.ClaimNextItem(ctx, jobID)
	if err != nil {
		return models.BatchItem{}, job, err
	}
	if !ok {
		return models.BatchItem{}, job, ErrNoPending
	}

	var ck checkpointTracker
	after, applied := e.processItem(ctx, job, item, &ck)
	if !applied {
		return models.BatchItem{}, job, ctx.Err()
	}

	items, err := e.store.ListItems(ctx, jobID)
	if err != nil {
		return models.BatchItem{}, after, err
	}
	for _, it := range items {
		if it.ID == item.ID {
			return it, after, nil
		}
	}
	return item, after, nil
}

func (e *Engine) extendLease(ctx context.Context, jobID string) {
	every := e.cfg.LeaseExtendEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.dispatch.ExtendLease(ctx, jobID); err != nil && ctx.Err() == nil {
				e.log.Error().Err(err).Str("job_id", jobID).Msg("extend lease")
			}
		}
	}
}

// checkpointTracker accumulates terminal item IDs between checkpoints.
type checkpointTracker struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	sinceSave int
}

func (c *checkpointTracker) record(itemID, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == models.OutcomeSucceeded {
		c.completed = append(c.completed, itemID)
	} else {
		c.failed = append(c.failed, itemID)
	}
	c.sinceSave++
}

func (c *checkpointTracker) due(every int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sinceSave >= every {
		c.sinceSave = 0
		return true
	}
	return false
}

func (c *checkpointTracker) snapshot() (completed, failed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.completed...), append([]string(nil), c.failed...)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
