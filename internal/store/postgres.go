package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
)

// Postgres wraps pgxpool for batch job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, name, status, total_items, completed_items, successful_items, failed_items,
	priority, concurrent_processing, error_handling, cancel_requested, stop_tripped,
	estimated_cost, actual_cost, created_by, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (models.BatchJob, error) {
	var j models.BatchJob
	err := row.Scan(
		&j.ID, &j.Name, &j.Status, &j.TotalItems, &j.CompletedItems, &j.SuccessfulItems, &j.FailedItems,
		&j.Priority, &j.ConcurrentProcessing, &j.ErrorHandling, &j.CancelRequested, &j.StopTripped,
		&j.EstimatedCost, &j.ActualCost, &j.CreatedBy, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BatchJob{}, ErrNotFound
	}
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

const itemColumns = `id, batch_job_id, position, topic, tier, parameters, status, conversation,
	error_message, input_tokens, output_tokens, cost, attempts, claimed_at, completed_at, created_at`

func scanItem(row pgx.Row) (models.BatchItem, error) {
	var it models.BatchItem
	var params, conv []byte
	err := row.Scan(
		&it.ID, &it.JobID, &it.Position, &it.Topic, &it.Tier, &params, &it.Status, &conv,
		&it.ErrorMessage, &it.InputTokens, &it.OutputTokens, &it.Cost, &it.Attempts,
		&it.ClaimedAt, &it.CompletedAt, &it.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BatchItem{}, ErrNotFound
	}
	if err != nil {
		return models.BatchItem{}, fmt.Errorf("scan item: %w", err)
	}
	it.Parameters = json.RawMessage(params)
	it.Conversation = json.RawMessage(conv)
	return it, nil
}

// CreateJob inserts the job and all of its items in one transaction.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.BatchJob, error) {
	if len(p.Items) == 0 {
		return models.BatchJob{}, fmt.Errorf("%w: a job needs at least one item", ErrInvalidState)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()

	_, err = tx.Exec(ctx, `
		INSERT INTO batch_jobs (
			id, name, status, total_items, completed_items, successful_items, failed_items,
			priority, concurrent_processing, error_handling, cancel_requested, stop_tripped,
			estimated_cost, actual_cost, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 0, 0, 0, $5, $6, $7, FALSE, FALSE, $8, 0, $9, NOW(), NOW())
	`, id, p.Name, models.JobQueued, len(p.Items), p.Priority, p.ConcurrentProcessing,
		p.ErrorHandling, p.EstimatedCost, p.CreatedBy)
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("insert job: %w", err)
	}

	for _, item := range p.Items {
		params := item.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO batch_items (id, batch_job_id, position, topic, tier, parameters, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		`, uuid.New().String(), id, item.Position, item.Topic, item.Tier, params, models.ItemPending)
		if err != nil {
			return models.BatchJob{}, fmt.Errorf("insert item at position %d: %w", item.Position, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.BatchJob{}, fmt.Errorf("commit: %w", err)
	}

	return s.GetJob(ctx, id)
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.BatchJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Postgres) ListJobs(ctx context.Context, filter ListFilter) ([]models.BatchJob, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + jobColumns + ` FROM batch_jobs`)

	args := make([]any, 0, 2)
	conds := make([]string, 0, 2)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CreatedBy != "" {
		args = append(args, filter.CreatedBy)
		conds = append(conds, fmt.Sprintf("created_by = $%d", len(args)))
	}
	if len(conds) > 0 {
		query.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	query.WriteString(" ORDER BY created_at DESC")

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.BatchJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return jobs, nil
}

// ListItems returns a job's items in submission order.
func (s *Postgres) ListItems(ctx context.Context, jobID string) ([]models.BatchItem, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM batch_items WHERE batch_job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make([]models.BatchItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate items: %w", rows.Err())
	}
	return items, nil
}

// ClaimNextItem leases the oldest pending item using SKIP LOCKED so parallel
// claimants never receive the same row.
func (s *Postgres) ClaimNextItem(ctx context.Context, jobID string) (models.BatchItem, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE batch_items
		SET status = $2, attempts = attempts + 1, claimed_at = NOW()
		WHERE id = (
			SELECT id FROM batch_items
			WHERE batch_job_id = $1 AND status = $3
			ORDER BY position
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+itemColumns,
		jobID, models.ItemRunning, models.ItemPending)

	item, err := scanItem(row)
	if errors.Is(err, ErrNotFound) {
		// No pending item left. Distinguish empty queue from unknown job.
		if _, jerr := s.GetJob(ctx, jobID); jerr != nil {
			return models.BatchItem{}, false, jerr
		}
		return models.BatchItem{}, false, nil
	}
	if err != nil {
		return models.BatchItem{}, false, err
	}
	return item, true, nil
}

// ReleaseItem returns a running item to pending.
func (s *Postgres) ReleaseItem(ctx context.Context, itemID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_items SET status = $2, claimed_at = NULL
		WHERE id = $1 AND status = $3
	`, itemID, models.ItemPending, models.ItemRunning)
	if err != nil {
		return fmt.Errorf("release item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// MarkJobStarted flips queued -> processing and stamps started_at once.
func (s *Postgres) MarkJobStarted(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_jobs
		SET status = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)
	`, jobID, models.JobProcessing, models.JobQueued)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

// ApplyItemOutcome persists a terminal item result and bumps job counters in
// a single statement per table, so concurrent completions cannot lose
// increments. An item that already reached a terminal status is left alone
// and no counter moves, which keeps duplicate reports idempotent.
func (s *Postgres) ApplyItemOutcome(ctx context.Context, jobID, itemID string, oc models.Outcome) (models.BatchJob, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	conv := []byte(oc.Conversation)
	if len(conv) == 0 {
		conv = nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE batch_items
		SET status = $3, conversation = $4, error_message = $5,
			input_tokens = $6, output_tokens = $7, cost = $8, completed_at = NOW()
		WHERE id = $1 AND batch_job_id = $2 AND status IN ($9, $10)
	`, itemID, jobID, models.ItemStatusForOutcome(oc.Kind), conv, oc.ErrorMessage,
		oc.InputTokens, oc.OutputTokens, oc.Cost, models.ItemRunning, models.ItemPending)
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM batch_items WHERE id = $1 AND batch_job_id = $2)`,
			itemID, jobID).Scan(&exists); err != nil {
			return models.BatchJob{}, fmt.Errorf("check item: %w", err)
		}
		if !exists {
			return models.BatchJob{}, ErrNotFound
		}
		if err := tx.Commit(ctx); err != nil {
			return models.BatchJob{}, fmt.Errorf("commit: %w", err)
		}
		return s.GetJob(ctx, jobID)
	}

	succ := 0
	if oc.Kind == models.OutcomeSucceeded {
		succ = 1
	}
	row := tx.QueryRow(ctx, `
		UPDATE batch_jobs
		SET completed_items = completed_items + 1,
			successful_items = successful_items + $2,
			failed_items = failed_items + 1 - $2,
			actual_cost = actual_cost + $3,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, succ, oc.Cost)
	job, err := scanJob(row)
	if err != nil {
		return models.BatchJob{}, err
	}

	if job.CompletedItems >= job.TotalItems && !models.JobTerminal(job.Status) {
		job, err = finalizeTx(ctx, tx, job)
		if err != nil {
			return models.BatchJob{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.BatchJob{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// finalizeTx settles a fully drained job on its terminal status.
func finalizeTx(ctx context.Context, tx pgx.Tx, job models.BatchJob) (models.BatchJob, error) {
	final := models.JobCompleted
	switch {
	case job.CancelRequested:
		final = models.JobCancelled
	case job.StopTripped:
		final = models.JobFailed
	}
	row := tx.QueryRow(ctx, `
		UPDATE batch_jobs
		SET status = $2, completed_at = COALESCE(completed_at, NOW()), updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, job.ID, final)
	return scanJob(row)
}

// TripStop flags the stop policy so a drained job settles on failed.
func (s *Postgres) TripStop(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET stop_tripped = TRUE, updated_at = NOW() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("trip stop: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SkipPending marks every pending item skipped and counts them as failed.
func (s *Postgres) SkipPending(ctx context.Context, jobID string) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE batch_items SET status = $2, completed_at = NOW()
		WHERE batch_job_id = $1 AND status = $3
	`, jobID, models.ItemSkipped, models.ItemPending)
	if err != nil {
		return 0, fmt.Errorf("skip pending items: %w", err)
	}
	n := int(tag.RowsAffected())
	if n == 0 {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit: %w", err)
		}
		return 0, nil
	}

	row := tx.QueryRow(ctx, `
		UPDATE batch_jobs
		SET completed_items = completed_items + $2,
			failed_items = failed_items + $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, n)
	job, err := scanJob(row)
	if err != nil {
		return 0, err
	}

	if job.CompletedItems >= job.TotalItems && !models.JobTerminal(job.Status) {
		if _, err := finalizeTx(ctx, tx, job); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// SetStatus applies an explicit pause or resume transition.
func (s *Postgres) SetStatus(ctx context.Context, jobID, status string) (models.BatchJob, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return models.BatchJob{}, err
	}
	if !legalTransition(job.Status, status) {
		return models.BatchJob{}, fmt.Errorf("%w: %s -> %s", ErrInvalidState, job.Status, status)
	}

	job, err = scanJob(tx.QueryRow(ctx, `
		UPDATE batch_jobs SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, status))
	if err != nil {
		return models.BatchJob{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.BatchJob{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// RequestCancel cancels a non-terminal job. Pending items move to skipped
// without counter changes; the cancelled status already settles the job, so
// draining in-flight items may still bump counters but never the status.
func (s *Postgres) RequestCancel(ctx context.Context, jobID string) (models.BatchJob, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return models.BatchJob{}, err
	}
	if models.JobTerminal(job.Status) {
		return models.BatchJob{}, fmt.Errorf("%w: job is already %s", ErrInvalidState, job.Status)
	}

	job, err = scanJob(tx.QueryRow(ctx, `
		UPDATE batch_jobs
		SET status = $2, cancel_requested = TRUE, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, models.JobCancelled))
	if err != nil {
		return models.BatchJob{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE batch_items SET status = $2, completed_at = NOW()
		WHERE batch_job_id = $1 AND status = $3
	`, jobID, models.ItemSkipped, models.ItemPending)
	if err != nil {
		return models.BatchJob{}, fmt.Errorf("skip pending items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.BatchJob{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// SaveCheckpoint upserts the per-job progress snapshot.
func (s *Postgres) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	completed, err := json.Marshal(cp.CompletedItemIDs)
	if err != nil {
		return fmt.Errorf("marshal completed ids: %w", err)
	}
	failed, err := json.Marshal(cp.FailedItemIDs)
	if err != nil {
		return fmt.Errorf("marshal failed ids: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO batch_checkpoints (job_id, completed_item_ids, failed_item_ids, progress_percentage, checkpointed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET completed_item_ids = EXCLUDED.completed_item_ids,
			failed_item_ids = EXCLUDED.failed_item_ids,
			progress_percentage = EXCLUDED.progress_percentage,
			checkpointed_at = NOW()
	`, cp.JobID, completed, failed, cp.ProgressPercentage)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads the latest checkpoint for a job.
func (s *Postgres) GetCheckpoint(ctx context.Context, jobID string) (models.Checkpoint, error) {
	var cp models.Checkpoint
	var completed, failed []byte
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, completed_item_ids, failed_item_ids, progress_percentage, checkpointed_at
		FROM batch_checkpoints WHERE job_id = $1
	`, jobID).Scan(&cp.JobID, &completed, &failed, &cp.ProgressPercentage, &cp.CheckpointedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("query checkpoint: %w", err)
	}
	if err := json.Unmarshal(completed, &cp.CompletedItemIDs); err != nil {
		return models.Checkpoint{}, fmt.Errorf("unmarshal completed ids: %w", err)
	}
	if err := json.Unmarshal(failed, &cp.FailedItemIDs); err != nil {
		return models.Checkpoint{}, fmt.Errorf("unmarshal failed ids: %w", err)
	}
	return cp, nil
}

// SaveArtifact records an exported training file.
func (s *Postgres) SaveArtifact(ctx context.Context, a models.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batch_artifacts (id, job_id, kind, location, item_count, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, a.ID, a.JobID, a.Kind, a.Location, a.ItemCount, a.SizeBytes)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}
