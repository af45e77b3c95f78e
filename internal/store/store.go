package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
)

// ErrNotFound marks a lookup for a job or item id that does not exist,
// distinct from transient store failures.
var ErrNotFound = errors.New("not found")

// ErrInvalidState marks an illegal lifecycle transition, for example
// cancelling a job that already reached a terminal status.
var ErrInvalidState = errors.New("invalid state")

// ItemSpec is one generation unit submitted with a new job.
type ItemSpec struct {
	Position   int
	Topic      string
	Tier       string
	Parameters json.RawMessage
}

// CreateJobParams collects inputs required to insert a job with its items.
type CreateJobParams struct {
	Name                 string
	Items                []ItemSpec
	Priority             int
	ConcurrentProcessing int
	ErrorHandling        string
	EstimatedCost        float64
	CreatedBy            string
}

// ListFilter narrows ListJobs results. Zero values match everything.
type ListFilter struct {
	Status    string
	CreatedBy string
}

// Store is the persistence contract shared by the API and worker services.
//
// Creation is atomic: either the job and every item land, or nothing does.
// Counter mutation goes through ApplyItemOutcome and SkipPending only, which
// apply single-statement increments so concurrent workers never lose updates.
type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.BatchJob, error)
	GetJob(ctx context.Context, id string) (models.BatchJob, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]models.BatchJob, error)
	ListItems(ctx context.Context, jobID string) ([]models.BatchItem, error)

	// ClaimNextItem leases the oldest pending item of the job, by submission
	// position. The second return is false when no pending item remains.
	// Claiming is exclusive until the item reaches a terminal status or is
	// released.
	ClaimNextItem(ctx context.Context, jobID string) (models.BatchItem, bool, error)
	// ReleaseItem returns a running item to pending. Escape hatch for worker
	// crash recovery.
	ReleaseItem(ctx context.Context, itemID string) error

	// MarkJobStarted transitions queued -> processing and stamps started_at.
	// No-op when the job is already processing.
	MarkJobStarted(ctx context.Context, jobID string) error
	// ApplyItemOutcome records a terminal item transition, bumps the job
	// counters, and finalizes the job once every item is terminal. It returns
	// the job as observed after the update.
	ApplyItemOutcome(ctx context.Context, jobID, itemID string, oc models.Outcome) (models.BatchJob, error)
	// TripStop flags the stop error-handling policy so finalization settles
	// on failed rather than completed.
	TripStop(ctx context.Context, jobID string) error
	// SkipPending marks every pending item skipped, counts them as failed at
	// the job level, and finalizes if that drains the job. Used by the stop
	// policy. Returns how many items were skipped.
	SkipPending(ctx context.Context, jobID string) (int, error)

	// SetStatus applies an explicit transition (pause, resume). Illegal
	// transitions, including any move out of a terminal status, return
	// ErrInvalidState.
	SetStatus(ctx context.Context, jobID, status string) (models.BatchJob, error)
	// RequestCancel cancels a non-terminal job: status becomes cancelled
	// immediately, pending items are marked skipped without touching the
	// counters, and in-flight items are left to drain.
	RequestCancel(ctx context.Context, jobID string) (models.BatchJob, error)

	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
	GetCheckpoint(ctx context.Context, jobID string) (models.Checkpoint, error)
	SaveArtifact(ctx context.Context, a models.Artifact) error
}

// legalTransition encodes the explicit job state machine used by SetStatus.
// Terminal statuses have no outgoing edges. Automatic transitions
// (finalization, cancellation) are handled by their dedicated methods.
func legalTransition(from, to string) bool {
	switch from {
	case models.JobQueued:
		return to == models.JobProcessing || to == models.JobPaused
	case models.JobProcessing:
		return to == models.JobPaused
	case models.JobPaused:
		return to == models.JobProcessing
	}
	return false
}
