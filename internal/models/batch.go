package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates batch job lifecycle states persisted in Postgres.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobPaused     = "paused"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// ItemStatus enumerates per-item states.
const (
	ItemPending   = "pending"
	ItemRunning   = "running"
	ItemSucceeded = "succeeded"
	ItemFailed    = "failed"
	ItemSkipped   = "skipped"
)

// Error handling policies applied when an item fails.
const (
	ErrorHandlingStop     = "stop"
	ErrorHandlingContinue = "continue"
)

// JobTerminal reports whether a job status permits no further transitions.
func JobTerminal(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// BatchJob is a generation run composed of many items. Counters obey
// CompletedItems = SuccessfulItems + FailedItems <= TotalItems;
// skipped items count into FailedItems at the job level.
type BatchJob struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Status               string     `json:"status"`
	TotalItems           int        `json:"totalItems"`
	CompletedItems       int        `json:"completedItems"`
	SuccessfulItems      int        `json:"successfulItems"`
	FailedItems          int        `json:"failedItems"`
	Priority             int        `json:"priority"`
	ConcurrentProcessing int        `json:"concurrentProcessing"`
	ErrorHandling        string     `json:"errorHandling"`
	CancelRequested      bool       `json:"cancelRequested"`
	StopTripped          bool       `json:"stopTripped"`
	EstimatedCost        float64    `json:"estimatedCost"`
	ActualCost           float64    `json:"actualCost"`
	CreatedBy            string     `json:"createdBy"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Progress derives the polling view from the counters.
func (j BatchJob) Progress() Progress {
	p := Progress{
		Total:      j.TotalItems,
		Completed:  j.CompletedItems,
		Successful: j.SuccessfulItems,
		Failed:     j.FailedItems,
	}
	if j.TotalItems > 0 {
		p.Percentage = float64(j.CompletedItems) / float64(j.TotalItems) * 100
	}
	return p
}

// Progress is the job-level completion summary returned by status endpoints.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Percentage float64 `json:"percentage"`
}

// BatchItem is a single generation unit. JobID never changes after creation
// and an item is claimed by at most one worker at a time.
type BatchItem struct {
	ID           string          `json:"id"`
	JobID        string          `json:"jobId"`
	Position     int             `json:"position"`
	Topic        string          `json:"topic"`
	Tier         string          `json:"tier"`
	Parameters   json.RawMessage `json:"parameters"`
	Status       string          `json:"status"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	InputTokens  int             `json:"inputTokens"`
	OutputTokens int             `json:"outputTokens"`
	Cost         float64         `json:"cost"`
	Attempts     int             `json:"attempts"`
	ClaimedAt    *time.Time      `json:"claimedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Outcome kinds for a terminal item transition.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Outcome is the tagged result of one item execution. Conversation and usage
// fields are only meaningful when Kind is OutcomeSucceeded; ErrorMessage only
// when Kind is OutcomeFailed.
type Outcome struct {
	Kind         string          `json:"kind"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
	InputTokens  int             `json:"inputTokens,omitempty"`
	OutputTokens int             `json:"outputTokens,omitempty"`
	Cost         float64         `json:"cost,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// ItemStatusForOutcome maps an outcome kind to the persisted item status.
func ItemStatusForOutcome(kind string) string {
	switch kind {
	case OutcomeSucceeded:
		return ItemSucceeded
	case OutcomeSkipped:
		return ItemSkipped
	default:
		return ItemFailed
	}
}

// Checkpoint is a periodic snapshot of job progress used for resume after
// worker restarts.
type Checkpoint struct {
	JobID              string    `json:"jobId"`
	CompletedItemIDs   []string  `json:"completedItemIds"`
	FailedItemIDs      []string  `json:"failedItemIds"`
	ProgressPercentage int       `json:"progressPercentage"`
	CheckpointedAt     time.Time `json:"checkpointedAt"`
}

// Artifact records an exported training file for a finished job.
type Artifact struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Kind      string    `json:"kind"`
	Location  string    `json:"location"`
	ItemCount int       `json:"itemCount"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}
