package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
)

// Memory keeps jobs and items in process memory. Used by tests and local
// development without Postgres; the mutex is the per-job serialization point
// that keeps counter updates atomic.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*models.BatchJob
	items       map[string][]*models.BatchItem // keyed by job id, position order
	checkpoints map[string]models.Checkpoint
	artifacts   map[string][]models.Artifact
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*models.BatchJob),
		items:       make(map[string][]*models.BatchItem),
		checkpoints: make(map[string]models.Checkpoint),
		artifacts:   make(map[string][]models.Artifact),
	}
}

func cloneJob(j *models.BatchJob) models.BatchJob {
	clone := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	return clone
}

func cloneItem(it *models.BatchItem) models.BatchItem {
	clone := *it
	clone.Parameters = append(json.RawMessage(nil), it.Parameters...)
	clone.Conversation = append(json.RawMessage(nil), it.Conversation...)
	if it.ClaimedAt != nil {
		t := *it.ClaimedAt
		clone.ClaimedAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		clone.CompletedAt = &t
	}
	return clone
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.BatchJob, error) {
	if len(p.Items) == 0 {
		return models.BatchJob{}, fmt.Errorf("%w: a job needs at least one item", ErrInvalidState)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	job := &models.BatchJob{
		ID:                   uuid.NewString(),
		Name:                 p.Name,
		Status:               models.JobQueued,
		TotalItems:           len(p.Items),
		Priority:             p.Priority,
		ConcurrentProcessing: p.ConcurrentProcessing,
		ErrorHandling:        p.ErrorHandling,
		EstimatedCost:        p.EstimatedCost,
		CreatedBy:            p.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	m.jobs[job.ID] = job

	items := make([]*models.BatchItem, 0, len(p.Items))
	for _, spec := range p.Items {
		params := spec.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		items = append(items, &models.BatchItem{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			Position:   spec.Position,
			Topic:      spec.Topic,
			Tier:       spec.Tier,
			Parameters: append(json.RawMessage(nil), params...),
			Status:     models.ItemPending,
			CreatedAt:  now,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	m.items[job.ID] = items

	return cloneJob(job), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.BatchJob{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, filter ListFilter) ([]models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]models.BatchJob, 0)
	for _, job := range m.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && job.CreatedBy != filter.CreatedBy {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

func (m *Memory) ListItems(_ context.Context, jobID string) ([]models.BatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, ok := m.items[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]models.BatchItem, 0, len(items))
	for _, it := range items {
		out = append(out, cloneItem(it))
	}
	return out, nil
}

func (m *Memory) ClaimNextItem(_ context.Context, jobID string) (models.BatchItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, ok := m.items[jobID]
	if !ok {
		return models.BatchItem{}, false, ErrNotFound
	}
	for _, it := range items {
		if it.Status != models.ItemPending {
			continue
		}
		now := time.Now().UTC()
		it.Status = models.ItemRunning
		it.Attempts++
		it.ClaimedAt = &now
		return cloneItem(it), true, nil
	}
	return models.BatchItem{}, false, nil
}

func (m *Memory) ReleaseItem(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.findItem(itemID)
	if it == nil {
		return ErrNotFound
	}
	if it.Status != models.ItemRunning {
		return ErrInvalidState
	}
	it.Status = models.ItemPending
	it.ClaimedAt = nil
	return nil
}

func (m *Memory) findItem(itemID string) *models.BatchItem {
	for _, items := range m.items {
		for _, it := range items {
			if it.ID == itemID {
				return it
			}
		}
	}
	return nil
}

func (m *Memory) MarkJobStarted(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	switch job.Status {
	case models.JobProcessing:
		return nil
	case models.JobQueued:
		now := time.Now().UTC()
		job.Status = models.JobProcessing
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.UpdatedAt = now
		return nil
	}
	return ErrInvalidState
}

func (m *Memory) ApplyItemOutcome(_ context.Context, jobID, itemID string, oc models.Outcome) (models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return models.BatchJob{}, ErrNotFound
	}
	items := m.items[jobID]
	var item *models.BatchItem
	for _, it := range items {
		if it.ID == itemID {
			item = it
			break
		}
	}
	if item == nil {
		return models.BatchJob{}, ErrNotFound
	}
	if item.Status != models.ItemRunning && item.Status != models.ItemPending {
		// Duplicate report, counters stay put.
		return cloneJob(job), nil
	}

	now := time.Now().UTC()
	item.Status = models.ItemStatusForOutcome(oc.Kind)
	item.Conversation = append(json.RawMessage(nil), oc.Conversation...)
	item.ErrorMessage = oc.ErrorMessage
	item.InputTokens = oc.InputTokens
	item.OutputTokens = oc.OutputTokens
	item.Cost = oc.Cost
	item.CompletedAt = &now

	job.CompletedItems++
	if oc.Kind == models.OutcomeSucceeded {
		job.SuccessfulItems++
	} else {
		job.FailedItems++
	}
	job.ActualCost += oc.Cost
	job.UpdatedAt = now

	m.finalizeLocked(job, now)
	return cloneJob(job), nil
}

// finalizeLocked settles a drained job. Caller holds m.mu.
func (m *Memory) finalizeLocked(job *models.BatchJob, now time.Time) {
	if job.CompletedItems < job.TotalItems || models.JobTerminal(job.Status) {
		return
	}
	switch {
	case job.CancelRequested:
		job.Status = models.JobCancelled
	case job.StopTripped:
		job.Status = models.JobFailed
	default:
		job.Status = models.JobCompleted
	}
	if job.CompletedAt == nil {
		job.CompletedAt = &now
	}
}

func (m *Memory) TripStop(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.StopTripped = true
	return nil
}

func (m *Memory) SkipPending(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return 0, ErrNotFound
	}
	now := time.Now().UTC()
	n := 0
	for _, it := range m.items[jobID] {
		if it.Status != models.ItemPending {
			continue
		}
		it.Status = models.ItemSkipped
		it.CompletedAt = &now
		n++
	}
	if n > 0 {
		job.CompletedItems += n
		job.FailedItems += n
		job.UpdatedAt = now
		m.finalizeLocked(job, now)
	}
	return n, nil
}

func (m *Memory) SetStatus(_ context.Context, jobID, status string) (models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return models.BatchJob{}, ErrNotFound
	}
	if !legalTransition(job.Status, status) {
		return models.BatchJob{}, fmt.Errorf("%w: %s -> %s", ErrInvalidState, job.Status, status)
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	return cloneJob(job), nil
}

func (m *Memory) RequestCancel(_ context.Context, jobID string) (models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return models.BatchJob{}, ErrNotFound
	}
	if models.JobTerminal(job.Status) {
		return models.BatchJob{}, fmt.Errorf("%w: job is already %s", ErrInvalidState, job.Status)
	}

	now := time.Now().UTC()
	job.Status = models.JobCancelled
	job.CancelRequested = true
	job.CompletedAt = &now
	job.UpdatedAt = now

	for _, it := range m.items[jobID] {
		if it.Status == models.ItemPending {
			it.Status = models.ItemSkipped
			it.CompletedAt = &now
		}
	}
	return cloneJob(job), nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[cp.JobID]; !ok {
		return ErrNotFound
	}
	cp.CheckpointedAt = time.Now().UTC()
	m.checkpoints[cp.JobID] = cp
	return nil
}

func (m *Memory) GetCheckpoint(_ context.Context, jobID string) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[jobID]
	if !ok {
		return models.Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (m *Memory) SaveArtifact(_ context.Context, a models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[a.JobID]; !ok {
		return ErrNotFound
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	m.artifacts[a.JobID] = append(m.artifacts[a.JobID], a)
	return nil
}
