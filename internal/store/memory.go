package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"shaggydog/internal/models"
)

// Memory is an in-process store with the same invariants as Store. It backs
// tests and the smoke-test command; nothing survives the process.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	assets map[string][]models.Asset
	audit  map[string][]models.AuditLog
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]models.Job),
		assets: make(map[string][]models.Asset),
		audit:  make(map[string][]models.AuditLog),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateJob(_ context.Context, ownerToken string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	job := models.Job{
		ID:         uuid.New().String(),
		OwnerToken: ownerToken,
		Status:     models.StatusProcessing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.jobs[job.ID] = job
	return cloneJob(job), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, ownerToken string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.OwnerToken == ownerToken {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetBreed(_ context.Context, id, breed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status != models.StatusProcessing {
		return fmt.Errorf("job %s: %w", id, ErrTerminal)
	}
	if job.Breed != nil {
		return fmt.Errorf("job %s: %w", id, ErrBreedSet)
	}
	job.Breed = &breed
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	return nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id string, status string, errorMessage *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status != models.StatusProcessing {
		return fmt.Errorf("job %s: %w", id, ErrTerminal)
	}
	job.Status = status
	job.ErrorMessage = copyStr(errorMessage)
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	return nil
}

func (m *Memory) AddAsset(_ context.Context, jobID string, kind models.AssetKind, mimeType string, data []byte) (models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Asset{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if job.Status != models.StatusProcessing {
		return models.Asset{}, fmt.Errorf("job %s: %w", jobID, ErrTerminal)
	}
	for _, a := range m.assets[jobID] {
		if a.Kind == kind {
			return models.Asset{}, fmt.Errorf("job %s %s: %w", jobID, kind, ErrAssetExists)
		}
	}
	asset := models.Asset{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Kind:      kind,
		MimeType:  mimeType,
		Data:      append([]byte(nil), data...),
		CreatedAt: m.now(),
	}
	m.assets[jobID] = append(m.assets[jobID], asset)
	return asset, nil
}

func (m *Memory) GetAsset(_ context.Context, jobID string, kind models.AssetKind) (models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assets[jobID] {
		if a.Kind == kind {
			return a, nil
		}
	}
	return models.Asset{}, fmt.Errorf("asset %s/%s: %w", jobID, kind, ErrNotFound)
}

func (m *Memory) ListAssets(_ context.Context, jobID string) ([]models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Asset(nil), m.assets[jobID]...), nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !models.IsTerminal(job.Status) {
		return fmt.Errorf("job %s: %w", id, ErrStillRunning)
	}
	delete(m.jobs, id)
	delete(m.assets, id)
	delete(m.audit, id)
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[jobID] = append(m.audit[jobID], models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: m.now()})
	return nil
}

func (m *Memory) AuditTrail(_ context.Context, jobID string) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditLog(nil), m.audit[jobID]...), nil
}

func cloneJob(j models.Job) models.Job {
	j.Breed = copyStr(j.Breed)
	j.ErrorMessage = copyStr(j.ErrorMessage)
	return j
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
