package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OptiInfra/Platform/rollout/internal/models"
)

// MemoryStore keeps workflows in a map. Serves dev mode and tests; every
// value crossing the boundary is deep-copied so callers never share state
// with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*models.WorkflowState
	claims    map[uuid.UUID]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: map[uuid.UUID]*models.WorkflowState{},
		claims:    map[uuid.UUID]time.Time{},
	}
}

func (m *MemoryStore) CreateWorkflow(ctx context.Context, st *models.WorkflowState) (*models.WorkflowState, error) {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[st.ID] = st.Clone()
	return st.Clone(), nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, filter ListFilter) ([]*models.WorkflowState, error) {
	m.mu.RLock()
	var matched []*models.WorkflowState
	for _, st := range m.workflows {
		if filter.CustomerID != "" && st.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		matched = append(matched, st.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	limit := normalizeLimit(filter.Limit)
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) SaveWorkflow(ctx context.Context, st *models.WorkflowState) (*models.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.workflows[st.ID]
	if !ok {
		return nil, ErrNotFound
	}
	updated := st.Clone()
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	m.workflows[st.ID] = updated
	return updated.Clone(), nil
}

func (m *MemoryStore) ClaimNextPending(ctx context.Context) (*models.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var (
		selected *models.WorkflowState
		found    bool
	)
	for _, st := range m.workflows {
		if st.Status != models.StatusPending {
			continue
		}
		if claimed, ok := m.claims[st.ID]; ok && now.Sub(claimed) < 10*time.Minute {
			continue
		}
		if !found || st.CreatedAt.Before(selected.CreatedAt) {
			selected = st
			found = true
		}
	}
	if !found {
		return nil, ErrNotFound
	}
	m.claims[selected.ID] = now
	selected.UpdatedAt = now
	return selected.Clone(), nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, id uuid.UUID) (*models.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	st.CancelRequested = true
	st.UpdatedAt = time.Now().UTC()
	return st.Clone(), nil
}

func (m *MemoryStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.workflows[id]
	if !ok {
		return false, ErrNotFound
	}
	return st.CancelRequested, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
