package store

import (
	"context"
	"sync"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// MemoryStore is an in-process TaskStore used by tests and single-binary
// deployments. The CAS in UpdateTaskStatus is enforced under one mutex.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*models.AgentTask
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.AgentTask)}
}

func (s *MemoryStore) CreateTask(_ context.Context, task *models.AgentTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return ErrTaskExists
	}
	now := time.Now().UTC()
	cp := *task
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tasks[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*models.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id string, expected, next models.TaskStatus, fields TaskFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != expected {
		return ErrStatusMismatch
	}

	task.Status = next
	task.UpdatedAt = time.Now().UTC()
	if fields.OwnerAgentID != nil {
		task.OwnerAgentID = *fields.OwnerAgentID
	}
	if fields.Result != nil {
		task.Result = fields.Result
	}
	if fields.Error != nil {
		task.Error = *fields.Error
	}
	if fields.RetryCount != nil {
		task.RetryCount = *fields.RetryCount
	}
	if fields.Priority != nil {
		task.Priority = *fields.Priority
	}
	if fields.StartedAt != nil {
		task.StartedAt = fields.StartedAt
	}
	if fields.ClearStarted {
		task.StartedAt = nil
	}
	if fields.CompletedAt != nil {
		task.CompletedAt = fields.CompletedAt
	}
	return nil
}

func (s *MemoryStore) QueryPendingTasks(_ context.Context) ([]*models.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AgentTask
	for _, task := range s.tasks {
		if task.Status == models.TaskStatusPending {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryStuckTasks(_ context.Context, olderThan time.Time) ([]*models.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AgentTask
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusAssigned && task.Status != models.TaskStatusRunning {
			continue
		}
		if task.UpdatedAt.Before(olderThan) {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryTasksByOwner(_ context.Context, agentID string) ([]*models.AgentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AgentTask
	for _, task := range s.tasks {
		if task.OwnerAgentID != agentID {
			continue
		}
		if task.Status == models.TaskStatusAssigned || task.Status == models.TaskStatusRunning {
			cp := *task
			out = append(out, &cp)
		}
	}
	return out, nil
}
