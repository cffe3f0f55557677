package store

import (
	"context"
	"errors"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

var (
	// ErrTaskNotFound is returned when no task exists for the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned by CreateTask when a task with the same id is
	// already stored. Chain advances rely on it to dedupe redelivered results.
	ErrTaskExists = errors.New("task already exists")
	// ErrStatusMismatch is returned when a compare-and-swap update observes a
	// status other than the expected one. The caller must back off: someone
	// else already moved the task.
	ErrStatusMismatch = errors.New("task status mismatch")
)

// TaskFields carries the optional fields written together with a status
// transition. Nil pointers leave the stored value untouched.
type TaskFields struct {
	OwnerAgentID *string
	Result       map[string]interface{}
	Error        *string
	RetryCount   *int
	Priority     *int
	StartedAt    *time.Time
	ClearStarted bool
	CompletedAt  *time.Time
}

// TaskStore is the single source of truth for task state and ownership.
// All ownership transitions go through UpdateTaskStatus, whose CAS semantics
// guarantee that two concurrent claimants cannot both win.
type TaskStore interface {
	// CreateTask persists a new task record. Returns ErrTaskExists when the
	// id is already taken.
	CreateTask(ctx context.Context, task *models.AgentTask) error

	// GetTask returns the task with the given id, or ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*models.AgentTask, error)

	// UpdateTaskStatus transitions a task from expected to next, applying the
	// given fields atomically. Returns ErrStatusMismatch when the stored
	// status differs from expected.
	UpdateTaskStatus(ctx context.Context, id string, expected, next models.TaskStatus, fields TaskFields) error

	// QueryPendingTasks returns every task currently in the pending state.
	// The orchestrator uses it to rebuild its queues after a restart.
	QueryPendingTasks(ctx context.Context) ([]*models.AgentTask, error)

	// QueryStuckTasks returns non-terminal tasks whose last update is older
	// than the given instant. Used by the orchestrator's reconciliation pass.
	QueryStuckTasks(ctx context.Context, olderThan time.Time) ([]*models.AgentTask, error)

	// QueryTasksByOwner returns the assigned or running tasks owned by the
	// given agent instance.
	QueryTasksByOwner(ctx context.Context, agentID string) ([]*models.AgentTask, error)
}

// StringPtr is a small helper for populating TaskFields.
func StringPtr(s string) *string { return &s }

// IntPtr is a small helper for populating TaskFields.
func IntPtr(i int) *int { return &i }

// TimePtr is a small helper for populating TaskFields.
func TimePtr(t time.Time) *time.Time { return &t }
