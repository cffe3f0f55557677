package agent

import (
	"context"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// State tracks where an agent instance is in its lifecycle. Transitions only
// move forward except for the Ready and Processing pair, which alternate while
// tasks flow.
type State string

const (
	StateInitializing State = "initializing"
	StateRegistering  State = "registering"
	StateReady        State = "ready"
	StateProcessing   State = "processing"
	StateDraining     State = "draining"
	StateStopped      State = "stopped"
)

// Agent is the behavior a concrete agent plugs into the shared runtime.
// The runtime owns registration, heartbeats, task claiming, retries and
// shutdown; the implementation only does domain work.
type Agent interface {
	// Type names the task pipeline this agent serves.
	Type() models.AgentType

	// OnStart runs once before the agent starts accepting tasks. Warm caches,
	// open downstream connections, replay state.
	OnStart(ctx context.Context) error

	// Handle executes one task and returns its result payload. Returning an
	// error marks the attempt failed; wrap with Permanent to skip retries.
	// The context is cancelled when the task is cancelled, the running SLA
	// expires or the agent drains.
	Handle(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error)

	// Healthy reports whether the agent can currently do useful work.
	Healthy(ctx context.Context) error

	// OnShutdown runs after the last in-flight task finishes.
	OnShutdown(ctx context.Context) error
}

// LearningApplier is implemented by agents that accept parameter updates from
// the learning pipeline. Updates are handed over between tasks, never while
// one is executing.
type LearningApplier interface {
	ApplyLearningUpdate(update models.LearningUpdatePayload)
}
