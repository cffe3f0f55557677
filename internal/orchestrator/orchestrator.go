package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/bus"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/database/kafka"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/store"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/metrics"
)

// Orchestrator owns task distribution. It keeps one priority queue per agent
// type, assigns queued tasks to the least loaded live instance, listens to
// results to drive the pipeline chain and reconciles tasks orphaned by dead
// or stalled agents.
type Orchestrator struct {
	bus      bus.Bus
	store    store.TaskStore
	registry *agent.Registry
	log      *logger.Logger

	kafkaCfg  *config.KafkaConfig
	agentsCfg *config.AgentsConfig

	assignEvery     time.Duration
	reconcileEvery  time.Duration
	queuedTimeout   time.Duration
	maxRegeneration int

	mu     sync.Mutex
	queues map[models.AgentType]*taskQueue
}

// New builds an orchestrator over the given infrastructure.
func New(b bus.Bus, s store.TaskStore, reg *agent.Registry, cfg *config.AppConfig) *Orchestrator {
	maxRegen := cfg.Quality.MaxRegenerations
	if maxRegen <= 0 {
		maxRegen = 2
	}
	o := &Orchestrator{
		bus:             b,
		store:           s,
		registry:        reg,
		log:             logger.New("orchestrator", "", ""),
		kafkaCfg:        &cfg.Databases.Kafka,
		agentsCfg:       &cfg.Agents,
		assignEvery:     config.ParseDuration(cfg.Orchestrator.AssignInterval, time.Second),
		reconcileEvery:  config.ParseDuration(cfg.Orchestrator.ReconcileInterval, 30*time.Second),
		queuedTimeout:   config.ParseDuration(cfg.Orchestrator.QueuedTimeout, 5*time.Minute),
		maxRegeneration: maxRegen,
		queues:          make(map[models.AgentType]*taskQueue),
	}
	for _, t := range models.AllAgentTypes() {
		o.queues[t] = newTaskQueue()
	}
	return o
}

// SubmitTask creates a new root task and queues it for assignment.
func (o *Orchestrator) SubmitTask(ctx context.Context, userID string, agentType models.AgentType, payload map[string]interface{}, priority int) (*models.AgentTask, error) {
	task := &models.AgentTask{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		UserID:        userID,
		AgentType:     agentType,
		Status:        models.TaskStatusPending,
		Priority:      priority,
		Payload:       payload,
	}
	return o.persistAndEnqueue(ctx, task)
}

// submitChild creates a follow-up task inside an existing task chain. The
// child id is derived from the parent id, the child agent type and the fan-out
// index, so a redelivered result maps onto the same child instead of spawning
// a duplicate.
func (o *Orchestrator) submitChild(ctx context.Context, parent models.TaskResultPayload, agentType models.AgentType, index int, payload map[string]interface{}, priority int) (*models.AgentTask, error) {
	task := &models.AgentTask{
		ID:            childTaskID(parent.TaskID, agentType, index),
		CorrelationID: parent.CorrelationID,
		ParentTaskID:  parent.TaskID,
		UserID:        parent.UserID,
		AgentType:     agentType,
		Status:        models.TaskStatusPending,
		Priority:      priority,
		Payload:       payload,
	}
	return o.persistAndEnqueue(ctx, task)
}

// childTaskID gives every (parent, stage, index) slot a stable id. The result
// topic is at-least-once, so the same parent result can arrive more than once.
func childTaskID(parentID string, agentType models.AgentType, index int) string {
	name := fmt.Sprintf("%s/%s/%d", parentID, agentType, index)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (o *Orchestrator) persistAndEnqueue(ctx context.Context, task *models.AgentTask) (*models.AgentTask, error) {
	if _, ok := o.queues[task.AgentType]; !ok {
		return nil, fmt.Errorf("unknown agent type %q", task.AgentType)
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		if err == store.ErrTaskExists {
			o.log.WithTask(task.ID).Info("duplicate chain advance, child already created")
			return o.store.GetTask(ctx, task.ID)
		}
		return nil, fmt.Errorf("persist task: %w", err)
	}
	o.enqueue(task, time.Time{})
	o.log.WithTask(task.ID).WithPayload(map[string]interface{}{
		"agentType": task.AgentType,
		"priority":  task.Priority,
	}).Info("task queued")
	return task, nil
}

func (o *Orchestrator) enqueue(task *models.AgentTask, notBefore time.Time) {
	o.mu.Lock()
	q := o.queues[task.AgentType]
	if q != nil {
		q.Enqueue(task, notBefore)
		metrics.QueueDepth.WithLabelValues(string(task.AgentType)).Set(float64(q.Len()))
	}
	o.mu.Unlock()
}

// GetTask exposes store lookups to the HTTP API.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*models.AgentTask, error) {
	return o.store.GetTask(ctx, id)
}

// Agents exposes the registry snapshot to the HTTP API.
func (o *Orchestrator) Agents() []models.AgentRegistration {
	return o.registry.Snapshot()
}

// CancelTask removes a queued task or broadcasts a cancellation for a task
// already handed to an agent.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	q := o.queues[task.AgentType]
	removed := q != nil && q.Remove(taskID)
	o.mu.Unlock()

	if removed {
		err := o.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusPending, models.TaskStatusFailed, store.TaskFields{
			Error:       store.StringPtr("cancelled"),
			CompletedAt: store.TimePtr(time.Now().UTC()),
		})
		if err != nil && err != store.ErrStatusMismatch {
			return err
		}
		return nil
	}

	msg := models.NewMessage(models.MessageTypeCoordination, "orchestrator", models.TargetBroadcast)
	msg.TaskID = taskID
	if err := msg.WithPayload(models.CoordinationPayload{
		Intent: models.CoordinationIntentCancel,
		TaskID: taskID,
	}); err != nil {
		return err
	}
	return o.bus.Publish(ctx, o.kafkaCfg.EventsTopic, msg)
}

// Run recovers pending tasks, subscribes to results and events and drives the
// assignment and reconciliation loops until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recoverPending(ctx); err != nil {
		return fmt.Errorf("recover pending tasks: %w", err)
	}

	unsubResults, err := o.bus.Subscribe(ctx, o.kafkaCfg.ResultsTopic, "orchestrator", o.handleResult)
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	defer unsubResults()

	unsubEvents, err := o.bus.Subscribe(ctx, o.kafkaCfg.EventsTopic, "orchestrator", o.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer unsubEvents()

	assign := time.NewTicker(o.assignEvery)
	defer assign.Stop()
	reconcile := time.NewTicker(o.reconcileEvery)
	defer reconcile.Stop()

	o.log.Info("orchestrator running")
	for {
		select {
		case <-assign.C:
			o.assign(ctx)
		case <-reconcile.C:
			o.reconcile(ctx, time.Now().UTC())
		case <-ctx.Done():
			o.log.Info("orchestrator stopping")
			return nil
		}
	}
}

// recoverPending reloads tasks that were pending when the previous process
// stopped, so a restart never strands work.
func (o *Orchestrator) recoverPending(ctx context.Context) error {
	tasks, err := o.store.QueryPendingTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		o.enqueue(task, time.Time{})
	}
	if len(tasks) > 0 {
		o.log.WithPayload(map[string]interface{}{"count": len(tasks)}).Info("recovered pending tasks")
	}
	return nil
}

// assign drains each queue into available agents. Assignment wins ownership
// through a CAS from pending to assigned; a lost race just means someone else
// moved the task and we drop it.
func (o *Orchestrator) assign(ctx context.Context) {
	now := time.Now().UTC()
	for _, agentType := range models.AllAgentTypes() {
		for {
			o.mu.Lock()
			q := o.queues[agentType]
			task, ok := q.PopReady(now)
			metrics.QueueDepth.WithLabelValues(string(agentType)).Set(float64(q.Len()))
			o.mu.Unlock()
			if !ok {
				break
			}

			reg, found := o.registry.PickAgent(agentType)
			if !found {
				// No capacity right now, put it back and move on.
				o.enqueue(task, time.Time{})
				break
			}

			err := o.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusPending, models.TaskStatusAssigned, store.TaskFields{
				OwnerAgentID: store.StringPtr(reg.AgentID),
			})
			if err == store.ErrStatusMismatch || err == store.ErrTaskNotFound {
				o.registry.ReportDone(reg.AgentID)
				continue
			}
			if err != nil {
				o.registry.ReportDone(reg.AgentID)
				o.enqueue(task, time.Time{})
				o.log.WithTask(task.ID).Error("assign CAS failed: " + err.Error())
				break
			}

			if err := o.publishTaskRequest(ctx, task, reg.AgentID); err != nil {
				// Undo the claim so the reconciler does not have to.
				_ = o.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusAssigned, models.TaskStatusPending, store.TaskFields{
					OwnerAgentID: store.StringPtr(""),
				})
				o.registry.ReportDone(reg.AgentID)
				o.enqueue(task, time.Time{})
				o.log.WithTask(task.ID).Error("publish task request: " + err.Error())
				break
			}
		}
	}
}

func (o *Orchestrator) publishTaskRequest(ctx context.Context, task *models.AgentTask, agentID string) error {
	msg := models.NewMessage(models.MessageTypeTaskRequest, "orchestrator", string(task.AgentType))
	msg.TaskID = task.ID
	msg.CorrelationID = task.CorrelationID
	msg.Priority = task.Priority
	msg.RequiresAck = true
	msg.TimeoutMs = int64(config.ParseDuration(o.agentsCfg.ForType(task.AgentType).RunningSLA, 5*time.Minute) / time.Millisecond)
	msg.RetryPolicy = &models.RetryPolicy{MaxAttempts: 3, BaseDelayMs: 1000, Multiplier: 2.0, CapMs: 30000}
	if err := msg.WithPayload(map[string]interface{}{"agentID": agentID}); err != nil {
		return err
	}
	return o.bus.Publish(ctx, kafka.TaskTopic(o.kafkaCfg, task.AgentType), msg)
}

// handleResult consumes terminal-state reports from agents and advances the
// task chain.
func (o *Orchestrator) handleResult(ctx context.Context, msg *models.AgentMessage) error {
	if msg.Type != models.MessageTypeTaskResult {
		return nil
	}
	var res models.TaskResultPayload
	if err := msg.DecodePayload(&res); err != nil {
		o.log.Warn("undecodable task result, dropping: " + err.Error())
		return nil
	}

	o.registry.ReportDone(res.AgentID)

	switch res.Status {
	case models.TaskStatusCompleted:
		return o.advanceChain(ctx, res)
	case models.TaskStatusFailed, models.TaskStatusDeadLettered:
		o.log.WithTask(res.TaskID).WithPayload(map[string]interface{}{
			"agentType": res.AgentType,
			"status":    res.Status,
		}).Warn("task chain stopped: " + res.Error)
	}
	return nil
}

// handleEvent consumes heartbeats and requeue notices from the events topic.
func (o *Orchestrator) handleEvent(ctx context.Context, msg *models.AgentMessage) error {
	if msg.Type != models.MessageTypeStatusUpdate {
		return nil
	}
	var kind struct {
		Kind string `json:"kind"`
	}
	if err := msg.DecodePayload(&kind); err != nil {
		return nil
	}

	switch kind.Kind {
	case models.StatusKindHeartbeat:
		var hb models.HeartbeatPayload
		if err := msg.DecodePayload(&hb); err != nil {
			return nil
		}
		o.registry.Observe(hb)

	case models.StatusKindTaskRequeued:
		var rq models.RequeuePayload
		if err := msg.DecodePayload(&rq); err != nil {
			return nil
		}
		o.registry.ReportDone(rq.AgentID)
		task, err := o.store.GetTask(ctx, rq.TaskID)
		if err == store.ErrTaskNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if task.Status == models.TaskStatusPending {
			o.enqueue(task, rq.NextAttemptAt)
		}

	case models.StatusKindTaskFailedPermanently:
		// The bus exhausted delivery retries for a task request. The claim is
		// stale, release the task so it can be assigned again.
		if msg.TaskID == "" {
			return nil
		}
		err := o.store.UpdateTaskStatus(ctx, msg.TaskID, models.TaskStatusAssigned, models.TaskStatusPending, store.TaskFields{
			OwnerAgentID: store.StringPtr(""),
		})
		if err == store.ErrStatusMismatch || err == store.ErrTaskNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		task, err := o.store.GetTask(ctx, msg.TaskID)
		if err == nil {
			o.enqueue(task, time.Time{})
		}
	}
	return nil
}

// reconcile is the safety net: it reassigns tasks held by dead agents,
// releases tasks stuck past their running SLA and elevates starved queue
// entries.
func (o *Orchestrator) reconcile(ctx context.Context, now time.Time) {
	for _, agentID := range o.registry.SweepDead(now) {
		o.log.WithPayload(map[string]interface{}{"agentID": agentID}).Warn("agent declared dead, reassigning its tasks")
		tasks, err := o.store.QueryTasksByOwner(ctx, agentID)
		if err != nil {
			o.log.Error("query tasks by owner: " + err.Error())
			continue
		}
		for _, task := range tasks {
			o.releaseTask(ctx, task, "owner dead")
		}
	}

	// Stalled tasks: the owner is alive but the task sat in assigned or
	// running past its SLA, typically after a crash between CAS and publish.
	cutoff := now.Add(-o.minRunningSLA())
	stuck, err := o.store.QueryStuckTasks(ctx, cutoff)
	if err != nil {
		o.log.Error("query stuck tasks: " + err.Error())
	} else {
		for _, task := range stuck {
			sla := config.ParseDuration(o.agentsCfg.ForType(task.AgentType).RunningSLA, 5*time.Minute)
			if task.UpdatedAt.Before(now.Add(-sla)) {
				o.releaseTask(ctx, task, "running SLA exceeded")
			}
		}
	}

	o.mu.Lock()
	for _, q := range o.queues {
		q.Elevate(now, o.queuedTimeout)
	}
	o.mu.Unlock()
}

// releaseTask CAS-moves an assigned or running task back to pending, keeping
// its retry count but resetting the start timestamp.
func (o *Orchestrator) releaseTask(ctx context.Context, task *models.AgentTask, reason string) {
	fields := store.TaskFields{
		OwnerAgentID: store.StringPtr(""),
		ClearStarted: true,
	}
	err := o.store.UpdateTaskStatus(ctx, task.ID, task.Status, models.TaskStatusPending, fields)
	if err == store.ErrStatusMismatch || err == store.ErrTaskNotFound {
		return
	}
	if err != nil {
		o.log.WithTask(task.ID).Error("release task: " + err.Error())
		return
	}
	metrics.TasksReassigned.WithLabelValues(string(task.AgentType)).Inc()
	o.log.WithTask(task.ID).Warn("task released back to queue: " + reason)

	task.Status = models.TaskStatusPending
	task.OwnerAgentID = ""
	o.enqueue(task, time.Time{})
}

func (o *Orchestrator) minRunningSLA() time.Duration {
	min := time.Duration(0)
	for _, t := range models.AllAgentTypes() {
		sla := config.ParseDuration(o.agentsCfg.ForType(t).RunningSLA, 5*time.Minute)
		if min == 0 || sla < min {
			min = sla
		}
	}
	return min
}
