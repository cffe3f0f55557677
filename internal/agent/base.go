package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/bus"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/database/kafka"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/discovery/etcd"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/store"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/backoff"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/metrics"
)

// Options wires a BaseAgent to its infrastructure.
type Options struct {
	Bus       bus.Bus
	Store     store.TaskStore
	Discovery *etcd.ServiceDiscovery // optional, nil disables etcd registration
	LeaseTTL  int64                  // etcd lease TTL in seconds, defaulted when zero
	Agent     config.AgentConfig
	Kafka     *config.KafkaConfig
}

// BaseAgent is the shared runtime every concrete agent runs inside. It claims
// tasks from the bus, enforces single ownership through CAS transitions in the
// task store, applies the retry and dead-letter policy, emits heartbeats and
// drains cleanly on shutdown.
type BaseAgent struct {
	impl Agent
	id   string
	log  *logger.Logger

	bus       bus.Bus
	store     store.TaskStore
	discovery *etcd.ServiceDiscovery
	leaseTTL  int64

	capacity       int
	heartbeatEvery time.Duration
	runningSLA     time.Duration
	retries        backoff.Policy

	taskTopic    string
	resultsTopic string
	eventsTopic  string

	slots chan struct{}
	wg    sync.WaitGroup

	mu            sync.Mutex
	state         State
	inflight      map[string]context.CancelFunc
	pendingUpdate *models.LearningUpdatePayload
	stopRegister  chan<- struct{}
}

// New builds the runtime around a concrete agent implementation.
func New(impl Agent, opts Options) *BaseAgent {
	id := fmt.Sprintf("%s-%s", impl.Type(), uuid.NewString()[:8])
	capacity := opts.Agent.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 15
	}
	return &BaseAgent{
		impl:           impl,
		id:             id,
		log:            logger.New(string(impl.Type()), id, ""),
		bus:            opts.Bus,
		store:          opts.Store,
		discovery:      opts.Discovery,
		leaseTTL:       leaseTTL,
		capacity:       capacity,
		heartbeatEvery: config.ParseDuration(opts.Agent.HeartbeatInterval, 10*time.Second),
		runningSLA:     config.ParseDuration(opts.Agent.RunningSLA, 0),
		retries:        policyFromConfig(opts.Agent),
		taskTopic:      kafka.TaskTopic(opts.Kafka, impl.Type()),
		resultsTopic:   opts.Kafka.ResultsTopic,
		eventsTopic:    opts.Kafka.EventsTopic,
		slots:          make(chan struct{}, capacity),
		state:          StateInitializing,
		inflight:       make(map[string]context.CancelFunc),
	}
}

// policyFromConfig maps the yaml backoff block to a backoff.Policy, keeping
// the package defaults for unset fields.
func policyFromConfig(cfg config.AgentConfig) backoff.Policy {
	p := backoff.Default()
	p.InitialDelay = config.ParseDuration(cfg.Backoff.InitialDelay, p.InitialDelay)
	p.MaxDelay = config.ParseDuration(cfg.Backoff.MaxDelay, p.MaxDelay)
	if cfg.Backoff.Multiplier > 0 {
		p.Multiplier = cfg.Backoff.Multiplier
	}
	if cfg.MaxRetries > 0 {
		// MaxRetries counts retries, the policy counts attempts.
		p.MaxAttempts = cfg.MaxRetries + 1
	}
	return p
}

// ID returns the unique instance identifier used for task ownership.
func (a *BaseAgent) ID() string { return a.id }

// State returns the current lifecycle state.
func (a *BaseAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Load returns the number of tasks currently executing.
func (a *BaseAgent) Load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// Healthy delegates to the implementation. It backs the health endpoint.
func (a *BaseAgent) Healthy(ctx context.Context) error {
	return a.impl.Healthy(ctx)
}

// Run drives the full lifecycle and blocks until ctx is cancelled and the
// agent has drained.
func (a *BaseAgent) Run(ctx context.Context) error {
	a.setState(StateInitializing)
	if err := a.impl.OnStart(ctx); err != nil {
		return fmt.Errorf("agent start: %w", err)
	}

	a.setState(StateRegistering)
	if a.discovery != nil {
		stop, err := a.discovery.Register(string(a.impl.Type()), a.id, a.leaseTTL)
		if err != nil {
			return fmt.Errorf("agent register: %w", err)
		}
		a.mu.Lock()
		a.stopRegister = stop
		a.mu.Unlock()
	}

	unsubTasks, err := a.bus.Subscribe(ctx, a.taskTopic, fmt.Sprintf("%s-workers", a.impl.Type()), a.handleTask)
	if err != nil {
		return fmt.Errorf("subscribe tasks: %w", err)
	}
	// Broadcast subscriptions use the instance id as the group so every
	// instance sees every coordination and learning message.
	unsubEvents, err := a.bus.Subscribe(ctx, a.eventsTopic, a.id, a.handleEvent)
	if err != nil {
		unsubTasks()
		return fmt.Errorf("subscribe events: %w", err)
	}

	a.setState(StateReady)
	a.sendHeartbeat(ctx)
	hb := time.NewTicker(a.heartbeatEvery)
	defer hb.Stop()

	for {
		select {
		case <-hb.C:
			a.sendHeartbeat(ctx)
		case <-ctx.Done():
			a.setState(StateDraining)
			a.log.Info("draining: waiting for in-flight tasks")
			unsubTasks()
			a.wg.Wait()
			unsubEvents()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.impl.OnShutdown(shutdownCtx); err != nil {
				a.log.WithError(models.ErrorInfo{Message: err.Error(), Type: "shutdown", AgentID: a.id}).Warn("agent shutdown hook failed")
			}

			a.mu.Lock()
			if a.stopRegister != nil {
				close(a.stopRegister)
				a.stopRegister = nil
			}
			a.mu.Unlock()
			a.setState(StateStopped)
			return nil
		}
	}
}

// handleTask processes one task request delivery. The bus may deliver the
// same message more than once; the store re-read plus CAS claim make the
// duplicate harmless.
func (a *BaseAgent) handleTask(ctx context.Context, msg *models.AgentMessage) error {
	if msg.Type != models.MessageTypeTaskRequest || msg.TaskID == "" {
		return nil
	}

	select {
	case a.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-a.slots }()

	task, err := a.store.GetTask(ctx, msg.TaskID)
	if err == store.ErrTaskNotFound {
		a.log.WithTask(msg.TaskID).Warn("task request for unknown task, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusAssigned || task.OwnerAgentID != a.id {
		// Stale or duplicate delivery: the task moved on without us.
		return nil
	}

	a.applyPendingUpdate()

	now := time.Now().UTC()
	err = a.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusAssigned, models.TaskStatusRunning, store.TaskFields{
		StartedAt: &now,
	})
	if err == store.ErrStatusMismatch {
		return nil
	}
	if err != nil {
		return err
	}
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now

	var taskCtx context.Context
	var cancel context.CancelFunc
	if a.runningSLA > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, a.runningSLA)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	a.trackTask(task.ID, cancel)
	a.wg.Add(1)
	defer func() {
		cancel()
		a.untrackTask(task.ID)
		a.wg.Done()
	}()

	result, handleErr := a.impl.Handle(taskCtx, task)
	if handleErr == nil {
		return a.finishSuccess(ctx, task, result)
	}
	return a.finishFailure(ctx, task, handleErr)
}

func (a *BaseAgent) finishSuccess(ctx context.Context, task *models.AgentTask, result map[string]interface{}) error {
	now := time.Now().UTC()
	err := a.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusCompleted, store.TaskFields{
		Result:      result,
		CompletedAt: &now,
	})
	if err == store.ErrStatusMismatch {
		// Lost ownership mid-flight, the orchestrator already reassigned.
		a.log.WithTask(task.ID).Warn("completion lost the ownership race, discarding result")
		return nil
	}
	if err != nil {
		return err
	}

	metrics.TasksProcessed.WithLabelValues(string(task.AgentType)).Inc()
	a.publishResult(ctx, task, models.TaskStatusCompleted, result, "")
	return nil
}

func (a *BaseAgent) finishFailure(ctx context.Context, task *models.AgentTask, handleErr error) error {
	if IsPermanent(handleErr) {
		return a.failPermanently(ctx, task, handleErr, models.TaskStatusFailed)
	}

	retry := task.RetryCount + 1
	if a.retries.Exhausted(retry) {
		return a.failPermanently(ctx, task, handleErr, models.TaskStatusDeadLettered)
	}

	err := a.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusPending, store.TaskFields{
		RetryCount:   store.IntPtr(retry),
		Error:        store.StringPtr(handleErr.Error()),
		OwnerAgentID: store.StringPtr(""),
		ClearStarted: true,
	})
	if err == store.ErrStatusMismatch {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.TasksRetried.WithLabelValues(string(task.AgentType)).Inc()
	nextAttempt := time.Now().UTC().Add(a.retries.Delay(retry))
	a.log.WithTask(task.ID).WithPayload(map[string]interface{}{
		"retry":         retry,
		"nextAttemptAt": nextAttempt,
	}).Warn("transient failure, task requeued: " + handleErr.Error())

	msg := models.NewMessage(models.MessageTypeStatusUpdate, a.id, models.TargetBroadcast)
	msg.TaskID = task.ID
	msg.CorrelationID = task.CorrelationID
	if err := msg.WithPayload(models.RequeuePayload{
		Kind:          models.StatusKindTaskRequeued,
		TaskID:        task.ID,
		AgentID:       a.id,
		RetryCount:    retry,
		Reason:        handleErr.Error(),
		NextAttemptAt: nextAttempt,
	}); err != nil {
		return err
	}
	return a.bus.Publish(ctx, a.eventsTopic, msg)
}

func (a *BaseAgent) failPermanently(ctx context.Context, task *models.AgentTask, handleErr error, terminal models.TaskStatus) error {
	now := time.Now().UTC()
	err := a.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning, terminal, store.TaskFields{
		Error:       store.StringPtr(handleErr.Error()),
		RetryCount:  store.IntPtr(task.RetryCount + 1),
		CompletedAt: &now,
	})
	if err == store.ErrStatusMismatch {
		return nil
	}
	if err != nil {
		return err
	}

	if terminal == models.TaskStatusDeadLettered {
		metrics.TasksDeadLettered.WithLabelValues(string(task.AgentType)).Inc()
	} else {
		metrics.TasksFailed.WithLabelValues(string(task.AgentType)).Inc()
	}
	a.log.WithTask(task.ID).WithError(models.ErrorInfo{
		Message: handleErr.Error(),
		Type:    string(terminal),
		TaskID:  task.ID,
		AgentID: a.id,
	}).Error("task failed permanently")

	a.publishResult(ctx, task, terminal, nil, handleErr.Error())

	report := models.NewMessage(models.MessageTypeErrorReport, a.id, models.TargetBroadcast)
	report.TaskID = task.ID
	report.CorrelationID = task.CorrelationID
	if err := report.WithPayload(models.ErrorReportPayload{
		TaskID:    task.ID,
		AgentID:   a.id,
		AgentType: task.AgentType,
		Attempt:   task.RetryCount + 1,
		Permanent: terminal == models.TaskStatusFailed,
		Error:     handleErr.Error(),
	}); err != nil {
		return err
	}
	return a.bus.Publish(ctx, a.eventsTopic, report)
}

// publishResult emits the terminal-state result message the orchestrator and
// the learning pipeline consume.
func (a *BaseAgent) publishResult(ctx context.Context, task *models.AgentTask, status models.TaskStatus, result map[string]interface{}, errText string) {
	msg := models.NewMessage(models.MessageTypeTaskResult, a.id, "orchestrator")
	msg.TaskID = task.ID
	msg.CorrelationID = task.CorrelationID
	if err := msg.WithPayload(models.TaskResultPayload{
		TaskID:        task.ID,
		CorrelationID: task.CorrelationID,
		ParentTaskID:  task.ParentTaskID,
		UserID:        task.UserID,
		AgentType:     task.AgentType,
		AgentID:       a.id,
		Status:        status,
		Result:        result,
		Error:         errText,
	}); err != nil {
		a.log.WithTask(task.ID).Error("encode task result: " + err.Error())
		return
	}
	if err := a.bus.Publish(ctx, a.resultsTopic, msg); err != nil {
		a.log.WithTask(task.ID).Error("publish task result: " + err.Error())
	}
}

// handleEvent reacts to broadcast traffic: cancellation requests for tasks we
// hold and learning updates for the implementation.
func (a *BaseAgent) handleEvent(_ context.Context, msg *models.AgentMessage) error {
	switch msg.Type {
	case models.MessageTypeCoordination:
		var payload models.CoordinationPayload
		if err := msg.DecodePayload(&payload); err != nil {
			return nil
		}
		if payload.Intent != models.CoordinationIntentCancel {
			return nil
		}
		a.mu.Lock()
		cancel, ok := a.inflight[payload.TaskID]
		a.mu.Unlock()
		if ok {
			a.log.WithTask(payload.TaskID).Info("cancelling task on coordination request")
			cancel()
		}
	case models.MessageTypeLearningUpdate:
		if _, ok := a.impl.(LearningApplier); !ok {
			return nil
		}
		var payload models.LearningUpdatePayload
		if err := msg.DecodePayload(&payload); err != nil {
			return nil
		}
		a.mu.Lock()
		a.pendingUpdate = &payload
		a.mu.Unlock()
	}
	return nil
}

// applyPendingUpdate hands a stashed learning update to the implementation at
// a safe point, between two tasks.
func (a *BaseAgent) applyPendingUpdate() {
	a.mu.Lock()
	update := a.pendingUpdate
	a.pendingUpdate = nil
	a.mu.Unlock()
	if update == nil {
		return
	}
	if applier, ok := a.impl.(LearningApplier); ok {
		applier.ApplyLearningUpdate(*update)
	}
}

func (a *BaseAgent) sendHeartbeat(ctx context.Context) {
	a.mu.Lock()
	load := len(a.inflight)
	state := a.state
	a.mu.Unlock()

	metrics.AgentLoad.WithLabelValues(a.id, string(a.impl.Type())).Set(float64(load))

	msg := models.NewMessage(models.MessageTypeStatusUpdate, a.id, models.TargetBroadcast)
	if err := msg.WithPayload(models.HeartbeatPayload{
		Kind:        models.StatusKindHeartbeat,
		AgentID:     a.id,
		AgentType:   a.impl.Type(),
		Capacity:    a.capacity,
		CurrentLoad: load,
		State:       string(state),
		SentAt:      time.Now().UTC(),
	}); err != nil {
		return
	}
	if err := a.bus.Publish(ctx, a.eventsTopic, msg); err != nil {
		a.log.Warn("heartbeat publish failed: " + err.Error())
	}
}

func (a *BaseAgent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *BaseAgent) trackTask(taskID string, cancel context.CancelFunc) {
	a.mu.Lock()
	a.inflight[taskID] = cancel
	if a.state == StateReady {
		a.state = StateProcessing
	}
	a.mu.Unlock()
}

func (a *BaseAgent) untrackTask(taskID string) {
	a.mu.Lock()
	delete(a.inflight, taskID)
	if a.state == StateProcessing && len(a.inflight) == 0 {
		a.state = StateReady
	}
	a.mu.Unlock()
}
