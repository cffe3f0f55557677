package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/bus"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/store"
)

type orchestratorHarness struct {
	bus      *bus.MemoryBus
	store    *store.MemoryStore
	registry *agent.Registry
	orch     *Orchestrator
	cfg      *config.AppConfig
}

func newOrchestratorHarness(t *testing.T) *orchestratorHarness {
	t.Helper()

	cfg := &config.AppConfig{}
	cfg.Databases.Kafka = config.KafkaConfig{
		TaskTopicPrefix: "agent.tasks",
		ResultsTopic:    "agent.results",
		EventsTopic:     "agent.events",
		DeadLetterTopic: "agent.deadletter",
	}
	cfg.Orchestrator = config.OrchestratorConfig{
		AssignInterval:    "10ms",
		ReconcileInterval: "50ms",
		QueuedTimeout:     "5m",
	}
	cfg.Quality.MaxRegenerations = 2

	h := &orchestratorHarness{
		bus:      bus.NewMemoryBus("agent.events"),
		store:    store.NewMemoryStore(),
		registry: agent.NewRegistry(10*time.Second, 3),
		cfg:      cfg,
	}
	h.orch = New(h.bus, h.store, h.registry, cfg)
	t.Cleanup(func() { _ = h.bus.Close() })
	return h
}

func (h *orchestratorHarness) observeAgent(id string, agentType models.AgentType) {
	h.registry.Observe(models.HeartbeatPayload{
		Kind:        models.StatusKindHeartbeat,
		AgentID:     id,
		AgentType:   agentType,
		Capacity:    4,
		CurrentLoad: 0,
		State:       "ready",
		SentAt:      time.Now().UTC(),
	})
}

func timeFarFuture() time.Time {
	return time.Now().UTC().Add(24 * time.Hour)
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubmitTaskPersistsAndQueues(t *testing.T) {
	h := newOrchestratorHarness(t)

	task, err := h.orch.SubmitTask(context.Background(), "user-1", models.AgentTypeNewsMonitor, map[string]interface{}{"k": "v"}, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.NotEmpty(t, task.CorrelationID)

	stored, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)

	queued := popQueued(t, h.orch, models.AgentTypeNewsMonitor)
	require.Len(t, queued, 1)
	assert.Equal(t, task.ID, queued[0].ID)
}

func TestSubmitTaskRejectsUnknownAgentType(t *testing.T) {
	h := newOrchestratorHarness(t)

	_, err := h.orch.SubmitTask(context.Background(), "user-1", models.AgentType("mystery"), nil, 5)
	assert.Error(t, err)
}

func TestAssignClaimsTaskAndPublishesRequest(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.observeAgent("news-1", models.AgentTypeNewsMonitor)

	var mu sync.Mutex
	var requests []*models.AgentMessage
	_, err := h.bus.Subscribe(context.Background(), "agent.tasks.news_monitor", "capture", func(_ context.Context, msg *models.AgentMessage) error {
		mu.Lock()
		requests = append(requests, msg)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	task, err := h.orch.SubmitTask(context.Background(), "user-1", models.AgentTypeNewsMonitor, nil, 5)
	require.NoError(t, err)

	h.orch.assign(context.Background())

	stored, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, stored.Status)
	assert.Equal(t, "news-1", stored.OwnerAgentID)

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(requests) == 1
	}, "a task request should be published")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.MessageTypeTaskRequest, requests[0].Type)
	assert.Equal(t, task.ID, requests[0].TaskID)
	assert.True(t, requests[0].RequiresAck)
	require.NotNil(t, requests[0].RetryPolicy)
	assert.Equal(t, 3, requests[0].RetryPolicy.MaxAttempts)
}

func TestAssignLeavesTaskQueuedWithoutAgents(t *testing.T) {
	h := newOrchestratorHarness(t)

	task, err := h.orch.SubmitTask(context.Background(), "user-1", models.AgentTypeNewsMonitor, nil, 5)
	require.NoError(t, err)

	h.orch.assign(context.Background())

	stored, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)

	queued := popQueued(t, h.orch, models.AgentTypeNewsMonitor)
	require.Len(t, queued, 1)
	assert.Equal(t, task.ID, queued[0].ID)
}

func TestAssignDropsTaskLostToAnotherWriter(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.observeAgent("news-1", models.AgentTypeNewsMonitor)

	task, err := h.orch.SubmitTask(context.Background(), "user-1", models.AgentTypeNewsMonitor, nil, 5)
	require.NoError(t, err)

	// Someone else moved the task before the assignment loop got to it.
	require.NoError(t, h.store.UpdateTaskStatus(context.Background(), task.ID, models.TaskStatusPending, models.TaskStatusFailed, store.TaskFields{}))

	h.orch.assign(context.Background())

	assert.Empty(t, popQueued(t, h.orch, models.AgentTypeNewsMonitor))

	// The optimistic load bump was rolled back, the agent has a free slot.
	reg, ok := h.registry.PickAgent(models.AgentTypeNewsMonitor)
	require.True(t, ok)
	assert.Equal(t, 1, reg.CurrentLoad)
}

func TestHandleRequeueEventRestoresQueueEntry(t *testing.T) {
	h := newOrchestratorHarness(t)

	task := &models.AgentTask{
		ID:         "t1",
		UserID:     "user-1",
		AgentType:  models.AgentTypeContentGenerator,
		Status:     models.TaskStatusPending,
		Priority:   5,
		RetryCount: 1,
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))

	nextAttempt := time.Now().UTC().Add(time.Minute)
	msg := models.NewMessage(models.MessageTypeStatusUpdate, "contentgen-1", models.TargetBroadcast)
	msg.TaskID = "t1"
	require.NoError(t, msg.WithPayload(models.RequeuePayload{
		Kind:          models.StatusKindTaskRequeued,
		TaskID:        "t1",
		AgentID:       "contentgen-1",
		RetryCount:    1,
		Reason:        "upstream hiccup",
		NextAttemptAt: nextAttempt,
	}))
	require.NoError(t, h.orch.handleEvent(context.Background(), msg))

	// The task is queued but held back until its backoff expires.
	h.orch.mu.Lock()
	_, notReady := h.orch.queues[models.AgentTypeContentGenerator].PopReady(time.Now().UTC())
	h.orch.mu.Unlock()
	assert.False(t, notReady)

	queued := popQueued(t, h.orch, models.AgentTypeContentGenerator)
	require.Len(t, queued, 1)
	assert.Equal(t, "t1", queued[0].ID)
}

func TestHandleHeartbeatFeedsRegistry(t *testing.T) {
	h := newOrchestratorHarness(t)

	msg := models.NewMessage(models.MessageTypeStatusUpdate, "pub-1", models.TargetBroadcast)
	require.NoError(t, msg.WithPayload(models.HeartbeatPayload{
		Kind:      models.StatusKindHeartbeat,
		AgentID:   "pub-1",
		AgentType: models.AgentTypePublisher,
		Capacity:  2,
		State:     "ready",
		SentAt:    time.Now().UTC(),
	}))
	require.NoError(t, h.orch.handleEvent(context.Background(), msg))

	reg, ok := h.registry.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)
	assert.Equal(t, "pub-1", reg.AgentID)
}

func TestHandleUndeliverableRequestReleasesClaim(t *testing.T) {
	h := newOrchestratorHarness(t)

	task := &models.AgentTask{
		ID:           "t1",
		UserID:       "user-1",
		AgentType:    models.AgentTypeContentGenerator,
		Status:       models.TaskStatusAssigned,
		OwnerAgentID: "contentgen-1",
		Priority:     5,
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))

	msg := models.NewMessage(models.MessageTypeStatusUpdate, "bus", models.TargetBroadcast)
	msg.TaskID = "t1"
	require.NoError(t, msg.WithPayload(map[string]interface{}{
		"kind":   models.StatusKindTaskFailedPermanently,
		"taskID": "t1",
		"reason": "delivery retries exhausted",
	}))
	require.NoError(t, h.orch.handleEvent(context.Background(), msg))

	stored, err := h.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Empty(t, stored.OwnerAgentID)

	queued := popQueued(t, h.orch, models.AgentTypeContentGenerator)
	require.Len(t, queued, 1)
	assert.Equal(t, "t1", queued[0].ID)
}

func TestReconcileReassignsTasksOfDeadAgents(t *testing.T) {
	h := newOrchestratorHarness(t)
	now := time.Now().UTC()

	// The agent heartbeated once, long ago.
	h.registry.Observe(models.HeartbeatPayload{
		Kind:      models.StatusKindHeartbeat,
		AgentID:   "gone-1",
		AgentType: models.AgentTypeContentGenerator,
		Capacity:  4,
		State:     "ready",
		SentAt:    now.Add(-10 * time.Minute),
	})

	task := &models.AgentTask{
		ID:           "t1",
		UserID:       "user-1",
		AgentType:    models.AgentTypeContentGenerator,
		Status:       models.TaskStatusRunning,
		OwnerAgentID: "gone-1",
		Priority:     5,
		RetryCount:   1,
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))

	h.orch.reconcile(context.Background(), now)

	stored, err := h.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Empty(t, stored.OwnerAgentID)
	assert.Equal(t, 1, stored.RetryCount, "reassignment must not reset the retry budget")
	assert.Nil(t, stored.StartedAt)

	queued := popQueued(t, h.orch, models.AgentTypeContentGenerator)
	require.Len(t, queued, 1)
	assert.Equal(t, "t1", queued[0].ID)
}

func TestCancelQueuedTaskFailsItInPlace(t *testing.T) {
	h := newOrchestratorHarness(t)

	task, err := h.orch.SubmitTask(context.Background(), "user-1", models.AgentTypeNewsMonitor, nil, 5)
	require.NoError(t, err)

	require.NoError(t, h.orch.CancelTask(context.Background(), task.ID))

	stored, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.Equal(t, "cancelled", stored.Error)
	assert.Empty(t, popQueued(t, h.orch, models.AgentTypeNewsMonitor))
}

func TestCancelRunningTaskBroadcastsCoordination(t *testing.T) {
	h := newOrchestratorHarness(t)

	var mu sync.Mutex
	var cancels []models.CoordinationPayload
	_, err := h.bus.Subscribe(context.Background(), "agent.events", "capture", func(_ context.Context, msg *models.AgentMessage) error {
		if msg.Type != models.MessageTypeCoordination {
			return nil
		}
		var payload models.CoordinationPayload
		if err := msg.DecodePayload(&payload); err != nil {
			return nil
		}
		mu.Lock()
		cancels = append(cancels, payload)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	task := &models.AgentTask{
		ID:           "t1",
		UserID:       "user-1",
		AgentType:    models.AgentTypeContentGenerator,
		Status:       models.TaskStatusRunning,
		OwnerAgentID: "contentgen-1",
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))

	require.NoError(t, h.orch.CancelTask(context.Background(), "t1"))

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cancels) == 1
	}, "a cancel coordination message should be broadcast")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, models.CoordinationIntentCancel, cancels[0].Intent)
	assert.Equal(t, "t1", cancels[0].TaskID)
}

func TestHandleResultReleasesAgentSlot(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.observeAgent("pub-1", models.AgentTypePublisher)

	// Claim the only tracked slot.
	_, ok := h.registry.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)

	msg := models.NewMessage(models.MessageTypeTaskResult, "pub-1", "orchestrator")
	require.NoError(t, msg.WithPayload(models.TaskResultPayload{
		TaskID:    "t1",
		UserID:    "user-1",
		AgentType: models.AgentTypePublisher,
		AgentID:   "pub-1",
		Status:    models.TaskStatusCompleted,
		Result:    map[string]interface{}{"jobStatus": "queued"},
	}))
	require.NoError(t, h.orch.handleResult(context.Background(), msg))

	reg, ok := h.registry.PickAgent(models.AgentTypePublisher)
	require.True(t, ok)
	assert.Equal(t, 1, reg.CurrentLoad)
}
