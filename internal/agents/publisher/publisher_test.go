package publisher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
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
	pkghttp "github.com/helloemzy/personal-brand-dna-sub000/pkg/http"
)

type publisherHarness struct {
	agent *Agent
	bus   *bus.MemoryBus
	jobs  *MemoryJobStore
	posts *store.MemoryPostStore
	stub  *StubPublisher

	mu       sync.Mutex
	outcomes []models.PublishOutcomePayload
}

func newPublisherHarness(t *testing.T) *publisherHarness {
	t.Helper()

	h := &publisherHarness{
		bus:   bus.NewMemoryBus("agent.events"),
		jobs:  NewMemoryJobStore(),
		posts: store.NewMemoryPostStore(),
		stub:  NewStubPublisher(models.PlatformLinkedIn),
	}
	cfg := config.PublisherConfig{
		Platforms: map[string]config.PlatformConfig{
			"linkedin": {Windows: []config.RateWindowConfig{{Limit: 100, Window: "1h"}}},
		},
		PublishBackoff: config.BackoffConfig{InitialDelay: "1ms", MaxDelay: "5ms", Multiplier: 2.0, MaxAttempts: 2},
	}
	kafkaCfg := &config.KafkaConfig{
		TaskTopicPrefix: "agent.tasks",
		ResultsTopic:    "agent.results",
		EventsTopic:     "agent.events",
	}
	h.agent = New(cfg, kafkaCfg, h.bus, h.jobs, h.posts, h.stub)

	_, err := h.bus.Subscribe(context.Background(), "agent.events", "capture", func(_ context.Context, msg *models.AgentMessage) error {
		var payload models.PublishOutcomePayload
		if err := msg.DecodePayload(&payload); err != nil || payload.Kind != models.StatusKindPublishOutcome {
			return nil
		}
		h.mu.Lock()
		h.outcomes = append(h.outcomes, payload)
		h.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = h.bus.Close() })
	return h
}

func (h *publisherHarness) waitForOutcomes(t *testing.T, n int) []models.PublishOutcomePayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.outcomes) >= n {
			out := make([]models.PublishOutcomePayload, len(h.outcomes))
			copy(out, h.outcomes)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d publish outcomes", n)
	return nil
}

func publishTask(id string) *models.AgentTask {
	return &models.AgentTask{
		ID:        id,
		UserID:    "user-1",
		AgentType: models.AgentTypePublisher,
		Payload: map[string]interface{}{
			"draft": models.Draft{
				TaskID:      "qc-task",
				UserID:      "user-1",
				ContentType: models.ContentTypePost,
				Body:        "an approved draft",
				Hashtags:    []string{"#golang", "#brand"},
			},
			"platform": string(models.PlatformLinkedIn),
		},
	}
}

func TestHandleQueuesJob(t *testing.T) {
	h := newPublisherHarness(t)

	result, err := h.agent.Handle(context.Background(), publishTask("t1"))
	require.NoError(t, err)
	assert.Equal(t, string(models.JobStatusQueued), result["jobStatus"])

	job, err := h.jobs.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Contains(t, job.Body, "an approved draft")
	assert.Contains(t, job.Body, "#golang #brand")
	assert.Equal(t, 1, h.agent.Scheduler().Len())
}

func TestHandleRedeliveryReportsExistingJob(t *testing.T) {
	h := newPublisherHarness(t)

	_, err := h.agent.Handle(context.Background(), publishTask("t1"))
	require.NoError(t, err)

	result, err := h.agent.Handle(context.Background(), publishTask("t1"))
	require.NoError(t, err)
	assert.Equal(t, string(models.JobStatusQueued), result["jobStatus"])
	assert.Equal(t, 1, h.agent.Scheduler().Len(), "a redelivery must not duplicate the job")
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	h := newPublisherHarness(t)

	task := &models.AgentTask{
		ID:        "t1",
		UserID:    "user-1",
		AgentType: models.AgentTypePublisher,
		Payload:   map[string]interface{}{"draft": "not an object"},
	}
	_, err := h.agent.Handle(context.Background(), task)
	require.Error(t, err)
	assert.True(t, agent.IsPermanent(err))
}

func TestHandleRejectsEmptyDraft(t *testing.T) {
	h := newPublisherHarness(t)

	task := publishTask("t1")
	task.Payload["draft"] = models.Draft{UserID: "user-1", ContentType: models.ContentTypePost}
	_, err := h.agent.Handle(context.Background(), task)
	require.Error(t, err)
	assert.True(t, agent.IsPermanent(err))
}

func TestDispatchPublishesAndBroadcastsOutcome(t *testing.T) {
	h := newPublisherHarness(t)

	_, err := h.agent.Handle(context.Background(), publishTask("t1"))
	require.NoError(t, err)
	due := h.agent.Scheduler().Due(time.Now().UTC())
	require.Len(t, due, 1)

	h.agent.dispatch(context.Background(), due[0])

	job, err := h.jobs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPublished, job.Status)
	assert.NotEmpty(t, job.ExternalID)

	externalID, err := h.posts.ExternalID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, job.ExternalID, externalID)

	outcomes := h.waitForOutcomes(t, 1)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, models.PlatformLinkedIn, outcomes[0].Platform)
	assert.Equal(t, 1, outcomes[0].Attempts)
}

func TestDispatchSkipsPlatformCallWhenAlreadyPublished(t *testing.T) {
	h := newPublisherHarness(t)

	_, err := h.agent.Handle(context.Background(), publishTask("t1"))
	require.NoError(t, err)
	require.NoError(t, h.posts.MarkPublished(context.Background(), "t1", "linkedin-abc123"))

	due := h.agent.Scheduler().Due(time.Now().UTC())
	require.Len(t, due, 1)
	h.agent.dispatch(context.Background(), due[0])

	assert.Empty(t, h.stub.Published(), "the platform must not be called twice for one task")
	job, err := h.jobs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPublished, job.Status)
	assert.Equal(t, "linkedin-abc123", job.ExternalID)
}

func TestDispatchRetriesTransientPlatformFailure(t *testing.T) {
	h := newPublisherHarness(t)
	h.stub.FailNext(1, errors.New("rate limited upstream"))

	_, err := h.agent.Handle(context.Background(), publishTask("t1"))
	require.NoError(t, err)
	due := h.agent.Scheduler().Due(time.Now().UTC())
	require.Len(t, due, 1)

	h.agent.dispatch(context.Background(), due[0])

	job, err := h.jobs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, "rate limited upstream", job.LastError)

	// The retry succeeds once the stub recovers.
	due = h.agent.Scheduler().Due(time.Now().UTC().Add(time.Second))
	require.Len(t, due, 1)
	h.agent.dispatch(context.Background(), due[0])

	job, err = h.jobs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPublished, job.Status)
}

func TestDispatchPermanentPlatformRejectionFailsJob(t *testing.T) {
	h := newPublisherHarness(t)
	h.stub.FailNext(1, agent.Permanent(errors.New("platform rejected content: 422")))

	_, err := h.agent.Handle(context.Background(), publishTask("t1"))
	require.NoError(t, err)
	due := h.agent.Scheduler().Due(time.Now().UTC())
	require.Len(t, due, 1)

	h.agent.dispatch(context.Background(), due[0])

	job, err := h.jobs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status, "a rejected post must not be retried")
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 0, h.agent.Scheduler().Len(), "no retry may be scheduled")

	outcomes := h.waitForOutcomes(t, 1)
	assert.False(t, outcomes[0].Success)
	assert.Contains(t, outcomes[0].Error, "rejected")
}

func TestHTTPPlatformPublisherClassifiesGatewayErrors(t *testing.T) {
	codes := make(chan int, 2)
	codes <- http.StatusUnprocessableEntity
	codes <- http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(<-codes)
	}))
	defer srv.Close()

	client, err := pkghttp.NewClient(config.CircuitBreakerConfig{})
	require.NoError(t, err)
	pub := NewHTTPPlatformPublisher(models.PlatformLinkedIn, srv.URL, client)
	job := schedJob("t1", "user-1", models.PlatformLinkedIn, time.Now().UTC())

	_, err = pub.Publish(context.Background(), job)
	require.Error(t, err)
	assert.True(t, agent.IsPermanent(err), "a 4xx rejection is not retryable")

	_, err = pub.Publish(context.Background(), job)
	require.Error(t, err)
	assert.False(t, agent.IsPermanent(err), "a 5xx gateway error stays transient")
}

func TestDispatchFailsJobAfterExhaustedAttempts(t *testing.T) {
	h := newPublisherHarness(t)
	h.stub.FailNext(2, errors.New("gateway down"))

	_, err := h.agent.Handle(context.Background(), publishTask("t1"))
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		due := h.agent.Scheduler().Due(now.Add(time.Duration(i) * time.Second))
		require.Len(t, due, 1)
		h.agent.dispatch(context.Background(), due[0])
	}

	job, err := h.jobs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "gateway down", job.LastError)

	outcomes := h.waitForOutcomes(t, 1)
	assert.False(t, outcomes[0].Success)
	assert.Equal(t, "gateway down", outcomes[0].Error)
}

func TestDispatchFailsJobWithoutPlatformPublisher(t *testing.T) {
	h := newPublisherHarness(t)

	job := schedJob("t1", "user-1", models.PlatformTwitter, time.Now().UTC())
	require.NoError(t, h.jobs.Save(context.Background(), job))
	h.agent.dispatch(context.Background(), job)

	saved, err := h.jobs.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, saved.Status)
	assert.Contains(t, saved.LastError, "no publisher for platform")
}

func TestOnStartReplaysOpenJobs(t *testing.T) {
	h := newPublisherHarness(t)

	queued := schedJob("t1", "user-1", models.PlatformLinkedIn, time.Now().UTC())
	require.NoError(t, h.jobs.Save(context.Background(), queued))

	interrupted := schedJob("t2", "user-1", models.PlatformLinkedIn, time.Now().UTC())
	interrupted.Status = models.JobStatusPublishing
	require.NoError(t, h.jobs.Save(context.Background(), interrupted))

	done := schedJob("t3", "user-1", models.PlatformLinkedIn, time.Now().UTC())
	done.Status = models.JobStatusPublished
	require.NoError(t, h.jobs.Save(context.Background(), done))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.agent.OnStart(ctx))
	cancel()
	require.NoError(t, h.agent.OnShutdown(context.Background()))

	assert.Equal(t, 2, h.agent.Scheduler().Len(), "queued and interrupted jobs are replayed, published ones are not")
}
