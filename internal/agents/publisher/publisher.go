package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/bus"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/store"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/backoff"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/circuitbreaker"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/metrics"
)

// ExternalPublisher posts one piece of content to one platform.
type ExternalPublisher interface {
	Platform() models.Platform
	Publish(ctx context.Context, job *models.PublishingJob) (externalID string, err error)
}

// Agent accepts approved drafts as publishing jobs and dispatches them under
// the per-user per-platform rate windows. A task completes once its job is
// queued; the actual publish outcome is broadcast separately when the
// dispatcher gets to it.
type Agent struct {
	jobs       JobStore
	posts      store.PostStore
	sched      *Scheduler
	publishers map[models.Platform]ExternalPublisher
	breakers   map[models.Platform]circuitbreaker.CircuitBreaker
	policy     backoff.Policy
	bus        bus.Bus
	topic      string
	every      time.Duration
	log        *logger.Logger
	wg         sync.WaitGroup
}

// New wires a publisher agent. One ExternalPublisher per platform; platforms
// without one fail jobs permanently.
func New(cfg config.PublisherConfig, kafkaCfg *config.KafkaConfig, b bus.Bus, jobs JobStore, posts store.PostStore, publishers ...ExternalPublisher) *Agent {
	byPlatform := make(map[models.Platform]ExternalPublisher, len(publishers))
	breakers := make(map[models.Platform]circuitbreaker.CircuitBreaker, len(publishers))
	for _, pub := range publishers {
		byPlatform[pub.Platform()] = pub
		breakers[pub.Platform()] = circuitbreaker.New(5, 2, 30*time.Second)
	}

	policy := backoff.Default()
	policy.InitialDelay = config.ParseDuration(cfg.PublishBackoff.InitialDelay, policy.InitialDelay)
	policy.MaxDelay = config.ParseDuration(cfg.PublishBackoff.MaxDelay, policy.MaxDelay)
	if cfg.PublishBackoff.Multiplier > 0 {
		policy.Multiplier = cfg.PublishBackoff.Multiplier
	}
	if cfg.PublishBackoff.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.PublishBackoff.MaxAttempts
	}

	return &Agent{
		jobs:       jobs,
		posts:      posts,
		sched:      NewScheduler(cfg),
		publishers: byPlatform,
		breakers:   breakers,
		policy:     policy,
		bus:        b,
		topic:      kafkaCfg.EventsTopic,
		every:      config.ParseDuration(cfg.DispatchInterval, 5*time.Second),
		log:        logger.New(string(models.AgentTypePublisher), "", ""),
	}
}

func (a *Agent) Type() models.AgentType { return models.AgentTypePublisher }

// OnStart replays unfinished jobs from the store and starts the dispatch
// loop. The loop lives until the runtime's context is cancelled.
func (a *Agent) OnStart(ctx context.Context) error {
	open, err := a.jobs.OpenJobs(ctx)
	if err != nil {
		return fmt.Errorf("replay publishing jobs: %w", err)
	}
	for _, job := range open {
		if job.Status == models.JobStatusPublishing {
			// Crashed mid-publish; the idempotency check in dispatch decides
			// whether the post actually went out.
			job.Status = models.JobStatusQueued
		}
		a.sched.Enqueue(job)
	}
	if len(open) > 0 {
		a.log.WithPayload(map[string]interface{}{"count": len(open)}).Info("replayed open publishing jobs")
	}

	a.wg.Add(1)
	go a.dispatchLoop(ctx)
	return nil
}

func (a *Agent) OnShutdown(_ context.Context) error {
	a.wg.Wait()
	return nil
}

func (a *Agent) Healthy(_ context.Context) error {
	if len(a.publishers) == 0 {
		return fmt.Errorf("no platform publishers configured")
	}
	return nil
}

// Handle turns an approved draft into a queued publishing job. Redeliveries
// of the same task find the existing job and report its current state.
func (a *Agent) Handle(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error) {
	var payload struct {
		Draft    models.Draft    `json:"draft"`
		Platform models.Platform `json:"platform"`
	}
	if err := decodePayload(task.Payload, &payload); err != nil {
		return nil, agent.Permanent(fmt.Errorf("malformed publish payload: %w", err))
	}
	if payload.Draft.Body == "" {
		return nil, agent.Permanent(fmt.Errorf("publish payload carries an empty draft"))
	}
	if payload.Platform == "" {
		payload.Platform = models.PlatformLinkedIn
	}

	existing, err := a.jobs.Get(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return map[string]interface{}{
			"jobStatus":  string(existing.Status),
			"externalID": existing.ExternalID,
		}, nil
	}

	body := payload.Draft.Body
	if len(payload.Draft.Hashtags) > 0 {
		body += "\n\n" + strings.Join(payload.Draft.Hashtags, " ")
	}
	job := &models.PublishingJob{
		TaskID:       task.ID,
		UserID:       task.UserID,
		Platform:     payload.Platform,
		ContentType:  payload.Draft.ContentType,
		Body:         body,
		ScheduledFor: time.Now().UTC(),
		Status:       models.JobStatusQueued,
	}
	if err := a.jobs.Save(ctx, job); err != nil {
		return nil, err
	}
	a.sched.Enqueue(job)

	return map[string]interface{}{
		"jobStatus":    string(job.Status),
		"scheduledFor": job.ScheduledFor,
	}, nil
}

func (a *Agent) dispatchLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, job := range a.sched.Due(time.Now().UTC()) {
				a.dispatch(ctx, job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch makes one publish attempt for a job. Before touching the platform
// it consults the post store, so a job that already produced a post (crash
// after publish, before the status write) resolves without a duplicate.
func (a *Agent) dispatch(ctx context.Context, job *models.PublishingJob) {
	if externalID, err := a.posts.ExternalID(ctx, job.TaskID); err == nil && externalID != "" {
		a.finishJob(ctx, job, externalID, nil)
		return
	}

	pub, ok := a.publishers[job.Platform]
	if !ok {
		a.finishJob(ctx, job, "", fmt.Errorf("no publisher for platform %s", job.Platform))
		return
	}

	job.Status = models.JobStatusPublishing
	job.Attempt++
	if err := a.jobs.Save(ctx, job); err != nil {
		a.log.WithTask(job.TaskID).Error("persist publishing state: " + err.Error())
	}

	res, err := a.breakers[job.Platform].Execute(func() (interface{}, error) {
		return pub.Publish(ctx, job)
	})
	if err == circuitbreaker.ErrCircuitOpen {
		// Platform is struggling, back off without burning an attempt.
		job.Attempt--
		job.Status = models.JobStatusQueued
		retryAt := time.Now().UTC().Add(a.policy.Delay(1))
		if saveErr := a.jobs.Save(ctx, job); saveErr != nil {
			a.log.WithTask(job.TaskID).Error("persist deferred job: " + saveErr.Error())
		}
		a.sched.Defer(job, retryAt)
		return
	}
	if err != nil {
		metrics.PublishAttempts.WithLabelValues(string(job.Platform), "error").Inc()
		job.LastError = err.Error()
		if ctx.Err() != nil {
			// Shutting down mid-attempt; the replay in OnStart picks the
			// job up again.
			return
		}
		if agent.IsPermanent(err) || a.policy.Exhausted(job.Attempt) {
			a.finishJob(ctx, job, "", err)
			return
		}
		job.Status = models.JobStatusQueued
		retryAt := time.Now().UTC().Add(a.policy.Delay(job.Attempt))
		if saveErr := a.jobs.Save(ctx, job); saveErr != nil {
			a.log.WithTask(job.TaskID).Error("persist retrying job: " + saveErr.Error())
		}
		a.sched.Defer(job, retryAt)
		return
	}

	externalID := res.(string)
	if err := a.posts.MarkPublished(ctx, job.TaskID, externalID); err != nil {
		a.log.WithTask(job.TaskID).Error("record idempotency key: " + err.Error())
	}
	a.finishJob(ctx, job, externalID, nil)
}

// finishJob writes the terminal job state and broadcasts the outcome.
func (a *Agent) finishJob(ctx context.Context, job *models.PublishingJob, externalID string, pubErr error) {
	now := time.Now().UTC()
	if pubErr == nil {
		job.Status = models.JobStatusPublished
		job.ExternalID = externalID
		job.LastError = ""
		metrics.PublishAttempts.WithLabelValues(string(job.Platform), "success").Inc()
	} else {
		job.Status = models.JobStatusFailed
		job.LastError = pubErr.Error()
		metrics.PublishAttempts.WithLabelValues(string(job.Platform), "failed").Inc()
	}
	if err := a.jobs.Save(ctx, job); err != nil {
		a.log.WithTask(job.TaskID).Error("persist job outcome: " + err.Error())
	}

	outcome := models.PublishOutcomePayload{
		Kind:        models.StatusKindPublishOutcome,
		TaskID:      job.TaskID,
		UserID:      job.UserID,
		Platform:    job.Platform,
		ContentType: job.ContentType,
		ExternalID:  job.ExternalID,
		Success:     pubErr == nil,
		Attempts:    job.Attempt,
		PublishedAt: now,
	}
	if pubErr != nil {
		outcome.Error = pubErr.Error()
	}
	msg := models.NewMessage(models.MessageTypeStatusUpdate, string(models.AgentTypePublisher), models.TargetBroadcast)
	msg.TaskID = job.TaskID
	if err := msg.WithPayload(outcome); err != nil {
		return
	}
	if err := a.bus.Publish(ctx, a.topic, msg); err != nil {
		a.log.WithTask(job.TaskID).Error("broadcast publish outcome: " + err.Error())
	}
}

// Scheduler exposes queue depth for health reporting and tests.
func (a *Agent) Scheduler() *Scheduler { return a.sched }

func decodePayload(payload map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
