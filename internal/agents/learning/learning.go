package learning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/bus"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
)

// Agent closes the feedback loop. It watches task results and publish
// outcomes, folds them into exponential moving averages and periodically
// broadcasts parameter updates the other agents apply between tasks.
type Agent struct {
	bus       bus.Bus
	kafkaCfg  *config.KafkaConfig
	smoothing float64
	emitEvery time.Duration
	log       *logger.Logger

	mu      sync.Mutex
	stats   map[string]float64
	samples int

	wg      sync.WaitGroup
	unsubs  []bus.Unsubscribe
	started bool
}

// New builds a learning agent over the shared bus.
func New(cfg config.LearningConfig, kafkaCfg *config.KafkaConfig, b bus.Bus) *Agent {
	smoothing := cfg.Smoothing
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 0.2
	}
	return &Agent{
		bus:       b,
		kafkaCfg:  kafkaCfg,
		smoothing: smoothing,
		emitEvery: config.ParseDuration(cfg.EmitInterval, 10*time.Minute),
		log:       logger.New(string(models.AgentTypeLearning), "", ""),
		stats:     make(map[string]float64),
	}
}

func (a *Agent) Type() models.AgentType { return models.AgentTypeLearning }

// OnStart subscribes to the observation streams and starts the periodic
// update broadcast.
func (a *Agent) OnStart(ctx context.Context) error {
	unsubResults, err := a.bus.Subscribe(ctx, a.kafkaCfg.ResultsTopic, "learning", a.observeResult)
	if err != nil {
		return err
	}
	a.unsubs = append(a.unsubs, unsubResults)

	// Publish outcomes are broadcasts, so the group is unique per instance.
	unsubEvents, err := a.bus.Subscribe(ctx, a.kafkaCfg.EventsTopic, "learning-"+uuid.NewString()[:8], a.observeEvent)
	if err != nil {
		return err
	}
	a.unsubs = append(a.unsubs, unsubEvents)

	a.started = true
	a.wg.Add(1)
	go a.emitLoop(ctx)
	return nil
}

func (a *Agent) OnShutdown(_ context.Context) error {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.wg.Wait()
	return nil
}

func (a *Agent) Healthy(_ context.Context) error { return nil }

// Handle serves on-demand learning tasks: it returns the current averages
// and immediately broadcasts an update instead of waiting for the ticker.
func (a *Agent) Handle(ctx context.Context, _ *models.AgentTask) (map[string]interface{}, error) {
	update := a.buildUpdate()
	if err := a.broadcast(ctx, update); err != nil {
		return nil, err
	}
	a.mu.Lock()
	snapshot := make(map[string]interface{}, len(a.stats))
	for k, v := range a.stats {
		snapshot[k] = v
	}
	samples := a.samples
	a.mu.Unlock()
	return map[string]interface{}{
		"stats":   snapshot,
		"samples": samples,
	}, nil
}

// observeResult folds one task result into the per-stage success averages.
func (a *Agent) observeResult(_ context.Context, msg *models.AgentMessage) error {
	if msg.Type != models.MessageTypeTaskResult {
		return nil
	}
	var res models.TaskResultPayload
	if err := msg.DecodePayload(&res); err != nil {
		return nil
	}

	success := 0.0
	if res.Status == models.TaskStatusCompleted {
		success = 1.0
	}
	a.record("success."+string(res.AgentType), success)

	if res.AgentType == models.AgentTypeQualityControl && res.Result != nil {
		if quality, ok := res.Result["quality"].(map[string]interface{}); ok {
			if score, ok := quality["aggregateScore"].(float64); ok {
				a.record(statQualityScore, score)
			}
			if passed, ok := quality["passed"].(bool); ok {
				passRate := 0.0
				if passed {
					passRate = 1.0
				}
				a.record(statQualityPassRate, passRate)
			}
		}
	}
	return nil
}

// observeEvent folds publish outcomes into per-platform success averages.
func (a *Agent) observeEvent(_ context.Context, msg *models.AgentMessage) error {
	if msg.Type != models.MessageTypeStatusUpdate {
		return nil
	}
	var outcome models.PublishOutcomePayload
	if err := msg.DecodePayload(&outcome); err != nil || outcome.Kind != models.StatusKindPublishOutcome {
		return nil
	}

	success := 0.0
	if outcome.Success {
		success = 1.0
	}
	a.record("publish.success."+string(outcome.Platform), success)
	a.record("publish.success.content."+outcome.ContentType, success)
	return nil
}

const (
	statQualityScore    = "quality.score"
	statQualityPassRate = "quality.pass_rate"
)

// record applies one observation to a stat's exponential moving average.
func (a *Agent) record(key string, value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.stats[key]; ok {
		a.stats[key] = a.smoothing*value + (1-a.smoothing)*prev
	} else {
		a.stats[key] = value
	}
	a.samples++
}

func (a *Agent) emitLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.emitEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.broadcast(ctx, a.buildUpdate()); err != nil {
				a.log.Warn("broadcast learning update failed: " + err.Error())
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildUpdate derives the parameter adjustments from the current averages.
// Adjustments stay small on purpose; the loop converges over many cycles
// rather than swinging the pipeline on one bad batch.
func (a *Agent) buildUpdate() models.LearningUpdatePayload {
	a.mu.Lock()
	defer a.mu.Unlock()

	weights := make(map[string]float64)

	// Too few drafts passing review means the generator and the reviewer
	// disagree; loosen the gate slightly. Too many passing means the gate
	// has gone soft; tighten it.
	if passRate, ok := a.stats[statQualityPassRate]; ok {
		switch {
		case passRate < 0.3:
			weights["quality.pass_threshold"] = 0.65
		case passRate > 0.9:
			weights["quality.pass_threshold"] = 0.75
		}
	}

	// Weak publish performance asks for more selective opportunities.
	if pubSuccess, ok := a.stats["publish.success.linkedin"]; ok {
		if pubSuccess < 0.5 {
			weights["news.score_threshold"] = 0.6
		}
	}

	// Quality scores trending low nudge the writer toward more structure.
	if score, ok := a.stats[statQualityScore]; ok && score < 0.6 {
		weights["technical_depth"] = 0.05
		weights["storytelling_style"] = 0.05
	}

	return models.LearningUpdatePayload{
		Weights:     weights,
		SampleCount: a.samples,
		GeneratedAt: time.Now().UTC(),
	}
}

func (a *Agent) broadcast(ctx context.Context, update models.LearningUpdatePayload) error {
	if len(update.Weights) == 0 {
		return nil
	}
	msg := models.NewMessage(models.MessageTypeLearningUpdate, string(models.AgentTypeLearning), models.TargetBroadcast)
	if err := msg.WithPayload(update); err != nil {
		return err
	}
	a.log.WithPayload(map[string]interface{}{
		"weights": len(update.Weights),
		"samples": update.SampleCount,
	}).Info("broadcasting learning update")
	return a.bus.Publish(ctx, a.kafkaCfg.EventsTopic, msg)
}

// Stats returns a copy of the current averages, for tests and the on-demand
// task path.
func (a *Agent) Stats() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.stats))
	for k, v := range a.stats {
		out[k] = v
	}
	return out
}
