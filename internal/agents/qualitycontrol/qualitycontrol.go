package qualitycontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
)

// Check is one station in the review pipeline. Any failed check rejects the
// draft; a failed hard check additionally rules out regeneration.
type Check interface {
	Name() string
	Hard() bool
	Run(ctx context.Context, draft models.Draft) models.QualityCheckResult
}

// Agent runs every check over a draft and produces the aggregate verdict.
// The verdict rides back on the task result; routing (publish, regenerate or
// drop) is the orchestrator's job.
type Agent struct {
	log *logger.Logger

	mu            sync.Mutex
	checks        []Check
	passThreshold float64
}

// New builds the review pipeline. With no checks given, the default pipeline
// (structure, safety, fact consistency, brand alignment) is installed.
func New(cfg config.QualityConfig, checks ...Check) *Agent {
	threshold := cfg.PassThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	if len(checks) == 0 {
		checks = DefaultChecks()
	}
	return &Agent{
		log:           logger.New(string(models.AgentTypeQualityControl), "", ""),
		checks:        checks,
		passThreshold: threshold,
	}
}

func (a *Agent) Type() models.AgentType { return models.AgentTypeQualityControl }

func (a *Agent) OnStart(_ context.Context) error { return nil }

func (a *Agent) OnShutdown(_ context.Context) error { return nil }

func (a *Agent) Healthy(_ context.Context) error { return nil }

func (a *Agent) Handle(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error) {
	var payload struct {
		Draft         models.Draft `json:"draft"`
		Regenerations int          `json:"regenerations"`
	}
	if err := decodePayload(task.Payload, &payload); err != nil {
		return nil, agent.Permanent(fmt.Errorf("malformed review payload: %w", err))
	}
	if payload.Draft.Body == "" {
		return nil, agent.Permanent(fmt.Errorf("review payload carries an empty draft"))
	}

	a.mu.Lock()
	checks := a.checks
	threshold := a.passThreshold
	a.mu.Unlock()

	verdict := models.QualityControlResult{Passed: true}
	var total float64
	for _, check := range checks {
		res := check.Run(ctx, payload.Draft)
		verdict.Checks = append(verdict.Checks, res)
		total += res.Score
		if !res.Passed {
			verdict.Passed = false
			verdict.RejectionReasons = append(verdict.RejectionReasons, res.Reason)
		}
	}
	if len(checks) > 0 {
		verdict.AggregateScore = total / float64(len(checks))
	}
	if verdict.AggregateScore < threshold {
		verdict.Passed = false
	}

	a.log.WithTask(task.ID).WithPayload(map[string]interface{}{
		"passed":        verdict.Passed,
		"score":         verdict.AggregateScore,
		"regenerations": payload.Regenerations,
	}).Info("draft reviewed")

	return map[string]interface{}{
		"quality":       verdict,
		"draft":         payload.Draft,
		"regenerations": payload.Regenerations,
	}, nil
}

// ApplyLearningUpdate adjusts the pass threshold between reviews.
func (a *Agent) ApplyLearningUpdate(update models.LearningUpdatePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := update.Weights[weightKeyPassThreshold]; ok && t > 0 && t <= 1 {
		a.passThreshold = t
	}
}

const weightKeyPassThreshold = "quality.pass_threshold"

func decodePayload(payload map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
