package contentgen

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/util"
)

// ProfileSource resolves a user's voice profile from wherever it lives.
type ProfileSource interface {
	VoiceProfile(ctx context.Context, userID string) (*models.VoiceProfile, error)
}

// Generator turns a generation request into a draft.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*models.Draft, error)
}

// GenerationRequest is everything a generator needs for one draft.
type GenerationRequest struct {
	TaskID      string
	UserID      string
	Opportunity models.NewsOpportunity
	ContentType string
	Feedback    []string
	Profile     *models.VoiceProfile
}

// profileCacheTTL keeps voice profiles warm for a week; profiles change
// slowly and a stale read only shifts tone slightly.
const profileCacheTTL = 7 * 24 * time.Hour

// Agent drafts content for an opportunity in the user's voice. Profiles are
// cached per user; rejected drafts come back with reviewer feedback attached
// to the payload and go through another generation round.
type Agent struct {
	profiles ProfileSource
	cache    *util.LRUCache[string, *models.VoiceProfile]
	log      *logger.Logger

	mu  sync.Mutex
	gen Generator
}

// New builds a content generator. A nil generator falls back to the built-in
// template generator.
func New(profiles ProfileSource, gen Generator) *Agent {
	if gen == nil {
		gen = NewTemplateGenerator()
	}
	return &Agent{
		profiles: profiles,
		cache:    util.NewLRUCache[string, *models.VoiceProfile](1024, profileCacheTTL),
		log:      logger.New(string(models.AgentTypeContentGenerator), "", ""),
		gen:      gen,
	}
}

func (a *Agent) Type() models.AgentType { return models.AgentTypeContentGenerator }

func (a *Agent) OnStart(_ context.Context) error { return nil }

func (a *Agent) OnShutdown(_ context.Context) error { return nil }

func (a *Agent) Healthy(_ context.Context) error { return nil }

func (a *Agent) Handle(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error) {
	var payload struct {
		Opportunity   models.NewsOpportunity `json:"opportunity"`
		ContentType   string                 `json:"contentType"`
		Feedback      []string               `json:"feedback"`
		Regenerations int                    `json:"regenerations"`
		Draft         *models.Draft          `json:"draft"`
	}
	if err := decodePayload(task.Payload, &payload); err != nil {
		return nil, agent.Permanent(fmt.Errorf("malformed generation payload: %w", err))
	}
	if payload.ContentType == "" {
		payload.ContentType = models.ContentTypePost
	}
	// Regeneration rounds only carry the rejected draft; recover the source
	// opportunity from it so the generator still has context.
	if payload.Opportunity.URL == "" && payload.Draft != nil {
		payload.Opportunity.URL = payload.Draft.SourceURL
		payload.Opportunity.ID = payload.Draft.OpportunityID
	}

	profile, err := a.profileFor(ctx, task.UserID)
	if err != nil {
		return nil, fmt.Errorf("load voice profile: %w", err)
	}

	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()

	draft, err := gen.Generate(ctx, GenerationRequest{
		TaskID:      task.ID,
		UserID:      task.UserID,
		Opportunity: payload.Opportunity,
		ContentType: payload.ContentType,
		Feedback:    payload.Feedback,
		Profile:     profile,
	})
	if err != nil {
		return nil, err
	}

	a.log.WithTask(task.ID).WithPayload(map[string]interface{}{
		"contentType":   draft.ContentType,
		"regenerations": payload.Regenerations,
	}).Info("draft generated")

	return map[string]interface{}{
		"draft":         draft,
		"regenerations": payload.Regenerations,
	}, nil
}

func (a *Agent) profileFor(ctx context.Context, userID string) (*models.VoiceProfile, error) {
	if profile, ok := a.cache.Get(userID); ok {
		return profile, nil
	}
	profile, err := a.profiles.VoiceProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile = DefaultProfile(userID)
	}
	a.cache.Put(userID, profile)
	return profile, nil
}

// ApplyLearningUpdate nudges the template generator's tone weights. Updates
// land between tasks, never mid-draft.
func (a *Agent) ApplyLearningUpdate(update models.LearningUpdatePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tg, ok := a.gen.(*TemplateGenerator); ok {
		tg.ApplyWeights(update.Weights)
	}
}

// DefaultProfile is the neutral voice used before a user has any history.
func DefaultProfile(userID string) *models.VoiceProfile {
	dims := make(map[string]float64, len(models.VoiceDimensions))
	for _, name := range models.VoiceDimensions {
		dims[name] = 0.5
	}
	return &models.VoiceProfile{
		UserID:     userID,
		Dimensions: dims,
		UpdatedAt:  time.Now().UTC(),
	}
}

// StaticProfileSource serves fixed profiles, for tests and local runs.
type StaticProfileSource struct {
	mu       sync.Mutex
	profiles map[string]*models.VoiceProfile
}

func NewStaticProfileSource() *StaticProfileSource {
	return &StaticProfileSource{profiles: make(map[string]*models.VoiceProfile)}
}

func (s *StaticProfileSource) Set(profile *models.VoiceProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.UserID] = profile
}

func (s *StaticProfileSource) VoiceProfile(_ context.Context, userID string) (*models.VoiceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[userID], nil
}

func decodePayload(payload map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
