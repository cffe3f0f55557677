package contentgen

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

func opportunity() models.NewsOpportunity {
	return models.NewsOpportunity{
		ID:          "opp-1",
		Title:       "Observability platform announces usage-based pricing",
		URL:         "https://news.example/pricing",
		Summary:     "The vendor is moving away from per-host licensing.",
		Source:      "tech-feed",
		Score:       0.7,
		PublishedAt: time.Now().UTC(),
	}
}

func generationTask(payload map[string]interface{}) *models.AgentTask {
	return &models.AgentTask{
		ID:        "gen-1",
		UserID:    "user-1",
		AgentType: models.AgentTypeContentGenerator,
		Payload:   payload,
	}
}

func draftOf(t *testing.T, result map[string]interface{}) *models.Draft {
	t.Helper()
	draft, ok := result["draft"].(*models.Draft)
	require.True(t, ok, "result should carry the draft")
	return draft
}

func TestGenerateDraftFromOpportunity(t *testing.T) {
	a := New(NewStaticProfileSource(), nil)

	result, err := a.Handle(context.Background(), generationTask(map[string]interface{}{
		"opportunity": opportunity(),
		"contentType": models.ContentTypePost,
	}))
	require.NoError(t, err)

	draft := draftOf(t, result)
	assert.Equal(t, "gen-1", draft.TaskID)
	assert.Equal(t, "user-1", draft.UserID)
	assert.Equal(t, "opp-1", draft.OpportunityID)
	assert.Equal(t, "https://news.example/pricing", draft.SourceURL)
	assert.Contains(t, draft.Body, "usage-based pricing")
	assert.NotEmpty(t, draft.Hashtags)
	assert.Equal(t, 0, result["regenerations"])
}

func TestGenerateDefaultsContentTypeToPost(t *testing.T) {
	a := New(NewStaticProfileSource(), nil)

	result, err := a.Handle(context.Background(), generationTask(map[string]interface{}{
		"opportunity": opportunity(),
	}))
	require.NoError(t, err)
	assert.Equal(t, models.ContentTypePost, draftOf(t, result).ContentType)
}

func TestGenerateRejectsMalformedPayload(t *testing.T) {
	a := New(NewStaticProfileSource(), nil)

	_, err := a.Handle(context.Background(), generationTask(map[string]interface{}{
		"opportunity": "not an object",
	}))
	require.Error(t, err)
	assert.True(t, agent.IsPermanent(err))
}

func TestRegenerationRecoversSourceFromRejectedDraft(t *testing.T) {
	a := New(NewStaticProfileSource(), nil)

	rejected := &models.Draft{
		TaskID:        "gen-0",
		UserID:        "user-1",
		OpportunityID: "opp-1",
		ContentType:   models.ContentTypePost,
		Body:          "short draft",
		SourceURL:     "https://news.example/pricing",
	}
	result, err := a.Handle(context.Background(), generationTask(map[string]interface{}{
		"contentType":   models.ContentTypePost,
		"feedback":      []string{"news-grounded draft lost its source reference"},
		"regenerations": 1,
		"draft":         rejected,
	}))
	require.NoError(t, err)

	draft := draftOf(t, result)
	assert.Equal(t, "opp-1", draft.OpportunityID)
	assert.Equal(t, "https://news.example/pricing", draft.SourceURL)
	assert.Contains(t, draft.Body, "Source: https://news.example/pricing",
		"source feedback should reattach the attribution")
	assert.Equal(t, 1, result["regenerations"])
}

func TestFeedbackAboutLengthExpandsTheRewrite(t *testing.T) {
	gen := NewTemplateGenerator()

	first, err := gen.Generate(context.Background(), GenerationRequest{
		TaskID:      "gen-1",
		UserID:      "user-1",
		Opportunity: opportunity(),
		ContentType: models.ContentTypePost,
	})
	require.NoError(t, err)

	rewrite, err := gen.Generate(context.Background(), GenerationRequest{
		TaskID:      "gen-2",
		UserID:      "user-1",
		Opportunity: opportunity(),
		ContentType: models.ContentTypePost,
		Feedback:    []string{"body too short for post: 64 chars, want at least 80"},
	})
	require.NoError(t, err)
	assert.Greater(t, len(rewrite.Body), len(first.Body))
}

type countingProfiles struct {
	inner *StaticProfileSource
	calls int64
}

func (c *countingProfiles) VoiceProfile(ctx context.Context, userID string) (*models.VoiceProfile, error) {
	atomic.AddInt64(&c.calls, 1)
	return c.inner.VoiceProfile(ctx, userID)
}

func TestProfileIsCachedPerUser(t *testing.T) {
	src := &countingProfiles{inner: NewStaticProfileSource()}
	a := New(src, nil)

	for i := 0; i < 3; i++ {
		_, err := a.Handle(context.Background(), generationTask(map[string]interface{}{
			"opportunity": opportunity(),
		}))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&src.calls))
}

type failingProfiles struct{}

func (failingProfiles) VoiceProfile(context.Context, string) (*models.VoiceProfile, error) {
	return nil, errors.New("profile store unavailable")
}

func TestProfileStoreOutageIsTransient(t *testing.T) {
	a := New(failingProfiles{}, nil)

	_, err := a.Handle(context.Background(), generationTask(map[string]interface{}{
		"opportunity": opportunity(),
	}))
	require.Error(t, err)
	assert.False(t, agent.IsPermanent(err))
}

func TestProfileShapesTheVoice(t *testing.T) {
	src := NewStaticProfileSource()
	profile := DefaultProfile("user-1")
	profile.Dimensions["question_asking_tendency"] = 0.9
	profile.Dimensions["call_to_action_style"] = 0.9
	src.Set(profile)
	a := New(src, nil)

	result, err := a.Handle(context.Background(), generationTask(map[string]interface{}{
		"opportunity": opportunity(),
	}))
	require.NoError(t, err)

	draft := draftOf(t, result)
	assert.True(t, strings.HasPrefix(draft.Body, "What does"), "question-heavy voices open with a question")
	assert.Contains(t, draft.Body, "genuinely like to hear")
}

func TestApplyLearningUpdateShiftsDimensions(t *testing.T) {
	src := NewStaticProfileSource()
	a := New(src, nil)

	baseline, err := a.Handle(context.Background(), generationTask(map[string]interface{}{
		"opportunity": opportunity(),
	}))
	require.NoError(t, err)
	assert.NotContains(t, draftOf(t, baseline).Body, "mechanism underneath")

	a.ApplyLearningUpdate(models.LearningUpdatePayload{
		Weights: map[string]float64{"technical_depth": 0.3},
	})

	adjusted, err := a.Handle(context.Background(), generationTask(map[string]interface{}{
		"opportunity": opportunity(),
	}))
	require.NoError(t, err)
	assert.Contains(t, draftOf(t, adjusted).Body, "mechanism underneath",
		"the nudged technical depth should pull in the deeper template")
}

func TestDefaultProfileCoversEveryDimension(t *testing.T) {
	profile := DefaultProfile("user-1")
	assert.Len(t, profile.Dimensions, len(models.VoiceDimensions))
	for _, name := range models.VoiceDimensions {
		assert.Equal(t, 0.5, profile.Dimensions[name])
	}
}

func TestHashtagsComeFromLongTitleWords(t *testing.T) {
	tags := hashtagsFor(models.NewsOpportunity{
		Title: "Observability platform announces usage-based pricing for teams",
	})
	require.NotEmpty(t, tags)
	assert.LessOrEqual(t, len(tags), 3)
	for _, tag := range tags {
		assert.True(t, strings.HasPrefix(tag, "#"))
		assert.GreaterOrEqual(t, len(tag), 7)
	}
}
