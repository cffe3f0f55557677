package qualitycontrol

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

func reviewTask(draft models.Draft, regenerations int) *models.AgentTask {
	return &models.AgentTask{
		ID:        "qc-1",
		UserID:    "user-1",
		AgentType: models.AgentTypeQualityControl,
		Payload: map[string]interface{}{
			"draft":         draft,
			"regenerations": regenerations,
		},
	}
}

func goodDraft() models.Draft {
	return models.Draft{
		TaskID:      "gen-1",
		UserID:      "user-1",
		ContentType: models.ContentTypePost,
		Body: "Watched a small platform team cut their deployment time in half this week. " +
			"The interesting part was not the tooling, it was the decision to delete " +
			"three approval steps nobody could explain. What would you delete first?",
		Hashtags: []string{"#devops"},
	}
}

func decodeVerdict(t *testing.T, result map[string]interface{}) models.QualityControlResult {
	t.Helper()
	verdict, ok := result["quality"].(models.QualityControlResult)
	require.True(t, ok, "result should carry the verdict")
	return verdict
}

func TestReviewPassesCleanDraft(t *testing.T) {
	a := New(config.QualityConfig{PassThreshold: 0.7})

	result, err := a.Handle(context.Background(), reviewTask(goodDraft(), 0))
	require.NoError(t, err)

	verdict := decodeVerdict(t, result)
	assert.True(t, verdict.Passed)
	assert.InDelta(t, 1.0, verdict.AggregateScore, 0.001)
	assert.Empty(t, verdict.RejectionReasons)
	assert.Equal(t, 0, result["regenerations"])
	assert.NotNil(t, result["draft"])
}

func TestReviewHardCheckVetoesRegardlessOfScore(t *testing.T) {
	a := New(config.QualityConfig{PassThreshold: 0.7})

	draft := goodDraft()
	draft.Body += " This strategy has guaranteed returns for everyone."

	result, err := a.Handle(context.Background(), reviewTask(draft, 0))
	require.NoError(t, err)

	verdict := decodeVerdict(t, result)
	assert.False(t, verdict.Passed)
	// The aggregate clears the threshold; only the hard check blocks it.
	assert.GreaterOrEqual(t, verdict.AggregateScore, 0.7)

	var safety models.QualityCheckResult
	for _, check := range verdict.Checks {
		if check.Name == "safety" {
			safety = check
		}
	}
	assert.True(t, safety.Hard)
	assert.False(t, safety.Passed)
	assert.Contains(t, safety.Reason, "guaranteed returns")
}

func TestReviewFailsBelowAggregateThreshold(t *testing.T) {
	a := New(config.QualityConfig{PassThreshold: 0.7})

	draft := models.Draft{
		TaskID:        "gen-1",
		UserID:        "user-1",
		OpportunityID: "opp-1",
		ContentType:   models.ContentTypePost,
		Body:          "You won't believe this.",
	}
	result, err := a.Handle(context.Background(), reviewTask(draft, 1))
	require.NoError(t, err)

	verdict := decodeVerdict(t, result)
	assert.False(t, verdict.Passed)
	assert.Less(t, verdict.AggregateScore, 0.7)
	assert.NotEmpty(t, verdict.RejectionReasons)
	for _, check := range verdict.Checks {
		assert.False(t, check.Hard && !check.Passed, "no hard check should have fired")
	}
	assert.Equal(t, 1, result["regenerations"])
}

func TestReviewRejectsMalformedPayload(t *testing.T) {
	a := New(config.QualityConfig{})

	task := &models.AgentTask{
		ID:      "qc-1",
		Payload: map[string]interface{}{"draft": 42},
	}
	_, err := a.Handle(context.Background(), task)
	require.Error(t, err)
	assert.True(t, agent.IsPermanent(err))
}

func TestReviewRejectsEmptyDraft(t *testing.T) {
	a := New(config.QualityConfig{})

	_, err := a.Handle(context.Background(), reviewTask(models.Draft{UserID: "user-1"}, 0))
	require.Error(t, err)
	assert.True(t, agent.IsPermanent(err))
}

func TestReviewSoftCheckFailureRejectsDespiteAggregate(t *testing.T) {
	a := New(config.QualityConfig{PassThreshold: 0.7})

	// A news-grounded draft that lost its source: every other check scores
	// 1.0, so the aggregate of 0.825 clears the threshold.
	draft := goodDraft()
	draft.OpportunityID = "opp-1"
	draft.SourceURL = ""

	result, err := a.Handle(context.Background(), reviewTask(draft, 0))
	require.NoError(t, err)

	verdict := decodeVerdict(t, result)
	assert.False(t, verdict.Passed, "a failed check must reject the draft even above the threshold")
	assert.InDelta(t, 0.825, verdict.AggregateScore, 0.001)
	assert.Contains(t, verdict.RejectionReasons, "news-grounded draft lost its source reference")
	for _, check := range verdict.Checks {
		assert.False(t, check.Hard && !check.Passed, "no hard check should have fired")
	}
}

func TestApplyLearningUpdateRaisesThreshold(t *testing.T) {
	a := New(config.QualityConfig{PassThreshold: 0.7})

	// Six hashtags dent the brand score to 0.7 without failing the check, so
	// every check passes and the aggregate lands at 0.925.
	draft := goodDraft()
	draft.Hashtags = []string{"#a", "#b", "#c", "#d", "#e", "#f"}

	result, err := a.Handle(context.Background(), reviewTask(draft, 0))
	require.NoError(t, err)
	assert.True(t, decodeVerdict(t, result).Passed)

	a.ApplyLearningUpdate(models.LearningUpdatePayload{
		Weights: map[string]float64{"quality.pass_threshold": 0.95},
	})

	result, err = a.Handle(context.Background(), reviewTask(draft, 0))
	require.NoError(t, err)
	assert.False(t, decodeVerdict(t, result).Passed)
}

func TestApplyLearningUpdateIgnoresInvalidThreshold(t *testing.T) {
	a := New(config.QualityConfig{PassThreshold: 0.7})

	a.ApplyLearningUpdate(models.LearningUpdatePayload{
		Weights: map[string]float64{"quality.pass_threshold": 1.5},
	})
	assert.Equal(t, 0.7, a.passThreshold)
}

func TestStructuralCheckBoundsPerContentType(t *testing.T) {
	check := StructuralCheck{}

	short := models.Draft{ContentType: models.ContentTypeArticle, Body: strings.Repeat("a", 200)}
	res := check.Run(context.Background(), short)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "too short")

	long := models.Draft{ContentType: models.ContentTypePoll, Body: strings.Repeat("a", 700)}
	res = check.Run(context.Background(), long)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "too long")

	fine := models.Draft{ContentType: models.ContentTypePost, Body: strings.Repeat("a", 200)}
	assert.True(t, check.Run(context.Background(), fine).Passed)
}

func TestSafetyCheckIsCaseInsensitive(t *testing.T) {
	check := SafetyCheck{}

	res := check.Run(context.Background(), models.Draft{Body: "A true MIRACLE Cure for bad standups."})
	assert.False(t, res.Passed)
	assert.True(t, res.Hard)
}

func TestBrandAlignmentFlagsShoutingAndHashtagSpam(t *testing.T) {
	check := BrandAlignmentCheck{}

	shouting := models.Draft{
		Body:     "THIS IS THE MOST IMPORTANT LESSON I HAVE EVER LEARNED IN MY CAREER",
		Hashtags: []string{"#a", "#b", "#c", "#d", "#e", "#f"},
	}
	res := check.Run(context.Background(), shouting)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "shouting")
	assert.Contains(t, res.Reason, "hashtags")
}
