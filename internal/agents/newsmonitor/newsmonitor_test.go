package newsmonitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/agent"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

func scanTask() *models.AgentTask {
	return &models.AgentTask{
		ID:        "scan-1",
		UserID:    "user-1",
		AgentType: models.AgentTypeNewsMonitor,
	}
}

func feedItem(title, url string, publishedAt time.Time) models.FeedItem {
	return models.FeedItem{
		Title:       title,
		URL:         url,
		Summary:     "summary",
		Source:      "test-feed",
		PublishedAt: publishedAt,
	}
}

func opportunitiesOf(t *testing.T, result map[string]interface{}) []models.NewsOpportunity {
	t.Helper()
	opps, ok := result["opportunities"].([]models.NewsOpportunity)
	require.True(t, ok, "result should carry the opportunity list")
	return opps
}

func TestScanSurfacesHighScoringItems(t *testing.T) {
	now := time.Now().UTC()
	src := NewStaticFeedSource("tech", []models.FeedItem{
		feedItem("Startup closes Series B funding round", "https://news.example/funding", now.Add(-time.Hour)),
		feedItem("Quiet Tuesday in the markets", "https://news.example/quiet", now.Add(-72*time.Hour)),
	})
	a := New(config.NewsConfig{ScoreThreshold: 0.5, DedupeCapacity: 1000}, src)

	result, err := a.Handle(context.Background(), scanTask())
	require.NoError(t, err)

	opps := opportunitiesOf(t, result)
	require.Len(t, opps, 1)
	assert.Equal(t, "https://news.example/funding", opps[0].URL)
	assert.NotEmpty(t, opps[0].ID)
	assert.GreaterOrEqual(t, opps[0].Score, 0.5)
	assert.Equal(t, 2, result["scanned"])
}

func TestScanDeduplicatesAcrossPasses(t *testing.T) {
	now := time.Now().UTC()
	item := feedItem("Open source launch of a new runtime", "https://news.example/launch", now)
	src := NewStaticFeedSource("tech", []models.FeedItem{item, item})
	a := New(config.NewsConfig{ScoreThreshold: 0.5, DedupeCapacity: 1000}, src)

	result, err := a.Handle(context.Background(), scanTask())
	require.NoError(t, err)
	assert.Len(t, opportunitiesOf(t, result), 1, "the same URL twice in one pass yields one opportunity")

	result, err = a.Handle(context.Background(), scanTask())
	require.NoError(t, err)
	assert.Empty(t, opportunitiesOf(t, result), "a later pass must not resurface a seen URL")
}

func TestScanSkipsItemsWithoutURL(t *testing.T) {
	now := time.Now().UTC()
	src := NewStaticFeedSource("tech", []models.FeedItem{
		{Title: "Funding news with no link", PublishedAt: now},
	})
	a := New(config.NewsConfig{}, src)

	result, err := a.Handle(context.Background(), scanTask())
	require.NoError(t, err)
	assert.Equal(t, 0, result["scanned"])
}

func TestScanToleratesPartialFeedOutage(t *testing.T) {
	now := time.Now().UTC()
	healthy := NewStaticFeedSource("tech", []models.FeedItem{
		feedItem("Acquisition announced in infra space", "https://news.example/acq", now),
	})
	broken := NewFailingFeedSource("flaky", errors.New("connection refused"))
	a := New(config.NewsConfig{ScoreThreshold: 0.5}, healthy, broken)

	result, err := a.Handle(context.Background(), scanTask())
	require.NoError(t, err)
	assert.Len(t, opportunitiesOf(t, result), 1)
}

func TestScanFailsWhenEveryFeedFails(t *testing.T) {
	a := New(config.NewsConfig{},
		NewFailingFeedSource("one", errors.New("timeout")),
		NewFailingFeedSource("two", errors.New("dns")),
	)

	_, err := a.Handle(context.Background(), scanTask())
	require.Error(t, err)
	assert.False(t, agent.IsPermanent(err), "a full outage is transient, the task should be retried")
}

func TestApplyLearningUpdateAdjustsThresholdAndWeights(t *testing.T) {
	now := time.Now().UTC()
	src := NewStaticFeedSource("tech", []models.FeedItem{
		feedItem("Kubernetes cost report published", "https://news.example/report", now),
	})
	a := New(config.NewsConfig{ScoreThreshold: 0.5}, src)

	// "report" at 0.2 plus the recency bonus sits at 0.5, right on the line.
	result, err := a.Handle(context.Background(), scanTask())
	require.NoError(t, err)
	require.Len(t, opportunitiesOf(t, result), 1)

	a.ApplyLearningUpdate(models.LearningUpdatePayload{
		Weights: map[string]float64{
			"news.score_threshold": 0.9,
			"kubernetes":           0.1,
		},
	})

	src2 := NewStaticFeedSource("tech", []models.FeedItem{
		feedItem("Kubernetes cost report published", "https://news.example/report-2", now),
	})
	a.sources = []FeedSource{src2}

	result, err = a.Handle(context.Background(), scanTask())
	require.NoError(t, err)
	assert.Empty(t, opportunitiesOf(t, result), "the raised threshold should filter the same story out")
	assert.Equal(t, 0.9, a.threshold)
}

func TestKeywordScorerAccumulatesHitsAndRecency(t *testing.T) {
	scorer := NewKeywordScorer(nil)
	now := time.Now().UTC()

	fresh := models.FeedItem{
		Title:       "Launch day: funding round closes after acquisition talks",
		PublishedAt: now.Add(-time.Hour),
	}
	assert.Equal(t, 1.0, scorer.Score(fresh), "stacked keywords plus recency cap at 1")

	stale := models.FeedItem{
		Title:       "Funding round closes",
		PublishedAt: now.Add(-72 * time.Hour),
	}
	assert.InDelta(t, 0.3, scorer.Score(stale), 0.001, "stale items keep keyword weight only")

	undated := models.FeedItem{Title: "Funding round closes"}
	assert.InDelta(t, 0.3, scorer.Score(undated), 0.001)
}

func TestRecencyBonusFades(t *testing.T) {
	now := time.Now().UTC()

	assert.Equal(t, 0.3, recencyBonus(now.Add(-time.Hour), now))
	assert.Equal(t, 0.0, recencyBonus(now.Add(-49*time.Hour), now))
	assert.Equal(t, 0.0, recencyBonus(now.Add(time.Hour), now), "future-dated items get no bonus")

	mid := recencyBonus(now.Add(-27*time.Hour), now)
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 0.3)
}

func TestHealthyRequiresSources(t *testing.T) {
	assert.Error(t, New(config.NewsConfig{}).Healthy(context.Background()))
	assert.NoError(t, New(config.NewsConfig{}, NewStaticFeedSource("tech", nil)).Healthy(context.Background()))
}
