package newsmonitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/config"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/util"
)

// FeedSource pulls raw items from one external feed.
type FeedSource interface {
	Name() string
	Fetch(ctx context.Context) ([]models.FeedItem, error)
}

// Scorer rates how promising an item is for content generation, in [0,1].
type Scorer interface {
	Score(item models.FeedItem) float64
}

// Agent scans the configured feeds, drops items it has already seen, scores
// the rest and surfaces the ones above the threshold as opportunities.
type Agent struct {
	sources []FeedSource
	log     *logger.Logger

	mu        sync.Mutex
	scorer    Scorer
	threshold float64
	seen      *util.BloomFilter
}

// New builds a news monitor over the given feed sources.
func New(cfg config.NewsConfig, sources ...FeedSource) *Agent {
	capacity := cfg.DedupeCapacity
	if capacity == 0 {
		capacity = 100000
	}
	threshold := cfg.ScoreThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Agent{
		sources:   sources,
		log:       logger.New(string(models.AgentTypeNewsMonitor), "", ""),
		scorer:    NewKeywordScorer(nil),
		threshold: threshold,
		seen:      util.NewBloomFilter(capacity, 0.01),
	}
}

func (a *Agent) Type() models.AgentType { return models.AgentTypeNewsMonitor }

func (a *Agent) OnStart(_ context.Context) error { return nil }

func (a *Agent) OnShutdown(_ context.Context) error { return nil }

func (a *Agent) Healthy(_ context.Context) error {
	if len(a.sources) == 0 {
		return fmt.Errorf("no feed sources configured")
	}
	return nil
}

// Handle runs one scan pass. A pass only fails when every source fails;
// partial feed outages degrade coverage, not the task.
func (a *Agent) Handle(ctx context.Context, task *models.AgentTask) (map[string]interface{}, error) {
	var items []models.FeedItem
	var fetchErrs int
	for _, src := range a.sources {
		fetched, err := src.Fetch(ctx)
		if err != nil {
			fetchErrs++
			a.log.WithTask(task.ID).Warn(fmt.Sprintf("feed %s failed: %v", src.Name(), err))
			continue
		}
		items = append(items, fetched...)
	}
	if len(a.sources) > 0 && fetchErrs == len(a.sources) {
		return nil, fmt.Errorf("all %d feed sources failed", fetchErrs)
	}

	a.mu.Lock()
	scorer := a.scorer
	threshold := a.threshold
	a.mu.Unlock()

	var opportunities []models.NewsOpportunity
	scanned := 0
	for _, item := range items {
		if item.URL == "" {
			continue
		}
		scanned++
		key := []byte(item.URL)
		a.mu.Lock()
		dup := a.seen.Test(key)
		if !dup {
			a.seen.Add(key)
		}
		a.mu.Unlock()
		if dup {
			continue
		}

		score := scorer.Score(item)
		if score < threshold {
			continue
		}
		opportunities = append(opportunities, models.NewsOpportunity{
			ID:          uuid.NewString(),
			Title:       item.Title,
			URL:         item.URL,
			Summary:     item.Summary,
			Source:      item.Source,
			Score:       score,
			PublishedAt: item.PublishedAt,
		})
	}

	a.log.WithTask(task.ID).WithPayload(map[string]interface{}{
		"scanned":       scanned,
		"opportunities": len(opportunities),
	}).Info("scan pass finished")

	return map[string]interface{}{
		"opportunities": opportunities,
		"scanned":       scanned,
	}, nil
}

// ApplyLearningUpdate swaps in updated keyword weights and threshold between
// two scan passes.
func (a *Agent) ApplyLearningUpdate(update models.LearningUpdatePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()

	weights := make(map[string]float64)
	for key, w := range update.Weights {
		if key == weightKeyThreshold {
			if w > 0 && w <= 1 {
				a.threshold = w
			}
			continue
		}
		weights[key] = w
	}
	if len(weights) > 0 {
		a.scorer = NewKeywordScorer(weights)
	}
}

const weightKeyThreshold = "news.score_threshold"

// KeywordScorer scores items by weighted keyword hits plus a recency bonus.
type KeywordScorer struct {
	weights map[string]float64
}

// NewKeywordScorer builds a scorer; a nil weight map falls back to a generic
// professional-topics vocabulary.
func NewKeywordScorer(weights map[string]float64) *KeywordScorer {
	if len(weights) == 0 {
		weights = map[string]float64{
			"launch":      0.3,
			"funding":     0.3,
			"acquisition": 0.3,
			"research":    0.25,
			"report":      0.2,
			"trend":       0.2,
			"hiring":      0.15,
			"layoff":      0.25,
			"regulation":  0.2,
			"open source": 0.2,
		}
	}
	return &KeywordScorer{weights: weights}
}

func (s *KeywordScorer) Score(item models.FeedItem) float64 {
	text := strings.ToLower(item.Title + " " + item.Summary)
	score := 0.0
	for keyword, weight := range s.weights {
		if strings.Contains(text, keyword) {
			score += weight
		}
	}
	score += recencyBonus(item.PublishedAt, time.Now().UTC())
	if score > 1 {
		score = 1
	}
	return score
}

// recencyBonus rewards fresh items: full bonus inside 6 hours, fading to
// nothing at 48 hours.
func recencyBonus(publishedAt, now time.Time) float64 {
	if publishedAt.IsZero() {
		return 0
	}
	age := now.Sub(publishedAt)
	switch {
	case age < 0:
		return 0
	case age <= 6*time.Hour:
		return 0.3
	case age >= 48*time.Hour:
		return 0
	default:
		return 0.3 * (1 - float64(age-6*time.Hour)/float64(42*time.Hour))
	}
}
