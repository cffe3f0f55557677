package contentgen

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// TemplateGenerator produces drafts from per-content-type templates, shaped
// by the user's voice dimensions. It is the default generator and the model
// for plugging in an external one.
type TemplateGenerator struct {
	mu      sync.Mutex
	weights map[string]float64
}

func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{weights: map[string]float64{}}
}

// ApplyWeights overlays learned adjustments onto the voice dimensions before
// they shape the next draft.
func (g *TemplateGenerator) ApplyWeights(weights map[string]float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range weights {
		g.weights[k] = v
	}
}

func (g *TemplateGenerator) Generate(_ context.Context, req GenerationRequest) (*models.Draft, error) {
	if req.Opportunity.Title == "" && len(req.Feedback) == 0 {
		return nil, fmt.Errorf("generation request carries neither an opportunity nor feedback")
	}

	dims := g.effectiveDimensions(req.Profile)

	var b strings.Builder
	b.WriteString(g.opener(req.Opportunity, dims))
	b.WriteString("\n\n")
	b.WriteString(g.body(req, dims))
	if cta := g.callToAction(dims); cta != "" {
		b.WriteString("\n\n")
		b.WriteString(cta)
	}

	return &models.Draft{
		TaskID:        req.TaskID,
		UserID:        req.UserID,
		OpportunityID: req.Opportunity.ID,
		ContentType:   req.ContentType,
		Body:          b.String(),
		Hashtags:      hashtagsFor(req.Opportunity),
		SourceURL:     req.Opportunity.URL,
	}, nil
}

func (g *TemplateGenerator) effectiveDimensions(profile *models.VoiceProfile) map[string]float64 {
	dims := make(map[string]float64, len(models.VoiceDimensions))
	for _, name := range models.VoiceDimensions {
		dims[name] = 0.5
	}
	if profile != nil {
		for k, v := range profile.Dimensions {
			dims[k] = v
		}
	}
	g.mu.Lock()
	for k, v := range g.weights {
		if _, ok := dims[k]; ok {
			dims[k] = clamp01(dims[k] + v)
		}
	}
	g.mu.Unlock()
	return dims
}

func (g *TemplateGenerator) opener(opp models.NewsOpportunity, dims map[string]float64) string {
	switch {
	case dims["question_asking_tendency"] > 0.7:
		return fmt.Sprintf("What does %q mean for the rest of us?", opp.Title)
	case dims["formality_level"] > 0.7:
		return fmt.Sprintf("A noteworthy development: %s.", opp.Title)
	case dims["emotional_expressiveness"] > 0.7:
		return fmt.Sprintf("This one stopped me mid-scroll: %s.", opp.Title)
	default:
		return fmt.Sprintf("Worth a closer look: %s.", opp.Title)
	}
}

func (g *TemplateGenerator) body(req GenerationRequest, dims map[string]float64) string {
	var parts []string
	if req.Opportunity.Summary != "" {
		parts = append(parts, req.Opportunity.Summary)
	}
	if dims["personal_experience_sharing"] > 0.6 {
		parts = append(parts, "I've seen this pattern play out before, and it rarely stays niche for long.")
	}
	if dims["technical_depth"] > 0.7 {
		parts = append(parts, "The interesting part is the mechanism underneath, not the headline.")
	}
	// Reviewer feedback from a rejected round steers the rewrite.
	for _, fb := range req.Feedback {
		switch {
		case strings.Contains(fb, "short"):
			parts = append(parts, "To put this in context: the shift has been building for a while, and the second-order effects are where the real story is.")
		case strings.Contains(fb, "source"):
			parts = append(parts, fmt.Sprintf("Source: %s", req.Opportunity.URL))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "The details are still unfolding, but the direction is clear.")
	}
	return strings.Join(parts, " ")
}

func (g *TemplateGenerator) callToAction(dims map[string]float64) string {
	switch {
	case dims["call_to_action_style"] > 0.7:
		return "What's your read on this? I'd genuinely like to hear it."
	case dims["call_to_action_style"] > 0.4:
		return "Curious how others are thinking about this."
	default:
		return ""
	}
}

func hashtagsFor(opp models.NewsOpportunity) []string {
	var tags []string
	for _, word := range strings.Fields(opp.Title) {
		cleaned := strings.Trim(strings.ToLower(word), ".,!?:;\"'")
		if len(cleaned) >= 6 && len(tags) < 3 {
			tags = append(tags, "#"+cleaned)
		}
	}
	return tags
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
