package qualitycontrol

import (
	"context"
	"fmt"
	"strings"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// DefaultChecks returns the standard review pipeline in execution order.
func DefaultChecks() []Check {
	return []Check{
		StructuralCheck{},
		SafetyCheck{},
		FactConsistencyCheck{},
		BrandAlignmentCheck{},
	}
}

// StructuralCheck validates length and shape per content type. Soft: a short
// post is fixable by regeneration.
type StructuralCheck struct{}

func (StructuralCheck) Name() string { return "structural" }

func (StructuralCheck) Hard() bool { return false }

func (StructuralCheck) Run(_ context.Context, draft models.Draft) models.QualityCheckResult {
	min, max := lengthBounds(draft.ContentType)
	n := len(draft.Body)
	res := models.QualityCheckResult{Name: "structural", Passed: true, Score: 1.0}
	switch {
	case n < min:
		res.Passed = false
		res.Score = float64(n) / float64(min)
		res.Reason = fmt.Sprintf("body too short for %s: %d chars, want at least %d", draft.ContentType, n, min)
	case n > max:
		res.Passed = false
		res.Score = 0.5
		res.Reason = fmt.Sprintf("body too long for %s: %d chars, limit %d", draft.ContentType, n, max)
	}
	return res
}

func lengthBounds(contentType string) (int, int) {
	switch contentType {
	case models.ContentTypeArticle:
		return 800, 20000
	case models.ContentTypePoll:
		return 40, 600
	case models.ContentTypeVideoScript, models.ContentTypePodcastOutline:
		return 300, 10000
	default:
		return 80, 3000
	}
}

// SafetyCheck is the hard gate: drafts touching banned territory never ship,
// whatever the rest of the pipeline thinks.
type SafetyCheck struct{}

func (SafetyCheck) Name() string { return "safety" }

func (SafetyCheck) Hard() bool { return true }

var bannedTerms = []string{
	"guaranteed returns",
	"insider information",
	"medical advice",
	"miracle cure",
	"get rich quick",
}

func (SafetyCheck) Run(_ context.Context, draft models.Draft) models.QualityCheckResult {
	body := strings.ToLower(draft.Body)
	for _, term := range bannedTerms {
		if strings.Contains(body, term) {
			return models.QualityCheckResult{
				Name:   "safety",
				Hard:   true,
				Passed: false,
				Score:  0,
				Reason: fmt.Sprintf("draft contains banned phrase %q", term),
			}
		}
	}
	return models.QualityCheckResult{Name: "safety", Hard: true, Passed: true, Score: 1.0}
}

// FactConsistencyCheck makes sure a draft grounded in a news item still
// carries its source. Soft: regeneration can restore the attribution.
type FactConsistencyCheck struct{}

func (FactConsistencyCheck) Name() string { return "fact_consistency" }

func (FactConsistencyCheck) Hard() bool { return false }

func (FactConsistencyCheck) Run(_ context.Context, draft models.Draft) models.QualityCheckResult {
	res := models.QualityCheckResult{Name: "fact_consistency", Passed: true, Score: 1.0}
	if draft.OpportunityID == "" {
		// Not grounded in a news item, nothing to verify.
		return res
	}
	if draft.SourceURL == "" {
		res.Passed = false
		res.Score = 0.3
		res.Reason = "news-grounded draft lost its source reference"
	}
	return res
}

// BrandAlignmentCheck scores tone signals: hashtag hygiene, no all-caps
// shouting, no clickbait framing. Soft.
type BrandAlignmentCheck struct{}

func (BrandAlignmentCheck) Name() string { return "brand_alignment" }

func (BrandAlignmentCheck) Hard() bool { return false }

func (BrandAlignmentCheck) Run(_ context.Context, draft models.Draft) models.QualityCheckResult {
	score := 1.0
	var reasons []string

	if len(draft.Hashtags) > 5 {
		score -= 0.3
		reasons = append(reasons, "too many hashtags")
	}
	if isShouting(draft.Body) {
		score -= 0.4
		reasons = append(reasons, "body reads as shouting")
	}
	for _, bait := range []string{"you won't believe", "number 7 will", "shocking truth"} {
		if strings.Contains(strings.ToLower(draft.Body), bait) {
			score -= 0.4
			reasons = append(reasons, "clickbait framing")
			break
		}
	}
	if score < 0 {
		score = 0
	}

	res := models.QualityCheckResult{Name: "brand_alignment", Passed: score >= 0.6, Score: score}
	if !res.Passed {
		res.Reason = strings.Join(reasons, "; ")
	}
	return res
}

// isShouting reports whether most letters in the body are upper case.
func isShouting(body string) bool {
	var letters, upper int
	for _, r := range body {
		switch {
		case r >= 'a' && r <= 'z':
			letters++
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		}
	}
	return letters > 20 && float64(upper)/float64(letters) > 0.6
}
