package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// Result payload keys shared between the agents and the chain logic.
const (
	resultKeyOpportunities = "opportunities"
	resultKeyDraft         = "draft"
	resultKeyQuality       = "quality"

	payloadKeyOpportunity   = "opportunity"
	payloadKeyDraft         = "draft"
	payloadKeyContentType   = "contentType"
	payloadKeyFeedback      = "feedback"
	payloadKeyRegenerations = "regenerations"
	payloadKeyPlatform      = "platform"
)

// advanceChain turns a completed task into its follow-up tasks:
//
//	news_monitor     -> one content_generator task per opportunity
//	content_generator -> quality_control
//	quality_control  -> publisher when passed, content_generator again with
//	                    feedback when rejected and regenerations remain
//	publisher        -> nothing, the learning agent watches results itself
func (o *Orchestrator) advanceChain(ctx context.Context, res models.TaskResultPayload) error {
	switch res.AgentType {
	case models.AgentTypeNewsMonitor:
		return o.fanOutOpportunities(ctx, res)
	case models.AgentTypeContentGenerator:
		return o.routeDraftToQC(ctx, res)
	case models.AgentTypeQualityControl:
		return o.routeQCVerdict(ctx, res)
	}
	return nil
}

func (o *Orchestrator) fanOutOpportunities(ctx context.Context, res models.TaskResultPayload) error {
	var opportunities []models.NewsOpportunity
	if err := decodeResultField(res.Result, resultKeyOpportunities, &opportunities); err != nil || len(opportunities) == 0 {
		return nil
	}
	for i, opp := range opportunities {
		payload := map[string]interface{}{
			payloadKeyOpportunity: opp,
			payloadKeyContentType: models.ContentTypePost,
		}
		if _, err := o.submitChild(ctx, res, models.AgentTypeContentGenerator, i, payload, defaultChainPriority); err != nil {
			o.log.WithTask(res.TaskID).Error("spawn content task: " + err.Error())
		}
	}
	return nil
}

func (o *Orchestrator) routeDraftToQC(ctx context.Context, res models.TaskResultPayload) error {
	var draft models.Draft
	if err := decodeResultField(res.Result, resultKeyDraft, &draft); err != nil {
		o.log.WithTask(res.TaskID).Warn("content result without draft, chain ends")
		return nil
	}
	payload := map[string]interface{}{
		payloadKeyDraft:         draft,
		payloadKeyRegenerations: regenerationCount(res.Result),
	}
	_, err := o.submitChild(ctx, res, models.AgentTypeQualityControl, 0, payload, defaultChainPriority)
	return err
}

func (o *Orchestrator) routeQCVerdict(ctx context.Context, res models.TaskResultPayload) error {
	var verdict models.QualityControlResult
	if err := decodeResultField(res.Result, resultKeyQuality, &verdict); err != nil {
		return nil
	}
	var draft models.Draft
	if err := decodeResultField(res.Result, resultKeyDraft, &draft); err != nil {
		return nil
	}

	if verdict.Passed {
		payload := map[string]interface{}{
			payloadKeyDraft:    draft,
			payloadKeyPlatform: string(models.PlatformLinkedIn),
		}
		_, err := o.submitChild(ctx, res, models.AgentTypePublisher, 0, payload, defaultChainPriority)
		return err
	}

	// Hard-check vetoes are final. Soft rejections get a bounded number of
	// regeneration rounds carrying the reviewer feedback back to the writer.
	for _, check := range verdict.Checks {
		if check.Hard && !check.Passed {
			o.log.WithTask(res.TaskID).Warn("draft vetoed by hard check: " + check.Name)
			return nil
		}
	}

	regenerations := regenerationCount(res.Result)
	if regenerations >= o.maxRegeneration {
		o.log.WithTask(res.TaskID).WithPayload(map[string]interface{}{
			"regenerations": regenerations,
		}).Warn("draft rejected, regeneration budget exhausted")
		return nil
	}

	payload := map[string]interface{}{
		payloadKeyContentType:   draft.ContentType,
		payloadKeyFeedback:      verdict.RejectionReasons,
		payloadKeyRegenerations: regenerations + 1,
		payloadKeyDraft:         draft,
	}
	_, err := o.submitChild(ctx, res, models.AgentTypeContentGenerator, 0, payload, defaultChainPriority)
	return err
}

const defaultChainPriority = 5

// decodeResultField extracts a typed value out of the untyped result map by
// round-tripping through JSON.
func decodeResultField(result map[string]interface{}, key string, v interface{}) error {
	raw, ok := result[key]
	if !ok {
		return errMissingField
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

var errMissingField = jsonFieldError("missing result field")

type jsonFieldError string

func (e jsonFieldError) Error() string { return string(e) }

func regenerationCount(result map[string]interface{}) int {
	raw, ok := result[payloadKeyRegenerations]
	if !ok {
		return 0
	}
	switch n := raw.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
