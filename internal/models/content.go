package models

import (
	"time"
)

// ContentType 是可生成的内容形式，与模板库的分类保持一致。
const (
	ContentTypePost           = "post"
	ContentTypeArticle        = "article"
	ContentTypeStory          = "story"
	ContentTypePoll           = "poll"
	ContentTypeCarousel       = "carousel"
	ContentTypeVideoScript    = "video_script"
	ContentTypePodcastOutline = "podcast_outline"
)

// FeedItem 是新闻监控 Agent 从外部信息源拉取到的一条原始条目。
type FeedItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NewsOpportunity 是经过打分、值得生成内容的新闻机会。
type NewsOpportunity struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary"`
	Source      string    `json:"source"`
	Score       float64   `json:"score"` // [0,1]，打分策略可替换
	PublishedAt time.Time `json:"publishedAt"`
}

// VoiceProfile 刻画了某个用户的表达风格，由 14 个维度的 [0,1] 打分构成。
// 内容生成 Agent 据此调整文风；维度权重由学习 Agent 持续修正。
type VoiceProfile struct {
	UserID     string             `json:"userID"`
	Dimensions map[string]float64 `json:"dimensions"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// VoiceDimensions 是风格画像的全部维度名。
var VoiceDimensions = []string{
	"formality_level",
	"emotional_expressiveness",
	"technical_depth",
	"storytelling_style",
	"authority_tone",
	"empathy_level",
	"humor_usage",
	"vulnerability_comfort",
	"industry_jargon",
	"communication_pace",
	"explanation_style",
	"question_asking_tendency",
	"call_to_action_style",
	"personal_experience_sharing",
}

// Draft 是内容生成 Agent 的产出，等待质量控制放行后才能进入发布流程。
type Draft struct {
	TaskID        string   `json:"taskID"`
	UserID        string   `json:"userID"`
	OpportunityID string   `json:"opportunityID,omitempty"`
	ContentType   string   `json:"contentType"`
	Body          string   `json:"body"`
	Hashtags      []string `json:"hashtags,omitempty"`
	SourceURL     string   `json:"sourceURL,omitempty"`
}

// QualityCheckResult 是质量控制流水线中单项检查的结论。
type QualityCheckResult struct {
	Name   string  `json:"name"`
	Passed bool    `json:"passed"`
	Hard   bool    `json:"hard"`  // 硬性检查失败的草稿不允许重新生成
	Score  float64 `json:"score"` // [0,1]
	Reason string  `json:"reason,omitempty"`
}

// QualityControlResult 是整条检查流水线的汇总结论。
// 任何一项检查失败即整体不通过，与聚合分数无关；
// 硬性与软性检查的区别只在于被拒绝的草稿能否重新生成。
type QualityControlResult struct {
	Checks           []QualityCheckResult `json:"checks"`
	AggregateScore   float64              `json:"aggregateScore"`
	Passed           bool                 `json:"passed"`
	RejectionReasons []string             `json:"rejectionReasons,omitempty"`
}
