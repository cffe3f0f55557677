package models

import (
	"time"
)

// Platform 是内容可以发布到的外部平台。
type Platform string

const (
	PlatformLinkedIn Platform = "linkedin"
	PlatformTwitter  Platform = "twitter"
)

// JobStatus 定义了发布作业的状态。
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"     // 等待发布窗口
	JobStatusPublishing JobStatus = "publishing" // 正在调用外部平台
	JobStatusPublished  JobStatus = "published"  // 已成功发布（终态）
	JobStatusFailed     JobStatus = "failed"     // 永久失败（终态）
)

// PublishingJob 是发布 Agent 内部队列中的一条作业记录，按 TaskID 幂等。
// 任意滑动窗口内转入 published 的作业数不会超过对应 (userID, platform) 的限额，
// 超出限额的作业被延后（ScheduledFor 顺延），绝不丢弃。
type PublishingJob struct {
	TaskID       string    `gorm:"primaryKey;size:64" json:"taskID"`
	UserID       string    `gorm:"size:64;index:idx_user_platform" json:"userID"`
	Platform     Platform  `gorm:"size:32;index:idx_user_platform" json:"platform"`
	ContentType  string    `gorm:"size:32" json:"contentType"`
	Body         string    `gorm:"type:text" json:"body"`
	ScheduledFor time.Time `gorm:"index" json:"scheduledFor"` // 所有限流窗口都放行的最早时刻
	Status       JobStatus `gorm:"size:16;index" json:"status"`
	Attempt      int       `json:"attempt"`                              // 已尝试的外部调用次数
	ExternalID   string    `gorm:"size:128" json:"externalID,omitempty"` // 外部平台返回的帖子 ID，幂等依据
	LastError    string    `gorm:"type:text" json:"lastError,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName 指定 GORM 使用的表名。
func (PublishingJob) TableName() string {
	return "publishing_jobs"
}
