package models

import (
	"time"
)

// AgentType 标识系统中的 Agent 种类，每种类型对应一条独立的任务流水线。
type AgentType string

const (
	AgentTypeNewsMonitor      AgentType = "news_monitor"      // 新闻监控 Agent
	AgentTypeContentGenerator AgentType = "content_generator" // 内容生成 Agent
	AgentTypeQualityControl   AgentType = "quality_control"   // 质量控制 Agent
	AgentTypePublisher        AgentType = "publisher"         // 发布 Agent
	AgentTypeLearning         AgentType = "learning"          // 学习 Agent
)

// AllAgentTypes 返回系统支持的全部 Agent 类型。
func AllAgentTypes() []AgentType {
	return []AgentType{
		AgentTypeNewsMonitor,
		AgentTypeContentGenerator,
		AgentTypeQualityControl,
		AgentTypePublisher,
		AgentTypeLearning,
	}
}

// TaskStatus 定义了任务的几种可能状态。
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"       // 等待分配
	TaskStatusAssigned     TaskStatus = "assigned"      // 已分配给某个 Agent 实例
	TaskStatusRunning      TaskStatus = "running"       // Agent 正在执行
	TaskStatusCompleted    TaskStatus = "completed"     // 成功结束（终态）
	TaskStatusFailed       TaskStatus = "failed"        // 永久失败（终态）
	TaskStatusDeadLettered TaskStatus = "dead_lettered" // 重试耗尽后进入死信（终态）
)

// Terminal 判断状态是否为终态。终态任务永不删除，保留用于审计和学习。
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusDeadLettered
}

// AgentTask 是在 Agent 之间流转并被持久化跟踪的任务核心结构。
// 一个任务在 assigned/running 期间有且仅有一个持有它的 Agent 实例（OwnerAgentID），
// 所有的状态迁移都必须通过任务存储的 CAS 更新完成，避免并发重复处理。
type AgentTask struct {
	ID            string     `bson:"_id" json:"id"`                                          // 任务唯一 ID (UUID)
	CorrelationID string     `bson:"correlation_id" json:"correlationID"`                    // 贯穿整条任务链的 ID
	ParentTaskID  string     `bson:"parent_task_id,omitempty" json:"parentTaskID,omitempty"` // 父任务 ID，用于构建任务链
	UserID        string     `bson:"user_id" json:"userID"`                                  // 任务所属用户
	AgentType     AgentType  `bson:"agent_type" json:"agentType"`                            // 需要哪种 Agent 执行
	Status        TaskStatus `bson:"status" json:"status"`                                   // 当前状态
	Priority      int        `bson:"priority" json:"priority"`                               // 优先级，数值越小越优先
	OwnerAgentID  string     `bson:"owner_agent_id,omitempty" json:"ownerAgentID,omitempty"` // 当前持有任务的 Agent 实例

	// Payload 是执行任务所需的数据，编排层不解析其内容。
	Payload map[string]interface{} `bson:"payload" json:"payload"`
	// Result 在任务成功后由执行 Agent 写入。
	Result map[string]interface{} `bson:"result,omitempty" json:"result,omitempty"`
	// Error 在任务失败时记录最后一次错误详情。
	Error string `bson:"error,omitempty" json:"error,omitempty"`

	RetryCount  int        `bson:"retry_count" json:"retryCount"`                       // 已发生的重试次数，重新分配时保留
	CreatedAt   time.Time  `bson:"created_at" json:"createdAt"`                         // 创建时间
	StartedAt   *time.Time `bson:"started_at,omitempty" json:"startedAt,omitempty"`     // 最近一次开始执行的时间，重新分配时重置
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completedAt,omitempty"` // 进入终态的时间
	UpdatedAt   time.Time  `bson:"updated_at" json:"updatedAt"`                         // 最近一次状态变更时间，用于卡死检测
}
