package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType 标识消息总线上流转的消息种类。
type MessageType string

const (
	MessageTypeTaskRequest    MessageType = "task_request"    // 编排器向 Agent 下发任务
	MessageTypeTaskResult     MessageType = "task_result"     // Agent 回报任务终态
	MessageTypeStatusUpdate   MessageType = "status_update"   // 心跳、重新排队等状态广播
	MessageTypeErrorReport    MessageType = "error_report"    // 任务失败详情，面向运维和学习
	MessageTypeCoordination   MessageType = "coordination"    // 协调指令（取消等）
	MessageTypeLearningUpdate MessageType = "learning_update" // 学习 Agent 下发的参数更新
)

// StatusUpdate 消息 payload 中 kind 字段的取值。
const (
	StatusKindHeartbeat             = "heartbeat"
	StatusKindTaskRequeued          = "task-requeued"
	StatusKindTaskFailedPermanently = "task-failed-permanently"
	StatusKindPublishOutcome        = "publish-outcome"
)

// Coordination 消息 payload 中 intent 字段的取值。
const (
	CoordinationIntentCancel = "cancel"
)

// TargetBroadcast 表示消息面向所有订阅者，而非某个具体 Agent 类型。
const TargetBroadcast = "broadcast"

// RetryPolicy 定义了消息（或任务）失败后的重试策略。
type RetryPolicy struct {
	MaxAttempts int     `json:"maxAttempts"` // 最大尝试次数（含首次投递）
	BaseDelayMs int64   `json:"baseDelayMs"` // 首次重试前的延迟
	Multiplier  float64 `json:"multiplier"`  // 退避系数 (例如: 2.0)
	CapMs       int64   `json:"capMs"`       // 单次延迟的上限
}

// AgentMessage 是消息总线上的通信单元。
// 所有 requiresAck 的消息若在 timeoutMs 内未被确认，会按 RetryPolicy 重新投递，
// 重试耗尽后进入死信通道，绝不静默丢弃。
type AgentMessage struct {
	ID            string          `json:"id"`                      // 消息唯一 ID
	Timestamp     time.Time       `json:"timestamp"`               // 发出时间
	Source        string          `json:"source"`                  // 发送方 Agent 标识
	Target        string          `json:"target"`                  // 目标 Agent 类型，或 broadcast
	Type          MessageType     `json:"type"`                    // 消息种类
	Priority      int             `json:"priority"`                // 优先级，数值越小越优先
	TaskID        string          `json:"taskID,omitempty"`        // 关联的任务 ID
	CorrelationID string          `json:"correlationID,omitempty"` // 贯穿任务链的 ID
	Payload       json.RawMessage `json:"payload,omitempty"`       // 消息体，传输层不解析
	RequiresAck   bool            `json:"requiresAck"`             // 是否需要消费方确认
	TimeoutMs     int64           `json:"timeoutMs,omitempty"`     // 确认超时
	RetryPolicy   *RetryPolicy    `json:"retryPolicy,omitempty"`   // 投递失败时的重试策略
	Attempt       int             `json:"attempt"`                 // 当前投递次数，从 1 开始
}

// NewMessage 构造一条带有生成 ID 和当前时间戳的消息。
func NewMessage(msgType MessageType, source, target string) *AgentMessage {
	return &AgentMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Target:    target,
		Type:      msgType,
		Attempt:   1,
	}
}

// WithPayload 将任意结构序列化后挂到消息上。序列化失败返回错误，由调用方处理。
func (m *AgentMessage) WithPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.Payload = data
	return nil
}

// DecodePayload 将消息体反序列化到目标结构。
func (m *AgentMessage) DecodePayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// HeartbeatPayload 是 StatusUpdate(heartbeat) 消息的消息体。
type HeartbeatPayload struct {
	Kind        string    `json:"kind"`
	AgentID     string    `json:"agentID"`
	AgentType   AgentType `json:"agentType"`
	Capacity    int       `json:"capacity"`
	CurrentLoad int       `json:"currentLoad"`
	State       string    `json:"state"`
	SentAt      time.Time `json:"sentAt"`
}

// RequeuePayload 是 StatusUpdate(task-requeued) 消息的消息体，
// 通知编排器该任务已释放回 pending，并在 NextAttemptAt 之后才应再次分配。
type RequeuePayload struct {
	Kind          string    `json:"kind"`
	TaskID        string    `json:"taskID"`
	AgentID       string    `json:"agentID"`
	RetryCount    int       `json:"retryCount"`
	Reason        string    `json:"reason"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
}

// ErrorReportPayload 是 ErrorReport 消息的消息体，携带完整的失败上下文。
type ErrorReportPayload struct {
	TaskID    string    `json:"taskID"`
	AgentID   string    `json:"agentID"`
	AgentType AgentType `json:"agentType"`
	Attempt   int       `json:"attempt"`
	Permanent bool      `json:"permanent"`
	Error     string    `json:"error"`
}

// CoordinationPayload 是 Coordination 消息的消息体。
type CoordinationPayload struct {
	Intent string `json:"intent"`
	TaskID string `json:"taskID"`
}

// TaskResultPayload 是 TaskResult 消息的消息体。
type TaskResultPayload struct {
	TaskID        string                 `json:"taskID"`
	CorrelationID string                 `json:"correlationID"`
	ParentTaskID  string                 `json:"parentTaskID,omitempty"`
	UserID        string                 `json:"userID"`
	AgentType     AgentType              `json:"agentType"`
	AgentID       string                 `json:"agentID"`
	Status        TaskStatus             `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// PublishOutcomePayload 是 StatusUpdate(publish-outcome) 消息的消息体，
// 学习 Agent 据此统计各平台、各内容形式的发布效果。
type PublishOutcomePayload struct {
	Kind        string    `json:"kind"`
	TaskID      string    `json:"taskID"`
	UserID      string    `json:"userID"`
	Platform    Platform  `json:"platform"`
	ContentType string    `json:"contentType"`
	ExternalID  string    `json:"externalID,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	PublishedAt time.Time `json:"publishedAt"`
}

// LearningUpdatePayload 是 LearningUpdate 消息的消息体。
// 消费方必须在两个任务之间的安全点整体应用，不允许在任务执行中途切换参数。
type LearningUpdatePayload struct {
	Weights     map[string]float64 `json:"weights"`
	SampleCount int                `json:"sampleCount"`
	GeneratedAt time.Time          `json:"generatedAt"`
}
