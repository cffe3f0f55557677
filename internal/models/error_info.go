package models

// ErrorInfo 存储了关于错误的结构化信息，供日志与错误上报消息复用。
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"` // 错误分类，例如 "transient", "permanent"
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}
