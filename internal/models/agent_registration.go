package models

import (
	"time"
)

// AgentHealth 表示编排器视角下某个 Agent 实例的健康状况。
type AgentHealth string

const (
	AgentHealthHealthy  AgentHealth = "healthy"
	AgentHealthDegraded AgentHealth = "degraded" // 负载已满，暂不接收新任务
	AgentHealthDead     AgentHealth = "dead"     // 连续 N 次心跳缺失
)

// AgentRegistration 是编排器注册表中的一条 Agent 记录。
// 记录在 Agent 启动握手（首次心跳）时创建，之后由每次心跳更新，
// 连续 N 次心跳缺失后标记为 dead，其持有的任务由编排器重新分配。
type AgentRegistration struct {
	AgentID         string      `json:"agentID"`
	AgentType       AgentType   `json:"agentType"`
	Capacity        int         `json:"capacity"`    // 最大并发任务数
	CurrentLoad     int         `json:"currentLoad"` // 当前在执行的任务数
	LastHeartbeatAt time.Time   `json:"lastHeartbeatAt"`
	Status          AgentHealth `json:"status"`
}

// Available 判断该实例是否可以接收新任务。
func (r *AgentRegistration) Available() bool {
	return r.Status == AgentHealthHealthy && r.CurrentLoad < r.Capacity
}
