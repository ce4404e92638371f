package models

import "time"

// CallResult is a normalized call outcome pulled from the vendor.
type CallResult struct {
	ID           int64      `json:"id"`
	CallID       string     `json:"call_id"`
	RemoteTaskID string     `json:"remote_task_id"`
	TaskName     string     `json:"task_name"`
	AccountID    int64      `json:"account_id"`
	CalleeNumber string     `json:"callee_number"`
	StartAt      time.Time  `json:"start_at"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	EndAt        *time.Time `json:"end_at,omitempty"`
	TalkResult   string     `json:"talk_result"`
	HangupReason string     `json:"hangup_reason"`
	AgentID      string     `json:"agent_id"`
	AgentName    string     `json:"agent_name"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
