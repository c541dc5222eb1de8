package types

import "time"

// AssignmentResult is published when a conversation is handed to an agent
type AssignmentResult struct {
	Type           string    `json:"type"` // "conversation_assign"
	ConversationID string    `json:"conversationId"`
	EntryID        string    `json:"entryId"`
	AgentID        string    `json:"agentId"`
	DepartmentID   string    `json:"departmentId"`
	WaitMinutes    int       `json:"waitMinutes"`
	Timestamp      time.Time `json:"timestamp"`
}

// ServerAck is sent to an agent after its WebSocket connection registers
type ServerAck struct {
	Type    string `json:"type"` // "ack"
	AgentID string `json:"agentId"`
}

// AgentStatusMessage is sent by a connected agent to change its status
type AgentStatusMessage struct {
	Type    string      `json:"type"` // "status"
	AgentID string      `json:"agentId"`
	Status  AgentStatus `json:"status"`
	Reason  string      `json:"reason,omitempty"`
}

// SlotFreedMessage is sent by a connected agent when it finishes a conversation
type SlotFreedMessage struct {
	Type           string `json:"type"` // "slot_freed"
	AgentID        string `json:"agentId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ErrorMessage is sent to a connected agent when one of its messages was rejected
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}
