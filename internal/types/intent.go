package types

import (
	"fmt"
	"time"
)

// NotificationType is the kind of status update sent to the waiting party
type NotificationType string

const (
	NotificationPositionUpdate NotificationType = "position_update"
	NotificationWaitTimeUpdate NotificationType = "wait_time_update"
	NotificationAgentAssigned  NotificationType = "agent_assigned"
	NotificationQueueTimeout   NotificationType = "queue_timeout"
)

// IntentStatus tracks delivery by the outbound messaging collaborator
type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentSent    IntentStatus = "sent"
	IntentFailed  IntentStatus = "failed"
)

// NotificationIntent is a not-yet-delivered instruction to inform the contact
type NotificationIntent struct {
	ID                   string           `json:"id" dynamodbav:"IntentID"`
	QueueEntryID         string           `json:"queueEntryId" dynamodbav:"QueueEntryID"`
	ConversationID       string           `json:"conversationId" dynamodbav:"ConversationID"`
	NotificationType     NotificationType `json:"notificationType" dynamodbav:"NotificationType"`
	QueuePositionAtTime  int              `json:"queuePositionAtTime" dynamodbav:"QueuePositionAtTime"`
	EstimatedWaitMinutes *int             `json:"estimatedWaitMinutes,omitempty" dynamodbav:"EstimatedWaitMinutes,omitempty"`
	AgentID              string           `json:"agentId,omitempty" dynamodbav:"AgentID,omitempty"`
	DepartmentID         string           `json:"departmentId" dynamodbav:"DepartmentID"`
	ScheduledAt          time.Time        `json:"scheduledAt" dynamodbav:"ScheduledAt"`
	Status               IntentStatus     `json:"status" dynamodbav:"Status"`
	ErrorMessage         string           `json:"errorMessage,omitempty" dynamodbav:"ErrorMessage,omitempty"`
	UpdatedAt            time.Time        `json:"updatedAt" dynamodbav:"UpdatedAt"`
}

// IntentID builds the deterministic idempotency key of an intent. seq is the
// notification count for status updates and the escalation count for timeouts.
func IntentID(entryID string, t NotificationType, seq int) string {
	return fmt.Sprintf("%s:%s:%d", entryID, t, seq)
}

// NewIntent builds a pending intent for entry at now
func NewIntent(entry *QueueEntry, t NotificationType, seq int, now time.Time) *NotificationIntent {
	return &NotificationIntent{
		ID:                   IntentID(entry.ID, t, seq),
		QueueEntryID:         entry.ID,
		ConversationID:       entry.ConversationID,
		NotificationType:     t,
		QueuePositionAtTime:  entry.QueuePosition,
		EstimatedWaitMinutes: cloneInt(entry.EstimatedWaitMinutes),
		AgentID:              entry.AssignedAgentID,
		DepartmentID:         entry.DepartmentID,
		ScheduledAt:          now,
		Status:               IntentPending,
		UpdatedAt:            now,
	}
}

// Clone returns a deep copy
func (n *NotificationIntent) Clone() *NotificationIntent {
	if n == nil {
		return nil
	}
	c := *n
	c.EstimatedWaitMinutes = cloneInt(n.EstimatedWaitMinutes)
	return &c
}
