package types

import (
	"fmt"
	"time"
)

// Priority is the urgency class of a queued conversation
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// AllPriorities lists priorities from lowest to highest
var AllPriorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// DefaultPriorityWeights is used when a rule does not configure a weight
var DefaultPriorityWeights = map[Priority]float64{
	PriorityUrgent: 4,
	PriorityHigh:   3,
	PriorityMedium: 2,
	PriorityLow:    1,
}

// Valid reports whether p is one of the known priorities
func (p Priority) Valid() bool {
	_, ok := DefaultPriorityWeights[p]
	return ok
}

// EntryStatus represents the lifecycle state of a queue entry
type EntryStatus string

const (
	EntryStatusWaiting   EntryStatus = "waiting"   // In queue, not yet assigned
	EntryStatusAssigned  EntryStatus = "assigned"  // Handed to an agent
	EntryStatusExpired   EntryStatus = "expired"   // Timed out without a fallback department
	EntryStatusCancelled EntryStatus = "cancelled" // Conversation closed while queued or assigned
)

// Terminal reports whether the status can no longer change through the scheduling cycle
func (s EntryStatus) Terminal() bool {
	return s != EntryStatusWaiting
}

// QueueEntry binds one conversation to one department's queue
type QueueEntry struct {
	ID                      string      `json:"id" dynamodbav:"EntryID"`
	ConversationID          string      `json:"conversationId" dynamodbav:"ConversationID"`
	DepartmentID            string      `json:"departmentId" dynamodbav:"DepartmentID"`
	CategoryID              string      `json:"categoryId,omitempty" dynamodbav:"CategoryID,omitempty"`
	Priority                Priority    `json:"priority" dynamodbav:"Priority"`
	IsVIP                   bool        `json:"isVip,omitempty" dynamodbav:"IsVIP"`
	QueuePosition           int         `json:"queuePosition" dynamodbav:"QueuePosition"`
	EstimatedWaitMinutes    *int        `json:"estimatedWaitMinutes,omitempty" dynamodbav:"EstimatedWaitMinutes,omitempty"`
	AssignmentAttempts      int         `json:"assignmentAttempts" dynamodbav:"AssignmentAttempts"`
	NotificationCount       int         `json:"notificationCount" dynamodbav:"NotificationCount"`
	LastNotifiedPosition    int         `json:"lastNotifiedPosition,omitempty" dynamodbav:"LastNotifiedPosition"`
	EscalationCount         int         `json:"escalationCount,omitempty" dynamodbav:"EscalationCount"`
	Status                  EntryStatus `json:"status" dynamodbav:"Status"`
	AssignedAgentID         string      `json:"assignedAgentId,omitempty" dynamodbav:"AssignedAgentID,omitempty"`
	EnteredQueueAt          time.Time   `json:"enteredQueueAt" dynamodbav:"EnteredQueueAt"`
	AssignedAt              *time.Time  `json:"assignedAt,omitempty" dynamodbav:"AssignedAt,omitempty"`
	LastAssignmentAttemptAt *time.Time  `json:"lastAssignmentAttemptAt,omitempty" dynamodbav:"LastAssignmentAttemptAt,omitempty"`
	LastNotificationAt      *time.Time  `json:"lastNotificationAt,omitempty" dynamodbav:"LastNotificationAt,omitempty"`
	EscalatedAt             *time.Time  `json:"escalatedAt,omitempty" dynamodbav:"EscalatedAt,omitempty"`
	RemovedFromQueueAt      *time.Time  `json:"removedFromQueueAt,omitempty" dynamodbav:"RemovedFromQueueAt,omitempty"`
	SlotReleasedAt          *time.Time  `json:"slotReleasedAt,omitempty" dynamodbav:"SlotReleasedAt,omitempty"`
	Version                 int64       `json:"version" dynamodbav:"Version"`
}

// Clone returns a deep copy so callers never share pointer fields with a store
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.EstimatedWaitMinutes = cloneInt(e.EstimatedWaitMinutes)
	c.AssignedAt = cloneTime(e.AssignedAt)
	c.LastAssignmentAttemptAt = cloneTime(e.LastAssignmentAttemptAt)
	c.LastNotificationAt = cloneTime(e.LastNotificationAt)
	c.EscalatedAt = cloneTime(e.EscalatedAt)
	c.RemovedFromQueueAt = cloneTime(e.RemovedFromQueueAt)
	c.SlotReleasedAt = cloneTime(e.SlotReleasedAt)
	return &c
}

// WaitMinutes is the whole number of minutes since the entry first entered any queue
func (e *QueueEntry) WaitMinutes(now time.Time) int {
	return wholeMinutes(now.Sub(e.EnteredQueueAt))
}

// MinutesSinceEscalation is the whole number of minutes spent in the current
// department after a re-home. ok is false when the entry was never escalated.
func (e *QueueEntry) MinutesSinceEscalation(now time.Time) (minutes int, ok bool) {
	if e.EscalatedAt == nil {
		return 0, false
	}
	return wholeMinutes(now.Sub(*e.EscalatedAt)), true
}

// MarkAssigned moves a waiting entry to assigned
func (e *QueueEntry) MarkAssigned(agentID string, now time.Time) error {
	if err := e.checkTransition(EntryStatusAssigned); err != nil {
		return err
	}
	e.Status = EntryStatusAssigned
	e.AssignedAgentID = agentID
	e.AssignedAt = &now
	e.RemovedFromQueueAt = &now
	e.QueuePosition = 0
	e.EstimatedWaitMinutes = nil
	return nil
}

// MarkExpired moves a waiting entry to expired
func (e *QueueEntry) MarkExpired(now time.Time) error {
	if err := e.checkTransition(EntryStatusExpired); err != nil {
		return err
	}
	e.Status = EntryStatusExpired
	e.RemovedFromQueueAt = &now
	e.QueuePosition = 0
	e.EstimatedWaitMinutes = nil
	return nil
}

// MarkCancelled cancels a waiting or assigned entry and returns the agent that
// held it, if any, so the caller can release that agent's slot.
func (e *QueueEntry) MarkCancelled(now time.Time) (agentID string, err error) {
	if err := e.checkTransition(EntryStatusCancelled); err != nil {
		return "", err
	}
	if e.Status == EntryStatusWaiting {
		e.RemovedFromQueueAt = &now
	}
	agentID = e.AssignedAgentID
	if agentID != "" {
		e.SlotReleasedAt = &now
	}
	e.Status = EntryStatusCancelled
	e.AssignedAgentID = ""
	e.QueuePosition = 0
	e.EstimatedWaitMinutes = nil
	return agentID, nil
}

// HoldsSlot reports whether the entry still occupies a slot of its agent
func (e *QueueEntry) HoldsSlot() bool {
	return e.Status == EntryStatusAssigned && e.SlotReleasedAt == nil
}

// MarkSlotReleased records that the agent's slot for an assigned entry was
// given back while the conversation stays assigned.
func (e *QueueEntry) MarkSlotReleased(now time.Time) error {
	if e.Status != EntryStatusAssigned || e.SlotReleasedAt != nil {
		return &TransitionError{EntryID: e.ID, From: e.Status, To: e.Status}
	}
	e.SlotReleasedAt = &now
	return nil
}

// Rehome moves a waiting entry to another department. EnteredQueueAt is kept so
// the total customer wait keeps counting across departments.
func (e *QueueEntry) Rehome(departmentID string, now time.Time) error {
	if err := e.checkTransition(EntryStatusWaiting); err != nil {
		return err
	}
	e.DepartmentID = departmentID
	e.EscalatedAt = &now
	e.EscalationCount++
	e.QueuePosition = 0
	e.EstimatedWaitMinutes = nil
	e.LastNotifiedPosition = 0
	return nil
}

func (e *QueueEntry) checkTransition(to EntryStatus) error {
	if !CanTransition(e.Status, to) {
		return &TransitionError{EntryID: e.ID, From: e.Status, To: to}
	}
	return nil
}

// CanTransition reports whether the entry state machine allows from -> to.
// assigned -> cancelled is reserved for the conversation-closed path.
func CanTransition(from, to EntryStatus) bool {
	switch from {
	case EntryStatusWaiting:
		return to == EntryStatusAssigned || to == EntryStatusExpired ||
			to == EntryStatusCancelled || to == EntryStatusWaiting
	case EntryStatusAssigned:
		return to == EntryStatusCancelled
	default:
		return false
	}
}

// TransitionError describes a rejected state machine transition
type TransitionError struct {
	EntryID string
	From    EntryStatus
	To      EntryStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("entry %s: %s -> %s", e.EntryID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// QueueEntrySummary is the dashboard view of a waiting entry
type QueueEntrySummary struct {
	EntryID              string    `json:"entryId"`
	ConversationID       string    `json:"conversationId"`
	CategoryID           string    `json:"categoryId,omitempty"`
	Priority             Priority  `json:"priority"`
	IsVIP                bool      `json:"isVip,omitempty"`
	QueuePosition        int       `json:"queuePosition"`
	EstimatedWaitMinutes *int      `json:"estimatedWaitMinutes,omitempty"`
	WaitMinutes          int       `json:"waitMinutes"`
	AssignmentAttempts   int       `json:"assignmentAttempts"`
	NotificationCount    int       `json:"notificationCount"`
	EscalationCount      int       `json:"escalationCount"`
	EnteredQueueAt       time.Time `json:"enteredQueueAt"`
}

// Summary builds the dashboard view of the entry at now
func (e *QueueEntry) Summary(now time.Time) QueueEntrySummary {
	return QueueEntrySummary{
		EntryID:              e.ID,
		ConversationID:       e.ConversationID,
		CategoryID:           e.CategoryID,
		Priority:             e.Priority,
		IsVIP:                e.IsVIP,
		QueuePosition:        e.QueuePosition,
		EstimatedWaitMinutes: cloneInt(e.EstimatedWaitMinutes),
		WaitMinutes:          e.WaitMinutes(now),
		AssignmentAttempts:   e.AssignmentAttempts,
		NotificationCount:    e.NotificationCount,
		EscalationCount:      e.EscalationCount,
		EnteredQueueAt:       e.EnteredQueueAt,
	}
}

func wholeMinutes(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
