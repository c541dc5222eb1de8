package types

import "time"

// AgentStatus represents an agent's presence
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
	AgentAway    AgentStatus = "away"
	AgentBreak   AgentStatus = "break"
)

// Valid reports whether s is a known agent status
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOnline, AgentOffline, AgentBusy, AgentAway, AgentBreak:
		return true
	}
	return false
}

// AgentAvailability is the live status and capacity of one agent
type AgentAvailability struct {
	AgentID                   string      `json:"agentId" dynamodbav:"AgentID"`
	CurrentStatus             AgentStatus `json:"currentStatus" dynamodbav:"CurrentStatus"`
	PreviousStatus            AgentStatus `json:"previousStatus,omitempty" dynamodbav:"PreviousStatus,omitempty"`
	MaxConversations          int         `json:"maxConversations" dynamodbav:"MaxConversations"`
	CurrentConversationsCount int         `json:"currentConversationsCount" dynamodbav:"CurrentConversationsCount"`
	AvailableDepartments      []string    `json:"availableDepartments" dynamodbav:"AvailableDepartments,stringset,omitempty"`
	PreferredCategories       []string    `json:"preferredCategories,omitempty" dynamodbav:"PreferredCategories,stringset,omitempty"`
	AutoAcceptConversations   bool        `json:"autoAcceptConversations" dynamodbav:"AutoAcceptConversations"`
	AcceptTransfers           bool        `json:"acceptTransfers" dynamodbav:"AcceptTransfers"`
	BreakReason               string      `json:"breakReason,omitempty" dynamodbav:"BreakReason,omitempty"`
	BreakStartedAt            *time.Time  `json:"breakStartedAt,omitempty" dynamodbav:"BreakStartedAt,omitempty"`
	LastStatusChangeAt        time.Time   `json:"lastStatusChangeAt" dynamodbav:"LastStatusChangeAt"`
	LastActivityAt            time.Time   `json:"lastActivityAt" dynamodbav:"LastActivityAt"`
}

// IsAvailable reports whether the agent can take one more conversation
func (a *AgentAvailability) IsAvailable() bool {
	return a.CurrentStatus == AgentOnline && a.CurrentConversationsCount < a.MaxConversations
}

// AvailableSlots is the remaining capacity, never negative
func (a *AgentAvailability) AvailableSlots() int {
	if free := a.MaxConversations - a.CurrentConversationsCount; free > 0 {
		return free
	}
	return 0
}

// ServesDepartment reports whether dept is in the agent's department set
func (a *AgentAvailability) ServesDepartment(dept string) bool {
	return containsString(a.AvailableDepartments, dept)
}

// Prefers reports whether category is in the agent's preferred categories
func (a *AgentAvailability) Prefers(category string) bool {
	return category != "" && containsString(a.PreferredCategories, category)
}

// ApplyStatus records a status change. Break bookkeeping is only kept while
// the agent stays on break.
func (a *AgentAvailability) ApplyStatus(status AgentStatus, reason string, now time.Time) {
	a.PreviousStatus = a.CurrentStatus
	a.CurrentStatus = status
	a.LastStatusChangeAt = now
	a.LastActivityAt = now
	if status == AgentBreak {
		a.BreakReason = reason
		a.BreakStartedAt = &now
	} else {
		a.BreakReason = ""
		a.BreakStartedAt = nil
	}
}

// Clone returns a deep copy
func (a *AgentAvailability) Clone() *AgentAvailability {
	if a == nil {
		return nil
	}
	c := *a
	c.AvailableDepartments = append([]string(nil), a.AvailableDepartments...)
	c.PreferredCategories = append([]string(nil), a.PreferredCategories...)
	c.BreakStartedAt = cloneTime(a.BreakStartedAt)
	return &c
}

// AgentCapacitySummary is the dashboard view of an agent
type AgentCapacitySummary struct {
	AgentID                   string      `json:"agentId"`
	CurrentStatus             AgentStatus `json:"currentStatus"`
	MaxConversations          int         `json:"maxConversations"`
	CurrentConversationsCount int         `json:"currentConversationsCount"`
	AvailableSlots            int         `json:"availableSlots"`
	AvailableDepartments      []string    `json:"availableDepartments"`
	BreakReason               string      `json:"breakReason,omitempty"`
	LastStatusChangeAt        time.Time   `json:"lastStatusChangeAt"`
}

// Summary builds the dashboard view
func (a *AgentAvailability) Summary() AgentCapacitySummary {
	return AgentCapacitySummary{
		AgentID:                   a.AgentID,
		CurrentStatus:             a.CurrentStatus,
		MaxConversations:          a.MaxConversations,
		CurrentConversationsCount: a.CurrentConversationsCount,
		AvailableSlots:            a.AvailableSlots(),
		AvailableDepartments:      append([]string(nil), a.AvailableDepartments...),
		BreakReason:               a.BreakReason,
		LastStatusChangeAt:        a.LastStatusChangeAt,
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
