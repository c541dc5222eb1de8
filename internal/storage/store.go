package storage

import (
	"context"
	"sort"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
)

// EntryStore persists queue entries. UpdateEntry is an optimistic write: it
// succeeds only when the stored Version equals e.Version and bumps e.Version.
type EntryStore interface {
	CreateEntry(ctx context.Context, e *types.QueueEntry) error
	GetEntry(ctx context.Context, id string) (*types.QueueEntry, error)
	LatestEntryForConversation(ctx context.Context, conversationID string) (*types.QueueEntry, error)
	UpdateEntry(ctx context.Context, e *types.QueueEntry) error
	ListWaiting(ctx context.Context, departmentID string) ([]*types.QueueEntry, error)
	WaitingDepartments(ctx context.Context) ([]string, error)
	// ListActiveForConversation returns the entries of a conversation that are
	// waiting or still hold an agent slot, oldest first.
	ListActiveForConversation(ctx context.Context, conversationID string) ([]*types.QueueEntry, error)
	// ListSlotHolders returns the assigned entries of an agent that still hold
	// a slot, in assignment order.
	ListSlotHolders(ctx context.Context, agentID string) ([]*types.QueueEntry, error)
}

func sortByEntered(entries []*types.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].EnteredQueueAt.Equal(entries[j].EnteredQueueAt) {
			return entries[i].EnteredQueueAt.Before(entries[j].EnteredQueueAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func sortByAssigned(entries []*types.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].AssignedAt, entries[j].AssignedAt
		if a != nil && b != nil && !a.Equal(*b) {
			return a.Before(*b)
		}
		return entries[i].ID < entries[j].ID
	})
}

// RuleStore persists the per-department queue rules
type RuleStore interface {
	PutRule(ctx context.Context, rule types.QueueRule) error
	ListRules(ctx context.Context) ([]types.QueueRule, error)
}

// AgentStore persists agent availability. ReserveSlot is the only way to grow
// CurrentConversationsCount and must be a single conditional write.
type AgentStore interface {
	PutAgent(ctx context.Context, a *types.AgentAvailability) error
	GetAgent(ctx context.Context, agentID string) (*types.AgentAvailability, error)
	ListAgents(ctx context.Context) ([]*types.AgentAvailability, error)
	SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus, reason string, now time.Time) (*types.AgentAvailability, error)
	ReserveSlot(ctx context.Context, agentID string, now time.Time) (bool, error)
	ReleaseSlot(ctx context.Context, agentID string, now time.Time) (*types.AgentAvailability, error)
}

// IntentStore persists notification intents. CreateIntent is idempotent on
// the intent ID and reports whether a new row was written.
type IntentStore interface {
	CreateIntent(ctx context.Context, n *types.NotificationIntent) (bool, error)
	ListPendingIntents(ctx context.Context, limit int) ([]*types.NotificationIntent, error)
	ListIntentsForEntry(ctx context.Context, entryID string) ([]*types.NotificationIntent, error)
	MarkIntent(ctx context.Context, intentID string, status types.IntentStatus, errorMessage string, now time.Time) error
}

// Store defines the storage interface
type Store interface {
	EntryStore
	RuleStore
	AgentStore
	IntentStore
	Close() error
}
