package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
)

// Tracker owns agent status and capacity. Slot counts only change through
// ReserveSlot and ReleaseSlot, each a single conditional write in the store.
type Tracker struct {
	store  storage.AgentStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker on top of store
func NewTracker(store storage.AgentStore, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger.With().Str("component", "availability").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Register creates or replaces an agent's availability record
func (t *Tracker) Register(ctx context.Context, a *types.AgentAvailability) error {
	if a.AgentID == "" {
		return fmt.Errorf("agent id is required: %w", types.ErrInvalidInput)
	}
	if !a.CurrentStatus.Valid() {
		return fmt.Errorf("agent %s: invalid status %q: %w", a.AgentID, a.CurrentStatus, types.ErrInvalidInput)
	}
	if a.MaxConversations < 0 {
		return fmt.Errorf("agent %s: max conversations must not be negative: %w", a.AgentID, types.ErrInvalidInput)
	}

	now := t.now()
	if a.LastStatusChangeAt.IsZero() {
		a.LastStatusChangeAt = now
	}
	if a.LastActivityAt.IsZero() {
		a.LastActivityAt = now
	}
	if err := t.store.PutAgent(ctx, a); err != nil {
		return err
	}

	t.logger.Info().
		Str("agent_id", a.AgentID).
		Str("status", string(a.CurrentStatus)).
		Int("max", a.MaxConversations).
		Strs("departments", a.AvailableDepartments).
		Msg("agent registered")
	return nil
}

// Get returns one agent's record
func (t *Tracker) Get(ctx context.Context, agentID string) (*types.AgentAvailability, error) {
	return t.store.GetAgent(ctx, agentID)
}

// IsAvailable reports whether the agent is online with a free slot. Unknown
// agents are unavailable.
func (t *Tracker) IsAvailable(ctx context.Context, agentID string) (bool, error) {
	a, err := t.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	return a.IsAvailable(), nil
}

// ReserveSlot takes one slot if the agent is online and below capacity.
// It returns false when another caller took the last slot first.
func (t *Tracker) ReserveSlot(ctx context.Context, agentID string) (bool, error) {
	return t.store.ReserveSlot(ctx, agentID, t.now())
}

// ReleaseSlot gives one slot back. The count never goes below zero.
func (t *Tracker) ReleaseSlot(ctx context.Context, agentID string) (*types.AgentAvailability, error) {
	a, err := t.store.ReleaseSlot(ctx, agentID, t.now())
	if err != nil {
		return nil, err
	}
	t.logger.Debug().
		Str("agent_id", agentID).
		Int("active", a.CurrentConversationsCount).
		Msg("slot released")
	return a, nil
}

// SetStatus records a presence change
func (t *Tracker) SetStatus(ctx context.Context, agentID string, status types.AgentStatus, reason string) (*types.AgentAvailability, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("agent %s: invalid status %q: %w", agentID, status, types.ErrInvalidInput)
	}
	a, err := t.store.SetAgentStatus(ctx, agentID, status, reason, t.now())
	if err != nil {
		return nil, err
	}
	t.logger.Info().
		Str("agent_id", agentID).
		Str("from", string(a.PreviousStatus)).
		Str("to", string(a.CurrentStatus)).
		Msg("agent status changed")
	return a, nil
}

// ListCandidates returns the agents that can take a conversation in dept,
// longest idle first. When category is set and at least one candidate
// prefers it, only those specialists are returned.
func (t *Tracker) ListCandidates(ctx context.Context, departmentID, categoryID string) ([]*types.AgentAvailability, error) {
	agents, err := t.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	var candidates, specialists []*types.AgentAvailability
	for _, a := range agents {
		if !a.IsAvailable() || !a.ServesDepartment(departmentID) {
			continue
		}
		candidates = append(candidates, a)
		if a.Prefers(categoryID) {
			specialists = append(specialists, a)
		}
	}
	if len(specialists) > 0 {
		candidates = specialists
	}

	SortLongestIdle(candidates)
	return candidates, nil
}

// SortLongestIdle orders agents by last activity ascending, then by id
func SortLongestIdle(agents []*types.AgentAvailability) {
	sort.SliceStable(agents, func(i, j int) bool {
		if !agents[i].LastActivityAt.Equal(agents[j].LastActivityAt) {
			return agents[i].LastActivityAt.Before(agents[j].LastActivityAt)
		}
		return agents[i].AgentID < agents[j].AgentID
	})
}

// Snapshot returns the capacity view of every agent
func (t *Tracker) Snapshot(ctx context.Context) ([]types.AgentCapacitySummary, error) {
	agents, err := t.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.AgentCapacitySummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Summary())
	}
	return out, nil
}
