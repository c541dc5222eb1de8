package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
)

// MemoryStore implements Store in process memory. It is the default for
// local development and the backing store of the engine tests.
type MemoryStore struct {
	mu sync.RWMutex

	entries       map[string]*types.QueueEntry
	waitingByConv map[string]string // conversationID -> waiting entryID
	latestByConv  map[string]string // conversationID -> most recently created entryID
	rules         map[string]types.QueueRule
	agents        map[string]*types.AgentAvailability
	intents       map[string]*types.NotificationIntent
	intentOrder   []string

	// failEntryWrites makes UpdateEntry fail, used to exercise rollback paths
	failEntryWrites error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:       make(map[string]*types.QueueEntry),
		waitingByConv: make(map[string]string),
		latestByConv:  make(map[string]string),
		rules:         make(map[string]types.QueueRule),
		agents:        make(map[string]*types.AgentAvailability),
		intents:       make(map[string]*types.NotificationIntent),
	}
}

// FailEntryWrites makes every following UpdateEntry return err. nil restores
// normal behaviour.
func (s *MemoryStore) FailEntryWrites(err error) {
	s.mu.Lock()
	s.failEntryWrites = err
	s.mu.Unlock()
}

func (s *MemoryStore) CreateEntry(_ context.Context, e *types.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; exists {
		return fmt.Errorf("entry %s: %w", e.ID, types.ErrConflict)
	}
	if e.Status == types.EntryStatusWaiting {
		if existing, ok := s.waitingByConv[e.ConversationID]; ok {
			return &types.DuplicateEntryError{ConversationID: e.ConversationID, EntryID: existing}
		}
		s.waitingByConv[e.ConversationID] = e.ID
	}
	e.Version = 1
	s.entries[e.ID] = e.Clone()
	s.latestByConv[e.ConversationID] = e.ID
	return nil
}

func (s *MemoryStore) GetEntry(_ context.Context, id string) (*types.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, types.ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) LatestEntryForConversation(_ context.Context, conversationID string) (*types.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.latestByConv[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, types.ErrNotFound)
	}
	return s.entries[id].Clone(), nil
}

func (s *MemoryStore) UpdateEntry(_ context.Context, e *types.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failEntryWrites != nil {
		return s.failEntryWrites
	}
	current, ok := s.entries[e.ID]
	if !ok {
		return fmt.Errorf("entry %s: %w", e.ID, types.ErrNotFound)
	}
	if current.Version != e.Version {
		return fmt.Errorf("entry %s at version %d: %w", e.ID, e.Version, types.ErrConflict)
	}
	if current.ConversationID != e.ConversationID {
		return fmt.Errorf("entry %s: conversation id is immutable: %w", e.ID, types.ErrConflict)
	}

	if current.Status == types.EntryStatusWaiting && e.Status != types.EntryStatusWaiting {
		delete(s.waitingByConv, e.ConversationID)
	}
	e.Version++
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) ListWaiting(_ context.Context, departmentID string) ([]*types.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.QueueEntry
	for _, e := range s.entries {
		if e.Status == types.EntryStatusWaiting && e.DepartmentID == departmentID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListActiveForConversation(_ context.Context, conversationID string) ([]*types.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.QueueEntry
	for _, e := range s.entries {
		if e.ConversationID == conversationID && (e.Status == types.EntryStatusWaiting || e.HoldsSlot()) {
			out = append(out, e.Clone())
		}
	}
	sortByEntered(out)
	return out, nil
}

func (s *MemoryStore) ListSlotHolders(_ context.Context, agentID string) ([]*types.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.QueueEntry
	for _, e := range s.entries {
		if e.AssignedAgentID == agentID && e.HoldsSlot() {
			out = append(out, e.Clone())
		}
	}
	sortByAssigned(out)
	return out, nil
}

func (s *MemoryStore) WaitingDepartments(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range s.entries {
		if e.Status == types.EntryStatusWaiting && !seen[e.DepartmentID] {
			seen[e.DepartmentID] = true
			out = append(out, e.DepartmentID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) PutRule(_ context.Context, rule types.QueueRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.DepartmentID] = rule.Normalize()
	return nil
}

func (s *MemoryStore) ListRules(_ context.Context) ([]types.QueueRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.QueueRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Normalize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartmentID < out[j].DepartmentID })
	return out, nil
}

// PutAgent registers or replaces an availability record. The active
// conversation count is owned by the slot operations and survives re-registration.
func (s *MemoryStore) PutAgent(_ context.Context, a *types.AgentAvailability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := a.Clone()
	if current, ok := s.agents[a.AgentID]; ok {
		if a.MaxConversations < current.CurrentConversationsCount {
			return fmt.Errorf("agent %s holds %d conversations, max %d: %w",
				a.AgentID, current.CurrentConversationsCount, a.MaxConversations, types.ErrConflict)
		}
		next.CurrentConversationsCount = current.CurrentConversationsCount
	} else {
		next.CurrentConversationsCount = 0
	}
	s.agents[a.AgentID] = next
	a.CurrentConversationsCount = next.CurrentConversationsCount
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (*types.AgentAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownAgent)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]*types.AgentAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.AgentAvailability, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) SetAgentStatus(_ context.Context, agentID string, status types.AgentStatus, reason string, now time.Time) (*types.AgentAvailability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownAgent)
	}
	a.ApplyStatus(status, reason, now)
	return a.Clone(), nil
}

func (s *MemoryStore) ReserveSlot(_ context.Context, agentID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return false, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownAgent)
	}
	if !a.IsAvailable() {
		return false, nil
	}
	a.CurrentConversationsCount++
	a.LastActivityAt = now
	return true, nil
}

func (s *MemoryStore) ReleaseSlot(_ context.Context, agentID string, now time.Time) (*types.AgentAvailability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownAgent)
	}
	if a.CurrentConversationsCount > 0 {
		a.CurrentConversationsCount--
	}
	a.LastActivityAt = now
	return a.Clone(), nil
}

func (s *MemoryStore) CreateIntent(_ context.Context, n *types.NotificationIntent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[n.ID]; exists {
		return false, nil
	}
	s.intents[n.ID] = n.Clone()
	s.intentOrder = append(s.intentOrder, n.ID)
	return true, nil
}

func (s *MemoryStore) ListPendingIntents(_ context.Context, limit int) ([]*types.NotificationIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.NotificationIntent
	for _, id := range s.intentOrder {
		n := s.intents[id]
		if n.Status != types.IntentPending {
			continue
		}
		out = append(out, n.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListIntentsForEntry(_ context.Context, entryID string) ([]*types.NotificationIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.NotificationIntent
	for _, id := range s.intentOrder {
		if n := s.intents[id]; n.QueueEntryID == entryID {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkIntent(_ context.Context, intentID string, status types.IntentStatus, errorMessage string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.intents[intentID]
	if !ok {
		return fmt.Errorf("intent %s: %w", intentID, types.ErrNotFound)
	}
	n.Status = status
	n.ErrorMessage = errorMessage
	n.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Close() error { return nil }
