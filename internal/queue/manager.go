package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RuleSource returns the effective rule of a department
type RuleSource interface {
	Rule(departmentID string) types.QueueRule
}

// SlotReleaser gives an agent's slot back
type SlotReleaser interface {
	ReleaseSlot(ctx context.Context, agentID string) (*types.AgentAvailability, error)
}

// HandleTimeProvider supplies the average handle time of a department in minutes
type HandleTimeProvider interface {
	AverageHandleTime(ctx context.Context, departmentID string) (float64, error)
}

// EnqueueRequest is a conversationNeedsQueue event
type EnqueueRequest struct {
	ConversationID string         `json:"conversationId"`
	DepartmentID   string         `json:"departmentId"`
	CategoryID     string         `json:"categoryId,omitempty"`
	Priority       types.Priority `json:"priority"`
	IsVIP          bool           `json:"isVip,omitempty"`
}

// Manager owns the ordering of every department's waiting set. All entry
// writes in a department happen while its lock is held.
type Manager struct {
	store      storage.EntryStore
	rules      RuleSource
	slots      SlotReleaser
	handleTime HandleTimeProvider
	logger     zerolog.Logger
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a queue manager. handleTime may be nil, in which case
// wait estimates use the one-minute-per-position fallback.
func NewManager(store storage.EntryStore, rules RuleSource, slots SlotReleaser, handleTime HandleTimeProvider, logger zerolog.Logger) *Manager {
	return &Manager{
		store:      store,
		rules:      rules,
		slots:      slots,
		handleTime: handleTime,
		logger:     logger.With().Str("component", "queue").Logger(),
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Now returns the manager's current time
func (m *Manager) Now() time.Time {
	return m.now()
}

// Lock acquires the exclusive sections of the given departments in sorted
// order and returns the function that releases them.
func (m *Manager) Lock(departmentIDs ...string) (unlock func()) {
	ids := append([]string(nil), departmentIDs...)
	sort.Strings(ids)

	var held []*sync.Mutex
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		mu := m.departmentLock(id)
		mu.Lock()
		held = append(held, mu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (m *Manager) departmentLock(departmentID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	mu, ok := m.locks[departmentID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[departmentID] = mu
	}
	return mu
}

// Enqueue creates a waiting entry for a conversation and places it in its
// department's order.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*types.QueueEntry, error) {
	if req.ConversationID == "" || req.DepartmentID == "" {
		return nil, fmt.Errorf("conversation id and department id are required: %w", types.ErrInvalidInput)
	}
	if req.Priority == "" {
		req.Priority = types.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q: %w", req.Priority, types.ErrInvalidInput)
	}

	rule := m.rules.Rule(req.DepartmentID)

	unlock := m.Lock(req.DepartmentID)
	defer unlock()

	if rule.MaxQueueSize > 0 {
		waiting, err := m.store.ListWaiting(ctx, req.DepartmentID)
		if err != nil {
			return nil, types.Persistence("enqueue", err)
		}
		if len(waiting) >= rule.MaxQueueSize {
			return nil, fmt.Errorf("department %s holds %d entries: %w", req.DepartmentID, len(waiting), types.ErrQueueFull)
		}
	}

	entry := &types.QueueEntry{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		DepartmentID:   req.DepartmentID,
		CategoryID:     req.CategoryID,
		Priority:       req.Priority,
		IsVIP:          req.IsVIP,
		Status:         types.EntryStatusWaiting,
		EnteredQueueAt: m.now(),
	}
	if err := m.store.CreateEntry(ctx, entry); err != nil {
		if errors.Is(err, types.ErrDuplicateEntry) {
			return nil, err
		}
		return nil, types.Persistence("enqueue", err)
	}

	ordered, err := m.recompute(ctx, req.DepartmentID, rule)
	if err != nil {
		// The entry exists; the next cycle's recompute repairs the order.
		m.logger.Error().Err(err).Str("department_id", req.DepartmentID).Msg("recompute after enqueue failed")
	}
	for _, e := range ordered {
		if e.ID == entry.ID {
			entry = e
			break
		}
	}

	m.logger.Info().
		Str("entry_id", entry.ID).
		Str("conversation_id", entry.ConversationID).
		Str("department_id", entry.DepartmentID).
		Str("priority", string(entry.Priority)).
		Int("position", entry.QueuePosition).
		Msg("conversation queued")
	return entry, nil
}

// RecomputePositions re-sorts a department's waiting set and writes dense
// 1-based positions
func (m *Manager) RecomputePositions(ctx context.Context, departmentID string) ([]*types.QueueEntry, error) {
	unlock := m.Lock(departmentID)
	defer unlock()
	return m.recompute(ctx, departmentID, m.rules.Rule(departmentID))
}

// RecomputeHeld is RecomputePositions for callers already holding the
// department lock
func (m *Manager) RecomputeHeld(ctx context.Context, departmentID string) ([]*types.QueueEntry, error) {
	return m.recompute(ctx, departmentID, m.rules.Rule(departmentID))
}

func (m *Manager) recompute(ctx context.Context, departmentID string, rule types.QueueRule) ([]*types.QueueEntry, error) {
	waiting, err := m.store.ListWaiting(ctx, departmentID)
	if err != nil {
		return nil, types.Persistence("recompute positions", err)
	}
	SortWaiting(waiting, rule)

	aht, ahtOK := m.averageHandleTime(ctx, departmentID)
	var firstErr error
	for i, e := range waiting {
		position := i + 1
		estimate := estimateMinutes(position, aht, ahtOK)
		if e.QueuePosition == position && e.EstimatedWaitMinutes != nil && *e.EstimatedWaitMinutes == estimate {
			continue
		}
		e.QueuePosition = position
		e.EstimatedWaitMinutes = &estimate
		if err := m.store.UpdateEntry(ctx, e); err != nil && firstErr == nil {
			firstErr = types.Persistence("recompute positions", err)
		}
	}
	return waiting, firstErr
}

// SortWaiting orders entries by VIP (when enabled), priority weight desc,
// arrival asc and id.
func SortWaiting(entries []*types.QueueEntry, rule types.QueueRule) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if rule.VIPPriorityEnabled && a.IsVIP != b.IsVIP {
			return a.IsVIP
		}
		if wa, wb := rule.PriorityWeight(a.Priority), rule.PriorityWeight(b.Priority); wa != wb {
			return wa > wb
		}
		if !a.EnteredQueueAt.Equal(b.EnteredQueueAt) {
			return a.EnteredQueueAt.Before(b.EnteredQueueAt)
		}
		return a.ID < b.ID
	})
}

// EstimateWait returns the wait estimate in minutes for an entry at its
// current position
func (m *Manager) EstimateWait(ctx context.Context, entry *types.QueueEntry) int {
	aht, ok := m.averageHandleTime(ctx, entry.DepartmentID)
	return estimateMinutes(entry.QueuePosition, aht, ok)
}

func (m *Manager) averageHandleTime(ctx context.Context, departmentID string) (float64, bool) {
	if m.handleTime == nil {
		return 0, false
	}
	aht, err := m.handleTime.AverageHandleTime(ctx, departmentID)
	if err != nil {
		m.logger.Debug().Err(err).Str("department_id", departmentID).Msg("average handle time unavailable, using fallback")
		return 0, false
	}
	return aht, aht > 0
}

// estimateMinutes is (position-1) x AHT, or position x 1 minute when no
// usable handle time is known.
func estimateMinutes(position int, aht float64, ok bool) int {
	if position < 1 {
		return 0
	}
	if !ok {
		return position
	}
	return int(float64(position-1)*aht + 0.5)
}

// CancelResult describes what a conversationClosed event changed. Entry is
// the newest cancelled entry, or the latest entry when nothing changed.
type CancelResult struct {
	Entry            *types.QueueEntry   `json:"entry,omitempty"`
	Entries          []*types.QueueEntry `json:"entries,omitempty"`
	Cancelled        bool                `json:"cancelled"`
	ReleasedAgentIDs []string            `json:"releasedAgentIds,omitempty"`
}

// Cancel handles a closed conversation. Every waiting entry of the
// conversation is cancelled, and so is every assigned entry whose slot is
// still held, releasing that slot once. Anything else is left alone, so
// repeated calls are no-ops.
func (m *Manager) Cancel(ctx context.Context, conversationID string) (CancelResult, error) {
	active, unlock, err := m.lockActive(ctx, conversationID)
	if err != nil {
		return CancelResult{}, err
	}
	defer unlock()

	if len(active) == 0 {
		latest, err := m.store.LatestEntryForConversation(ctx, conversationID)
		if errors.Is(err, types.ErrNotFound) {
			return CancelResult{}, nil
		}
		if err != nil {
			return CancelResult{}, err
		}
		return CancelResult{Entry: latest}, nil
	}

	var result CancelResult
	recompute := make(map[string]bool)
	for _, entry := range active {
		wasWaiting := entry.Status == types.EntryStatusWaiting
		agentID, err := entry.MarkCancelled(m.now())
		if err != nil {
			m.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("cancel rejected")
			return result, err
		}
		if err := m.store.UpdateEntry(ctx, entry); err != nil {
			return result, types.Persistence("cancel", err)
		}
		result.Cancelled = true
		result.Entry = entry
		result.Entries = append(result.Entries, entry)

		if agentID != "" {
			if _, err := m.slots.ReleaseSlot(ctx, agentID); err != nil {
				return result, fmt.Errorf("cancel %s: release slot of %s: %w", entry.ID, agentID, err)
			}
			result.ReleasedAgentIDs = append(result.ReleasedAgentIDs, agentID)
		}
		if wasWaiting {
			recompute[entry.DepartmentID] = true
		}

		m.logger.Info().
			Str("entry_id", entry.ID).
			Str("conversation_id", conversationID).
			Str("released_agent_id", agentID).
			Msg("queue entry cancelled")
	}

	for departmentID := range recompute {
		if _, err := m.recompute(ctx, departmentID, m.rules.Rule(departmentID)); err != nil {
			m.logger.Error().Err(err).Str("department_id", departmentID).Msg("recompute after cancel failed")
		}
	}
	return result, nil
}

// ReleaseAssignment handles an agentSlotFreed event. The release is recorded
// on the assigned entry that held the slot, so a later close does not free it
// a second time. Without a conversation id the agent's oldest held
// assignment is released. It returns nil when no held slot matches.
func (m *Manager) ReleaseAssignment(ctx context.Context, agentID, conversationID string) (*types.AgentAvailability, error) {
	entry, unlock, err := m.lockSlotHolder(ctx, agentID, conversationID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		m.logger.Debug().
			Str("agent_id", agentID).
			Str("conversation_id", conversationID).
			Msg("no held slot to release")
		return nil, nil
	}
	defer unlock()

	if err := entry.MarkSlotReleased(m.now()); err != nil {
		return nil, err
	}
	if err := m.store.UpdateEntry(ctx, entry); err != nil {
		return nil, types.Persistence("release assignment", err)
	}
	return m.slots.ReleaseSlot(ctx, agentID)
}

// lockActive returns the active entries of a conversation with all of their
// departments locked. The set is re-read under the locks because an
// escalation may have moved an entry meanwhile.
func (m *Manager) lockActive(ctx context.Context, conversationID string) ([]*types.QueueEntry, func(), error) {
	for attempt := 0; attempt < 3; attempt++ {
		candidates, err := m.store.ListActiveForConversation(ctx, conversationID)
		if err != nil {
			return nil, nil, err
		}
		if len(candidates) == 0 {
			return nil, func() {}, nil
		}

		departments := make([]string, 0, len(candidates))
		for _, e := range candidates {
			departments = append(departments, e.DepartmentID)
		}
		unlock := m.Lock(departments...)

		entries, err := m.store.ListActiveForConversation(ctx, conversationID)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if sameEntries(candidates, entries) {
			return entries, unlock, nil
		}
		unlock()
	}
	return nil, nil, fmt.Errorf("conversation %s kept moving: %w", conversationID, types.ErrConflict)
}

// lockSlotHolder finds the entry that holds a slot of agentID, optionally
// for one conversation, and returns it with its department locked.
func (m *Manager) lockSlotHolder(ctx context.Context, agentID, conversationID string) (*types.QueueEntry, func(), error) {
	for attempt := 0; attempt < 3; attempt++ {
		holders, err := m.store.ListSlotHolders(ctx, agentID)
		if err != nil {
			return nil, nil, err
		}
		candidate := pickHolder(holders, conversationID)
		if candidate == nil {
			return nil, nil, nil
		}

		unlock := m.Lock(candidate.DepartmentID)
		entry, err := m.store.GetEntry(ctx, candidate.ID)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		if entry.HoldsSlot() && entry.AssignedAgentID == agentID {
			return entry, unlock, nil
		}
		unlock()
	}
	return nil, nil, fmt.Errorf("slot of agent %s kept changing: %w", agentID, types.ErrConflict)
}

func pickHolder(holders []*types.QueueEntry, conversationID string) *types.QueueEntry {
	for _, e := range holders {
		if conversationID == "" || e.ConversationID == conversationID {
			return e
		}
	}
	return nil
}

func sameEntries(a, b []*types.QueueEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].DepartmentID != b[i].DepartmentID {
			return false
		}
	}
	return true
}

// Snapshot returns the ordered waiting set of a department
func (m *Manager) Snapshot(ctx context.Context, departmentID string) ([]types.QueueEntrySummary, error) {
	waiting, err := m.store.ListWaiting(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	SortWaiting(waiting, m.rules.Rule(departmentID))

	now := m.now()
	out := make([]types.QueueEntrySummary, 0, len(waiting))
	for _, e := range waiting {
		out = append(out, e.Summary(now))
	}
	return out, nil
}
