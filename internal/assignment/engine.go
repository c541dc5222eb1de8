package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/dennisdiepolder/monti/queueengine/internal/events"
	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
)

// Outcome is the definite result of one assignment attempt
type Outcome string

const (
	OutcomeAssigned     Outcome = "assigned"
	OutcomeNoCandidate  Outcome = "no_candidate"
	OutcomeRuleDisabled Outcome = "rule_disabled"
	OutcomeSkipped      Outcome = "skipped" // already attempted this cycle or no longer waiting
)

// Result describes an attempt
type Result struct {
	EntryID string  `json:"entryId"`
	AgentID string  `json:"agentId,omitempty"`
	Outcome Outcome `json:"outcome"`
}

// Agents is the slice of the availability tracker the engine needs
type Agents interface {
	ListCandidates(ctx context.Context, departmentID, categoryID string) ([]*types.AgentAvailability, error)
	ReserveSlot(ctx context.Context, agentID string) (bool, error)
	ReleaseSlot(ctx context.Context, agentID string) (*types.AgentAvailability, error)
}

// Engine matches waiting entries to agents. It is the only path that
// changes an entry and an agent's capacity together.
type Engine struct {
	entries   storage.EntryStore
	intents   storage.IntentStore
	agents    Agents
	queues    *queue.Manager
	rules     queue.RuleSource
	publisher events.Publisher
	rotation  *Rotation
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewEngine creates an assignment engine
func NewEngine(
	entries storage.EntryStore,
	intents storage.IntentStore,
	agents Agents,
	queues *queue.Manager,
	rules queue.RuleSource,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		entries:   entries,
		intents:   intents,
		agents:    agents,
		queues:    queues,
		rules:     rules,
		publisher: publisher,
		rotation:  NewRotation(),
		metrics:   m,
		logger:    logger.With().Str("component", "assignment").Logger(),
	}
}

// AssignDepartment attempts every waiting entry of a department in position
// order. A failing entry does not stop the others; the errors are joined.
func (e *Engine) AssignDepartment(ctx context.Context, cycle *Cycle, departmentID string) ([]Result, error) {
	waiting, err := e.entries.ListWaiting(ctx, departmentID)
	if err != nil {
		return nil, types.Persistence("list waiting", err)
	}
	queue.SortWaiting(waiting, e.rules.Rule(departmentID))

	var results []Result
	var errs []error
	for _, entry := range waiting {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := e.Attempt(ctx, cycle, entry.ID)
		if err != nil {
			e.logger.Error().Err(err).
				Str("entry_id", entry.ID).
				Str("department_id", departmentID).
				Str("cycle_id", cycle.ID).
				Msg("assignment attempt failed")
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Attempt tries to hand one entry to an agent. Expected conditions come back
// as outcomes; only storage failures are returned as errors.
func (e *Engine) Attempt(ctx context.Context, cycle *Cycle, entryID string) (Result, error) {
	if !cycle.MarkAttempted(entryID) {
		return Result{EntryID: entryID, Outcome: OutcomeSkipped}, nil
	}

	entry, err := e.entries.GetEntry(ctx, entryID)
	if err != nil {
		return Result{}, fmt.Errorf("load entry %s: %w", entryID, err)
	}
	departmentID := entry.DepartmentID

	unlock := e.queues.Lock(departmentID)
	defer unlock()

	// Re-read under the lock: escalation or cancellation may have won.
	entry, err = e.entries.GetEntry(ctx, entryID)
	if err != nil {
		return Result{}, fmt.Errorf("load entry %s: %w", entryID, err)
	}
	if entry.Status != types.EntryStatusWaiting || entry.DepartmentID != departmentID {
		return Result{EntryID: entryID, Outcome: OutcomeSkipped}, nil
	}

	rule := e.rules.Rule(departmentID)
	if !rule.AutoAssignmentEnabled {
		e.metrics.RecordAssignment(departmentID, string(OutcomeRuleDisabled))
		return Result{EntryID: entryID, Outcome: OutcomeRuleDisabled}, nil
	}

	candidates, err := e.agents.ListCandidates(ctx, departmentID, entry.CategoryID)
	if err != nil {
		return Result{}, fmt.Errorf("candidates for %s: %w", entryID, err)
	}
	ranked := StrategyFor(rule.AssignmentAlgorithm).Rank(entry, candidates, e.rotation.LastAssigned(departmentID))

	var reserveErr error
	for _, agent := range ranked {
		ok, err := e.agents.ReserveSlot(ctx, agent.AgentID)
		if err != nil {
			e.logger.Warn().Err(err).Str("agent_id", agent.AgentID).Msg("reserve slot failed, trying next candidate")
			if !errors.Is(err, types.ErrUnknownAgent) {
				reserveErr = err
			}
			continue
		}
		if !ok {
			e.logger.Debug().
				Str("agent_id", agent.AgentID).
				Str("entry_id", entryID).
				Msg("lost slot race, trying next candidate")
			continue
		}
		return e.commit(ctx, cycle, entry, agent.AgentID)
	}

	// A store failure is not a miss: the entry stays untouched for the next cycle.
	if reserveErr != nil {
		return Result{}, types.Persistence("reserve slot for "+entryID, reserveErr)
	}
	return e.recordMiss(ctx, cycle, entry)
}

// commit persists an assignment after the slot was reserved. A failed write
// gives the slot back so the capacity count matches the stored entries.
func (e *Engine) commit(ctx context.Context, cycle *Cycle, entry *types.QueueEntry, agentID string) (Result, error) {
	now := cycle.Now
	departmentID := entry.DepartmentID

	if err := entry.MarkAssigned(agentID, now); err != nil {
		e.rollback(ctx, entry.ID, agentID)
		return Result{}, err
	}
	if err := e.entries.UpdateEntry(ctx, entry); err != nil {
		e.rollback(ctx, entry.ID, agentID)
		return Result{}, types.Persistence("assign "+entry.ID, err)
	}
	e.rotation.Record(departmentID, agentID)

	if _, err := e.queues.RecomputeHeld(ctx, departmentID); err != nil {
		e.logger.Error().Err(err).Str("department_id", departmentID).Msg("recompute after assignment failed")
	}

	intent := types.NewIntent(entry, types.NotificationAgentAssigned, 0, now)
	created, err := e.intents.CreateIntent(ctx, intent)
	if err != nil {
		// The assignment stands; the contact just misses this intent.
		e.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to create agent_assigned intent")
	} else if created {
		e.metrics.RecordNotification(departmentID, string(intent.NotificationType))
		if err := e.publisher.PublishIntent(ctx, intent); err != nil {
			e.logger.Warn().Err(err).Str("intent_id", intent.ID).Msg("failed to publish intent")
		}
	}

	result := types.AssignmentResult{
		Type:           "conversation_assign",
		ConversationID: entry.ConversationID,
		EntryID:        entry.ID,
		AgentID:        agentID,
		DepartmentID:   departmentID,
		WaitMinutes:    entry.WaitMinutes(now),
		Timestamp:      now,
	}
	if err := e.publisher.PublishAssignment(ctx, result); err != nil {
		e.logger.Warn().Err(err).
			Str("conversation_id", entry.ConversationID).
			Str("agent_id", agentID).
			Msg("failed to publish assignment")
	}

	e.metrics.RecordAssignment(departmentID, string(OutcomeAssigned))
	e.logger.Info().
		Str("entry_id", entry.ID).
		Str("conversation_id", entry.ConversationID).
		Str("agent_id", agentID).
		Str("department_id", departmentID).
		Str("cycle_id", cycle.ID).
		Int("wait_minutes", result.WaitMinutes).
		Msg("conversation assigned")
	return Result{EntryID: entry.ID, AgentID: agentID, Outcome: OutcomeAssigned}, nil
}

func (e *Engine) rollback(ctx context.Context, entryID, agentID string) {
	if _, err := e.agents.ReleaseSlot(ctx, agentID); err != nil {
		e.logger.Error().Err(err).
			Str("entry_id", entryID).
			Str("agent_id", agentID).
			Msg("failed to roll back reserved slot")
	}
}

func (e *Engine) recordMiss(ctx context.Context, cycle *Cycle, entry *types.QueueEntry) (Result, error) {
	now := cycle.Now
	entry.AssignmentAttempts++
	entry.LastAssignmentAttemptAt = &now
	if err := e.entries.UpdateEntry(ctx, entry); err != nil {
		return Result{}, types.Persistence("record attempt "+entry.ID, err)
	}
	e.metrics.RecordAssignment(entry.DepartmentID, string(OutcomeNoCandidate))
	e.logger.Debug().
		Str("entry_id", entry.ID).
		Int("attempts", entry.AssignmentAttempts).
		Msg("no candidate available")
	return Result{EntryID: entry.ID, Outcome: OutcomeNoCandidate}, nil
}
