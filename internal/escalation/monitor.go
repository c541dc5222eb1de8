package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/events"
	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
)

// Outcome is the result of an escalation check
type Outcome string

const (
	OutcomeNotDue    Outcome = "not_due"
	OutcomeEscalated Outcome = "escalated"
	OutcomeExpired   Outcome = "expired"
)

// RuleLookup resolves rules, telling configured departments from defaults
type RuleLookup interface {
	Rule(departmentID string) types.QueueRule
	Lookup(departmentID string) (types.QueueRule, bool)
}

// Due reports whether a waiting entry breached its department's limit at now.
// A re-homed entry is measured from its escalation time so it first waits out
// the new department's own escalation minutes.
func Due(entry *types.QueueEntry, rule types.QueueRule, now time.Time) bool {
	if entry.Status != types.EntryStatusWaiting {
		return false
	}
	if !rule.EscalationEnabled {
		return rule.MaxWaitMinutes > 0 && entry.WaitMinutes(now) >= rule.MaxWaitMinutes
	}
	if since, ok := entry.MinutesSinceEscalation(now); ok {
		return since >= rule.EscalationMinutes
	}
	return entry.WaitMinutes(now) >= rule.EscalationMinutes
}

// Monitor re-homes or expires entries that waited too long
type Monitor struct {
	entries   storage.EntryStore
	intents   storage.IntentStore
	queues    *queue.Manager
	rules     RuleLookup
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewMonitor(
	entries storage.EntryStore,
	intents storage.IntentStore,
	queues *queue.Manager,
	rules RuleLookup,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Monitor {
	return &Monitor{
		entries:   entries,
		intents:   intents,
		queues:    queues,
		rules:     rules,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With().Str("component", "escalation").Logger(),
	}
}

// CheckDepartment checks every waiting entry of a department and returns how
// many changed
func (m *Monitor) CheckDepartment(ctx context.Context, departmentID string, now time.Time) (int, error) {
	waiting, err := m.entries.ListWaiting(ctx, departmentID)
	if err != nil {
		return 0, types.Persistence("list waiting", err)
	}
	rule := m.rules.Rule(departmentID)

	changed := 0
	var errs []error
	for _, entry := range waiting {
		outcome, err := m.Check(ctx, entry, rule, now)
		if err != nil {
			m.logger.Error().Err(err).
				Str("entry_id", entry.ID).
				Str("department_id", departmentID).
				Msg("escalation check failed")
			errs = append(errs, err)
			continue
		}
		if outcome != OutcomeNotDue {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

// Check escalates entry when it is due. The entry is re-read under the locks
// of its department and the target, so a concurrent assignment or
// cancellation wins cleanly.
func (m *Monitor) Check(ctx context.Context, entry *types.QueueEntry, rule types.QueueRule, now time.Time) (Outcome, error) {
	if !Due(entry, rule, now) {
		return OutcomeNotDue, nil
	}

	source := entry.DepartmentID
	target := ""
	if rule.EscalationEnabled {
		target = rule.EscalationDepartmentID
	}

	locked := []string{source}
	if target != "" {
		locked = append(locked, target)
	}
	unlock := m.queues.Lock(locked...)
	defer unlock()

	current, err := m.entries.GetEntry(ctx, entry.ID)
	if err != nil {
		return OutcomeNotDue, fmt.Errorf("reload entry %s: %w", entry.ID, err)
	}
	if current.DepartmentID != source || !Due(current, rule, now) {
		return OutcomeNotDue, nil
	}

	if reason := m.unusableTarget(ctx, source, target); reason != "" {
		if target != "" {
			m.logger.Warn().
				Str("entry_id", current.ID).
				Str("department_id", source).
				Str("target_department_id", target).
				Str("reason", reason).
				Msg("escalation target unusable, expiring entry")
		}
		return m.expire(ctx, current, now)
	}
	return m.rehome(ctx, current, target, now)
}

// unusableTarget explains why an entry cannot move to target. An empty
// result means the target can take it.
func (m *Monitor) unusableTarget(ctx context.Context, source, target string) string {
	if target == "" {
		return "no escalation department"
	}
	if target == source {
		return "escalation department is the source"
	}
	targetRule, ok := m.rules.Lookup(target)
	if !ok {
		return "escalation department has no rule"
	}
	if !targetRule.IsActive {
		return "escalation department inactive"
	}
	if targetRule.MaxQueueSize > 0 {
		waiting, err := m.entries.ListWaiting(ctx, target)
		if err != nil {
			return "escalation department unreadable"
		}
		if len(waiting) >= targetRule.MaxQueueSize {
			return "escalation department full"
		}
	}
	return ""
}

func (m *Monitor) rehome(ctx context.Context, entry *types.QueueEntry, target string, now time.Time) (Outcome, error) {
	source := entry.DepartmentID
	if err := entry.Rehome(target, now); err != nil {
		return OutcomeNotDue, err
	}
	if err := m.entries.UpdateEntry(ctx, entry); err != nil {
		return OutcomeNotDue, types.Persistence("escalate "+entry.ID, err)
	}

	if _, err := m.queues.RecomputeHeld(ctx, source); err != nil {
		m.logger.Error().Err(err).Str("department_id", source).Msg("recompute after escalation failed")
	}
	ordered, err := m.queues.RecomputeHeld(ctx, target)
	if err != nil {
		m.logger.Error().Err(err).Str("department_id", target).Msg("recompute after escalation failed")
	}
	for _, e := range ordered {
		if e.ID == entry.ID {
			entry = e
			break
		}
	}

	m.emitTimeout(ctx, entry, entry.EscalationCount, now)
	m.metrics.RecordEscalation(source, string(OutcomeEscalated))
	m.logger.Info().
		Str("entry_id", entry.ID).
		Str("conversation_id", entry.ConversationID).
		Str("from", source).
		Str("to", target).
		Int("position", entry.QueuePosition).
		Int("wait_minutes", entry.WaitMinutes(now)).
		Msg("entry escalated")
	return OutcomeEscalated, nil
}

func (m *Monitor) expire(ctx context.Context, entry *types.QueueEntry, now time.Time) (Outcome, error) {
	position := entry.QueuePosition
	estimate := entry.EstimatedWaitMinutes
	if err := entry.MarkExpired(now); err != nil {
		return OutcomeNotDue, err
	}
	if err := m.entries.UpdateEntry(ctx, entry); err != nil {
		return OutcomeNotDue, types.Persistence("expire "+entry.ID, err)
	}
	if _, err := m.queues.RecomputeHeld(ctx, entry.DepartmentID); err != nil {
		m.logger.Error().Err(err).Str("department_id", entry.DepartmentID).Msg("recompute after expiry failed")
	}

	// The timeout intent reports where the entry stood when it left.
	snapshot := entry.Clone()
	snapshot.QueuePosition = position
	snapshot.EstimatedWaitMinutes = estimate
	m.emitTimeout(ctx, snapshot, entry.EscalationCount+1, now)

	m.metrics.RecordEscalation(entry.DepartmentID, string(OutcomeExpired))
	m.logger.Info().
		Str("entry_id", entry.ID).
		Str("conversation_id", entry.ConversationID).
		Str("department_id", entry.DepartmentID).
		Int("wait_minutes", entry.WaitMinutes(now)).
		Msg("entry expired")
	return OutcomeExpired, nil
}

func (m *Monitor) emitTimeout(ctx context.Context, entry *types.QueueEntry, seq int, now time.Time) {
	intent := types.NewIntent(entry, types.NotificationQueueTimeout, seq, now)
	created, err := m.intents.CreateIntent(ctx, intent)
	if err != nil {
		m.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to create queue_timeout intent")
		return
	}
	if !created {
		return
	}
	m.metrics.RecordNotification(entry.DepartmentID, string(intent.NotificationType))
	if err := m.publisher.PublishIntent(ctx, intent); err != nil {
		m.logger.Warn().Err(err).Str("intent_id", intent.ID).Msg("failed to publish intent")
	}
}
