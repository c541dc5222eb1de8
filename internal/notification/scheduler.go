package notification

import (
	"context"
	"errors"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/events"
	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
)

// statusKey replaces the notification type in the id of status update
// intents, so one notification count maps to exactly one intent whichever
// type it ends up with.
const statusKey types.NotificationType = "status"

// DueForNotification reports whether a waiting entry should get its next
// status update at now. It depends only on its arguments.
func DueForNotification(entry *types.QueueEntry, rule types.QueueRule, now time.Time) bool {
	if entry.Status != types.EntryStatusWaiting {
		return false
	}
	if entry.NotificationCount >= rule.MaxNotifications {
		return false
	}
	interval := rule.NotificationIntervalMinutes
	if interval < 1 {
		interval = 1
	}
	threshold := rule.FirstNotificationAfterMinutes + entry.NotificationCount*interval
	return entry.WaitMinutes(now) >= threshold
}

// Scheduler emits position and wait time updates for waiting entries
type Scheduler struct {
	entries   storage.EntryStore
	intents   storage.IntentStore
	queues    *queue.Manager
	rules     queue.RuleSource
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewScheduler(
	entries storage.EntryStore,
	intents storage.IntentStore,
	queues *queue.Manager,
	rules queue.RuleSource,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		entries:   entries,
		intents:   intents,
		queues:    queues,
		rules:     rules,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// NotifyDepartment sends every due update in a department. It holds the
// department lock so positions cannot move while intents are written.
func (s *Scheduler) NotifyDepartment(ctx context.Context, departmentID string, now time.Time) (int, error) {
	unlock := s.queues.Lock(departmentID)
	defer unlock()

	waiting, err := s.entries.ListWaiting(ctx, departmentID)
	if err != nil {
		return 0, types.Persistence("list waiting", err)
	}
	rule := s.rules.Rule(departmentID)

	sent := 0
	var errs []error
	for _, entry := range waiting {
		ok, err := s.Notify(ctx, entry, rule, now)
		if err != nil {
			s.logger.Error().Err(err).
				Str("entry_id", entry.ID).
				Str("department_id", departmentID).
				Msg("notification failed")
			errs = append(errs, err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

// Notify emits the next update for entry when it is due and reports whether
// the notification count advanced. The caller holds the department lock.
func (s *Scheduler) Notify(ctx context.Context, entry *types.QueueEntry, rule types.QueueRule, now time.Time) (bool, error) {
	if !DueForNotification(entry, rule, now) {
		return false, nil
	}

	kind := types.NotificationPositionUpdate
	if entry.NotificationCount > 0 && entry.LastNotifiedPosition == entry.QueuePosition {
		kind = types.NotificationWaitTimeUpdate
	}
	intent := types.NewIntent(entry, kind, entry.NotificationCount, now)
	intent.ID = types.IntentID(entry.ID, statusKey, entry.NotificationCount)

	// A retry after a failed entry write finds the intent already there and
	// only advances the count.
	created, err := s.intents.CreateIntent(ctx, intent)
	if err != nil {
		return false, types.Persistence("create intent", err)
	}

	if created {
		s.metrics.RecordNotification(entry.DepartmentID, string(kind))
		if err := s.publisher.PublishIntent(ctx, intent); err != nil {
			s.logger.Warn().Err(err).Str("intent_id", intent.ID).Msg("failed to publish intent")
		}
	}

	entry.NotificationCount++
	entry.LastNotificationAt = &now
	entry.LastNotifiedPosition = entry.QueuePosition
	if err := s.entries.UpdateEntry(ctx, entry); err != nil {
		return false, types.Persistence("record notification", err)
	}

	s.logger.Debug().
		Str("entry_id", entry.ID).
		Str("type", string(kind)).
		Int("position", entry.QueuePosition).
		Int("count", entry.NotificationCount).
		Msg("notification intent emitted")
	return true, nil
}
