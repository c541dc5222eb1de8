package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/availability"
	"github.com/dennisdiepolder/monti/queueengine/internal/events"
	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func scenarioRule() types.QueueRule {
	return types.QueueRule{
		DepartmentID:                  "sales",
		FirstNotificationAfterMinutes: 2,
		NotificationIntervalMinutes:   5,
		MaxNotifications:              2,
		AutoAssignmentEnabled:         true,
		IsActive:                      true,
	}
}

func TestDueForNotification(t *testing.T) {
	rule := scenarioRule()
	tests := []struct {
		name   string
		minute int
		count  int
		status types.EntryStatus
		rule   func(*types.QueueRule)
		want   bool
	}{
		{name: "before first", minute: 1, count: 0, want: false},
		{name: "first at minute 2", minute: 2, count: 0, want: true},
		{name: "second not due at 6", minute: 6, count: 1, want: false},
		{name: "second due at 7", minute: 7, count: 1, want: true},
		{name: "cap reached", minute: 20, count: 2, want: false},
		{name: "only waiting entries", minute: 5, count: 0, status: types.EntryStatusAssigned, want: false},
		{name: "zero max means none", minute: 30, count: 0, rule: func(r *types.QueueRule) { r.MaxNotifications = 0 }, want: false},
		{name: "zero interval treated as one", minute: 3, count: 1, rule: func(r *types.QueueRule) { r.NotificationIntervalMinutes = 0 }, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule
			if tt.rule != nil {
				tt.rule(&r)
			}
			status := tt.status
			if status == "" {
				status = types.EntryStatusWaiting
			}
			entry := &types.QueueEntry{Status: status, NotificationCount: tt.count, EnteredQueueAt: start}
			now := start.Add(time.Duration(tt.minute)*time.Minute + 30*time.Second)
			assert.Equal(t, tt.want, DueForNotification(entry, r, now))
		})
	}
}

type staticRules map[string]types.QueueRule

func (s staticRules) Rule(dept string) types.QueueRule {
	if r, ok := s[dept]; ok {
		return r.Normalize()
	}
	return types.DefaultRule(dept)
}

type fixture struct {
	store     *storage.MemoryStore
	queues    *queue.Manager
	recorder  *events.Recorder
	scheduler *Scheduler
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rules := staticRules{"sales": scenarioRule()}
	f := &fixture{store: storage.NewMemoryStore(), recorder: &events.Recorder{}, now: start}
	clock := func() time.Time { return f.now }
	tracker := availability.NewTracker(f.store, zerolog.Nop())
	f.queues = queue.NewManager(f.store, rules, tracker, nil, zerolog.Nop())
	f.queues.SetClock(clock)
	f.scheduler = NewScheduler(f.store, f.store, f.queues, rules, f.recorder, metrics.New(), zerolog.Nop())
	return f
}

func (f *fixture) enqueue(t *testing.T, conv string, p types.Priority) *types.QueueEntry {
	t.Helper()
	e, err := f.queues.Enqueue(context.Background(), queue.EnqueueRequest{ConversationID: conv, DepartmentID: "sales", Priority: p})
	require.NoError(t, err)
	return e
}

func (f *fixture) at(minute int) time.Time {
	return start.Add(time.Duration(minute) * time.Minute)
}

func (f *fixture) entry(t *testing.T, id string) *types.QueueEntry {
	t.Helper()
	e, err := f.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestNotifyDepartment_Scenario(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, "c1", types.PriorityMedium)
	ctx := context.Background()

	steps := []struct {
		minute    int
		wantSent  int
		wantCount int
	}{
		{2, 1, 1},
		{6, 0, 1},
		{7, 1, 2},
		{20, 0, 2},
	}
	for _, step := range steps {
		sent, err := f.scheduler.NotifyDepartment(ctx, "sales", f.at(step.minute))
		require.NoError(t, err)
		assert.Equal(t, step.wantSent, sent, "minute %d", step.minute)
		assert.Equal(t, step.wantCount, f.entry(t, e.ID).NotificationCount, "minute %d", step.minute)
	}

	intents := f.recorder.Intents()
	require.Len(t, intents, 2)
	assert.Equal(t, types.NotificationPositionUpdate, intents[0].NotificationType)
	assert.Equal(t, 1, intents[0].QueuePositionAtTime)
	// Position did not move between the two updates.
	assert.Equal(t, types.NotificationWaitTimeUpdate, intents[1].NotificationType)
}

func TestNotifyDepartment_RepeatedCyclesDoNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, "c1", types.PriorityMedium)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.scheduler.NotifyDepartment(ctx, "sales", f.at(3))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.entry(t, e.ID).NotificationCount)

	intents, err := f.store.ListIntentsForEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}

func TestNotify_PositionChangeSendsPositionUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.enqueue(t, "c1", types.PriorityMedium)
	f.now = f.now.Add(time.Second)
	second := f.enqueue(t, "c2", types.PriorityMedium)

	_, err := f.scheduler.NotifyDepartment(ctx, "sales", f.at(3))
	require.NoError(t, err)

	_, err = f.queues.Cancel(ctx, first.ConversationID)
	require.NoError(t, err)

	_, err = f.scheduler.NotifyDepartment(ctx, "sales", f.at(8))
	require.NoError(t, err)

	intents, err := f.store.ListIntentsForEntry(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, 2, intents[0].QueuePositionAtTime)
	assert.Equal(t, types.NotificationPositionUpdate, intents[1].NotificationType)
	assert.Equal(t, 1, intents[1].QueuePositionAtTime)
}

func TestNotify_RetryAfterFailedWriteReusesIntent(t *testing.T) {
	f := newFixture(t)
	e := f.enqueue(t, "c1", types.PriorityMedium)
	ctx := context.Background()

	f.store.FailEntryWrites(errors.New("disk full"))
	_, err := f.scheduler.NotifyDepartment(ctx, "sales", f.at(2))
	require.ErrorIs(t, err, types.ErrPersistence)
	f.store.FailEntryWrites(nil)
	assert.Equal(t, 0, f.entry(t, e.ID).NotificationCount)

	sent, err := f.scheduler.NotifyDepartment(ctx, "sales", f.at(2))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, f.entry(t, e.ID).NotificationCount)

	intents, err := f.store.ListIntentsForEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, intents, 1)
	assert.Len(t, f.recorder.Intents(), 1)
}
