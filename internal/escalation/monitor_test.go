package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/availability"
	"github.com/dennisdiepolder/monti/queueengine/internal/events"
	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/dennisdiepolder/monti/queueengine/internal/rules"
	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.MemoryStore
	rules    *rules.Store
	queues   *queue.Manager
	recorder *events.Recorder
	monitor  *Monitor
	now      time.Time
}

func newFixture(t *testing.T, configured ...types.QueueRule) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), recorder: &events.Recorder{}, now: start}
	f.rules = rules.NewStore(f.store, zerolog.Nop())
	for _, r := range configured {
		require.NoError(t, f.rules.Put(context.Background(), r))
	}
	clock := func() time.Time { return f.now }
	tracker := availability.NewTracker(f.store, zerolog.Nop())
	f.queues = queue.NewManager(f.store, f.rules, tracker, nil, zerolog.Nop())
	f.queues.SetClock(clock)
	f.monitor = NewMonitor(f.store, f.store, f.queues, f.rules, f.recorder, metrics.New(), zerolog.Nop())
	return f
}

func escalating(dept string, minutes int, target string) types.QueueRule {
	return types.QueueRule{
		DepartmentID:           dept,
		AutoAssignmentEnabled:  true,
		IsActive:               true,
		EscalationEnabled:      true,
		EscalationMinutes:      minutes,
		EscalationDepartmentID: target,
	}
}

func plain(dept string) types.QueueRule {
	return types.QueueRule{DepartmentID: dept, AutoAssignmentEnabled: true, IsActive: true}
}

func (f *fixture) enqueue(t *testing.T, conv, dept string) *types.QueueEntry {
	t.Helper()
	e, err := f.queues.Enqueue(context.Background(), queue.EnqueueRequest{ConversationID: conv, DepartmentID: dept})
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	return e
}

func (f *fixture) entry(t *testing.T, id string) *types.QueueEntry {
	t.Helper()
	e, err := f.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (f *fixture) at(minute int) time.Time {
	return start.Add(time.Duration(minute) * time.Minute)
}

func TestDue(t *testing.T) {
	escalatedAt := start.Add(16 * time.Minute)
	tests := []struct {
		name  string
		rule  types.QueueRule
		entry types.QueueEntry
		now   time.Time
		want  bool
	}{
		{"below escalation minutes", escalating("d1", 15, "d2"), types.QueueEntry{}, start.Add(14 * time.Minute), false},
		{"at escalation minutes", escalating("d1", 15, "d2"), types.QueueEntry{}, start.Add(15 * time.Minute), true},
		{"re-homed waits out new minutes", escalating("d2", 10, "d3"), types.QueueEntry{EscalatedAt: &escalatedAt}, start.Add(25 * time.Minute), false},
		{"re-homed due after new minutes", escalating("d2", 10, "d3"), types.QueueEntry{EscalatedAt: &escalatedAt}, start.Add(26 * time.Minute), true},
		{"disabled without max wait", plain("d1"), types.QueueEntry{}, start.Add(time.Hour), false},
		{"disabled with max wait", types.QueueRule{DepartmentID: "d1", MaxWaitMinutes: 30}, types.QueueEntry{}, start.Add(30 * time.Minute), true},
		{"assigned entries never", escalating("d1", 15, "d2"), types.QueueEntry{Status: types.EntryStatusAssigned}, start.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.entry
			e.EnteredQueueAt = start
			if e.Status == "" {
				e.Status = types.EntryStatusWaiting
			}
			assert.Equal(t, tt.want, Due(&e, tt.rule, tt.now))
		})
	}
}

func TestCheckDepartment_RehomesAfterSixteenMinutes(t *testing.T) {
	f := newFixture(t, escalating("D1", 15, "D2"), plain("D2"))
	ctx := context.Background()
	late := f.enqueue(t, "late", "D1")
	second := f.enqueue(t, "second", "D1")
	resident := f.enqueue(t, "resident", "D2")

	changed, err := f.monitor.CheckDepartment(ctx, "D1", f.at(14))
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	changed, err = f.monitor.CheckDepartment(ctx, "D1", f.at(16))
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	got := f.entry(t, late.ID)
	assert.Equal(t, types.EntryStatusWaiting, got.Status)
	assert.Equal(t, "D2", got.DepartmentID)
	assert.True(t, got.EnteredQueueAt.Equal(late.EnteredQueueAt), "total wait must keep counting")
	require.NotNil(t, got.EscalatedAt)
	assert.Equal(t, 1, got.EscalationCount)
	assert.Equal(t, 1, got.QueuePosition)

	assert.Equal(t, 2, f.entry(t, second.ID).QueuePosition)
	assert.Equal(t, 3, f.entry(t, resident.ID).QueuePosition)

	intents, err := f.store.ListIntentsForEntry(ctx, late.ID)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, types.NotificationQueueTimeout, intents[0].NotificationType)
	assert.Equal(t, "D2", intents[0].DepartmentID)
	assert.Equal(t, 1, intents[0].QueuePositionAtTime)

	waiting, err := f.store.ListWaiting(ctx, "D1")
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestCheck_ReescalationWaitsForNewDepartment(t *testing.T) {
	f := newFixture(t, escalating("D1", 15, "D2"), escalating("D2", 10, "D3"), plain("D3"))
	ctx := context.Background()
	e := f.enqueue(t, "c1", "D1")

	_, err := f.monitor.CheckDepartment(ctx, "D1", f.at(16))
	require.NoError(t, err)

	changed, err := f.monitor.CheckDepartment(ctx, "D2", f.at(20))
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
	assert.Equal(t, "D2", f.entry(t, e.ID).DepartmentID)

	changed, err = f.monitor.CheckDepartment(ctx, "D2", f.at(26))
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got := f.entry(t, e.ID)
	assert.Equal(t, "D3", got.DepartmentID)
	assert.Equal(t, 2, got.EscalationCount)
	assert.True(t, got.EnteredQueueAt.Equal(e.EnteredQueueAt))
}

func TestCheck_ExpiresWhenTargetUnusable(t *testing.T) {
	full := plain("D2")
	full.MaxQueueSize = 1
	inactive := plain("D2")
	inactive.IsActive = false

	tests := []struct {
		name   string
		source types.QueueRule
		others []types.QueueRule
		fill   bool
	}{
		{"no escalation department", escalating("D1", 15, ""), nil, false},
		{"target without rule", escalating("D1", 15, "D2"), nil, false},
		{"target inactive", escalating("D1", 15, "D2"), []types.QueueRule{inactive}, false},
		{"target is source", escalating("D1", 15, "D1"), nil, false},
		{"target full", escalating("D1", 15, "D2"), []types.QueueRule{full}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, append([]types.QueueRule{tt.source}, tt.others...)...)
			ctx := context.Background()
			e := f.enqueue(t, "c1", "D1")
			if tt.fill {
				f.enqueue(t, "occupant", "D2")
			}

			outcome, err := f.monitor.Check(ctx, f.entry(t, e.ID), f.rules.Rule("D1"), f.at(16))
			require.NoError(t, err)
			assert.Equal(t, OutcomeExpired, outcome)

			got := f.entry(t, e.ID)
			assert.Equal(t, types.EntryStatusExpired, got.Status)
			assert.Equal(t, "D1", got.DepartmentID)
			assert.NotNil(t, got.RemovedFromQueueAt)
			assert.Equal(t, 0, got.QueuePosition)

			intents := f.recorder.Intents()
			require.Len(t, intents, 1)
			assert.Equal(t, types.NotificationQueueTimeout, intents[0].NotificationType)
			assert.Equal(t, 1, intents[0].QueuePositionAtTime)
		})
	}
}

func TestCheck_MaxWaitExpiryWithoutEscalation(t *testing.T) {
	rule := plain("D1")
	rule.MaxWaitMinutes = 30
	f := newFixture(t, rule)
	ctx := context.Background()
	e := f.enqueue(t, "c1", "D1")

	changed, err := f.monitor.CheckDepartment(ctx, "D1", f.at(29))
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	changed, err = f.monitor.CheckDepartment(ctx, "D1", f.at(31))
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, types.EntryStatusExpired, f.entry(t, e.ID).Status)
}

func TestCheck_StaleSnapshotLosesToCancellation(t *testing.T) {
	f := newFixture(t, escalating("D1", 15, "D2"), plain("D2"))
	ctx := context.Background()
	e := f.enqueue(t, "c1", "D1")
	snapshot := f.entry(t, e.ID)

	_, err := f.queues.Cancel(ctx, "c1")
	require.NoError(t, err)

	outcome, err := f.monitor.Check(ctx, snapshot, f.rules.Rule("D1"), f.at(16))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotDue, outcome)
	assert.Equal(t, types.EntryStatusCancelled, f.entry(t, e.ID).Status)
	assert.Empty(t, f.recorder.Intents())
}
