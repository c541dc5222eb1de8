package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/availability"
	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRules map[string]types.QueueRule

func (s staticRules) Rule(dept string) types.QueueRule {
	if r, ok := s[dept]; ok {
		return r.Normalize()
	}
	return types.DefaultRule(dept)
}

type fixedHandleTime struct {
	minutes float64
	err     error
}

func (f fixedHandleTime) AverageHandleTime(context.Context, string) (float64, error) {
	return f.minutes, f.err
}

type fixture struct {
	store   *storage.MemoryStore
	tracker *availability.Tracker
	manager *Manager
	now     time.Time
}

func newFixture(t *testing.T, rules staticRules, aht HandleTimeProvider) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		now:   time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.tracker = availability.NewTracker(f.store, zerolog.Nop())
	f.tracker.SetClock(clock)
	f.manager = NewManager(f.store, rules, f.tracker, aht, zerolog.Nop())
	f.manager.SetClock(clock)
	return f
}

func (f *fixture) enqueue(t *testing.T, conv, dept string, p types.Priority) *types.QueueEntry {
	t.Helper()
	e, err := f.manager.Enqueue(context.Background(), EnqueueRequest{ConversationID: conv, DepartmentID: dept, Priority: p})
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	return e
}

func (f *fixture) assign(t *testing.T, entryID, agentID string) {
	t.Helper()
	ctx := context.Background()
	ok, err := f.tracker.ReserveSlot(ctx, agentID)
	require.NoError(t, err)
	require.True(t, ok)
	e, err := f.store.GetEntry(ctx, entryID)
	require.NoError(t, err)
	require.NoError(t, e.MarkAssigned(agentID, f.now))
	require.NoError(t, f.store.UpdateEntry(ctx, e))
	_, err = f.manager.RecomputePositions(ctx, e.DepartmentID)
	require.NoError(t, err)
}

func (f *fixture) positions(t *testing.T, dept string) map[string]int {
	t.Helper()
	waiting, err := f.store.ListWaiting(context.Background(), dept)
	require.NoError(t, err)
	out := make(map[string]int, len(waiting))
	for _, e := range waiting {
		out[e.ConversationID] = e.QueuePosition
	}
	return out
}

func assertDense(t *testing.T, positions map[string]int) {
	t.Helper()
	seen := make(map[int]bool, len(positions))
	for conv, p := range positions {
		if p < 1 || p > len(positions) {
			t.Fatalf("conversation %s has position %d outside 1..%d", conv, p, len(positions))
		}
		if seen[p] {
			t.Fatalf("position %d assigned twice", p)
		}
		seen[p] = true
	}
}

func TestEnqueue_OrdersByPriorityThenArrival(t *testing.T) {
	f := newFixture(t, staticRules{}, nil)
	f.enqueue(t, "a", "sales", types.PriorityMedium)
	f.enqueue(t, "b", "sales", types.PriorityUrgent)
	f.enqueue(t, "c", "sales", types.PriorityMedium)
	f.enqueue(t, "d", "sales", types.PriorityLow)
	f.enqueue(t, "e", "sales", types.PriorityHigh)

	assert.Equal(t, map[string]int{"b": 1, "e": 2, "a": 3, "c": 4, "d": 5}, f.positions(t, "sales"))
}

func TestEnqueue_CustomWeightsAndVIP(t *testing.T) {
	rules := staticRules{"sales": {
		DepartmentID:       "sales",
		VIPPriorityEnabled: true,
		PriorityWeights:    map[types.Priority]float64{types.PriorityLow: 9},
		IsActive:           true,
	}}
	f := newFixture(t, rules, nil)
	f.enqueue(t, "urgent", "sales", types.PriorityUrgent)
	f.enqueue(t, "low", "sales", types.PriorityLow)
	_, err := f.manager.Enqueue(context.Background(), EnqueueRequest{
		ConversationID: "vip", DepartmentID: "sales", Priority: types.PriorityMedium, IsVIP: true,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"vip": 1, "low": 2, "urgent": 3}, f.positions(t, "sales"))
}

func TestEnqueue_Duplicate(t *testing.T) {
	f := newFixture(t, staticRules{}, nil)
	first := f.enqueue(t, "c1", "sales", types.PriorityMedium)

	_, err := f.manager.Enqueue(context.Background(), EnqueueRequest{ConversationID: "c1", DepartmentID: "support"})
	require.ErrorIs(t, err, types.ErrDuplicateEntry)
	var dup *types.DuplicateEntryError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.EntryID)
}

func TestEnqueue_QueueFull(t *testing.T) {
	f := newFixture(t, staticRules{"sales": {DepartmentID: "sales", MaxQueueSize: 2, IsActive: true}}, nil)
	f.enqueue(t, "a", "sales", types.PriorityMedium)
	f.enqueue(t, "b", "sales", types.PriorityMedium)

	_, err := f.manager.Enqueue(context.Background(), EnqueueRequest{ConversationID: "c", DepartmentID: "sales"})
	assert.ErrorIs(t, err, types.ErrQueueFull)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, staticRules{}, nil)
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"no conversation", EnqueueRequest{DepartmentID: "sales"}},
		{"no department", EnqueueRequest{ConversationID: "c"}},
		{"bad priority", EnqueueRequest{ConversationID: "c", DepartmentID: "sales", Priority: "critical"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.manager.Enqueue(context.Background(), tt.req); err == nil {
				t.Errorf("Enqueue(%+v) expected error", tt.req)
			}
		})
	}
}

func TestEnqueue_DefaultsToMediumPriority(t *testing.T) {
	f := newFixture(t, staticRules{}, nil)
	e, err := f.manager.Enqueue(context.Background(), EnqueueRequest{ConversationID: "c", DepartmentID: "sales"})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityMedium, e.Priority)
	assert.Equal(t, 1, e.QueuePosition)
}

func TestEstimateWait(t *testing.T) {
	tests := []struct {
		name     string
		aht      HandleTimeProvider
		position int
		want     int
	}{
		{"handle time", fixedHandleTime{minutes: 4}, 3, 8},
		{"first in line", fixedHandleTime{minutes: 4}, 1, 0},
		{"fractional rounds", fixedHandleTime{minutes: 2.5}, 2, 3},
		{"collaborator error", fixedHandleTime{err: errors.New("down")}, 3, 3},
		{"zero handle time", fixedHandleTime{minutes: 0}, 4, 4},
		{"no collaborator", nil, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, staticRules{}, tt.aht)
			got := f.manager.EstimateWait(context.Background(), &types.QueueEntry{DepartmentID: "sales", QueuePosition: tt.position})
			if got != tt.want {
				t.Errorf("EstimateWait() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecompute_WritesEstimates(t *testing.T) {
	f := newFixture(t, staticRules{}, fixedHandleTime{minutes: 5})
	f.enqueue(t, "a", "sales", types.PriorityMedium)
	b := f.enqueue(t, "b", "sales", types.PriorityMedium)

	got, err := f.store.GetEntry(context.Background(), b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EstimatedWaitMinutes)
	assert.Equal(t, 5, *got.EstimatedWaitMinutes)
}

func TestCancel_Waiting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticRules{}, nil)
	f.enqueue(t, "a", "sales", types.PriorityMedium)
	f.enqueue(t, "b", "sales", types.PriorityMedium)
	f.enqueue(t, "c", "sales", types.PriorityMedium)

	res, err := f.manager.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, types.EntryStatusCancelled, res.Entry.Status)
	assert.NotNil(t, res.Entry.RemovedFromQueueAt)
	assert.Equal(t, map[string]int{"b": 1, "c": 2}, f.positions(t, "sales"))

	again, err := f.manager.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.False(t, again.Cancelled)

	unknown, err := f.manager.Cancel(ctx, "never-seen")
	require.NoError(t, err)
	assert.False(t, unknown.Cancelled)
}

func TestCancel_AssignedReleasesSlotExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticRules{}, nil)
	require.NoError(t, f.tracker.Register(ctx, &types.AgentAvailability{
		AgentID: "agent", CurrentStatus: types.AgentOnline, MaxConversations: 2, AvailableDepartments: []string{"sales"},
	}))
	a := f.enqueue(t, "a", "sales", types.PriorityMedium)
	b := f.enqueue(t, "b", "sales", types.PriorityMedium)
	f.assign(t, a.ID, "agent")
	f.assign(t, b.ID, "agent")

	res, err := f.manager.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, []string{"agent"}, res.ReleasedAgentIDs)
	assert.Empty(t, res.Entry.AssignedAgentID)

	agent, err := f.tracker.Get(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.CurrentConversationsCount)

	for i := 0; i < 3; i++ {
		res, err = f.manager.Cancel(ctx, "a")
		require.NoError(t, err)
		assert.False(t, res.Cancelled)
	}
	agent, err = f.tracker.Get(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.CurrentConversationsCount, "repeat cancellation must not release again")
}

func TestReleaseAssignment_ThenCloseDoesNotDoubleRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticRules{}, nil)
	require.NoError(t, f.tracker.Register(ctx, &types.AgentAvailability{
		AgentID: "agent", CurrentStatus: types.AgentOnline, MaxConversations: 2, AvailableDepartments: []string{"sales"},
	}))
	a := f.enqueue(t, "a", "sales", types.PriorityMedium)
	b := f.enqueue(t, "b", "sales", types.PriorityMedium)
	f.assign(t, a.ID, "agent")
	f.assign(t, b.ID, "agent")

	agent, err := f.manager.ReleaseAssignment(ctx, "agent", "a")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, 1, agent.CurrentConversationsCount)

	_, err = f.manager.ReleaseAssignment(ctx, "agent", "a")
	require.NoError(t, err)

	res, err := f.manager.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Cancelled, "assigned entry with a released slot stays assigned")

	current, err := f.tracker.Get(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, 1, current.CurrentConversationsCount)
}

func (f *fixture) agentCount(t *testing.T, agentID string) int {
	t.Helper()
	agent, err := f.tracker.Get(context.Background(), agentID)
	require.NoError(t, err)
	return agent.CurrentConversationsCount
}

func TestCancel_RequeuedConversationReleasesEarlierAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticRules{}, nil)
	require.NoError(t, f.tracker.Register(ctx, &types.AgentAvailability{
		AgentID: "agent", CurrentStatus: types.AgentOnline, MaxConversations: 1, AvailableDepartments: []string{"d1", "d2"},
	}))
	first := f.enqueue(t, "c1", "d1", types.PriorityMedium)
	f.assign(t, first.ID, "agent")
	second := f.enqueue(t, "c1", "d2", types.PriorityMedium)
	f.enqueue(t, "c2", "d2", types.PriorityMedium)

	res, err := f.manager.Cancel(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, []string{"agent"}, res.ReleasedAgentIDs)
	assert.Equal(t, second.ID, res.Entry.ID)

	for _, id := range []string{first.ID, second.ID} {
		e, err := f.store.GetEntry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.EntryStatusCancelled, e.Status, id)
	}
	assert.Equal(t, 0, f.agentCount(t, "agent"))
	assert.Equal(t, map[string]int{"c2": 1}, f.positions(t, "d2"))

	again, err := f.manager.Cancel(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, again.Cancelled)
	assert.Equal(t, 0, f.agentCount(t, "agent"))
}

func TestReleaseAssignment_ByConversationFindsEarlierAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staticRules{}, nil)
	require.NoError(t, f.tracker.Register(ctx, &types.AgentAvailability{
		AgentID: "agent", CurrentStatus: types.AgentOnline, MaxConversations: 1, AvailableDepartments: []string{"d1", "d2"},
	}))
	first := f.enqueue(t, "c1", "d1", types.PriorityMedium)
	f.assign(t, first.ID, "agent")
	f.enqueue(t, "c1", "d2", types.PriorityMedium)

	agent, err := f.manager.ReleaseAssignment(ctx, "agent", "c1")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, 0, agent.CurrentConversationsCount)

	released, err := f.store.GetEntry(ctx, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, released.SlotReleasedAt)
}

func TestReleaseAssignment_WithoutConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("later close of the released conversation keeps the new slot", func(t *testing.T) {
		f := newFixture(t, staticRules{}, nil)
		require.NoError(t, f.tracker.Register(ctx, &types.AgentAvailability{
			AgentID: "agent", CurrentStatus: types.AgentOnline, MaxConversations: 1, AvailableDepartments: []string{"sales"},
		}))
		c1 := f.enqueue(t, "c1", "sales", types.PriorityMedium)
		f.assign(t, c1.ID, "agent")

		agent, err := f.manager.ReleaseAssignment(ctx, "agent", "")
		require.NoError(t, err)
		require.NotNil(t, agent)
		assert.Equal(t, 0, agent.CurrentConversationsCount)

		c2 := f.enqueue(t, "c2", "sales", types.PriorityMedium)
		f.assign(t, c2.ID, "agent")

		res, err := f.manager.Cancel(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, res.Cancelled)
		assert.Equal(t, 1, f.agentCount(t, "agent"), "closing c1 must not free the slot held by c2")
	})

	t.Run("oldest assignment is released first", func(t *testing.T) {
		f := newFixture(t, staticRules{}, nil)
		require.NoError(t, f.tracker.Register(ctx, &types.AgentAvailability{
			AgentID: "agent", CurrentStatus: types.AgentOnline, MaxConversations: 2, AvailableDepartments: []string{"sales"},
		}))
		a := f.enqueue(t, "a", "sales", types.PriorityMedium)
		b := f.enqueue(t, "b", "sales", types.PriorityMedium)
		f.assign(t, b.ID, "agent")
		f.now = f.now.Add(time.Minute)
		f.assign(t, a.ID, "agent")

		_, err := f.manager.ReleaseAssignment(ctx, "agent", "")
		require.NoError(t, err)

		gotB, err := f.store.GetEntry(ctx, b.ID)
		require.NoError(t, err)
		assert.NotNil(t, gotB.SlotReleasedAt)
		gotA, err := f.store.GetEntry(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, gotA.HoldsSlot())
		assert.Equal(t, 1, f.agentCount(t, "agent"))
	})

	t.Run("nothing held leaves the count alone", func(t *testing.T) {
		f := newFixture(t, staticRules{}, nil)
		require.NoError(t, f.tracker.Register(ctx, &types.AgentAvailability{
			AgentID: "agent", CurrentStatus: types.AgentOnline, MaxConversations: 1, AvailableDepartments: []string{"sales"},
		}))

		agent, err := f.manager.ReleaseAssignment(ctx, "agent", "")
		require.NoError(t, err)
		assert.Nil(t, agent)
		assert.Equal(t, 0, f.agentCount(t, "agent"))
	})
}

func TestLock_MultipleDepartmentsNoDeadlock(t *testing.T) {
	f := newFixture(t, staticRules{}, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			unlock := f.manager.Lock("a", "b")
			unlock()
		}
		close(done)
	}()
	for i := 0; i < 200; i++ {
		unlock := f.manager.Lock("b", "a", "b")
		unlock()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock ordering deadlocked")
	}
}

// Random sequences of enqueue, assign and cancel always leave dense positions.
func TestPositionDensityProperty(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	priorities := types.AllPriorities

	for run := 0; run < 20; run++ {
		f := newFixture(t, staticRules{}, nil)
		require.NoError(t, f.tracker.Register(ctx, &types.AgentAvailability{
			AgentID: "agent", CurrentStatus: types.AgentOnline, MaxConversations: 1000, AvailableDepartments: []string{"d1", "d2"},
		}))
		var live []*types.QueueEntry

		for step := 0; step < 60; step++ {
			switch op := rng.Intn(3); {
			case op == 0 || len(live) == 0:
				dept := []string{"d1", "d2"}[rng.Intn(2)]
				e := f.enqueue(t, fmt.Sprintf("r%d-s%d", run, step), dept, priorities[rng.Intn(len(priorities))])
				live = append(live, e)
			case op == 1:
				i := rng.Intn(len(live))
				f.assign(t, live[i].ID, "agent")
				live = append(live[:i], live[i+1:]...)
			default:
				i := rng.Intn(len(live))
				_, err := f.manager.Cancel(ctx, live[i].ConversationID)
				require.NoError(t, err)
				live = append(live[:i], live[i+1:]...)
			}
			assertDense(t, f.positions(t, "d1"))
			assertDense(t, f.positions(t, "d2"))
		}
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, staticRules{}, nil)
	f.enqueue(t, "a", "sales", types.PriorityLow)
	f.enqueue(t, "b", "sales", types.PriorityHigh)
	f.now = f.now.Add(3 * time.Minute)

	snap, err := f.manager.Snapshot(context.Background(), "sales")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].ConversationID)
	assert.Equal(t, 1, snap[0].QueuePosition)
	assert.Equal(t, 3, snap[1].WaitMinutes)
}
