package assignment

import (
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/stretchr/testify/assert"
)

func ids(agents []*types.AgentAvailability) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.AgentID)
	}
	return out
}

func TestStrategies_Rank(t *testing.T) {
	a := &types.AgentAvailability{AgentID: "a", CurrentConversationsCount: 2}
	b := &types.AgentAvailability{AgentID: "b", CurrentConversationsCount: 0, PreferredCategories: []string{"billing"}}
	c := &types.AgentAvailability{AgentID: "c", CurrentConversationsCount: 0}
	candidates := []*types.AgentAvailability{a, b, c}
	lastAssigned := map[string]uint64{"b": 7, "a": 3}

	tests := []struct {
		name     string
		strategy Strategy
		category string
		want     []string
	}{
		{"round robin puts never assigned first", RoundRobin{}, "", []string{"c", "a", "b"}},
		{"least busy breaks ties by rotation", LeastBusy{}, "", []string{"c", "b", "a"}},
		{"skill based ranks specialists first", SkillBased{}, "billing", []string{"b", "c", "a"}},
		{"skill based without category", SkillBased{}, "", []string{"c", "b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &types.QueueEntry{ID: "e1", CategoryID: tt.category}
			got := tt.strategy.Rank(entry, candidates, lastAssigned)
			assert.Equal(t, tt.want, ids(got))
			assert.Equal(t, []string{"a", "b", "c"}, ids(candidates), "input must not be reordered")
		})
	}
}

func TestStrategyFor(t *testing.T) {
	assert.IsType(t, RoundRobin{}, StrategyFor(types.AlgorithmRoundRobin))
	assert.IsType(t, LeastBusy{}, StrategyFor(types.AlgorithmLeastBusy))
	assert.IsType(t, SkillBased{}, StrategyFor(types.AlgorithmSkillBased))
	assert.IsType(t, RoundRobin{}, StrategyFor("weighted"))
}

func TestRotation_RecordsPerDepartment(t *testing.T) {
	r := NewRotation()
	r.Record("sales", "a")
	r.Record("support", "a")
	r.Record("sales", "b")

	sales := r.LastAssigned("sales")
	assert.Less(t, sales["a"], sales["b"])
	assert.Len(t, r.LastAssigned("support"), 1)
	assert.Empty(t, r.LastAssigned("billing"))

	sales["a"] = 99
	assert.NotEqual(t, uint64(99), r.LastAssigned("sales")["a"])
}

func TestCycle_MarkAttempted(t *testing.T) {
	c := NewCycle(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	assert.NotEmpty(t, c.ID)
	assert.True(t, c.MarkAttempted("e1"))
	assert.False(t, c.MarkAttempted("e1"))
	assert.True(t, c.MarkAttempted("e2"))
}
