package assignment

import (
	"sort"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
)

// Strategy orders the candidates for an entry, best first. The engine walks
// the whole ranking so a lost reservation race falls through to the next agent.
type Strategy interface {
	Rank(entry *types.QueueEntry, candidates []*types.AgentAvailability, lastAssigned map[string]uint64) []*types.AgentAvailability
}

// RoundRobin prefers the agent that was assigned least recently in the
// department. Agents never assigned come first, in the order given.
type RoundRobin struct{}

func (RoundRobin) Rank(_ *types.QueueEntry, candidates []*types.AgentAvailability, lastAssigned map[string]uint64) []*types.AgentAvailability {
	ranked := append([]*types.AgentAvailability(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return lastAssigned[ranked[i].AgentID] < lastAssigned[ranked[j].AgentID]
	})
	return ranked
}

// LeastBusy prefers the agent with the fewest active conversations, ties
// broken by the rotation cursor
type LeastBusy struct{}

func (LeastBusy) Rank(_ *types.QueueEntry, candidates []*types.AgentAvailability, lastAssigned map[string]uint64) []*types.AgentAvailability {
	ranked := append([]*types.AgentAvailability(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.CurrentConversationsCount != b.CurrentConversationsCount {
			return a.CurrentConversationsCount < b.CurrentConversationsCount
		}
		return lastAssigned[a.AgentID] < lastAssigned[b.AgentID]
	})
	return ranked
}

// SkillBased ranks agents preferring the entry's category ahead of the
// rest, least busy first within each group.
type SkillBased struct{}

func (SkillBased) Rank(entry *types.QueueEntry, candidates []*types.AgentAvailability, lastAssigned map[string]uint64) []*types.AgentAvailability {
	var specialists, others []*types.AgentAvailability
	for _, a := range candidates {
		if a.Prefers(entry.CategoryID) {
			specialists = append(specialists, a)
		} else {
			others = append(others, a)
		}
	}
	ranked := LeastBusy{}.Rank(entry, specialists, lastAssigned)
	return append(ranked, LeastBusy{}.Rank(entry, others, lastAssigned)...)
}

var strategies = map[types.Algorithm]Strategy{
	types.AlgorithmRoundRobin: RoundRobin{},
	types.AlgorithmLeastBusy:  LeastBusy{},
	types.AlgorithmSkillBased: SkillBased{},
}

// StrategyFor returns the strategy of an algorithm. Unknown values use
// round robin; rules are validated before they reach the engine.
func StrategyFor(a types.Algorithm) Strategy {
	if s, ok := strategies[a]; ok {
		return s
	}
	return RoundRobin{}
}
