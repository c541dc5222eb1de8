package assignment

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cycle is one pass of the scheduling driver. It pins the wall clock for
// the pass and remembers which entries were already attempted.
type Cycle struct {
	ID  string
	Now time.Time

	mu        sync.Mutex
	attempted map[string]struct{}
}

// NewCycle starts a cycle at now
func NewCycle(now time.Time) *Cycle {
	return &Cycle{
		ID:        uuid.NewString(),
		Now:       now,
		attempted: make(map[string]struct{}),
	}
}

// MarkAttempted records an attempt on entryID. It returns false when the
// entry was already attempted in this cycle.
func (c *Cycle) MarkAttempted(entryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.attempted[entryID]; ok {
		return false
	}
	c.attempted[entryID] = struct{}{}
	return true
}

// Rotation is the per-department round-robin cursor. Every assignment gets a
// sequence number; lower means longer ago.
type Rotation struct {
	mu   sync.Mutex
	seq  uint64
	last map[string]map[string]uint64
}

// NewRotation creates an empty cursor
func NewRotation() *Rotation {
	return &Rotation{last: make(map[string]map[string]uint64)}
}

// Record notes an assignment of agentID in departmentID
func (r *Rotation) Record(departmentID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	dept, ok := r.last[departmentID]
	if !ok {
		dept = make(map[string]uint64)
		r.last[departmentID] = dept
	}
	dept[agentID] = r.seq
}

// LastAssigned returns a copy of the department's cursor. Agents that were
// never assigned are absent and read as zero.
func (r *Rotation) LastAssigned(departmentID string) map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.last[departmentID]))
	for id, seq := range r.last[departmentID] {
		out[id] = seq
	}
	return out
}
