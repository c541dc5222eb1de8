package events

import (
	"context"
	"sync"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
)

// Recorder keeps published events in memory. It backs tests and the
// in-process mode without a message bus.
type Recorder struct {
	mu          sync.Mutex
	intents     []*types.NotificationIntent
	assignments []types.AssignmentResult
}

func (r *Recorder) PublishIntent(_ context.Context, intent *types.NotificationIntent) error {
	r.mu.Lock()
	r.intents = append(r.intents, intent.Clone())
	r.mu.Unlock()
	return nil
}

func (r *Recorder) PublishAssignment(_ context.Context, result types.AssignmentResult) error {
	r.mu.Lock()
	r.assignments = append(r.assignments, result)
	r.mu.Unlock()
	return nil
}

// Intents returns a copy of the recorded intents
func (r *Recorder) Intents() []*types.NotificationIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.NotificationIntent, len(r.intents))
	for i, n := range r.intents {
		out[i] = n.Clone()
	}
	return out
}

// Assignments returns a copy of the recorded assignment results
func (r *Recorder) Assignments() []types.AssignmentResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.AssignmentResult(nil), r.assignments...)
}
