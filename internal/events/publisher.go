package events

import (
	"context"
	"errors"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
)

// Channel names on the message bus
const (
	IntentsChannel     = "queue:intents"
	AssignmentsChannel = "queue:assignments"
)

// Publisher delivers engine output to downstream collaborators
type Publisher interface {
	PublishIntent(ctx context.Context, intent *types.NotificationIntent) error
	PublishAssignment(ctx context.Context, result types.AssignmentResult) error
}

// Noop discards everything
type Noop struct{}

func (Noop) PublishIntent(context.Context, *types.NotificationIntent) error { return nil }
func (Noop) PublishAssignment(context.Context, types.AssignmentResult) error { return nil }

// Fanout forwards to every publisher and joins their errors
type Fanout []Publisher

func (f Fanout) PublishIntent(ctx context.Context, intent *types.NotificationIntent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishIntent(ctx, intent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishAssignment(ctx context.Context, result types.AssignmentResult) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishAssignment(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
