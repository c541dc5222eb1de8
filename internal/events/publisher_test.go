package events

import (
	"context"
	"errors"
	"testing"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/stretchr/testify/assert"
)

type failing struct{ err error }

func (f failing) PublishIntent(context.Context, *types.NotificationIntent) error  { return f.err }
func (f failing) PublishAssignment(context.Context, types.AssignmentResult) error { return f.err }

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	ctx := context.Background()
	rec := &Recorder{}
	boom := errors.New("bus down")
	f := Fanout{failing{boom}, rec, Noop{}}

	err := f.PublishIntent(ctx, &types.NotificationIntent{ID: "i1"})
	assert.ErrorIs(t, err, boom)
	err = f.PublishAssignment(ctx, types.AssignmentResult{AgentID: "a1"})
	assert.ErrorIs(t, err, boom)

	assert.Len(t, rec.Intents(), 1)
	assert.Equal(t, "a1", rec.Assignments()[0].AgentID)

	assert.NoError(t, Fanout{rec}.PublishIntent(ctx, &types.NotificationIntent{ID: "i2"}))
}
