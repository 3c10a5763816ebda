package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/jordanhubbard/quorum/internal/orchestrator"
	"github.com/jordanhubbard/quorum/internal/providers"
)

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Orchestrator *orchestrator.Orchestrator
}

// RunDebate executes one full debate through the orchestrator, heartbeating
// while it runs so long rounds do not trip the heartbeat timeout.
func (a *Activities) RunDebate(ctx context.Context, input DebateInput) (DebateOutput, error) {
	ctx = providers.WithRequestID(ctx, input.RequestID)

	heartbeatCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		ticker := time.NewTicker(debateHeartbeat / 2)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()

	out, err := a.Orchestrator.Ask(ctx, input.Question, input.Options)
	if err != nil {
		result := DebateOutput{Error: err.Error()}
		var re *orchestrator.RunError
		if errors.As(err, &re) {
			result.ThreadID = re.ThreadID
			result.ErrorKind = string(re.Kind)
		}
		return result, err
	}
	return DebateOutput{Output: out, ThreadID: out.ThreadID}, nil
}
