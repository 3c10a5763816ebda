// Package temporal optionally runs debates as Temporal workflows so a
// crashed process does not lose an in-flight run. The workflow is a thin
// durable shell: the orchestrator remains the unit of work, and the engine
// falls back to in-process execution when Temporal is unreachable.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/quorum/internal/orchestrator"
)

const (
	debateActivityTimeout = 30 * time.Minute
	debateHeartbeat       = time.Minute
)

// DebateInput is the input for the DebateWorkflow.
type DebateInput struct {
	RequestID string               `json:"request_id"`
	Question  string               `json:"question"`
	Options   orchestrator.Options `json:"options"`
}

// DebateOutput is the output of the DebateWorkflow.
type DebateOutput struct {
	Output    orchestrator.Output `json:"output"`
	ThreadID  string              `json:"thread_id,omitempty"`
	ErrorKind string              `json:"error_kind,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// DebateWorkflow runs one debate as a single long activity. Provider-level
// retries happen inside the orchestrator; the workflow itself never retries a
// debate, because a failed thread stays persisted for inspection.
func DebateWorkflow(ctx workflow.Context, input DebateInput) (DebateOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: debateActivityTimeout,
		HeartbeatTimeout:    debateHeartbeat,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out DebateOutput
	if err := workflow.ExecuteActivity(ctx, (*Activities).RunDebate, input).Get(ctx, &out); err != nil {
		if out.Error == "" {
			out.Error = err.Error()
		}
		return out, err
	}
	return out, nil
}
