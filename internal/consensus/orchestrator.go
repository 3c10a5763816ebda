package consensus

import (
	"context"
	"log/slog"

	"github.com/jordanhubbard/quorum/internal/calibrate"
	"github.com/jordanhubbard/quorum/internal/decompose"
	"github.com/jordanhubbard/quorum/internal/events"
	"github.com/jordanhubbard/quorum/internal/providers"
	"github.com/jordanhubbard/quorum/internal/store"
)

// Result is the outcome of a consensus run over one thread.
type Result struct {
	ThreadID        string        `json:"thread_id"`
	Decision        string        `json:"decision_text"`
	Rigor           float64       `json:"rigor"`
	Confidence      float64       `json:"confidence"`
	Dissent         string        `json:"dissent,omitempty"`
	Intent          string        `json:"intent,omitempty"`
	CostUSD         float64       `json:"cost_usd"`
	Rounds          []RoundRecord `json:"rounds"`
	TruncatedPhases []string      `json:"truncated_phases,omitempty"`
	Converged       bool          `json:"converged"`
}

// Run drives the debate state machine for one persisted thread. The thread
// row must already exist; thread status transitions are the caller's concern
// so that voting and consensus share one lifecycle.
func (e *Engine) Run(ctx context.Context, threadID, question string, maxRounds int, withDecompose bool) (Result, error) {
	if maxRounds <= 0 {
		maxRounds = 3
	}
	rc := newRunContext(question, maxRounds, withDecompose)
	rc.threadID = threadID

	if withDecompose {
		if err := rc.transition(StateDecompose); err != nil {
			return Result{}, err
		}
		plan, err := e.decomposePhase(ctx, rc)
		if err != nil {
			if kind, _ := providers.KindOf(err); kind == providers.KindDecomposeInvalid {
				// An unusable plan falls back to debating the original
				// question; the turn already created serves round 1.
				slog.Warn("decomposition invalid, running plain consensus",
					slog.String("thread_id", rc.threadID),
					slog.String("error", err.Error()),
				)
				rc.subtaskCount = 1
				if terr := rc.transition(StatePropose); terr != nil {
					return Result{}, e.fail(ctx, rc, terr)
				}
				return e.runRounds(ctx, rc)
			}
			return Result{}, e.fail(ctx, rc, err)
		}
		if len(plan.Subtasks) > 1 {
			res, err := e.runDecomposed(ctx, rc, plan)
			if err != nil {
				return Result{}, e.fail(ctx, rc, err)
			}
			return res, nil
		}
		// Single-subtask optimization: skip synthesis, debate the original
		// question as usual.
		if err := rc.transition(StatePropose); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}
	} else {
		if err := rc.transition(StatePropose); err != nil {
			return Result{}, err
		}
	}

	return e.runRounds(ctx, rc)
}

// runRounds executes PROPOSE → CHALLENGE → REVISE → COMMIT until convergence
// or round exhaustion.
func (e *Engine) runRounds(ctx context.Context, rc *runContext) (Result, error) {
	for {
		if err := e.ensureTurn(ctx, rc); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}
		if err := e.propose(ctx, rc); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}
		if err := rc.transition(StateChallenge); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}
		if err := e.challenge(ctx, rc); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}
		if err := rc.transition(StateRevise); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}
		if err := e.revise(ctx, rc); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}
		if err := rc.transition(StateCommit); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}
		if err := e.commit(ctx, rc); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}

		if !rc.detached {
			if err := e.store.FinishTurn(ctx, rc.turnID, string(StateCommit)); err != nil {
				return Result{}, e.fail(ctx, rc, providers.WrapError(providers.KindStorage, err))
			}
			e.summarizeTurn(ctx, rc)
		}
		e.publish(events.Event{Type: events.EventRoundComplete, ThreadID: rc.threadID, Round: rc.round, CostUSD: rc.roundCost})

		if rc.canTransition(StateComplete) {
			if err := rc.transition(StateComplete); err != nil {
				return Result{}, e.fail(ctx, rc, err)
			}
			break
		}
		if err := rc.transition(StatePropose); err != nil {
			return Result{}, e.fail(ctx, rc, err)
		}
		rc.archiveRound()
	}

	return e.finish(ctx, rc), nil
}

// ensureTurn creates the persisted turn row for the current round.
func (e *Engine) ensureTurn(ctx context.Context, rc *runContext) error {
	if rc.detached || rc.turnID != "" {
		return nil
	}
	turn, err := e.store.CreateTurn(ctx, store.TurnRecord{
		ThreadID: rc.threadID,
		Round:    rc.round,
		State:    string(StatePropose),
	})
	if err != nil {
		return providers.WrapError(providers.KindStorage, err)
	}
	rc.turnID = turn.ID
	return nil
}

// finish assembles the Result from a completed run context and regenerates
// the thread summary.
func (e *Engine) finish(ctx context.Context, rc *runContext) Result {
	rounds := append(append([]RoundRecord{}, rc.history...), rc.snapshotRound())
	total := 0.0
	for _, r := range rounds {
		total += r.CostUSD
	}
	res := Result{
		ThreadID:        rc.threadID,
		Decision:        rc.decision,
		Rigor:           rc.rigor,
		Confidence:      rc.confidence,
		Dissent:         rc.dissent,
		Intent:          rc.intent,
		CostUSD:         total,
		Rounds:          rounds,
		TruncatedPhases: rc.truncatedPhases,
		Converged:       rc.converged,
	}
	if !rc.detached {
		e.summarizeThread(ctx, rc)
	}
	return res
}

// fail moves the run into FAILED, marks the in-flight turn, and passes the
// error through. Partial contributions stay persisted for post-mortems.
func (e *Engine) fail(ctx context.Context, rc *runContext, err error) error {
	_ = rc.transition(StateFailed)
	if !rc.detached && rc.turnID != "" {
		if ferr := e.store.FinishTurn(ctx, rc.turnID, string(StateFailed)); ferr != nil {
			slog.Error("marking turn failed", slog.String("turn_id", rc.turnID), slog.String("error", ferr.Error()))
		}
	}
	kind, _ := providers.KindOf(err)
	e.publish(events.Event{Type: events.EventError, ThreadID: rc.threadID, Round: rc.round, ErrorKind: string(kind), ErrorMsg: err.Error()})
	return err
}

// runDetached executes one in-memory consensus cycle with no persistence.
// Subtask debates inside a decomposition run use this.
func (e *Engine) runDetached(ctx context.Context, question string, maxRounds int) (Result, error) {
	rc := newRunContext(question, maxRounds, false)
	rc.detached = true
	if err := rc.transition(StatePropose); err != nil {
		return Result{}, err
	}
	return e.runRounds(ctx, rc)
}

// decomposePhase asks the cheapest model for a subtask plan and validates it.
func (e *Engine) decomposePhase(ctx context.Context, rc *runContext) (*decompose.Plan, error) {
	if rc.state != StateDecompose {
		return nil, providers.Errorf(providers.KindInvalidState, "decompose handler invoked in state %s", rc.state)
	}
	if err := e.ensureTurn(ctx, rc); err != nil {
		return nil, err
	}

	decomposer, err := e.reg.SelectCheapest(e.panel)
	if err != nil {
		return nil, err
	}
	e.publish(events.Event{Type: events.EventPhaseStarted, ThreadID: rc.threadID, Phase: string(StateDecompose), Round: rc.round, ModelRef: decomposer.Ref})

	msgs := []providers.Message{
		{Role: "system", Content: decomposeSystem(e.now(), e.minSubtasks, e.maxSubtasks)},
		{Role: "user", Content: rc.question},
	}
	resp, cost, err := e.reg.Call(ctx, decomposer.Ref, msgs, providers.SendOptions{JSONMode: true})
	if err != nil {
		return nil, err
	}

	subtasks, err := decompose.Parse(resp.Content)
	if err != nil {
		return nil, err
	}
	plan, err := decompose.Validate(subtasks, e.maxSubtasks)
	if err != nil {
		return nil, err
	}
	rc.subtaskCount = len(plan.Subtasks)

	if err := e.record(ctx, rc, store.ContributionRecord{
		ModelRef:     decomposer.Ref,
		Role:         store.RoleDecomposer,
		Content:      resp.Content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    resp.LatencyMs,
	}); err != nil {
		return nil, err
	}

	e.publish(events.Event{Type: events.EventPhaseComplete, ThreadID: rc.threadID, Phase: string(StateDecompose), Round: rc.round, ModelRef: decomposer.Ref})
	return plan, nil
}

// subtaskResult pairs a completed subtask with its plan entry for synthesis.
type subtaskResult struct {
	label       string
	description string
	result      string
	rigor       float64
	confidence  float64
	cost        float64
}

// runDecomposed schedules the subtask DAG, synthesizes the final answer, and
// persists subtasks plus the decision on the round-1 turn.
func (e *Engine) runDecomposed(ctx context.Context, rc *runContext, plan *decompose.Plan) (Result, error) {
	sched := decompose.NewScheduler(plan, func(ctx context.Context, st decompose.Subtask, deps map[string]string) (decompose.Outcome, error) {
		res, err := e.runDetached(ctx, subtaskQuestion(rc.question, st.Description, deps, st.DependsOn), 1)
		if err != nil {
			return decompose.Outcome{}, err
		}
		e.publish(events.Event{Type: events.EventSubtaskDone, ThreadID: rc.threadID, SubtaskLabel: st.Label, CostUSD: res.CostUSD})
		return decompose.Outcome{
			Result:     res.Decision,
			Rigor:      res.Rigor,
			Confidence: res.Confidence,
			CostUSD:    res.CostUSD,
		}, nil
	})

	outcomes, err := sched.Run(ctx)
	if err != nil {
		return Result{}, err
	}

	results := make([]subtaskResult, 0, len(plan.Subtasks))
	subtaskCost := 0.0
	for _, label := range plan.TopologicalOrder() {
		st, _ := plan.Get(label)
		out := outcomes[label]
		results = append(results, subtaskResult{
			label:       label,
			description: st.Description,
			result:      out.Result,
			rigor:       out.Rigor,
			confidence:  out.Confidence,
			cost:        out.CostUSD,
		})
		subtaskCost += out.CostUSD
	}

	synthesizer, err := e.reg.SelectCheapest(e.panel)
	if err != nil {
		return Result{}, err
	}
	msgs := []providers.Message{
		{Role: "system", Content: synthesisSystem(e.synthesisStrategy)},
		{Role: "user", Content: synthesisUser(rc.question, results)},
	}
	resp, cost, err := e.reg.Call(ctx, synthesizer.Ref, msgs, providers.SendOptions{})
	if err != nil {
		return Result{}, err
	}
	if err := e.record(ctx, rc, store.ContributionRecord{
		ModelRef:     synthesizer.Ref,
		Role:         store.RoleSynthesizer,
		Content:      resp.Content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    resp.LatencyMs,
		Truncated:    resp.Truncated(),
	}); err != nil {
		return Result{}, err
	}

	// Subtasks persist only after synthesis succeeds.
	for _, r := range results {
		st, _ := plan.Get(r.label)
		if _, err := e.store.SaveSubtask(ctx, store.SubtaskRecord{
			ThreadID:    rc.threadID,
			Label:       r.label,
			Description: r.description,
			DependsOn:   st.DependsOn,
			Result:      r.result,
			CostUSD:     r.cost,
		}); err != nil {
			return Result{}, providers.WrapError(providers.KindStorage, err)
		}
	}

	// The synthesized answer is the decision; its rigor averages the
	// subtask debates.
	rigorSum := 0.0
	for _, r := range results {
		rigorSum += r.rigor
	}
	rc.decision = resp.Content
	rc.rigor = rigorSum / float64(len(results))
	rc.intent = calibrate.IntentDefault
	rc.confidence = calibrate.Confidence(rc.rigor, rc.intent)
	rc.roundCost += subtaskCost

	if _, err := e.store.SaveDecision(ctx, store.DecisionRecord{
		TurnID:     rc.turnID,
		Content:    rc.decision,
		Rigor:      rc.rigor,
		Confidence: rc.confidence,
		Intent:     rc.intent,
	}); err != nil {
		return Result{}, providers.WrapError(providers.KindStorage, err)
	}
	if err := e.store.FinishTurn(ctx, rc.turnID, string(StateCommit)); err != nil {
		return Result{}, providers.WrapError(providers.KindStorage, err)
	}

	e.publish(events.Event{Type: events.EventCommit, ThreadID: rc.threadID, Round: rc.round, Rigor: rc.rigor, Confidence: rc.confidence})
	e.publish(events.Event{Type: events.EventRoundComplete, ThreadID: rc.threadID, Round: rc.round, CostUSD: rc.roundCost})

	// Subtask machines did the debating; synthesis ends the parent run.
	rc.state = StateComplete
	return e.finish(ctx, rc), nil
}
