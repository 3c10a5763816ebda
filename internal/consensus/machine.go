// Package consensus implements the debate core: the PROPOSE → CHALLENGE →
// REVISE → COMMIT state machine, its phase handlers, convergence and
// sycophancy detection, and the per-thread orchestration loop.
package consensus

import (
	"github.com/jordanhubbard/quorum/internal/providers"
)

// State is one node of the debate state machine.
type State string

const (
	StateIdle      State = "IDLE"
	StateDecompose State = "DECOMPOSE"
	StatePropose   State = "PROPOSE"
	StateChallenge State = "CHALLENGE"
	StateRevise    State = "REVISE"
	StateCommit    State = "COMMIT"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transitions leave the state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Challenge is one challenger's response within a round.
type Challenge struct {
	ModelRef    string `json:"model_ref"`
	Content     string `json:"content"`
	Framing     string `json:"framing"`
	Sycophantic bool   `json:"sycophantic"`
	Truncated   bool   `json:"truncated"`
}

// RoundRecord is the frozen snapshot of one completed round, archived on
// COMMIT → PROPOSE.
type RoundRecord struct {
	Round      int         `json:"round"`
	Proposal   string      `json:"proposal"`
	Challenges []Challenge `json:"challenges"`
	Revision   string      `json:"revision"`
	Decision   string      `json:"decision"`
	Rigor      float64     `json:"rigor"`
	Confidence float64     `json:"confidence"`
	Dissent    string      `json:"dissent,omitempty"`
	CostUSD    float64     `json:"cost_usd"`
}

// runContext is the mutable working state of one orchestrator run. Phase
// handlers set the fields the transition guards check; the orchestrator owns
// all state transitions.
type runContext struct {
	state State

	question  string
	round     int
	maxRounds int

	threadID string
	turnID   string

	// Model driving PROPOSE and REVISE for the current round.
	proposerModel providers.ModelInfo

	// Per-round working fields, cleared when a round is archived.
	proposal          string
	proposalTruncated bool
	challenges        []Challenge
	revision          string
	revisionTruncated bool

	// COMMIT output for the current round.
	decision   string
	rigor      float64
	confidence float64
	dissent    string
	intent     string

	converged bool
	roundCost float64

	history []RoundRecord

	decomposeRequested bool
	subtaskCount       int

	// truncatedPhases lists "roundN:phase" markers for length-cut outputs.
	truncatedPhases []string

	// detached runs skip persistence entirely: subtask cycles inside a
	// decomposition use them, and only the synthesized result is stored.
	detached bool
}

func newRunContext(question string, maxRounds int, decompose bool) *runContext {
	return &runContext{
		state:              StateIdle,
		question:           question,
		round:              1,
		maxRounds:          maxRounds,
		decomposeRequested: decompose,
	}
}

// canTransition checks the guard for a state transition. The FAILED sink is
// reachable from any non-terminal state.
func (rc *runContext) canTransition(to State) bool {
	if to == StateFailed {
		return !rc.state.Terminal()
	}
	switch rc.state {
	case StateIdle:
		switch to {
		case StatePropose:
			return rc.question != ""
		case StateDecompose:
			return rc.question != "" && rc.decomposeRequested
		}
	case StateDecompose:
		// A validated plan with at least one subtask (the single-subtask
		// optimization degenerates to plain consensus).
		return to == StatePropose && rc.subtaskCount >= 1
	case StatePropose:
		return to == StateChallenge && rc.proposal != ""
	case StateChallenge:
		return to == StateRevise && len(rc.challenges) >= 1
	case StateRevise:
		return to == StateCommit && rc.revision != ""
	case StateCommit:
		switch to {
		case StatePropose:
			return !rc.converged && rc.round < rc.maxRounds
		case StateComplete:
			return rc.converged || rc.round >= rc.maxRounds
		}
	}
	return false
}

// transition moves to the target state, or reports an invalid-state error.
func (rc *runContext) transition(to State) error {
	if !rc.canTransition(to) {
		return providers.Errorf(providers.KindInvalidState,
			"illegal transition %s -> %s (round %d)", rc.state, to, rc.round)
	}
	rc.state = to
	return nil
}

// archiveRound freezes the finished round into history, clears the per-round
// working fields and advances the round counter. Called on COMMIT → PROPOSE.
func (rc *runContext) archiveRound() {
	rc.history = append(rc.history, rc.snapshotRound())
	rc.proposal = ""
	rc.proposalTruncated = false
	rc.challenges = nil
	rc.revision = ""
	rc.revisionTruncated = false
	rc.decision = ""
	rc.rigor = 0
	rc.confidence = 0
	rc.dissent = ""
	rc.roundCost = 0
	rc.turnID = ""
	rc.round++
}

func (rc *runContext) snapshotRound() RoundRecord {
	challenges := make([]Challenge, len(rc.challenges))
	copy(challenges, rc.challenges)
	return RoundRecord{
		Round:      rc.round,
		Proposal:   rc.proposal,
		Challenges: challenges,
		Revision:   rc.revision,
		Decision:   rc.decision,
		Rigor:      rc.rigor,
		Confidence: rc.confidence,
		Dissent:    rc.dissent,
		CostUSD:    rc.roundCost,
	}
}

// previousChallenges returns the prior round's challenges for convergence
// scoring, or nil on round 1.
func (rc *runContext) previousChallenges() []Challenge {
	if len(rc.history) == 0 {
		return nil
	}
	return rc.history[len(rc.history)-1].Challenges
}
