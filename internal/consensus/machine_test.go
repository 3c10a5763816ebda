package consensus

import (
	"errors"
	"testing"

	"github.com/jordanhubbard/quorum/internal/providers"
)

func TestGuardsHappyPath(t *testing.T) {
	rc := newRunContext("q", 3, false)

	steps := []struct {
		to      State
		prepare func()
	}{
		{StatePropose, nil},
		{StateChallenge, func() { rc.proposal = "p" }},
		{StateRevise, func() { rc.challenges = []Challenge{{Content: "c"}} }},
		{StateCommit, func() { rc.revision = "r" }},
	}
	for _, s := range steps {
		if s.prepare != nil {
			s.prepare()
		}
		if err := rc.transition(s.to); err != nil {
			t.Fatalf("transition to %s: %v", s.to, err)
		}
	}
}

func TestGuardsRejectMissingData(t *testing.T) {
	rc := newRunContext("", 3, false)
	if err := rc.transition(StatePropose); err == nil {
		t.Error("empty question must not enter PROPOSE")
	}

	rc = newRunContext("q", 3, false)
	_ = rc.transition(StatePropose)
	if err := rc.transition(StateChallenge); err == nil {
		t.Error("missing proposal must not enter CHALLENGE")
	}
	if err := rc.transition(StateCommit); err == nil {
		t.Error("PROPOSE cannot jump to COMMIT")
	}
}

func TestDecomposeGuard(t *testing.T) {
	rc := newRunContext("q", 3, false)
	if err := rc.transition(StateDecompose); err == nil {
		t.Error("DECOMPOSE requires the decompose flag")
	}

	rc = newRunContext("q", 3, true)
	if err := rc.transition(StateDecompose); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := rc.transition(StatePropose); err == nil {
		t.Error("DECOMPOSE -> PROPOSE requires at least one subtask")
	}
	rc.subtaskCount = 1
	if err := rc.transition(StatePropose); err != nil {
		t.Errorf("unexpected: %v", err)
	}
}

func TestCommitBranching(t *testing.T) {
	rc := newRunContext("q", 3, false)
	rc.state = StateCommit

	// Not converged, rounds remain: another round.
	rc.round = 1
	rc.converged = false
	if !rc.canTransition(StatePropose) || rc.canTransition(StateComplete) {
		t.Error("expected COMMIT -> PROPOSE when not converged with rounds left")
	}

	// Converged: complete.
	rc.converged = true
	if !rc.canTransition(StateComplete) || rc.canTransition(StatePropose) {
		t.Error("expected COMMIT -> COMPLETE on convergence")
	}

	// Rounds exhausted without convergence: complete.
	rc.converged = false
	rc.round = 3
	if !rc.canTransition(StateComplete) || rc.canTransition(StatePropose) {
		t.Error("expected COMMIT -> COMPLETE on round exhaustion")
	}
}

func TestFailedFromAnyNonTerminal(t *testing.T) {
	for _, s := range []State{StateIdle, StateDecompose, StatePropose, StateChallenge, StateRevise, StateCommit} {
		rc := newRunContext("q", 3, true)
		rc.state = s
		if err := rc.transition(StateFailed); err != nil {
			t.Errorf("FAILED must be reachable from %s: %v", s, err)
		}
	}

	rc := newRunContext("q", 3, false)
	rc.state = StateComplete
	if err := rc.transition(StateFailed); err == nil {
		t.Error("terminal states must not transition")
	}
}

func TestInvalidTransitionErrorKind(t *testing.T) {
	rc := newRunContext("q", 3, false)
	err := rc.transition(StateRevise)
	var ce *providers.Error
	if !errors.As(err, &ce) || ce.Kind != providers.KindInvalidState {
		t.Errorf("expected invalid-state kind, got %v", err)
	}
}

func TestArchiveRoundClearsWorkingFields(t *testing.T) {
	rc := newRunContext("q", 3, false)
	rc.state = StateCommit
	rc.proposal = "p"
	rc.challenges = []Challenge{{Content: "c", ModelRef: "a:m"}}
	rc.revision = "r"
	rc.decision = "r"
	rc.rigor = 1.0
	rc.confidence = 0.85
	rc.dissent = "[a:m]: c"
	rc.roundCost = 0.04
	rc.turnID = "turn-1"

	rc.archiveRound()

	if len(rc.history) != 1 {
		t.Fatalf("history = %d", len(rc.history))
	}
	archived := rc.history[0]
	if archived.Round != 1 || archived.Proposal != "p" || archived.Decision != "r" || archived.Rigor != 1.0 {
		t.Errorf("archived = %+v", archived)
	}
	if rc.round != 2 {
		t.Errorf("round = %d, want 2", rc.round)
	}
	if rc.proposal != "" || rc.revision != "" || rc.challenges != nil || rc.dissent != "" || rc.turnID != "" || rc.roundCost != 0 {
		t.Error("working fields must be cleared after archive")
	}

	// The snapshot is frozen: mutating the context must not touch it.
	rc.challenges = []Challenge{{Content: "new"}}
	if len(rc.history[0].Challenges) != 1 || rc.history[0].Challenges[0].Content != "c" {
		t.Error("archived challenges must be a frozen copy")
	}
}

func TestPreviousChallenges(t *testing.T) {
	rc := newRunContext("q", 3, false)
	if rc.previousChallenges() != nil {
		t.Error("round 1 has no previous challenges")
	}
	rc.state = StateCommit
	rc.challenges = []Challenge{{Content: "old"}}
	rc.archiveRound()
	prev := rc.previousChallenges()
	if len(prev) != 1 || prev[0].Content != "old" {
		t.Errorf("previous = %+v", prev)
	}
}
