package decompose

import (
	"context"
	"sync"

	"github.com/jordanhubbard/quorum/internal/providers"
)

// Outcome is the result of running one subtask.
type Outcome struct {
	Result     string
	Rigor      float64
	Confidence float64
	CostUSD    float64
}

// RunFunc executes one ready subtask. deps maps each prerequisite label to
// its completed result text.
type RunFunc func(ctx context.Context, s Subtask, deps map[string]string) (Outcome, error)

// Scheduler runs a validated plan: all subtasks whose dependencies are
// complete execute simultaneously; completions unlock their dependents. A
// single subtask failure fails the whole run, because dependents cannot
// execute meaningfully without their inputs.
type Scheduler struct {
	plan *Plan
	run  RunFunc
}

// NewScheduler creates a scheduler over a validated plan.
func NewScheduler(plan *Plan, run RunFunc) *Scheduler {
	return &Scheduler{plan: plan, run: run}
}

// Run executes the plan and returns the outcome per label.
func (s *Scheduler) Run(ctx context.Context) (map[string]Outcome, error) {
	inDegree := make(map[string]int, len(s.plan.Subtasks))
	dependents := make(map[string][]string, len(s.plan.Subtasks))
	for _, st := range s.plan.Subtasks {
		inDegree[st.Label] = len(st.DependsOn)
		for _, dep := range st.DependsOn {
			dependents[dep] = append(dependents[dep], st.Label)
		}
	}

	var ready []string
	for _, st := range s.plan.Subtasks {
		if inDegree[st.Label] == 0 {
			ready = append(ready, st.Label)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(map[string]Outcome, len(s.plan.Subtasks))
	var firstErr error

	type done struct {
		label   string
		outcome Outcome
		err     error
	}

	for len(outcomes) < len(s.plan.Subtasks) && firstErr == nil {
		if len(ready) == 0 {
			// Validation guarantees progress; reaching here means a bug.
			return nil, providers.Errorf(providers.KindInvalidState, "scheduler stalled with %d/%d subtasks complete", len(outcomes), len(s.plan.Subtasks))
		}

		// Drain the ready queue in parallel.
		batch := ready
		ready = nil
		results := make(chan done, len(batch))
		var wg sync.WaitGroup
		for _, label := range batch {
			st, _ := s.plan.Get(label)
			deps := make(map[string]string, len(st.DependsOn))
			for _, dep := range st.DependsOn {
				deps[dep] = outcomes[dep].Result
			}
			wg.Add(1)
			go func(st Subtask, deps map[string]string) {
				defer wg.Done()
				out, err := s.run(ctx, st, deps)
				results <- done{label: st.Label, outcome: out, err: err}
			}(st, deps)
		}
		wg.Wait()
		close(results)

		for d := range results {
			if d.err != nil {
				if firstErr == nil {
					firstErr = d.err
					cancel()
				}
				continue
			}
			outcomes[d.label] = d.outcome
			for _, dep := range dependents[d.label] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return outcomes, nil
}
