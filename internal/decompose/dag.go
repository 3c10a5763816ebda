// Package decompose turns a question into a validated subtask DAG and
// schedules subtask execution in dependency order.
package decompose

import (
	"encoding/json"
	"strings"

	"github.com/jordanhubbard/quorum/internal/providers"
)

// Limits on plan size.
const (
	DefaultMinSubtasks = 2
	DefaultMaxSubtasks = 7
)

// Subtask is one node of the plan.
type Subtask struct {
	Label       string   `json:"label"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"`
}

// Plan is a validated subtask DAG.
type Plan struct {
	Subtasks []Subtask

	// order is a topological order computed during validation.
	order []string
	index map[string]Subtask
}

// Get returns a subtask by label.
func (p *Plan) Get(label string) (Subtask, bool) {
	s, ok := p.index[label]
	return s, ok
}

// TopologicalOrder returns labels in an execution order covering every node.
func (p *Plan) TopologicalOrder() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// planPayload is the wire shape of the decomposer model's structured output.
type planPayload struct {
	Subtasks []Subtask `json:"subtasks"`
}

// Parse decodes a decomposer response into subtasks. The response may wrap
// the JSON object in code fences or prose.
func Parse(content string) ([]Subtask, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return nil, providers.Errorf(providers.KindDecomposeInvalid, "no JSON object in decomposer output")
	}
	var payload planPayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &payload); err != nil {
		return nil, providers.Errorf(providers.KindDecomposeInvalid, "decomposer output unparseable: %v", err)
	}
	return payload.Subtasks, nil
}

// Validate checks a subtask list and returns the plan with a topological
// order. Rules: non-empty, labels unique and non-blank, every dependency
// resolves to another subtask, and the graph is acyclic (Kahn's algorithm
// must cover every node).
func Validate(subtasks []Subtask, maxSubtasks int) (*Plan, error) {
	if maxSubtasks <= 0 {
		maxSubtasks = DefaultMaxSubtasks
	}
	if len(subtasks) == 0 {
		return nil, providers.Errorf(providers.KindDecomposeInvalid, "empty subtask list")
	}
	if len(subtasks) > maxSubtasks {
		return nil, providers.Errorf(providers.KindDecomposeInvalid, "%d subtasks exceed the limit of %d", len(subtasks), maxSubtasks)
	}

	index := make(map[string]Subtask, len(subtasks))
	for _, s := range subtasks {
		label := strings.TrimSpace(s.Label)
		if label == "" {
			return nil, providers.Errorf(providers.KindDecomposeInvalid, "subtask with blank label")
		}
		if _, dup := index[label]; dup {
			return nil, providers.Errorf(providers.KindDecomposeInvalid, "duplicate subtask label %q", label)
		}
		s.Label = label
		index[label] = s
	}
	for _, s := range index {
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, providers.Errorf(providers.KindDecomposeInvalid, "subtask %q depends on unknown label %q", s.Label, dep)
			}
			if dep == s.Label {
				return nil, providers.Errorf(providers.KindDecomposeInvalid, "subtask %q depends on itself", s.Label)
			}
		}
	}

	// Kahn's algorithm: a valid topological order must cover every node.
	inDegree := make(map[string]int, len(index))
	dependents := make(map[string][]string, len(index))
	for label, s := range index {
		inDegree[label] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], label)
		}
	}

	var ready []string
	for _, s := range subtasks {
		if inDegree[s.Label] == 0 {
			ready = append(ready, s.Label)
		}
	}
	var order []string
	for len(ready) > 0 {
		label := ready[0]
		ready = ready[1:]
		order = append(order, label)
		for _, d := range dependents[label] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(order) != len(index) {
		return nil, providers.Errorf(providers.KindDecomposeInvalid, "subtask graph contains a cycle")
	}

	normalized := make([]Subtask, 0, len(subtasks))
	for _, s := range subtasks {
		normalized = append(normalized, index[strings.TrimSpace(s.Label)])
	}
	return &Plan{Subtasks: normalized, order: order, index: index}, nil
}
