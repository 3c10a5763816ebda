// Package tools provides the tool framework: a registry of named tools and
// the bounded tool-augmented send loop phase handlers use when tools are
// enabled. Concrete tool implementations are supplied by the embedding
// application.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jordanhubbard/quorum/internal/providers"
)

// DefaultMaxRounds bounds the send → tool → re-send loop.
const DefaultMaxRounds = 5

// Tool is one invokable capability offered to models.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Invoke      func(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the tools available to a run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if t.Invoke == nil {
		return fmt.Errorf("tool %q has no invoke function", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// List returns registered tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns a tool's spec.
func (r *Registry) Describe(name string) (providers.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return providers.ToolSpec{}, false
	}
	return providers.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema}, true
}

// Specs returns the specs of every registered tool.
func (r *Registry) Specs() []providers.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]providers.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, providers.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Invoke runs a tool by name.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool %q not registered", name)
	}
	return t.Invoke(ctx, args)
}

// Caller is the provider-call dependency of the loop: satisfied by the
// registry's Call method.
type Caller interface {
	Call(ctx context.Context, ref string, msgs []providers.Message, opts providers.SendOptions) (providers.Response, float64, error)
}

// LoopResult is the outcome of a tool-augmented send.
type LoopResult struct {
	Response  providers.Response
	CostUSD   float64
	ToolCalls int // total tool invocations performed
}

// Loop performs a bounded tool-augmented send: call the model; while the
// response requests tool calls and the bound is not reached, invoke each tool,
// append results as tool-role messages, and re-send. If the bound is reached
// with pending tool calls the last model text is used as the output.
func Loop(ctx context.Context, caller Caller, reg *Registry, ref string, msgs []providers.Message, opts providers.SendOptions, maxRounds int) (LoopResult, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	opts.Tools = reg.Specs()

	var result LoopResult
	conversation := make([]providers.Message, len(msgs))
	copy(conversation, msgs)

	for round := 0; round < maxRounds; round++ {
		resp, cost, err := caller.Call(ctx, ref, conversation, opts)
		if err != nil {
			return result, err
		}
		result.Response = resp
		result.CostUSD += cost

		if len(resp.ToolCalls) == 0 {
			return result, nil
		}

		conversation = append(conversation, providers.Message{Role: "assistant", Content: resp.Content})
		for _, tc := range resp.ToolCalls {
			result.ToolCalls++
			out, err := reg.Invoke(ctx, tc.Name, tc.Args)
			if err != nil {
				// Tool failures are reported back to the model, not fatal.
				slog.Warn("tool invocation failed",
					slog.String("tool", tc.Name),
					slog.String("error", err.Error()),
				)
				out = fmt.Sprintf("error: %v", err)
			}
			conversation = append(conversation, providers.Message{
				Role:       "tool",
				Content:    out,
				ToolCallID: tc.ID,
			})
		}
	}

	// Bound reached with pending tool calls: surface the last model text.
	return result, nil
}
