// Package providertest provides a scriptable in-memory adapter for exercising
// the registry, the debate engine and the transports without network I/O.
package providertest

import (
	"context"
	"sync"

	"github.com/jordanhubbard/quorum/internal/providers"
)

// Step is one scripted Send outcome for a model.
type Step struct {
	Resp providers.Response
	Err  error
}

// Text builds a successful step with the given content and token usage.
func Text(content string, inputTokens, outputTokens int) Step {
	return Step{Resp: providers.Response{
		Content:      content,
		FinishReason: providers.FinishStop,
		Usage:        providers.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
	}}
}

// Truncated builds a successful step whose output hit the length limit.
func Truncated(content string, inputTokens, outputTokens int) Step {
	s := Text(content, inputTokens, outputTokens)
	s.Resp.FinishReason = providers.FinishLength
	return s
}

// Fail builds a failing step with a classified error.
func Fail(kind providers.Kind) Step {
	return Step{Err: providers.Errorf(kind, "scripted failure")}
}

// Call records one Send invocation.
type Call struct {
	Model    string
	Messages []providers.Message
}

// Adapter is a scriptable providers.Adapter. Each model has a FIFO queue of
// steps; when a queue runs dry the fallback handler answers, and without a
// fallback the call fails.
type Adapter struct {
	name    string
	models  []providers.ModelInfo
	healthy bool

	mu       sync.Mutex
	queues   map[string][]Step
	fallback func(model string, msgs []providers.Message) (providers.Response, error)
	calls    []Call
}

// New creates a fake adapter exposing the given models.
func New(name string, models ...providers.ModelInfo) *Adapter {
	for i := range models {
		if models[i].Provider == "" {
			models[i].Provider = name
		}
		if models[i].Ref == "" {
			models[i].Ref = providers.ModelRef(name, models[i].Name)
		}
	}
	return &Adapter{
		name:    name,
		models:  models,
		healthy: true,
		queues:  make(map[string][]Step),
	}
}

// Enqueue appends scripted steps for a model.
func (a *Adapter) Enqueue(model string, steps ...Step) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queues[model] = append(a.queues[model], steps...)
}

// OnSend installs a fallback handler used when a model's queue is empty.
func (a *Adapter) OnSend(fn func(model string, msgs []providers.Message) (providers.Response, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = fn
}

// SetHealthy controls the Health answer.
func (a *Adapter) SetHealthy(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = ok
}

// Calls returns every recorded Send invocation.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallCount returns how many Send calls the model received.
func (a *Adapter) CallCount(model string) int {
	n := 0
	for _, c := range a.Calls() {
		if c.Model == model {
			n++
		}
	}
	return n
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	out := make([]providers.ModelInfo, len(a.models))
	copy(out, a.models)
	return out, nil
}

func (a *Adapter) Health(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

func (a *Adapter) Send(ctx context.Context, model string, msgs []providers.Message, opts providers.SendOptions) (providers.Response, error) {
	if err := ctx.Err(); err != nil {
		return providers.Response{}, providers.WrapError(providers.KindTimeout, err)
	}

	a.mu.Lock()
	a.calls = append(a.calls, Call{Model: model, Messages: msgs})
	queue := a.queues[model]
	var step Step
	haveStep := false
	if len(queue) > 0 {
		step = queue[0]
		a.queues[model] = queue[1:]
		haveStep = true
	}
	fallback := a.fallback
	a.mu.Unlock()

	if haveStep {
		return step.Resp, step.Err
	}
	if fallback != nil {
		return fallback(model, msgs)
	}
	return providers.Response{}, providers.Errorf(providers.KindOverloaded, "no scripted response for model %q", model)
}

func (a *Adapter) Stream(ctx context.Context, model string, msgs []providers.Message, opts providers.SendOptions) (<-chan providers.Chunk, error) {
	resp, err := a.Send(ctx, model, msgs, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan providers.Chunk, 2)
	out <- providers.Chunk{Delta: resp.Content}
	usage := resp.Usage
	out <- providers.Chunk{Done: true, FinishReason: resp.FinishReason, Usage: &usage}
	close(out)
	return out, nil
}
