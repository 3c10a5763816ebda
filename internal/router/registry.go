// Package router holds the provider registry: the index of models reachable
// through registered adapters, cost-aware call routing, and the selection
// policies the debate phases use to pick their models.
package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/quorum/internal/providers"
	"github.com/jordanhubbard/quorum/internal/retry"
)

// assumedOutputTokens is the output estimate used for pre-dispatch cost checks
// when the real completion length is not yet known.
const assumedOutputTokens = 512

// HealthChecker is an optional interface for provider health tracking.
// Defined here to avoid an import cycle with the health package.
type HealthChecker interface {
	IsAvailable(providerID string) bool
	RecordSuccess(providerID string, latencyMs float64)
	RecordError(providerID string, errMsg string)
}

// CallObserver is notified after every completed provider call. The stats
// collector and metrics registry hang off this.
type CallObserver func(ref string, usage providers.Usage, costUSD float64, latencyMs float64, err error)

// Registry indexes models by "provider:model" reference, routes calls to the
// owning adapter, and enforces the cumulative cost limit. One Registry is
// owned by one orchestrator run configuration; the cost accumulator is shared
// across all concurrent phases of that run.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]providers.Adapter
	models   map[string]providers.ModelInfo

	health   HealthChecker
	retrier  *retry.Policy
	observer CallObserver

	costMu           sync.Mutex
	spentUSD         float64
	spentByProvider  map[string]float64
	hardLimitUSD     float64 // 0 disables the limit
	warnThresholdUSD float64
	warned           bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithHealthChecker attaches a provider health tracker.
func WithHealthChecker(h HealthChecker) Option {
	return func(r *Registry) { r.health = h }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(r *Registry) { r.retrier = p }
}

// WithCostLimit sets the hard cumulative cost limit in USD. Zero disables.
func WithCostLimit(hardUSD, warnUSD float64) Option {
	return func(r *Registry) {
		r.hardLimitUSD = hardUSD
		r.warnThresholdUSD = warnUSD
	}
}

// WithObserver attaches a per-call observer.
func WithObserver(o CallObserver) Option {
	return func(r *Registry) { r.observer = o }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		adapters:        make(map[string]providers.Adapter),
		models:          make(map[string]providers.ModelInfo),
		spentByProvider: make(map[string]float64),
		retrier:         retry.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterAdapter registers an adapter and indexes its models.
func (r *Registry) RegisterAdapter(ctx context.Context, a providers.Adapter) error {
	models, err := a.ListModels(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	for _, m := range models {
		if m.Ref == "" {
			m.Ref = providers.ModelRef(a.Name(), m.Name)
		}
		if m.Provider == "" {
			m.Provider = a.Name()
		}
		r.models[m.Ref] = m
	}
	return nil
}

// Model returns the descriptor for a reference.
func (r *Registry) Model(ref string) (providers.ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[ref]
	return m, ok
}

// Models returns all registered model descriptors in deterministic ref order.
func (r *Registry) Models() []providers.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// Adapter returns the adapter owning the given provider name.
func (r *Registry) Adapter(provider string) (providers.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// SpentUSD returns the cumulative cost recorded so far.
func (r *Registry) SpentUSD() float64 {
	r.costMu.Lock()
	defer r.costMu.Unlock()
	return r.spentUSD
}

// SpentByProvider returns a copy of the per-provider cost accumulators.
func (r *Registry) SpentByProvider() map[string]float64 {
	r.costMu.Lock()
	defer r.costMu.Unlock()
	out := make(map[string]float64, len(r.spentByProvider))
	for k, v := range r.spentByProvider {
		out[k] = v
	}
	return out
}

// EstimateTokens estimates the token count of a message list (chars/4 heuristic).
func EstimateTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	return total
}

// CostUSD computes the exact cost of a completed call from its usage.
func CostUSD(m providers.ModelInfo, u providers.Usage) float64 {
	return float64(u.InputTokens)/1e6*m.InputPerMTok + float64(u.OutputTokens)/1e6*m.OutputPerMTok
}

// estimateCostUSD predicts the cost of a call before dispatch.
func estimateCostUSD(m providers.ModelInfo, inputTokens int) float64 {
	out := assumedOutputTokens
	if m.MaxOutputTokens > 0 && m.MaxOutputTokens < out {
		out = m.MaxOutputTokens
	}
	return float64(inputTokens)/1e6*m.InputPerMTok + float64(out)/1e6*m.OutputPerMTok
}

// checkBudget refuses a call whose estimated cost would push the accumulator
// past the hard limit. In-flight calls are unaffected; only new dispatches
// are blocked.
func (r *Registry) checkBudget(ref string, estimated float64) error {
	r.costMu.Lock()
	defer r.costMu.Unlock()
	if r.hardLimitUSD <= 0 {
		return nil
	}
	if r.spentUSD+estimated > r.hardLimitUSD {
		return providers.Errorf(providers.KindCostLimit,
			"call to %s would raise spend from %.4f to %.4f, over limit %.4f",
			ref, r.spentUSD, r.spentUSD+estimated, r.hardLimitUSD)
	}
	return nil
}

// recordCost adds a completed call's cost to the accumulators.
func (r *Registry) recordCost(provider string, cost float64) {
	r.costMu.Lock()
	r.spentUSD += cost
	r.spentByProvider[provider] += cost
	warn := !r.warned && r.warnThresholdUSD > 0 && r.spentUSD >= r.warnThresholdUSD
	if warn {
		r.warned = true
	}
	spent := r.spentUSD
	r.costMu.Unlock()

	if warn {
		slog.Warn("cost warn threshold crossed",
			slog.Float64("spent_usd", spent),
			slog.Float64("warn_threshold_usd", r.warnThresholdUSD),
		)
	}
}

// Call routes one completion call to the adapter owning ref, applying the
// retry policy, the cost limit, and health bookkeeping. The returned response
// carries exact usage; the computed cost is added to the accumulator.
func (r *Registry) Call(ctx context.Context, ref string, msgs []providers.Message, opts providers.SendOptions) (providers.Response, float64, error) {
	m, a, err := r.resolve(ref)
	if err != nil {
		return providers.Response{}, 0, err
	}

	if err := r.checkBudget(ref, estimateCostUSD(m, EstimateTokens(msgs))); err != nil {
		return providers.Response{}, 0, err
	}

	var resp providers.Response
	start := time.Now()
	err = r.retrier.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = a.Send(ctx, m.Name, msgs, opts)
		return callErr
	})
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		if r.health != nil {
			r.health.RecordError(m.Provider, err.Error())
		}
		if r.observer != nil {
			r.observer(ref, providers.Usage{}, 0, latencyMs, err)
		}
		return providers.Response{}, 0, err
	}

	cost := CostUSD(m, resp.Usage)
	r.recordCost(m.Provider, cost)
	if r.health != nil {
		r.health.RecordSuccess(m.Provider, resp.LatencyMs)
	}
	if r.observer != nil {
		r.observer(ref, resp.Usage, cost, latencyMs, nil)
	}
	return resp, cost, nil
}

// Stream routes one streaming call. Cost is recorded by the caller once the
// final chunk's usage arrives; use RecordStreamCost for that.
func (r *Registry) Stream(ctx context.Context, ref string, msgs []providers.Message, opts providers.SendOptions) (<-chan providers.Chunk, error) {
	m, a, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := r.checkBudget(ref, estimateCostUSD(m, EstimateTokens(msgs))); err != nil {
		return nil, err
	}
	return a.Stream(ctx, m.Name, msgs, opts)
}

// RecordStreamCost accounts for a finished stream's usage.
func (r *Registry) RecordStreamCost(ref string, u providers.Usage) float64 {
	m, ok := r.Model(ref)
	if !ok {
		return 0
	}
	cost := CostUSD(m, u)
	r.recordCost(m.Provider, cost)
	return cost
}

func (r *Registry) resolve(ref string) (providers.ModelInfo, providers.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[ref]
	if !ok {
		return providers.ModelInfo{}, nil, providers.Errorf(providers.KindModelNotFound, "model %q not registered", ref)
	}
	a, ok := r.adapters[m.Provider]
	if !ok {
		return providers.ModelInfo{}, nil, providers.Errorf(providers.KindModelNotFound, "no adapter for provider %q", m.Provider)
	}
	return m, a, nil
}
