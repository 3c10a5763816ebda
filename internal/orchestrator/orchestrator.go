// Package orchestrator exposes the single programmatic entry point of the
// engine: take a question, drive the selected protocol over a fresh thread,
// and return the committed decision with its audit trail. Transports wrap
// this contract.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/quorum/internal/classify"
	"github.com/jordanhubbard/quorum/internal/consensus"
	"github.com/jordanhubbard/quorum/internal/contextbuild"
	"github.com/jordanhubbard/quorum/internal/events"
	"github.com/jordanhubbard/quorum/internal/providers"
	"github.com/jordanhubbard/quorum/internal/retry"
	"github.com/jordanhubbard/quorum/internal/router"
	"github.com/jordanhubbard/quorum/internal/store"
	"github.com/jordanhubbard/quorum/internal/tools"
	"github.com/jordanhubbard/quorum/internal/voting"
)

// Protocols.
const (
	ProtocolConsensus = "consensus"
	ProtocolVoting    = "voting"
	ProtocolAuto      = "auto"
)

// Options tunes one run. Zero values fall back to the configured defaults.
type Options struct {
	Protocol             string
	MaxRounds            int
	Decompose            bool
	Tools                bool
	Panel                []string
	Proposer             string
	Challengers          []string
	ConvergenceThreshold float64
	CostHardLimitUSD     float64
}

// Output is the §6 result contract.
type Output struct {
	ThreadID        string                  `json:"thread_id"`
	DecisionText    string                  `json:"decision_text"`
	Rigor           float64                 `json:"rigor"`
	Confidence      float64                 `json:"confidence"`
	Dissent         string                  `json:"dissent,omitempty"`
	CostUSD         float64                 `json:"cost_usd"`
	ProtocolUsed    string                  `json:"protocol_used"`
	TruncatedPhases []string                `json:"truncated_phases,omitempty"`
	Rounds          []consensus.RoundRecord `json:"rounds,omitempty"`
}

// RunError is what callers receive when a thread fails: the thread stays in
// the store with status=failed and partial contributions intact.
type RunError struct {
	ThreadID string
	Kind     providers.Kind
	Err      error
}

func (e *RunError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *RunError) Unwrap() error { return e.Err }

// Defaults carries the configured fallbacks for per-run options.
type Defaults struct {
	Protocol           string
	MaxRounds          int
	Decompose          bool
	Consensus          consensus.EngineConfig
	Voting             voting.Config
	CostWarnUSD        float64
	CostHardLimitUSD   float64
	RetryPolicy        *retry.Policy
	ContextTokenBudget int
}

// Orchestrator wires the collaborators and builds one cost-scoped registry
// per run.
type Orchestrator struct {
	store    store.Store
	bus      *events.Bus
	tools    *tools.Registry
	adapters []providers.Adapter
	health   router.HealthChecker
	observer router.CallObserver
	defaults Defaults
}

// New creates an orchestrator. The tool registry and health checker may be nil.
func New(st store.Store, bus *events.Bus, toolReg *tools.Registry, adapters []providers.Adapter, health router.HealthChecker, observer router.CallObserver, defaults Defaults) *Orchestrator {
	if defaults.Protocol == "" {
		defaults.Protocol = ProtocolConsensus
	}
	if defaults.MaxRounds <= 0 {
		defaults.MaxRounds = 3
	}
	return &Orchestrator{
		store:    st,
		bus:      bus,
		tools:    toolReg,
		adapters: adapters,
		health:   health,
		observer: observer,
		defaults: defaults,
	}
}

// buildRegistry constructs the per-run provider registry with its own cost
// accumulator, so concurrent runs never share a budget.
func (o *Orchestrator) buildRegistry(ctx context.Context, opts Options) (*router.Registry, error) {
	hardLimit := opts.CostHardLimitUSD
	if hardLimit == 0 {
		hardLimit = o.defaults.CostHardLimitUSD
	}
	regOpts := []router.Option{
		router.WithCostLimit(hardLimit, o.defaults.CostWarnUSD),
	}
	if o.health != nil {
		regOpts = append(regOpts, router.WithHealthChecker(o.health))
	}
	if o.observer != nil {
		regOpts = append(regOpts, router.WithObserver(o.observer))
	}
	if o.defaults.RetryPolicy != nil {
		regOpts = append(regOpts, router.WithRetryPolicy(o.defaults.RetryPolicy))
	}
	reg := router.New(regOpts...)
	for _, a := range o.adapters {
		if err := reg.RegisterAdapter(ctx, a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Ask runs one question end to end.
func (o *Orchestrator) Ask(ctx context.Context, question string, opts Options) (Output, error) {
	if question == "" {
		return Output{}, providers.Errorf(providers.KindInvalidState, "empty question")
	}

	reqID := uuid.NewString()
	ctx = providers.WithRequestID(ctx, reqID)

	reg, err := o.buildRegistry(ctx, opts)
	if err != nil {
		return Output{}, err
	}

	protocol := opts.Protocol
	if protocol == "" {
		protocol = o.defaults.Protocol
	}
	if protocol == ProtocolAuto {
		protocol, err = o.autoSelect(ctx, reg, opts.Panel, question)
		if err != nil {
			return Output{}, err
		}
	}

	thread, err := o.store.CreateThread(ctx, store.ThreadRecord{
		Question: question,
		Protocol: protocol,
	})
	if err != nil {
		return Output{}, providers.WrapError(providers.KindStorage, err)
	}
	ctx = providers.WithThreadID(ctx, thread.ID)
	o.bus.Publish(events.Event{Type: events.EventThreadStarted, ThreadID: thread.ID, Result: protocol})

	start := time.Now()
	var out Output
	switch protocol {
	case ProtocolVoting:
		out, err = o.runVoting(ctx, reg, thread.ID, question, opts)
	default:
		out, err = o.runConsensus(ctx, reg, thread.ID, question, opts)
	}

	if err != nil {
		return Output{}, o.failThread(ctx, thread.ID, err)
	}

	if uerr := o.store.UpdateThreadStatus(ctx, thread.ID, store.ThreadComplete); uerr != nil {
		return Output{}, o.failThread(ctx, thread.ID, providers.WrapError(providers.KindStorage, uerr))
	}
	o.bus.Publish(events.Event{Type: events.EventThreadComplete, ThreadID: thread.ID, Result: store.ThreadComplete, CostUSD: out.CostUSD})
	slog.Info("thread complete",
		slog.String("thread_id", thread.ID),
		slog.String("protocol", protocol),
		slog.Float64("cost_usd", out.CostUSD),
		slog.Float64("rigor", out.Rigor),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (o *Orchestrator) runConsensus(ctx context.Context, reg *router.Registry, threadID, question string, opts Options) (Output, error) {
	cfg := o.defaults.Consensus
	if len(opts.Panel) > 0 {
		cfg.Panel = opts.Panel
	}
	if opts.Proposer != "" {
		cfg.Proposer = opts.Proposer
	}
	if len(opts.Challengers) > 0 {
		cfg.Challengers = opts.Challengers
	}
	if opts.ConvergenceThreshold > 0 {
		cfg.ConvergenceThreshold = opts.ConvergenceThreshold
	}
	if opts.Tools {
		cfg.ToolsEnabled = true
	}
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = o.defaults.MaxRounds
	}
	withDecompose := opts.Decompose || o.defaults.Decompose

	eng := consensus.NewEngine(reg, o.store, o.bus, o.tools, cfg)
	eng.SetMemory(contextbuild.New(o.store, o.defaults.ContextTokenBudget))

	res, err := eng.Run(ctx, threadID, question, maxRounds, withDecompose)
	if err != nil {
		return Output{}, err
	}

	return Output{
		ThreadID:        threadID,
		DecisionText:    res.Decision,
		Rigor:           res.Rigor,
		Confidence:      res.Confidence,
		Dissent:         res.Dissent,
		CostUSD:         res.CostUSD,
		ProtocolUsed:    ProtocolConsensus,
		TruncatedPhases: res.TruncatedPhases,
		Rounds:          res.Rounds,
	}, nil
}

func (o *Orchestrator) runVoting(ctx context.Context, reg *router.Registry, threadID, question string, opts Options) (Output, error) {
	cfg := o.defaults.Voting
	if len(opts.Panel) > 0 {
		cfg.Panel = opts.Panel
	}
	eng := voting.NewEngine(reg, o.store, o.bus, cfg)
	res, err := eng.Run(ctx, threadID, question)
	if err != nil {
		return Output{}, err
	}
	return Output{
		ThreadID:     threadID,
		DecisionText: res.Decision,
		Rigor:        res.Rigor,
		Confidence:   res.Confidence,
		CostUSD:      res.CostUSD,
		ProtocolUsed: ProtocolVoting,
	}, nil
}

// autoSelect routes reasoning questions to consensus and judgment questions
// to voting using the cheapest model.
func (o *Orchestrator) autoSelect(ctx context.Context, reg *router.Registry, panel []string, question string) (string, error) {
	cheapest, err := reg.SelectCheapest(panel)
	if err != nil {
		return "", err
	}
	class, _, err := classify.Protocol(ctx, reg, cheapest.Ref, question)
	if err != nil {
		// Classification is advisory; the default protocol still works.
		slog.Warn("protocol classification failed, using consensus", slog.String("error", err.Error()))
		return ProtocolConsensus, nil
	}
	if class == classify.ClassJudgment {
		return ProtocolVoting, nil
	}
	return ProtocolConsensus, nil
}

// failThread marks the thread failed and wraps the error with the thread ID.
func (o *Orchestrator) failThread(ctx context.Context, threadID string, err error) error {
	if uerr := o.store.UpdateThreadStatus(ctx, threadID, store.ThreadFailed); uerr != nil {
		slog.Error("marking thread failed", slog.String("thread_id", threadID), slog.String("error", uerr.Error()))
	}
	kind, _ := providers.KindOf(err)
	o.bus.Publish(events.Event{Type: events.EventThreadComplete, ThreadID: threadID, Result: store.ThreadFailed, ErrorKind: string(kind), ErrorMsg: err.Error()})
	return &RunError{ThreadID: threadID, Kind: kind, Err: err}
}
