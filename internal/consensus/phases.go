package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/quorum/internal/calibrate"
	"github.com/jordanhubbard/quorum/internal/classify"
	"github.com/jordanhubbard/quorum/internal/contextbuild"
	"github.com/jordanhubbard/quorum/internal/decompose"
	"github.com/jordanhubbard/quorum/internal/events"
	"github.com/jordanhubbard/quorum/internal/providers"
	"github.com/jordanhubbard/quorum/internal/router"
	"github.com/jordanhubbard/quorum/internal/store"
	"github.com/jordanhubbard/quorum/internal/tools"
)

// DefaultPhaseTimeout bounds each phase end to end. Individual provider call
// timeouts live on the adapters' HTTP clients.
const DefaultPhaseTimeout = 10 * time.Minute

// Engine holds the collaborators and configuration the phase handlers need.
// One Engine serves many runs; all per-run state lives in the runContext.
type Engine struct {
	reg    *router.Registry
	store  store.Store
	bus    *events.Bus
	tools  *tools.Registry
	syco   *SycophancyDetector
	memory *contextbuild.Builder

	framings             []string
	panel                []string
	proposerStrategy     string
	proposerOverride     string
	challengerOverrides  []string
	minChallengers       int
	convergenceThreshold float64
	toolsEnabled         bool
	maxToolRounds        int
	phaseTimeout         time.Duration
	classifyTaxonomy     bool
	minSubtasks          int
	maxSubtasks          int
	synthesisStrategy    string

	now func() time.Time
}

// EngineConfig carries the consensus-section options of the configuration.
type EngineConfig struct {
	Framings             []string
	Panel                []string
	ProposerStrategy     string // top-cost | round-robin | fixed
	Proposer             string
	Challengers          []string
	MinChallengers       int
	ConvergenceThreshold float64
	SycophancyMarkers    []string
	ToolsEnabled         bool
	MaxToolRounds        int
	PhaseTimeout         time.Duration
	ClassifyTaxonomy     bool
	MinSubtasks          int
	MaxSubtasks          int
	SynthesisStrategy    string // merge | prioritize
}

// NewEngine builds a consensus engine. The tool registry may be nil when
// tools are disabled.
func NewEngine(reg *router.Registry, st store.Store, bus *events.Bus, toolReg *tools.Registry, cfg EngineConfig) *Engine {
	framings := cfg.Framings
	if len(framings) == 0 {
		framings = DefaultFramings
	}
	minChallengers := cfg.MinChallengers
	if minChallengers <= 0 {
		minChallengers = 2
	}
	threshold := cfg.ConvergenceThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	phaseTimeout := cfg.PhaseTimeout
	if phaseTimeout <= 0 {
		phaseTimeout = DefaultPhaseTimeout
	}
	minSubtasks := cfg.MinSubtasks
	if minSubtasks <= 0 {
		minSubtasks = decompose.DefaultMinSubtasks
	}
	maxSubtasks := cfg.MaxSubtasks
	if maxSubtasks <= 0 {
		maxSubtasks = decompose.DefaultMaxSubtasks
	}
	strategy := cfg.SynthesisStrategy
	if strategy == "" {
		strategy = SynthesisMerge
	}
	return &Engine{
		reg:                  reg,
		store:                st,
		bus:                  bus,
		tools:                toolReg,
		syco:                 NewSycophancyDetector(cfg.SycophancyMarkers),
		framings:             framings,
		panel:                cfg.Panel,
		proposerStrategy:     cfg.ProposerStrategy,
		proposerOverride:     cfg.Proposer,
		challengerOverrides:  cfg.Challengers,
		minChallengers:       minChallengers,
		convergenceThreshold: threshold,
		toolsEnabled:         cfg.ToolsEnabled && toolReg != nil,
		maxToolRounds:        cfg.MaxToolRounds,
		phaseTimeout:         phaseTimeout,
		classifyTaxonomy:     cfg.ClassifyTaxonomy,
		minSubtasks:          minSubtasks,
		maxSubtasks:          maxSubtasks,
		synthesisStrategy:    strategy,
		now:                  time.Now,
	}
}

// SetMemory attaches a context builder so round-1 proposals carry prior
// decisions and outcomes.
func (e *Engine) SetMemory(b *contextbuild.Builder) {
	e.memory = b
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// send performs one model call, through the tool loop when tools are enabled
// for the run.
func (e *Engine) send(ctx context.Context, ref string, msgs []providers.Message) (providers.Response, float64, error) {
	if e.toolsEnabled {
		res, err := tools.Loop(ctx, e.reg, e.tools, ref, msgs, providers.SendOptions{}, e.maxToolRounds)
		return res.Response, res.CostUSD, err
	}
	return e.reg.Call(ctx, ref, msgs, providers.SendOptions{})
}

// record persists one contribution and folds its cost into the round.
// Detached runs account for cost but skip persistence.
func (e *Engine) record(ctx context.Context, rc *runContext, c store.ContributionRecord) error {
	rc.roundCost += c.CostUSD
	if rc.detached {
		return nil
	}
	c.TurnID = rc.turnID
	if _, err := e.store.AddContribution(ctx, c); err != nil {
		return providers.WrapError(providers.KindStorage, err)
	}
	return nil
}

// resolveProposer picks the proposer model for the round. A configured
// override always wins; otherwise the strategy decides: top-cost (default)
// takes the most capable eligible model, round-robin rotates through the
// eligible pool across rounds.
func (e *Engine) resolveProposer(rc *runContext) (providers.ModelInfo, error) {
	if e.proposerOverride != "" {
		m, ok := e.reg.Model(e.proposerOverride)
		if !ok {
			return providers.ModelInfo{}, providers.Errorf(providers.KindModelNotFound, "configured proposer %q not registered", e.proposerOverride)
		}
		return m, nil
	}
	if e.proposerStrategy == ProposerRoundRobin {
		pool := e.reg.ProposerPool(e.panel)
		if len(pool) == 0 {
			return providers.ModelInfo{}, providers.Errorf(providers.KindInsufficientModels, "no proposer-eligible model registered")
		}
		return pool[(rc.round-1)%len(pool)], nil
	}
	return e.reg.SelectProposer(e.panel)
}

// resolveChallengers picks the challenger models: explicit overrides when
// configured, otherwise provider-diverse selection.
func (e *Engine) resolveChallengers(proposer providers.ModelInfo) ([]providers.ModelInfo, error) {
	if len(e.challengerOverrides) > 0 {
		models := make([]providers.ModelInfo, 0, len(e.challengerOverrides))
		for _, ref := range e.challengerOverrides {
			m, ok := e.reg.Model(ref)
			if !ok {
				return nil, providers.Errorf(providers.KindModelNotFound, "configured challenger %q not registered", ref)
			}
			models = append(models, m)
		}
		return models, nil
	}
	return e.reg.SelectChallengers(e.panel, e.minChallengers, proposer)
}

// propose runs the PROPOSE phase: one call against the proposer model. On
// rounds after the first the prompt carries the previous decision and its
// challenges.
func (e *Engine) propose(ctx context.Context, rc *runContext) error {
	if rc.state != StatePropose {
		return providers.Errorf(providers.KindInvalidState, "propose handler invoked in state %s", rc.state)
	}
	ctx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()

	proposer, err := e.resolveProposer(rc)
	if err != nil {
		return err
	}
	rc.proposerModel = proposer

	e.publish(events.Event{Type: events.EventPhaseStarted, ThreadID: rc.threadID, Phase: string(StatePropose), Round: rc.round, ModelRef: proposer.Ref})

	var prev *RoundRecord
	if len(rc.history) > 0 {
		prev = &rc.history[len(rc.history)-1]
	}
	msgs := []providers.Message{
		{Role: "system", Content: proposeSystem(e.now())},
	}
	if rc.round == 1 && !rc.detached && e.memory != nil {
		block, err := e.memory.Build(ctx, rc.threadID)
		if err != nil {
			return providers.WrapError(providers.KindStorage, err)
		}
		if block != "" {
			msgs = append(msgs, providers.Message{Role: "system", Content: "Relevant context from earlier work:\n\n" + block})
		}
	}
	msgs = append(msgs, providers.Message{Role: "user", Content: proposeUser(rc.question, prev)})

	resp, cost, err := e.send(ctx, proposer.Ref, msgs)
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return providers.Errorf(providers.KindInvalidState, "proposer %s returned empty content", proposer.Ref)
	}

	rc.proposal = resp.Content
	rc.proposalTruncated = resp.Truncated()
	if rc.proposalTruncated {
		rc.truncatedPhases = append(rc.truncatedPhases, fmt.Sprintf("round%d:propose", rc.round))
	}

	if err := e.record(ctx, rc, store.ContributionRecord{
		ModelRef:     proposer.Ref,
		Role:         store.RoleProposer,
		Content:      resp.Content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    resp.LatencyMs,
		Truncated:    resp.Truncated(),
	}); err != nil {
		return err
	}

	e.publish(events.Event{Type: events.EventPhaseContent, ThreadID: rc.threadID, Phase: string(StatePropose), Round: rc.round, ModelRef: proposer.Ref, Delta: resp.Content})
	e.publish(events.Event{Type: events.EventPhaseComplete, ThreadID: rc.threadID, Phase: string(StatePropose), Round: rc.round, ModelRef: proposer.Ref, Truncated: resp.Truncated()})
	return nil
}

// challengeResult carries one challenger's outcome across the fan-out join.
type challengeResult struct {
	model   providers.ModelInfo
	framing string
	resp    providers.Response
	cost    float64
	err     error
}

// challenge runs the CHALLENGE phase: parallel fan-out over the challenger
// panel, one framing per challenger in round-robin rotation. Individual
// failures are tolerated; the phase fails only when every challenger fails.
func (e *Engine) challenge(ctx context.Context, rc *runContext) error {
	if rc.state != StateChallenge {
		return providers.Errorf(providers.KindInvalidState, "challenge handler invoked in state %s", rc.state)
	}
	ctx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()

	challengers, err := e.resolveChallengers(rc.proposerModel)
	if err != nil {
		return err
	}

	results := make([]challengeResult, len(challengers))
	var wg sync.WaitGroup
	for i, m := range challengers {
		framing := e.framings[i%len(e.framings)]
		e.publish(events.Event{Type: events.EventPhaseStarted, ThreadID: rc.threadID, Phase: string(StateChallenge), Round: rc.round, ModelRef: m.Ref, Framing: framing})

		wg.Add(1)
		go func(i int, m providers.ModelInfo, framing string) {
			defer wg.Done()
			msgs := []providers.Message{
				{Role: "system", Content: challengeSystem(e.now())},
				{Role: "user", Content: challengeUser(rc.question, rc.proposal, framing)},
			}
			resp, cost, err := e.send(ctx, m.Ref, msgs)
			results[i] = challengeResult{model: m, framing: framing, resp: resp, cost: cost, err: err}
		}(i, m, framing)
	}
	wg.Wait()

	var firstErr error
	for _, res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			// Captured: the phase continues as long as one challenger lands.
			slog.Warn("challenger failed",
				slog.String("thread_id", rc.threadID),
				slog.String("model", res.model.Ref),
				slog.String("error", res.err.Error()),
			)
			kind, _ := providers.KindOf(res.err)
			e.publish(events.Event{Type: events.EventError, ThreadID: rc.threadID, ModelRef: res.model.Ref, ErrorKind: string(kind), ErrorMsg: res.err.Error()})
			continue
		}
		ch := Challenge{
			ModelRef:    res.model.Ref,
			Content:     res.resp.Content,
			Framing:     res.framing,
			Sycophantic: e.syco.Detect(res.resp.Content),
			Truncated:   res.resp.Truncated(),
		}
		rc.challenges = append(rc.challenges, ch)

		if err := e.record(ctx, rc, store.ContributionRecord{
			ModelRef:     res.model.Ref,
			Role:         store.RoleChallenger,
			Content:      res.resp.Content,
			InputTokens:  res.resp.Usage.InputTokens,
			OutputTokens: res.resp.Usage.OutputTokens,
			CostUSD:      res.cost,
			LatencyMs:    res.resp.LatencyMs,
			Framing:      res.framing,
			Sycophantic:  ch.Sycophantic,
			Truncated:    ch.Truncated,
		}); err != nil {
			return err
		}

		e.publish(events.Event{Type: events.EventChallenge, ThreadID: rc.threadID, Round: rc.round, ModelRef: res.model.Ref, Framing: res.framing, Sycophantic: ch.Sycophantic, Truncated: ch.Truncated})
	}

	if len(rc.challenges) == 0 {
		if firstErr != nil {
			return firstErr
		}
		return providers.Errorf(providers.KindInsufficientModels, "all challengers failed")
	}
	for _, ch := range rc.challenges {
		if ch.Truncated {
			rc.truncatedPhases = append(rc.truncatedPhases, fmt.Sprintf("round%d:challenge", rc.round))
			break
		}
	}

	e.publish(events.Event{Type: events.EventPhaseComplete, ThreadID: rc.threadID, Phase: string(StateChallenge), Round: rc.round})
	return nil
}

// revise runs the REVISE phase against the proposer model.
func (e *Engine) revise(ctx context.Context, rc *runContext) error {
	if rc.state != StateRevise {
		return providers.Errorf(providers.KindInvalidState, "revise handler invoked in state %s", rc.state)
	}
	ctx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()

	reviser := e.reg.SelectReviser(rc.proposerModel)
	e.publish(events.Event{Type: events.EventPhaseStarted, ThreadID: rc.threadID, Phase: string(StateRevise), Round: rc.round, ModelRef: reviser.Ref})

	msgs := []providers.Message{
		{Role: "system", Content: reviseSystem(e.now())},
		{Role: "user", Content: reviseUser(rc.question, rc.proposal, rc.challenges)},
	}
	resp, cost, err := e.send(ctx, reviser.Ref, msgs)
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return providers.Errorf(providers.KindInvalidState, "reviser %s returned empty content", reviser.Ref)
	}

	rc.revision = resp.Content
	rc.revisionTruncated = resp.Truncated()
	if rc.revisionTruncated {
		rc.truncatedPhases = append(rc.truncatedPhases, fmt.Sprintf("round%d:revise", rc.round))
	}

	if err := e.record(ctx, rc, store.ContributionRecord{
		ModelRef:     reviser.Ref,
		Role:         store.RoleReviser,
		Content:      resp.Content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    resp.LatencyMs,
		Truncated:    resp.Truncated(),
	}); err != nil {
		return err
	}

	e.publish(events.Event{Type: events.EventPhaseContent, ThreadID: rc.threadID, Phase: string(StateRevise), Round: rc.round, ModelRef: reviser.Ref, Delta: resp.Content})
	e.publish(events.Event{Type: events.EventPhaseComplete, ThreadID: rc.threadID, Phase: string(StateRevise), Round: rc.round, ModelRef: reviser.Ref, Truncated: resp.Truncated()})
	return nil
}

// commit runs the COMMIT phase: pure extraction and scoring, no model call
// apart from the optional taxonomy classification.
func (e *Engine) commit(ctx context.Context, rc *runContext) error {
	if rc.state != StateCommit {
		return providers.Errorf(providers.KindInvalidState, "commit handler invoked in state %s", rc.state)
	}

	total := len(rc.challenges)
	genuine := 0
	var dissent []string
	for _, ch := range rc.challenges {
		if ch.Sycophantic {
			continue
		}
		genuine++
		dissent = append(dissent, "["+ch.ModelRef+"]: "+ch.Content)
	}

	rc.decision = rc.revision
	rc.rigor = calibrate.Rigor(genuine, total)
	rc.dissent = strings.Join(dissent, "\n\n")

	taxonomy := classify.Taxonomy{Intent: calibrate.IntentDefault}
	if e.classifyTaxonomy && !rc.detached {
		if cheapest, err := e.reg.SelectCheapest(e.panel); err == nil {
			t, cost, terr := classify.TaxonomyFor(ctx, e.reg, cheapest.Ref, rc.question)
			if terr == nil {
				taxonomy = t
				if err := e.record(ctx, rc, store.ContributionRecord{
					ModelRef: cheapest.Ref,
					Role:     store.RoleClassifier,
					Content:  t.Intent,
					CostUSD:  cost,
				}); err != nil {
					return err
				}
			} else {
				// Taxonomy is optional; scoring falls back to the default cap.
				slog.Debug("taxonomy classification failed", slog.String("error", terr.Error()))
			}
		}
	}
	rc.intent = taxonomy.Intent
	rc.confidence = calibrate.Confidence(rc.rigor, rc.intent)

	if rc.detached {
		rc.converged = Converged(rc.challenges, rc.previousChallenges(), e.convergenceThreshold)
		return nil
	}

	if _, err := e.store.SaveDecision(ctx, store.DecisionRecord{
		TurnID:     rc.turnID,
		Content:    rc.decision,
		Rigor:      rc.rigor,
		Confidence: rc.confidence,
		Dissent:    rc.dissent,
		Intent:     taxonomy.Intent,
		Category:   taxonomy.Category,
		Genus:      taxonomy.Genus,
		Complexity: taxonomy.Complexity,
	}); err != nil {
		return providers.WrapError(providers.KindStorage, err)
	}

	rc.converged = Converged(rc.challenges, rc.previousChallenges(), e.convergenceThreshold)

	e.publish(events.Event{Type: events.EventCommit, ThreadID: rc.threadID, Round: rc.round, Rigor: rc.rigor, Confidence: rc.confidence, Dissent: rc.dissent})
	return nil
}

// summarizeTurn regenerates the turn summary with the cheapest model. Summary
// failures never fail the run.
func (e *Engine) summarizeTurn(ctx context.Context, rc *runContext) {
	cheapest, err := e.reg.SelectCheapest(e.panel)
	if err != nil {
		return
	}
	msgs := []providers.Message{
		{Role: "system", Content: summarySystem()},
		{Role: "user", Content: "Decision:\n" + rc.decision + "\n\nDissent:\n" + rc.dissent},
	}
	resp, cost, err := e.reg.Call(ctx, cheapest.Ref, msgs, providers.SendOptions{MaxTokens: 256})
	if err != nil {
		slog.Debug("turn summary failed", slog.String("error", err.Error()))
		return
	}
	if err := e.store.UpsertTurnSummary(ctx, store.SummaryRecord{
		OwnerID:  rc.turnID,
		Content:  resp.Content,
		ModelRef: cheapest.Ref,
	}); err != nil {
		slog.Debug("turn summary upsert failed", slog.String("error", err.Error()))
		return
	}
	if err := e.record(ctx, rc, store.ContributionRecord{
		ModelRef:     cheapest.Ref,
		Role:         store.RoleSummarizer,
		Content:      resp.Content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    resp.LatencyMs,
	}); err != nil {
		slog.Debug("turn summary contribution failed", slog.String("error", err.Error()))
	}
}

// summarizeThread regenerates the thread summary after a completed run.
// Failures are logged, never fatal.
func (e *Engine) summarizeThread(ctx context.Context, rc *runContext) {
	cheapest, err := e.reg.SelectCheapest(e.panel)
	if err != nil {
		return
	}
	msgs := []providers.Message{
		{Role: "system", Content: summarySystem()},
		{Role: "user", Content: "Question:\n" + rc.question + "\n\nFinal decision:\n" + rc.decision + "\n\nDissent:\n" + rc.dissent},
	}
	resp, _, err := e.reg.Call(ctx, cheapest.Ref, msgs, providers.SendOptions{MaxTokens: 256})
	if err != nil {
		slog.Debug("thread summary failed", slog.String("error", err.Error()))
		return
	}
	if err := e.store.UpsertThreadSummary(ctx, store.SummaryRecord{
		OwnerID:  rc.threadID,
		Content:  resp.Content,
		ModelRef: cheapest.Ref,
	}); err != nil {
		slog.Debug("thread summary upsert failed", slog.String("error", err.Error()))
	}
}
