// Package voting implements the alternate protocol: parallel fan-out of the
// question to every configured model, followed by judge aggregation.
package voting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/quorum/internal/calibrate"
	"github.com/jordanhubbard/quorum/internal/events"
	"github.com/jordanhubbard/quorum/internal/providers"
	"github.com/jordanhubbard/quorum/internal/router"
	"github.com/jordanhubbard/quorum/internal/store"
)

// Aggregation strategies.
const (
	AggregationMajority = "majority"
	AggregationWeighted = "weighted"
)

// singleProviderPenalty is subtracted from rigor when fewer than two distinct
// providers voted; a panel without cross-provider diversity proves less.
const singleProviderPenalty = 0.2

// Engine runs votes over a thread.
type Engine struct {
	reg   *router.Registry
	store store.Store
	bus   *events.Bus

	panel       []string
	aggregation string
	now         func() time.Time
}

// Config carries the voting-section options.
type Config struct {
	Panel       []string
	Aggregation string // majority | weighted
}

// NewEngine builds a voting engine.
func NewEngine(reg *router.Registry, st store.Store, bus *events.Bus, cfg Config) *Engine {
	aggregation := cfg.Aggregation
	if aggregation == "" {
		aggregation = AggregationMajority
	}
	return &Engine{
		reg:         reg,
		store:       st,
		bus:         bus,
		panel:       cfg.Panel,
		aggregation: aggregation,
		now:         time.Now,
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// vote is one model's collected answer.
type vote struct {
	model providers.ModelInfo
	resp  providers.Response
	cost  float64
	err   error
}

// Result mirrors the consensus result shape for the voting protocol.
type Result struct {
	ThreadID   string  `json:"thread_id"`
	Decision   string  `json:"decision_text"`
	Rigor      float64 `json:"rigor"`
	Confidence float64 `json:"confidence"`
	Intent     string  `json:"intent"`
	CostUSD    float64 `json:"cost_usd"`
	VoteCount  int     `json:"vote_count"`
}

// Run fans the question out to every panel model in parallel, persists each
// answer as a Vote, and asks the judge (cheapest model) to aggregate.
// Per-model failures are captured; aggregation proceeds when at least two
// survivors remain.
func (e *Engine) Run(ctx context.Context, threadID, question string) (Result, error) {
	models := e.voters()
	if len(models) < 2 {
		return Result{}, providers.Errorf(providers.KindInsufficientModels, "voting needs at least 2 models, have %d", len(models))
	}

	votes := make([]vote, len(models))
	var wg sync.WaitGroup
	for i, m := range models {
		e.publish(events.Event{Type: events.EventPhaseStarted, ThreadID: threadID, Phase: "VOTE", ModelRef: m.Ref})
		wg.Add(1)
		go func(i int, m providers.ModelInfo) {
			defer wg.Done()
			msgs := []providers.Message{
				{Role: "system", Content: fmt.Sprintf("Today's date is %s. Give your single best, complete answer to the question.", e.now().Format("2006-01-02"))},
				{Role: "user", Content: question},
			}
			resp, cost, err := e.reg.Call(ctx, m.Ref, msgs, providers.SendOptions{})
			votes[i] = vote{model: m, resp: resp, cost: cost, err: err}
		}(i, m)
	}
	wg.Wait()

	var survivors []vote
	var firstErr error
	totalCost := 0.0
	for _, v := range votes {
		if v.err != nil {
			if firstErr == nil {
				firstErr = v.err
			}
			kind, _ := providers.KindOf(v.err)
			slog.Warn("vote failed",
				slog.String("thread_id", threadID),
				slog.String("model", v.model.Ref),
				slog.String("error", v.err.Error()),
			)
			e.publish(events.Event{Type: events.EventError, ThreadID: threadID, ModelRef: v.model.Ref, ErrorKind: string(kind), ErrorMsg: v.err.Error()})
			continue
		}
		survivors = append(survivors, v)
		totalCost += v.cost
		if _, err := e.store.SaveVote(ctx, store.VoteRecord{
			ThreadID:     threadID,
			ModelRef:     v.model.Ref,
			Content:      v.resp.Content,
			InputTokens:  v.resp.Usage.InputTokens,
			OutputTokens: v.resp.Usage.OutputTokens,
			CostUSD:      v.cost,
		}); err != nil {
			return Result{}, providers.WrapError(providers.KindStorage, err)
		}
		e.publish(events.Event{Type: events.EventVote, ThreadID: threadID, ModelRef: v.model.Ref, CostUSD: v.cost})
	}

	if len(survivors) < 2 {
		if firstErr != nil {
			return Result{}, firstErr
		}
		return Result{}, providers.Errorf(providers.KindInsufficientModels, "only %d of %d votes succeeded", len(survivors), len(models))
	}

	decision, judgeCost, err := e.judge(ctx, threadID, question, survivors)
	if err != nil {
		return Result{}, err
	}
	totalCost += judgeCost

	rigor := 1.0
	if distinctProviders(survivors) < 2 {
		rigor -= singleProviderPenalty
	}
	intent := calibrate.IntentDefault
	confidence := calibrate.Confidence(rigor, intent)

	e.publish(events.Event{Type: events.EventCommit, ThreadID: threadID, Rigor: rigor, Confidence: confidence})

	return Result{
		ThreadID:   threadID,
		Decision:   decision,
		Rigor:      rigor,
		Confidence: confidence,
		Intent:     intent,
		CostUSD:    totalCost,
		VoteCount:  len(survivors),
	}, nil
}

// voters resolves the panel to model descriptors; an empty panel means every
// registered model.
func (e *Engine) voters() []providers.ModelInfo {
	if len(e.panel) == 0 {
		return e.reg.Models()
	}
	var out []providers.ModelInfo
	for _, ref := range e.panel {
		if m, ok := e.reg.Model(ref); ok {
			out = append(out, m)
		}
	}
	return out
}

// judge asks the cheapest model to aggregate the surviving votes, either
// selecting the best answer (majority) or synthesizing a capability-weighted
// blend (weighted).
func (e *Engine) judge(ctx context.Context, threadID, question string, survivors []vote) (string, float64, error) {
	judgeModel, err := e.reg.SelectCheapest(e.panel)
	if err != nil {
		return "", 0, err
	}
	e.publish(events.Event{Type: events.EventPhaseStarted, ThreadID: threadID, Phase: "JUDGE", ModelRef: judgeModel.Ref})

	var system string
	switch e.aggregation {
	case AggregationWeighted:
		system = "You are judging answers from several models. Each answer lists the model's capability tier (higher output cost means more capable). Synthesize one final answer, weighting more capable models' answers more heavily where they conflict. Output only the final answer."
	default:
		system = "You are judging answers from several models. Select the single best answer and output it verbatim, fixing only clear factual slips. Output only the answer."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nAnswers:\n", question)
	for i, v := range survivors {
		fmt.Fprintf(&b, "\n--- Answer %d (model %s, output cost $%.2f/MTok) ---\n%s\n", i+1, v.model.Ref, v.model.OutputPerMTok, v.resp.Content)
	}

	msgs := []providers.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
	resp, cost, err := e.reg.Call(ctx, judgeModel.Ref, msgs, providers.SendOptions{})
	if err != nil {
		return "", 0, err
	}
	return resp.Content, cost, nil
}

func distinctProviders(votes []vote) int {
	seen := map[string]bool{}
	for _, v := range votes {
		seen[v.model.Provider] = true
	}
	return len(seen)
}
