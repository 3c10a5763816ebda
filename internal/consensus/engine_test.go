package consensus

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/quorum/internal/events"
	"github.com/jordanhubbard/quorum/internal/providers"
	"github.com/jordanhubbard/quorum/internal/providers/providertest"
	"github.com/jordanhubbard/quorum/internal/retry"
	"github.com/jordanhubbard/quorum/internal/router"
	"github.com/jordanhubbard/quorum/internal/store"
)

// Test pool: alpha:prime is the proposer (highest output cost), beta:solid
// and alpha:mini are the challengers, alpha:mini is the cheapest.
func testModel(provider, name string, inPerM, outPerM float64, eligible bool) providers.ModelInfo {
	return providers.ModelInfo{
		Provider:         provider,
		Name:             name,
		Ref:              providers.ModelRef(provider, name),
		ContextTokens:    100000,
		MaxOutputTokens:  4096,
		InputPerMTok:     inPerM,
		OutputPerMTok:    outPerM,
		ProposerEligible: eligible,
	}
}

type fixture struct {
	alpha *providertest.Adapter
	beta  *providertest.Adapter
	reg   *router.Registry
	store *store.SQLiteStore
	bus   *events.Bus
}

func newFixture(t *testing.T, regOpts ...router.Option) *fixture {
	t.Helper()
	alpha := providertest.New("alpha",
		testModel("alpha", "prime", 15, 60, true),
		testModel("alpha", "mini", 0.1, 0.5, false),
	)
	beta := providertest.New("beta",
		testModel("beta", "solid", 5, 30, true),
	)

	regOpts = append(regOpts, router.WithRetryPolicy(retry.New(0, time.Millisecond, time.Millisecond, false)))
	reg := router.New(regOpts...)
	for _, a := range []providers.Adapter{alpha, beta} {
		if err := reg.RegisterAdapter(context.Background(), a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	st, err := store.NewSQLite("file:" + filepath.Join(t.TempDir(), "engine.sqlite"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return &fixture{alpha: alpha, beta: beta, reg: reg, store: st, bus: events.NewBus()}
}

func (f *fixture) thread(t *testing.T, question string) store.ThreadRecord {
	t.Helper()
	thread, err := f.store.CreateThread(context.Background(), store.ThreadRecord{Question: question})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return thread
}

// genericFallback answers any unscripted call (summaries, subtask cycles).
func genericFallback(content string) func(string, []providers.Message) (providers.Response, error) {
	return func(model string, msgs []providers.Message) (providers.Response, error) {
		return providers.Response{
			Content:      content,
			FinishReason: providers.FinishStop,
			Usage:        providers.Usage{InputTokens: 100, OutputTokens: 50},
		}, nil
	}
}

func TestSingleRoundCommit(t *testing.T) {
	f := newFixture(t)
	question := "Should I use a monolith or microservices for a 3-person startup?"

	f.alpha.Enqueue("prime",
		providertest.Text("Start with a monolith.", 500, 200),
		providertest.Text("Start with a modular monolith; revisit at 20 engineers.", 900, 300),
	)
	f.beta.Enqueue("solid", providertest.Text("The proposal underestimates how painful a later split becomes.", 400, 100))
	f.alpha.Enqueue("mini",
		providertest.Text("Microservices would let each founder own a service; the monolith recommendation dismisses that too quickly.", 400, 100),
		providertest.Text(`{"intent":"strategic","category":"architecture","genus":"decision","complexity":"medium"}`, 50, 20),
	)
	f.alpha.OnSend(genericFallback("summary"))
	f.beta.OnSend(genericFallback("summary"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2, ClassifyTaxonomy: true})
	thread := f.thread(t, question)

	res, err := eng.Run(context.Background(), thread.ID, question, 1, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Rigor != 1.0 {
		t.Errorf("rigor = %v, want 1.0", res.Rigor)
	}
	if res.Confidence != 0.70 {
		t.Errorf("confidence = %v, want 0.70 (strategic cap)", res.Confidence)
	}
	if res.Intent != "strategic" {
		t.Errorf("intent = %q", res.Intent)
	}
	if len(res.Rounds) != 1 {
		t.Errorf("rounds = %d, want 1", len(res.Rounds))
	}
	if !strings.Contains(res.Dissent, "painful a later split") || !strings.Contains(res.Dissent, "own a service") {
		t.Errorf("dissent missing challenger texts: %q", res.Dissent)
	}
	if !strings.Contains(res.Dissent, "[beta:solid]") || !strings.Contains(res.Dissent, "[alpha:mini]") {
		t.Errorf("dissent missing attributions: %q", res.Dissent)
	}
	if res.Decision != "Start with a modular monolith; revisit at 20 engineers." {
		t.Errorf("decision = %q", res.Decision)
	}
	if res.CostUSD <= 0 {
		t.Errorf("cost = %v", res.CostUSD)
	}

	// Persisted shape: one turn, role counts, decision attached.
	h, err := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(h.Turns) != 1 || h.Turns[0].Round != 1 {
		t.Fatalf("turns = %+v", h.Turns)
	}
	roles := map[string]int{}
	for _, c := range h.Contributions[h.Turns[0].ID] {
		roles[c.Role]++
	}
	if roles[store.RoleProposer] != 1 || roles[store.RoleChallenger] != 2 || roles[store.RoleReviser] != 1 {
		t.Errorf("role counts = %v", roles)
	}
	d, ok := h.Decisions[h.Turns[0].ID]
	if !ok {
		t.Fatal("decision not persisted")
	}
	if d.Rigor != 1.0 || d.Confidence != 0.70 || d.Intent != "strategic" {
		t.Errorf("persisted decision = %+v", d)
	}
}

func TestSycophanticChallengeExcluded(t *testing.T) {
	f := newFixture(t)
	question := "Should I use a monolith or microservices for a 3-person startup?"

	f.alpha.Enqueue("prime",
		providertest.Text("Start with a monolith.", 500, 200),
		providertest.Text("Final answer.", 900, 300),
	)
	f.beta.Enqueue("solid", providertest.Text("Great answer! I largely agree with everything here.", 400, 100))
	f.alpha.Enqueue("mini", providertest.Text("The recommendation ignores team autonomy costs.", 400, 100))
	f.alpha.OnSend(genericFallback("summary"))
	f.beta.OnSend(genericFallback("summary"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2})
	thread := f.thread(t, question)

	res, err := eng.Run(context.Background(), thread.ID, question, 1, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Rigor != 0.75 {
		t.Errorf("rigor = %v, want 0.75 with 1 of 2 genuine", res.Rigor)
	}
	if strings.Contains(res.Dissent, "Great answer") {
		t.Errorf("sycophantic challenge leaked into dissent: %q", res.Dissent)
	}
	if !strings.Contains(res.Dissent, "team autonomy") {
		t.Errorf("genuine challenge missing from dissent: %q", res.Dissent)
	}

	// The flag is persisted on the contribution.
	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	flagged := 0
	for _, c := range h.Contributions[h.Turns[0].ID] {
		if c.Role == store.RoleChallenger && c.Sycophantic {
			flagged++
		}
	}
	if flagged != 1 {
		t.Errorf("flagged challengers = %d, want 1", flagged)
	}
}

func TestConvergenceEarlyStop(t *testing.T) {
	f := newFixture(t)
	question := "Design a caching layer."

	f.alpha.Enqueue("prime",
		providertest.Text("Use X.", 100, 100),
		providertest.Text("Use X with eviction notes.", 100, 100),
		providertest.Text("Use X, improved.", 100, 100),
		providertest.Text("Use X, final.", 100, 100),
	)
	f.beta.Enqueue("solid",
		providertest.Text("X misses cache eviction", 100, 50),
		providertest.Text("misses cache eviction discussion", 100, 50),
	)
	// mini is also the cheapest model, so the round-1 turn summary is served
	// from its queue between its two challenges.
	f.alpha.Enqueue("mini",
		providertest.Text("X ignores read-heavy workloads", 100, 50),
		providertest.Text("summary", 100, 50),
		providertest.Text("ignores read-heavy workloads", 100, 50),
	)
	f.alpha.OnSend(genericFallback("summary"))
	f.beta.OnSend(genericFallback("summary"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2, ConvergenceThreshold: 0.7})
	thread := f.thread(t, question)

	res, err := eng.Run(context.Background(), thread.ID, question, 3, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Converged {
		t.Error("expected convergence after round 2")
	}
	if len(res.Rounds) != 2 {
		t.Errorf("rounds = %d, want 2 of max 3", len(res.Rounds))
	}

	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	if len(h.Turns) != 2 {
		t.Errorf("persisted turns = %d, want 2", len(h.Turns))
	}
}

func TestRoundsExhaustedWithoutConvergence(t *testing.T) {
	f := newFixture(t)

	f.alpha.OnSend(func(model string, msgs []providers.Message) (providers.Response, error) {
		return providers.Response{Content: "alpha content " + model, FinishReason: providers.FinishStop, Usage: providers.Usage{InputTokens: 10, OutputTokens: 10}}, nil
	})
	// Distinct challenge texts each round so word overlap stays low.
	f.beta.Enqueue("solid",
		providertest.Text("the schema lacks indexes entirely", 10, 10),
		providertest.Text("authentication is missing from the design", 10, 10),
	)
	f.beta.OnSend(genericFallback("summary"))
	// mini answers through the alpha fallback with round-varying content?
	// Scripted instead, to keep challenges distinct.
	f.alpha.Enqueue("mini",
		providertest.Text("no rollback story exists anywhere", 10, 10),
		providertest.Text("costs are never estimated or bounded", 10, 10),
	)

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2, ConvergenceThreshold: 0.7})
	thread := f.thread(t, "q")

	res, err := eng.Run(context.Background(), thread.ID, "q", 2, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Converged {
		t.Error("should not converge on fresh challenges")
	}
	if len(res.Rounds) != 2 {
		t.Errorf("rounds = %d, want max 2", len(res.Rounds))
	}
}

func TestGracefulDegradationOneChallengerFails(t *testing.T) {
	f := newFixture(t)

	f.alpha.Enqueue("prime",
		providertest.Text("Proposal.", 100, 100),
		providertest.Text("Revision.", 100, 100),
	)
	f.beta.Enqueue("solid", providertest.Fail(providers.KindAuth))
	f.alpha.Enqueue("mini", providertest.Text("A substantive objection about scaling.", 100, 50))
	f.alpha.OnSend(genericFallback("summary"))
	f.beta.OnSend(genericFallback("summary"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2})
	thread := f.thread(t, "q")

	sub := f.bus.Subscribe(128)
	defer f.bus.Unsubscribe(sub)

	res, err := eng.Run(context.Background(), thread.ID, "q", 1, false)
	if err != nil {
		t.Fatalf("phase must tolerate one failed challenger: %v", err)
	}
	if res.Rigor != 1.0 {
		t.Errorf("rigor = %v with the single genuine challenge", res.Rigor)
	}

	// REVISE proceeded with the single surviving challenge.
	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	roles := map[string]int{}
	for _, c := range h.Contributions[h.Turns[0].ID] {
		roles[c.Role]++
	}
	if roles[store.RoleChallenger] != 1 || roles[store.RoleReviser] != 1 {
		t.Errorf("roles = %v", roles)
	}

	// An error event was recorded for the failed challenger.
	sawError := false
	for {
		select {
		case e := <-sub.C:
			if e.Type == events.EventError && e.ModelRef == "beta:solid" {
				sawError = true
			}
			continue
		default:
		}
		break
	}
	if !sawError {
		t.Error("expected error event for the failed challenger")
	}
}

func TestAllChallengersFailFailsThread(t *testing.T) {
	f := newFixture(t)

	f.alpha.Enqueue("prime", providertest.Text("Proposal.", 100, 100))
	f.beta.Enqueue("solid", providertest.Fail(providers.KindAuth))
	f.alpha.Enqueue("mini", providertest.Fail(providers.KindOverloaded))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2})
	thread := f.thread(t, "q")

	_, err := eng.Run(context.Background(), thread.ID, "q", 1, false)
	if err == nil {
		t.Fatal("expected failure when every challenger fails")
	}

	// The turn is marked failed and the proposal stays for post-mortem.
	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	if len(h.Turns) != 1 || h.Turns[0].State != string(StateFailed) {
		t.Errorf("turn state = %+v", h.Turns)
	}
	if len(h.Contributions[h.Turns[0].ID]) != 1 {
		t.Errorf("expected the proposal contribution to survive")
	}
	if len(h.Decisions) != 0 {
		t.Error("no decision may exist for a failed turn")
	}
}

func TestCostLimitRefusedBeforeDispatch(t *testing.T) {
	f := newFixture(t, router.WithCostLimit(0.05, 0))

	// Proposal lands at $0.048: 1200*15e-6 + 500*60e-6.
	f.alpha.Enqueue("prime", providertest.Text("Expensive proposal.", 1200, 500))
	f.beta.Enqueue("solid", providertest.Text("never reached", 10, 10))

	// Explicit challenger override: only solid, whose pre-dispatch estimate
	// (512 output tokens at $30/MTok) breaches the remaining $0.002.
	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{Challengers: []string{"beta:solid"}})
	thread := f.thread(t, "q")

	_, err := eng.Run(context.Background(), thread.ID, "q", 1, false)
	if err == nil {
		t.Fatal("expected cost-limit failure")
	}
	if kind, _ := providers.KindOf(err); kind != providers.KindCostLimit {
		t.Errorf("kind = %s, want cost limit", kind)
	}
	if f.beta.CallCount("solid") != 0 {
		t.Error("challenger call must be refused before dispatch")
	}

	// Prior contributions persisted for inspection.
	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	if len(h.Contributions[h.Turns[0].ID]) != 1 {
		t.Error("the proposal contribution must remain")
	}
}

func TestProposalTruncationSurfaced(t *testing.T) {
	f := newFixture(t)

	f.alpha.Enqueue("prime",
		providertest.Truncated("cut off mid", 100, 4096),
		providertest.Text("Revision.", 100, 100),
	)
	f.beta.Enqueue("solid", providertest.Text("objection one", 10, 10))
	f.alpha.Enqueue("mini", providertest.Text("objection two", 10, 10))
	f.alpha.OnSend(genericFallback("summary"))
	f.beta.OnSend(genericFallback("summary"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2})
	thread := f.thread(t, "q")

	res, err := eng.Run(context.Background(), thread.ID, "q", 1, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, p := range res.TruncatedPhases {
		if p == "round1:propose" {
			found = true
		}
	}
	if !found {
		t.Errorf("truncated phases = %v", res.TruncatedPhases)
	}

	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	truncated := false
	for _, c := range h.Contributions[h.Turns[0].ID] {
		if c.Role == store.RoleProposer && c.Truncated {
			truncated = true
		}
	}
	if !truncated {
		t.Error("truncation flag must be persisted on the proposer contribution")
	}
}

func TestRoundTwoPromptCarriesPreviousRound(t *testing.T) {
	f := newFixture(t)

	f.alpha.Enqueue("prime",
		providertest.Text("first proposal", 10, 10),
		providertest.Text("first revision", 10, 10),
		providertest.Text("second proposal", 10, 10),
		providertest.Text("second revision", 10, 10),
	)
	f.beta.Enqueue("solid",
		providertest.Text("challenge about indexing", 10, 10),
		providertest.Text("challenge about sharding", 10, 10),
	)
	f.alpha.Enqueue("mini",
		providertest.Text("challenge about backups", 10, 10),
		providertest.Text("challenge about replication", 10, 10),
	)
	f.alpha.OnSend(genericFallback("summary"))
	f.beta.OnSend(genericFallback("summary"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2, ConvergenceThreshold: 0.99})
	thread := f.thread(t, "q")

	if _, err := eng.Run(context.Background(), thread.ID, "q", 2, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The third prime call is the round-2 proposal; its prompt must include
	// the round-1 decision and challenges.
	var round2Propose []providers.Message
	primeCalls := 0
	for _, c := range f.alpha.Calls() {
		if c.Model != "prime" {
			continue
		}
		primeCalls++
		if primeCalls == 3 {
			round2Propose = c.Messages
		}
	}
	if round2Propose == nil {
		t.Fatal("round-2 proposal call not found")
	}
	user := round2Propose[len(round2Propose)-1].Content
	if !strings.Contains(user, "first revision") {
		t.Errorf("round-2 prompt missing previous decision: %q", user)
	}
	if !strings.Contains(user, "challenge about indexing") || !strings.Contains(user, "challenge about backups") {
		t.Errorf("round-2 prompt missing previous challenges: %q", user)
	}
}

func TestChallengeFramingsRotate(t *testing.T) {
	f := newFixture(t)

	f.alpha.Enqueue("prime",
		providertest.Text("Proposal.", 10, 10),
		providertest.Text("Revision.", 10, 10),
	)
	f.beta.Enqueue("solid", providertest.Text("c1", 10, 10))
	f.alpha.Enqueue("mini", providertest.Text("c2", 10, 10))
	f.alpha.OnSend(genericFallback("summary"))
	f.beta.OnSend(genericFallback("summary"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2})
	thread := f.thread(t, "q")
	if _, err := eng.Run(context.Background(), thread.ID, "q", 1, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	framings := map[string]bool{}
	for _, c := range h.Contributions[h.Turns[0].ID] {
		if c.Role == store.RoleChallenger {
			framings[c.Framing] = true
		}
	}
	if !framings[FramingFlaw] || !framings[FramingAlternative] {
		t.Errorf("framings = %v, want flaw and alternative for two challengers", framings)
	}
}

func TestDecomposition(t *testing.T) {
	f := newFixture(t)
	question := "Design a CI/CD pipeline for a monorepo"

	// Cheapest model answers the plan; everything else runs on fallbacks.
	f.alpha.Enqueue("mini", providertest.Text(
		`{"subtasks":[
			{"label":"A","description":"choose CI system","depends_on":[]},
			{"label":"B","description":"define build stages","depends_on":["A"]},
			{"label":"C","description":"deployment strategy","depends_on":["A"]}
		]}`, 80, 60))
	f.alpha.OnSend(genericFallback("worked result"))
	f.beta.OnSend(genericFallback("worked result"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2})
	thread := f.thread(t, question)

	res, err := eng.Run(context.Background(), thread.ID, question, 3, true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Decision == "" {
		t.Error("expected synthesized decision")
	}
	if res.Rigor < 0.5 || res.Rigor > 1.0 {
		t.Errorf("rigor = %v out of range", res.Rigor)
	}

	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	if len(h.Subtasks) != 3 {
		t.Fatalf("subtasks persisted = %d, want 3", len(h.Subtasks))
	}
	for _, st := range h.Subtasks {
		if st.CostUSD <= 0 {
			t.Errorf("subtask %s cost = %v, want > 0", st.Label, st.CostUSD)
		}
		if st.Result == "" {
			t.Errorf("subtask %s has no result", st.Label)
		}
	}

	// Round-1 turn carries the decomposer and synthesizer contributions.
	roles := map[string]int{}
	for _, c := range h.Contributions[h.Turns[0].ID] {
		roles[c.Role]++
	}
	if roles[store.RoleDecomposer] != 1 {
		t.Errorf("decomposer contributions = %d, want 1", roles[store.RoleDecomposer])
	}
	if roles[store.RoleSynthesizer] != 1 {
		t.Errorf("synthesizer contributions = %d, want 1", roles[store.RoleSynthesizer])
	}
	if _, ok := h.Decisions[h.Turns[0].ID]; !ok {
		t.Error("synthesized decision must be persisted")
	}
}

func TestDecomposeSingleSubtaskRunsPlainConsensus(t *testing.T) {
	f := newFixture(t)

	f.alpha.Enqueue("mini",
		providertest.Text(`{"subtasks":[{"label":"A","description":"just answer it","depends_on":[]}]}`, 50, 20),
		providertest.Text("a challenge about costs", 10, 10),
	)
	f.alpha.Enqueue("prime",
		providertest.Text("Proposal.", 10, 10),
		providertest.Text("Revision.", 10, 10),
	)
	f.beta.Enqueue("solid", providertest.Text("a challenge about security", 10, 10))
	f.alpha.OnSend(genericFallback("summary"))
	f.beta.OnSend(genericFallback("summary"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2})
	thread := f.thread(t, "q")

	res, err := eng.Run(context.Background(), thread.ID, "q", 1, true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Decision != "Revision." {
		t.Errorf("decision = %q, want plain consensus output", res.Decision)
	}

	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	if len(h.Subtasks) != 0 {
		t.Error("single-subtask optimization must skip subtask persistence")
	}
}

func TestDecomposeInvalidFallsBackToConsensus(t *testing.T) {
	f := newFixture(t)

	// The plan has a cycle: A -> B -> A.
	f.alpha.Enqueue("mini",
		providertest.Text(`{"subtasks":[
			{"label":"A","description":"x","depends_on":["B"]},
			{"label":"B","description":"y","depends_on":["A"]}
		]}`, 50, 20),
		providertest.Text("objection", 10, 10),
	)
	f.alpha.Enqueue("prime",
		providertest.Text("Proposal.", 10, 10),
		providertest.Text("Revision.", 10, 10),
	)
	f.beta.Enqueue("solid", providertest.Text("different objection", 10, 10))
	f.alpha.OnSend(genericFallback("summary"))
	f.beta.OnSend(genericFallback("summary"))

	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{MinChallengers: 2})
	thread := f.thread(t, "q")

	res, err := eng.Run(context.Background(), thread.ID, "q", 1, true)
	if err != nil {
		t.Fatalf("expected fallback to plain consensus, got: %v", err)
	}
	if res.Decision != "Revision." {
		t.Errorf("decision = %q", res.Decision)
	}
}

func TestEmptyQuestionRejected(t *testing.T) {
	f := newFixture(t)
	eng := NewEngine(f.reg, f.store, f.bus, nil, EngineConfig{})

	_, err := eng.Run(context.Background(), "t", "", 1, false)
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *providers.Error
	if !errors.As(err, &ce) || ce.Kind != providers.KindInvalidState {
		t.Errorf("kind = %v", err)
	}
}
