package voting

import (
	"context"
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

func votingModel(provider, name string, inPerM, outPerM float64) providers.ModelInfo {
	return providers.ModelInfo{
		Provider:      provider,
		Name:          name,
		Ref:           providers.ModelRef(provider, name),
		ContextTokens: 100000,
		InputPerMTok:  inPerM,
		OutputPerMTok: outPerM,
	}
}

type votingFixture struct {
	alpha *providertest.Adapter
	beta  *providertest.Adapter
	reg   *router.Registry
	store *store.SQLiteStore
}

func newVotingFixture(t *testing.T) *votingFixture {
	t.Helper()
	alpha := providertest.New("alpha",
		votingModel("alpha", "prime", 15, 60),
		votingModel("alpha", "mini", 0.1, 0.5),
	)
	beta := providertest.New("beta", votingModel("beta", "solid", 5, 30))

	reg := router.New(router.WithRetryPolicy(retry.New(0, time.Millisecond, time.Millisecond, false)))
	for _, a := range []providers.Adapter{alpha, beta} {
		if err := reg.RegisterAdapter(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}

	st, err := store.NewSQLite("file:" + filepath.Join(t.TempDir(), "voting.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &votingFixture{alpha: alpha, beta: beta, reg: reg, store: st}
}

func (f *votingFixture) thread(t *testing.T) store.ThreadRecord {
	t.Helper()
	thread, err := f.store.CreateThread(context.Background(), store.ThreadRecord{Question: "q", Protocol: "voting"})
	if err != nil {
		t.Fatal(err)
	}
	return thread
}

func TestVotingMajority(t *testing.T) {
	f := newVotingFixture(t)

	f.alpha.Enqueue("prime", providertest.Text("answer from prime", 200, 100))
	f.beta.Enqueue("solid", providertest.Text("answer from solid", 200, 100))
	f.alpha.Enqueue("mini",
		providertest.Text("answer from mini", 200, 100),
		providertest.Text("answer from solid", 100, 50), // judge selects
	)

	eng := NewEngine(f.reg, f.store, events.NewBus(), Config{})
	thread := f.thread(t)

	res, err := eng.Run(context.Background(), thread.ID, "q")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Decision != "answer from solid" {
		t.Errorf("decision = %q", res.Decision)
	}
	if res.Rigor != 1.0 {
		t.Errorf("rigor = %v, want 1.0 with two distinct providers", res.Rigor)
	}
	if res.Confidence != 0.85 {
		t.Errorf("confidence = %v, want default cap 0.85", res.Confidence)
	}
	if res.VoteCount != 3 {
		t.Errorf("vote count = %d", res.VoteCount)
	}

	h, _ := f.store.GetThreadWithHistory(context.Background(), thread.ID)
	if len(h.Votes) != 3 {
		t.Errorf("persisted votes = %d, want 3", len(h.Votes))
	}
	for _, v := range h.Votes {
		if v.CostUSD <= 0 {
			t.Errorf("vote %s cost = %v", v.ModelRef, v.CostUSD)
		}
	}
}

func TestVotingSingleProviderPenalty(t *testing.T) {
	f := newVotingFixture(t)

	f.alpha.Enqueue("prime", providertest.Text("a1", 100, 100))
	f.alpha.Enqueue("mini",
		providertest.Text("a2", 100, 100),
		providertest.Text("a1", 50, 20), // judge
	)

	eng := NewEngine(f.reg, f.store, events.NewBus(), Config{Panel: []string{"alpha:prime", "alpha:mini"}})
	thread := f.thread(t)

	res, err := eng.Run(context.Background(), thread.ID, "q")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Rigor != 0.8 {
		t.Errorf("rigor = %v, want 0.8 with a single provider", res.Rigor)
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence = %v, want min(cap, rigor) = 0.8", res.Confidence)
	}
}

func TestVotingToleratesPartialFailure(t *testing.T) {
	f := newVotingFixture(t)

	f.alpha.Enqueue("prime", providertest.Fail(providers.KindOverloaded))
	f.beta.Enqueue("solid", providertest.Text("solid answer", 100, 100))
	f.alpha.Enqueue("mini",
		providertest.Text("mini answer", 100, 100),
		providertest.Text("solid answer", 50, 20), // judge
	)

	eng := NewEngine(f.reg, f.store, events.NewBus(), Config{})
	thread := f.thread(t)

	res, err := eng.Run(context.Background(), thread.ID, "q")
	if err != nil {
		t.Fatalf("two survivors must be enough: %v", err)
	}
	if res.VoteCount != 2 {
		t.Errorf("vote count = %d, want 2", res.VoteCount)
	}
}

func TestVotingFailsBelowTwoSurvivors(t *testing.T) {
	f := newVotingFixture(t)

	f.alpha.Enqueue("prime", providertest.Fail(providers.KindOverloaded))
	f.beta.Enqueue("solid", providertest.Fail(providers.KindAuth))
	f.alpha.Enqueue("mini", providertest.Text("only answer", 100, 100))

	eng := NewEngine(f.reg, f.store, events.NewBus(), Config{})
	thread := f.thread(t)

	if _, err := eng.Run(context.Background(), thread.ID, "q"); err == nil {
		t.Fatal("fewer than two survivors must fail the run")
	}
}

func TestVotingNeedsTwoModels(t *testing.T) {
	f := newVotingFixture(t)
	eng := NewEngine(f.reg, f.store, events.NewBus(), Config{Panel: []string{"alpha:prime"}})
	thread := f.thread(t)

	_, err := eng.Run(context.Background(), thread.ID, "q")
	if kind, _ := providers.KindOf(err); kind != providers.KindInsufficientModels {
		t.Errorf("kind = %v", err)
	}
}

func TestVotingWeightedJudgePromptCarriesCapability(t *testing.T) {
	f := newVotingFixture(t)

	f.alpha.Enqueue("prime", providertest.Text("prime answer", 100, 100))
	f.beta.Enqueue("solid", providertest.Text("solid answer", 100, 100))
	f.alpha.Enqueue("mini",
		providertest.Text("mini answer", 100, 100),
		providertest.Text("blended", 50, 20),
	)

	eng := NewEngine(f.reg, f.store, events.NewBus(), Config{Aggregation: AggregationWeighted})
	thread := f.thread(t)

	if _, err := eng.Run(context.Background(), thread.ID, "q"); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The judge call is mini's last call; its prompt lists output costs.
	calls := f.alpha.Calls()
	judgeMsgs := calls[len(calls)-1].Messages
	user := judgeMsgs[len(judgeMsgs)-1].Content
	if !strings.Contains(user, "$60.00/MTok") {
		t.Errorf("judge prompt missing capability weights: %q", user)
	}
	if !strings.Contains(judgeMsgs[0].Content, "weighting more capable") {
		t.Errorf("judge system prompt missing weighted instruction: %q", judgeMsgs[0].Content)
	}
}
