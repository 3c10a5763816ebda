package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/quorum/internal/consensus"
	"github.com/jordanhubbard/quorum/internal/events"
	"github.com/jordanhubbard/quorum/internal/providers"
	"github.com/jordanhubbard/quorum/internal/providers/providertest"
	"github.com/jordanhubbard/quorum/internal/retry"
	"github.com/jordanhubbard/quorum/internal/store"
	"github.com/jordanhubbard/quorum/internal/voting"
)

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
	store *store.SQLiteStore
	bus   *events.Bus
	orch  *Orchestrator
}

func newFixture(t *testing.T, defaults Defaults) *fixture {
	t.Helper()
	alpha := providertest.New("alpha",
		testModel("alpha", "prime", 15, 60, true),
		testModel("alpha", "mini", 0.1, 0.5, false),
	)
	beta := providertest.New("beta", testModel("beta", "solid", 5, 30, true))

	st, err := store.NewSQLite("file:" + filepath.Join(t.TempDir(), "orch.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	if defaults.RetryPolicy == nil {
		defaults.RetryPolicy = retry.New(0, time.Millisecond, time.Millisecond, false)
	}
	bus := events.NewBus()
	orch := New(st, bus, nil, []providers.Adapter{alpha, beta}, nil, nil, defaults)
	return &fixture{alpha: alpha, beta: beta, store: st, bus: bus, orch: orch}
}

func generic(content string) func(string, []providers.Message) (providers.Response, error) {
	return func(model string, msgs []providers.Message) (providers.Response, error) {
		return providers.Response{
			Content:      content,
			FinishReason: providers.FinishStop,
			Usage:        providers.Usage{InputTokens: 100, OutputTokens: 50},
		}, nil
	}
}

func TestAskConsensusCompletesThread(t *testing.T) {
	f := newFixture(t, Defaults{MaxRounds: 1, Consensus: consensus.EngineConfig{MinChallengers: 2}})

	f.alpha.Enqueue("prime",
		providertest.Text("Proposal.", 500, 200),
		providertest.Text("Final revision.", 500, 200),
	)
	f.beta.Enqueue("solid", providertest.Text("The proposal skips error handling.", 100, 50))
	f.alpha.Enqueue("mini", providertest.Text("The proposal ignores cost.", 100, 50))
	f.alpha.OnSend(generic("summary"))
	f.beta.OnSend(generic("summary"))

	sub := f.bus.Subscribe(256)
	defer f.bus.Unsubscribe(sub)

	out, err := f.orch.Ask(context.Background(), "How should I structure this service?", Options{})
	require.NoError(t, err)
	require.Equal(t, "Final revision.", out.DecisionText)
	require.Equal(t, ProtocolConsensus, out.ProtocolUsed)
	require.Equal(t, 1.0, out.Rigor)
	require.NotEmpty(t, out.Dissent)
	require.Greater(t, out.CostUSD, 0.0)
	require.Len(t, out.Rounds, 1)

	thread, err := f.store.GetThread(context.Background(), out.ThreadID)
	require.NoError(t, err)
	require.Equal(t, store.ThreadComplete, thread.Status)

	// thread_started arrives before thread_complete on the stream.
	var types []events.EventType
	for {
		select {
		case e := <-sub.C:
			types = append(types, e.Type)
			continue
		default:
		}
		break
	}
	require.Equal(t, events.EventThreadStarted, types[0])
	require.Equal(t, events.EventThreadComplete, types[len(types)-1])
}

func TestAskVotingProtocol(t *testing.T) {
	f := newFixture(t, Defaults{MaxRounds: 1, Voting: voting.Config{Aggregation: voting.AggregationMajority}})

	f.alpha.Enqueue("prime", providertest.Text("vote prime", 100, 50))
	f.beta.Enqueue("solid", providertest.Text("vote solid", 100, 50))
	f.alpha.Enqueue("mini",
		providertest.Text("vote mini", 100, 50),
		providertest.Text("vote solid", 50, 20), // judge pick
	)

	out, err := f.orch.Ask(context.Background(), "which option?", Options{Protocol: ProtocolVoting})
	require.NoError(t, err)
	require.Equal(t, ProtocolVoting, out.ProtocolUsed)
	require.Equal(t, "vote solid", out.DecisionText)

	thread, err := f.store.GetThread(context.Background(), out.ThreadID)
	require.NoError(t, err)
	require.Equal(t, store.ThreadComplete, thread.Status)
	require.Equal(t, "voting", thread.Protocol)
}

func TestAskAutoRoutesJudgmentToVoting(t *testing.T) {
	f := newFixture(t, Defaults{MaxRounds: 1})

	// The cheapest model answers the protocol classification first.
	f.alpha.Enqueue("mini",
		providertest.Text(`{"class":"judgment"}`, 20, 10),
		providertest.Text("vote mini", 100, 50),
		providertest.Text("vote solid", 50, 20), // judge
	)
	f.alpha.Enqueue("prime", providertest.Text("vote prime", 100, 50))
	f.beta.Enqueue("solid", providertest.Text("vote solid", 100, 50))

	out, err := f.orch.Ask(context.Background(), "tabs or spaces?", Options{Protocol: ProtocolAuto})
	require.NoError(t, err)
	require.Equal(t, ProtocolVoting, out.ProtocolUsed)
}

func TestAskAutoClassifierFailureDefaultsToConsensus(t *testing.T) {
	f := newFixture(t, Defaults{MaxRounds: 1, Consensus: consensus.EngineConfig{MinChallengers: 2}})

	f.alpha.Enqueue("mini",
		providertest.Fail(providers.KindOverloaded), // classifier call dies
		providertest.Text("a challenge", 100, 50),
	)
	f.alpha.Enqueue("prime",
		providertest.Text("Proposal.", 100, 50),
		providertest.Text("Revision.", 100, 50),
	)
	f.beta.Enqueue("solid", providertest.Text("another challenge", 100, 50))
	f.alpha.OnSend(generic("summary"))
	f.beta.OnSend(generic("summary"))

	out, err := f.orch.Ask(context.Background(), "q", Options{Protocol: ProtocolAuto})
	require.NoError(t, err)
	require.Equal(t, ProtocolConsensus, out.ProtocolUsed)
}

func TestAskFailureMarksThreadFailed(t *testing.T) {
	f := newFixture(t, Defaults{MaxRounds: 1, Consensus: consensus.EngineConfig{MinChallengers: 2}})

	f.alpha.Enqueue("prime", providertest.Text("Proposal.", 100, 50))
	f.beta.Enqueue("solid", providertest.Fail(providers.KindAuth))
	f.alpha.Enqueue("mini", providertest.Fail(providers.KindAuth))

	_, err := f.orch.Ask(context.Background(), "q", Options{})
	require.Error(t, err)

	var re *RunError
	require.True(t, errors.As(err, &re))
	require.NotEmpty(t, re.ThreadID)
	require.Equal(t, providers.KindAuth, re.Kind)

	thread, gerr := f.store.GetThread(context.Background(), re.ThreadID)
	require.NoError(t, gerr)
	require.Equal(t, store.ThreadFailed, thread.Status)

	// Partial contributions stay for post-mortem inspection.
	h, herr := f.store.GetThreadWithHistory(context.Background(), re.ThreadID)
	require.NoError(t, herr)
	require.Len(t, h.Turns, 1)
	require.NotEmpty(t, h.Contributions[h.Turns[0].ID])
}

func TestAskPerRunCostLimit(t *testing.T) {
	f := newFixture(t, Defaults{MaxRounds: 1, Consensus: consensus.EngineConfig{Challengers: []string{"beta:solid"}}})

	// $0.048 proposal against a $0.05 run limit leaves no room to challenge.
	f.alpha.Enqueue("prime", providertest.Text("Expensive.", 1200, 500))
	f.beta.Enqueue("solid", providertest.Text("never reached", 10, 10))

	_, err := f.orch.Ask(context.Background(), "q", Options{CostHardLimitUSD: 0.05})
	require.Error(t, err)
	var re *RunError
	require.True(t, errors.As(err, &re))
	require.Equal(t, providers.KindCostLimit, re.Kind)
	require.Zero(t, f.beta.CallCount("solid"))
}

func TestAskEmptyQuestion(t *testing.T) {
	f := newFixture(t, Defaults{})
	_, err := f.orch.Ask(context.Background(), "", Options{})
	require.Error(t, err)
}

func TestAskConcurrentRunsHaveSeparateBudgets(t *testing.T) {
	f := newFixture(t, Defaults{MaxRounds: 1, Consensus: consensus.EngineConfig{MinChallengers: 2}})
	f.alpha.OnSend(generic("alpha answer"))
	f.beta.OnSend(generic("beta answer"))

	// Each run builds its own registry; a tiny per-run limit on the second
	// run must not be affected by the first run's spend.
	_, err := f.orch.Ask(context.Background(), "first question", Options{})
	require.NoError(t, err)

	out, err := f.orch.Ask(context.Background(), "second question", Options{CostHardLimitUSD: 1.0})
	require.NoError(t, err)
	require.Less(t, out.CostUSD, 1.0)
}
