// Package store persists the durable substrate of the consensus engine:
// threads, turns, contributions, decisions, outcomes, votes, subtasks and
// summaries. The orchestrator consumes and produces these records; nothing
// here calls a model.
package store

import (
	"context"
	"time"
)

// Thread statuses.
const (
	ThreadActive   = "active"
	ThreadComplete = "complete"
	ThreadFailed   = "failed"
)

// Contribution roles.
const (
	RoleProposer    = "proposer"
	RoleChallenger  = "challenger"
	RoleReviser     = "reviser"
	RoleDecomposer  = "decomposer"
	RoleJudge       = "judge"
	RoleSummarizer  = "summarizer"
	RoleClassifier  = "classifier"
	RoleSynthesizer = "synthesizer"
)

// Outcome results.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
	OutcomeUnknown = "unknown"
)

// ThreadRecord is one debate session.
type ThreadRecord struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Status    string    `json:"status"`
	Protocol  string    `json:"protocol"` // consensus | voting
	CreatedAt time.Time `json:"created_at"`
}

// TurnRecord is one round within a thread. Round numbers are contiguous
// starting at 1 and unique within the thread.
type TurnRecord struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Round     int       `json:"round"`
	State     string    `json:"state"` // terminal state reached
	CreatedAt time.Time `json:"created_at"`
}

// ContributionRecord is one model utterance within a turn.
type ContributionRecord struct {
	ID           string    `json:"id"`
	TurnID       string    `json:"turn_id"`
	ModelRef     string    `json:"model_ref"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    float64   `json:"latency_ms"`
	Framing      string    `json:"framing,omitempty"` // challenge framing tag
	Sycophantic  bool      `json:"sycophantic"`
	Truncated    bool      `json:"truncated"`
	CreatedAt    time.Time `json:"created_at"`
}

// DecisionRecord is the committed answer of a turn.
type DecisionRecord struct {
	ID         string    `json:"id"`
	TurnID     string    `json:"turn_id"`
	Content    string    `json:"content"`
	Rigor      float64   `json:"rigor"`
	Confidence float64   `json:"confidence"`
	Dissent    string    `json:"dissent,omitempty"`
	Intent     string    `json:"intent,omitempty"`
	Category   string    `json:"category,omitempty"`
	Genus      string    `json:"genus,omitempty"`
	Complexity string    `json:"complexity,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OutcomeRecord is user-supplied feedback on a decision, recorded after the
// fact. Outcomes are append-only and survive thread deletion.
type OutcomeRecord struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Result    string    `json:"result"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VoteRecord is one model's independent answer in the voting protocol.
type VoteRecord struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id"`
	ModelRef     string    `json:"model_ref"`
	Content      string    `json:"content"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubtaskRecord is one node of a decomposition DAG, persisted only after
// synthesis completes.
type SubtaskRecord struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	DependsOn   []string  `json:"depends_on,omitempty"`
	Result      string    `json:"result,omitempty"`
	CostUSD     float64   `json:"cost_usd"`
	CreatedAt   time.Time `json:"created_at"`
}

// SummaryRecord is a regenerated (upserted, never appended) summary for a
// turn or a thread.
type SummaryRecord struct {
	OwnerID   string    `json:"owner_id"` // turn_id or thread_id
	Content   string    `json:"content"`
	ModelRef  string    `json:"model_ref"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadHistory bundles a thread with everything beneath it.
type ThreadHistory struct {
	Thread        ThreadRecord
	Turns         []TurnRecord
	Contributions map[string][]ContributionRecord // turn_id -> contributions
	Decisions     map[string]DecisionRecord       // turn_id -> decision
	Outcomes      []OutcomeRecord
	Votes         []VoteRecord
	Subtasks      []SubtaskRecord
	Summary       *SummaryRecord
}

// SearchHit is one result of a keyword search over threads and decisions.
type SearchHit struct {
	ThreadID string  `json:"thread_id"`
	Question string  `json:"question"`
	Decision string  `json:"decision,omitempty"`
	Rigor    float64 `json:"rigor,omitempty"`
}

// Store defines the persistence interface the orchestrator consumes. Each
// orchestrator run owns its session with the store; no two runs share one.
type Store interface {
	CreateThread(ctx context.Context, t ThreadRecord) (ThreadRecord, error)
	UpdateThreadStatus(ctx context.Context, threadID, status string) error
	GetThread(ctx context.Context, threadID string) (*ThreadRecord, error)
	ListThreads(ctx context.Context, status string, limit int) ([]ThreadRecord, error)
	DeleteThread(ctx context.Context, threadID string) error

	CreateTurn(ctx context.Context, t TurnRecord) (TurnRecord, error)
	FinishTurn(ctx context.Context, turnID, state string) error

	AddContribution(ctx context.Context, c ContributionRecord) (ContributionRecord, error)
	SaveDecision(ctx context.Context, d DecisionRecord) (DecisionRecord, error)
	SaveOutcome(ctx context.Context, o OutcomeRecord) (OutcomeRecord, error)
	SaveVote(ctx context.Context, v VoteRecord) (VoteRecord, error)
	SaveSubtask(ctx context.Context, s SubtaskRecord) (SubtaskRecord, error)

	GetThreadWithHistory(ctx context.Context, threadID string) (*ThreadHistory, error)
	ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	ListOutcomes(ctx context.Context, threadID string) ([]OutcomeRecord, error)
	ThreadCostUSD(ctx context.Context, threadID string) (float64, error)

	UpsertTurnSummary(ctx context.Context, s SummaryRecord) error
	UpsertThreadSummary(ctx context.Context, s SummaryRecord) error
	GetThreadSummary(ctx context.Context, threadID string) (*SummaryRecord, error)

	Search(ctx context.Context, keyword string, limit int) ([]SearchHit, error)

	// Credential vault persistence (encrypted blob, opaque to the store).
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	Migrate(ctx context.Context) error
	Close() error
}
