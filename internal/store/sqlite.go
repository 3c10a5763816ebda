package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode, foreign keys (cascade deletes), and a busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			protocol TEXT NOT NULL DEFAULT 'consensus',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			round INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_thread_round ON turns(thread_id, round)`,
		`CREATE TABLE IF NOT EXISTS contributions (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
			model_ref TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms REAL NOT NULL DEFAULT 0,
			framing TEXT NOT NULL DEFAULT '',
			sycophantic INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contributions_turn ON contributions(turn_id)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL UNIQUE REFERENCES turns(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			rigor REAL NOT NULL,
			confidence REAL NOT NULL,
			dissent TEXT NOT NULL DEFAULT '',
			intent TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			genus TEXT NOT NULL DEFAULT '',
			complexity TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id TEXT PRIMARY KEY,
			thread_id TEXT REFERENCES threads(id) ON DELETE SET NULL,
			result TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_thread ON outcomes(thread_id)`,
		`CREATE TABLE IF NOT EXISTS votes (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			model_ref TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_votes_thread ON votes(thread_id)`,
		`CREATE TABLE IF NOT EXISTS subtasks (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			depends_on TEXT NOT NULL DEFAULT '[]',
			result TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(thread_id, label)
		)`,
		`CREATE TABLE IF NOT EXISTS turn_summaries (
			turn_id TEXT PRIMARY KEY REFERENCES turns(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			model_ref TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS thread_summaries (
			thread_id TEXT PRIMARY KEY REFERENCES threads(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			model_ref TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func newID() string { return uuid.NewString() }

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStamp(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// Threads

func (s *SQLiteStore) CreateThread(ctx context.Context, t ThreadRecord) (ThreadRecord, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = ThreadActive
	}
	if t.Protocol == "" {
		t.Protocol = "consensus"
	}
	ts := stamp(t.CreatedAt)
	t.CreatedAt = parseStamp(ts)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, question, status, protocol, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Question, t.Status, t.Protocol, ts)
	if err != nil {
		return ThreadRecord{}, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateThreadStatus(ctx context.Context, threadID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET status = ? WHERE id = ?`, status, threadID)
	if err != nil {
		return fmt.Errorf("update thread status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update thread status: thread %s not found", threadID)
	}
	return nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*ThreadRecord, error) {
	var t ThreadRecord
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, question, status, protocol, created_at FROM threads WHERE id = ?`, threadID).
		Scan(&t.ID, &t.Question, &t.Status, &t.Protocol, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseStamp(ts)
	return &t, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, status string, limit int) ([]ThreadRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, question, status, protocol, created_at FROM threads`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []ThreadRecord
	for rows.Next() {
		var t ThreadRecord
		var ts string
		if err := rows.Scan(&t.ID, &t.Question, &t.Status, &t.Protocol, &ts); err != nil {
			return nil, err
		}
		t.CreatedAt = parseStamp(ts)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID)
	return err
}

// Turns

func (s *SQLiteStore) CreateTurn(ctx context.Context, t TurnRecord) (TurnRecord, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	ts := stamp(t.CreatedAt)
	t.CreatedAt = parseStamp(ts)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, thread_id, round, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.ThreadID, t.Round, t.State, ts)
	if err != nil {
		return TurnRecord{}, fmt.Errorf("create turn: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) FinishTurn(ctx context.Context, turnID, state string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE turns SET state = ? WHERE id = ?`, state, turnID)
	return err
}

// Contributions

func (s *SQLiteStore) AddContribution(ctx context.Context, c ContributionRecord) (ContributionRecord, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	ts := stamp(c.CreatedAt)
	c.CreatedAt = parseStamp(ts)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contributions (id, turn_id, model_ref, role, content, input_tokens, output_tokens, cost_usd, latency_ms, framing, sycophantic, truncated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TurnID, c.ModelRef, c.Role, c.Content, c.InputTokens, c.OutputTokens,
		c.CostUSD, c.LatencyMs, c.Framing, c.Sycophantic, c.Truncated, ts)
	if err != nil {
		return ContributionRecord{}, fmt.Errorf("add contribution: %w", err)
	}
	return c, nil
}

// Decisions

func (s *SQLiteStore) SaveDecision(ctx context.Context, d DecisionRecord) (DecisionRecord, error) {
	if d.ID == "" {
		d.ID = newID()
	}
	ts := stamp(d.CreatedAt)
	d.CreatedAt = parseStamp(ts)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, turn_id, content, rigor, confidence, dissent, intent, category, genus, complexity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TurnID, d.Content, d.Rigor, d.Confidence, d.Dissent, d.Intent, d.Category, d.Genus, d.Complexity, ts)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("save decision: %w", err)
	}
	return d, nil
}

// Outcomes

func (s *SQLiteStore) SaveOutcome(ctx context.Context, o OutcomeRecord) (OutcomeRecord, error) {
	if o.ID == "" {
		o.ID = newID()
	}
	if o.Result == "" {
		o.Result = OutcomeUnknown
	}
	ts := stamp(o.CreatedAt)
	o.CreatedAt = parseStamp(ts)
	var threadID any
	if o.ThreadID != "" {
		threadID = o.ThreadID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (id, thread_id, result, notes, created_at) VALUES (?, ?, ?, ?, ?)`,
		o.ID, threadID, o.Result, o.Notes, ts)
	if err != nil {
		return OutcomeRecord{}, fmt.Errorf("save outcome: %w", err)
	}
	return o, nil
}

// Votes

func (s *SQLiteStore) SaveVote(ctx context.Context, v VoteRecord) (VoteRecord, error) {
	if v.ID == "" {
		v.ID = newID()
	}
	ts := stamp(v.CreatedAt)
	v.CreatedAt = parseStamp(ts)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (id, thread_id, model_ref, content, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ThreadID, v.ModelRef, v.Content, v.InputTokens, v.OutputTokens, v.CostUSD, ts)
	if err != nil {
		return VoteRecord{}, fmt.Errorf("save vote: %w", err)
	}
	return v, nil
}

// Subtasks

func (s *SQLiteStore) SaveSubtask(ctx context.Context, st SubtaskRecord) (SubtaskRecord, error) {
	if st.ID == "" {
		st.ID = newID()
	}
	deps, err := json.Marshal(st.DependsOn)
	if err != nil {
		return SubtaskRecord{}, fmt.Errorf("marshal depends_on: %w", err)
	}
	ts := stamp(st.CreatedAt)
	st.CreatedAt = parseStamp(ts)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subtasks (id, thread_id, label, description, depends_on, result, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ThreadID, st.Label, st.Description, string(deps), st.Result, st.CostUSD, ts)
	if err != nil {
		return SubtaskRecord{}, fmt.Errorf("save subtask: %w", err)
	}
	return st, nil
}

// History

func (s *SQLiteStore) GetThreadWithHistory(ctx context.Context, threadID string) (*ThreadHistory, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, nil
	}
	h := &ThreadHistory{
		Thread:        *thread,
		Contributions: make(map[string][]ContributionRecord),
		Decisions:     make(map[string]DecisionRecord),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, round, state, created_at FROM turns WHERE thread_id = ? ORDER BY round`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var t TurnRecord
		var ts string
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Round, &t.State, &ts); err != nil {
			return nil, err
		}
		t.CreatedAt = parseStamp(ts)
		h.Turns = append(h.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.turn_id, c.model_ref, c.role, c.content, c.input_tokens, c.output_tokens, c.cost_usd, c.latency_ms, c.framing, c.sycophantic, c.truncated, c.created_at
		 FROM contributions c JOIN turns t ON c.turn_id = t.id
		 WHERE t.thread_id = ? ORDER BY c.created_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = crows.Close() }()
	for crows.Next() {
		var c ContributionRecord
		var ts string
		if err := crows.Scan(&c.ID, &c.TurnID, &c.ModelRef, &c.Role, &c.Content, &c.InputTokens,
			&c.OutputTokens, &c.CostUSD, &c.LatencyMs, &c.Framing, &c.Sycophantic, &c.Truncated, &ts); err != nil {
			return nil, err
		}
		c.CreatedAt = parseStamp(ts)
		h.Contributions[c.TurnID] = append(h.Contributions[c.TurnID], c)
	}
	if err := crows.Err(); err != nil {
		return nil, err
	}

	drows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.turn_id, d.content, d.rigor, d.confidence, d.dissent, d.intent, d.category, d.genus, d.complexity, d.created_at
		 FROM decisions d JOIN turns t ON d.turn_id = t.id WHERE t.thread_id = ?`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = drows.Close() }()
	for drows.Next() {
		var d DecisionRecord
		var ts string
		if err := drows.Scan(&d.ID, &d.TurnID, &d.Content, &d.Rigor, &d.Confidence, &d.Dissent,
			&d.Intent, &d.Category, &d.Genus, &d.Complexity, &ts); err != nil {
			return nil, err
		}
		d.CreatedAt = parseStamp(ts)
		h.Decisions[d.TurnID] = d
	}
	if err := drows.Err(); err != nil {
		return nil, err
	}

	h.Outcomes, err = s.ListOutcomes(ctx, threadID)
	if err != nil {
		return nil, err
	}

	vrows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, model_ref, content, input_tokens, output_tokens, cost_usd, created_at
		 FROM votes WHERE thread_id = ? ORDER BY created_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = vrows.Close() }()
	for vrows.Next() {
		var v VoteRecord
		var ts string
		if err := vrows.Scan(&v.ID, &v.ThreadID, &v.ModelRef, &v.Content, &v.InputTokens, &v.OutputTokens, &v.CostUSD, &ts); err != nil {
			return nil, err
		}
		v.CreatedAt = parseStamp(ts)
		h.Votes = append(h.Votes, v)
	}
	if err := vrows.Err(); err != nil {
		return nil, err
	}

	srows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, label, description, depends_on, result, cost_usd, created_at
		 FROM subtasks WHERE thread_id = ? ORDER BY created_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = srows.Close() }()
	for srows.Next() {
		var st SubtaskRecord
		var deps, ts string
		if err := srows.Scan(&st.ID, &st.ThreadID, &st.Label, &st.Description, &deps, &st.Result, &st.CostUSD, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(deps), &st.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
		st.CreatedAt = parseStamp(ts)
		h.Subtasks = append(h.Subtasks, st)
	}
	if err := srows.Err(); err != nil {
		return nil, err
	}

	h.Summary, err = s.GetThreadSummary(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *SQLiteStore) ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, content, rigor, confidence, dissent, intent, category, genus, complexity, created_at
		 FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var decisions []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var ts string
		if err := rows.Scan(&d.ID, &d.TurnID, &d.Content, &d.Rigor, &d.Confidence, &d.Dissent,
			&d.Intent, &d.Category, &d.Genus, &d.Complexity, &ts); err != nil {
			return nil, err
		}
		d.CreatedAt = parseStamp(ts)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, threadID string) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(thread_id, ''), result, notes, created_at FROM outcomes WHERE thread_id = ? ORDER BY created_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var outcomes []OutcomeRecord
	for rows.Next() {
		var o OutcomeRecord
		var ts string
		if err := rows.Scan(&o.ID, &o.ThreadID, &o.Result, &o.Notes, &ts); err != nil {
			return nil, err
		}
		o.CreatedAt = parseStamp(ts)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *SQLiteStore) ThreadCostUSD(ctx context.Context, threadID string) (float64, error) {
	var cost float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(c.cost_usd), 0) FROM contributions c JOIN turns t ON c.turn_id = t.id WHERE t.thread_id = ?`,
		threadID).Scan(&cost)
	if err != nil {
		return 0, err
	}
	var voteCost float64
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM votes WHERE thread_id = ?`, threadID).Scan(&voteCost)
	if err != nil {
		return 0, err
	}
	return cost + voteCost, nil
}

// Summaries

func (s *SQLiteStore) UpsertTurnSummary(ctx context.Context, sum SummaryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_summaries (turn_id, content, model_ref, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(turn_id) DO UPDATE SET content=excluded.content, model_ref=excluded.model_ref, updated_at=excluded.updated_at`,
		sum.OwnerID, sum.Content, sum.ModelRef, stamp(sum.UpdatedAt))
	return err
}

func (s *SQLiteStore) UpsertThreadSummary(ctx context.Context, sum SummaryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_summaries (thread_id, content, model_ref, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET content=excluded.content, model_ref=excluded.model_ref, updated_at=excluded.updated_at`,
		sum.OwnerID, sum.Content, sum.ModelRef, stamp(sum.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetThreadSummary(ctx context.Context, threadID string) (*SummaryRecord, error) {
	var sum SummaryRecord
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, content, model_ref, updated_at FROM thread_summaries WHERE thread_id = ?`, threadID).
		Scan(&sum.OwnerID, &sum.Content, &sum.ModelRef, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sum.UpdatedAt = parseStamp(ts)
	return &sum, nil
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// Search

func (s *SQLiteStore) Search(ctx context.Context, keyword string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + keyword + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT th.id, th.question, COALESCE(d.content, ''), COALESCE(d.rigor, 0)
		 FROM threads th
		 LEFT JOIN turns t ON t.thread_id = th.id
		 LEFT JOIN decisions d ON d.turn_id = t.id
		 WHERE th.question LIKE ? OR d.content LIKE ?
		 GROUP BY th.id
		 ORDER BY th.created_at DESC LIMIT ?`,
		pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ThreadID, &h.Question, &h.Decision, &h.Rigor); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
