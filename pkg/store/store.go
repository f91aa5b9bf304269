// Package store persists run metadata: the policy snapshot taken at run
// open, lifecycle status, approval attribution, and the hashed records
// of model invocations. The execution log itself lives in pkg/ledger;
// this package only reads it for cycle-time aggregation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
	"github.com/surfit-ai/saw-runtime/pkg/ledger"
)

var (
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("store: run not found")
	// ErrAmbiguousPrefix is returned when a short run id prefix matches
	// more than one run.
	ErrAmbiguousPrefix = errors.New("store: run id prefix is ambiguous")
)

// Store persists runs and llm_invocations on a database/sql handle. The
// same handle is normally shared with the SQL ledger.
type Store struct {
	db      *sql.DB
	dialect ledger.Dialect
}

// New wraps an open database handle. Call Init before use.
func New(db *sql.DB, dialect ledger.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	saw_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	status TEXT NOT NULL,
	policy_hash TEXT,
	policy_version TEXT,
	policy_snapshot TEXT,
	approved_by TEXT,
	approved_at TEXT,
	approval_note TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_saw_id ON runs(saw_id);
`

const invocationsSchemaSQLite = `
CREATE TABLE IF NOT EXISTS llm_invocations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	invoked_at TEXT NOT NULL,
	provider TEXT NOT NULL,
	model_name TEXT NOT NULL,
	model_version TEXT NOT NULL,
	temperature REAL NOT NULL,
	max_tokens INTEGER NOT NULL,
	raw_tool_input_hash TEXT NOT NULL,
	sanitized_prompt_input_hash TEXT NOT NULL,
	llm_output_text_hash TEXT NOT NULL,
	raw_tool_input_preview TEXT,
	llm_output_preview TEXT
);
CREATE INDEX IF NOT EXISTS idx_llm_invocations_run ON llm_invocations(run_id);
`

const invocationsSchemaPostgres = `
CREATE TABLE IF NOT EXISTS llm_invocations (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	invoked_at TEXT NOT NULL,
	provider TEXT NOT NULL,
	model_name TEXT NOT NULL,
	model_version TEXT NOT NULL,
	temperature DOUBLE PRECISION NOT NULL,
	max_tokens INTEGER NOT NULL,
	raw_tool_input_hash TEXT NOT NULL,
	sanitized_prompt_input_hash TEXT NOT NULL,
	llm_output_text_hash TEXT NOT NULL,
	raw_tool_input_preview TEXT,
	llm_output_preview TEXT
);
CREATE INDEX IF NOT EXISTS idx_llm_invocations_run ON llm_invocations(run_id);
`

// Init creates tables if missing and backfills columns added since the
// first schema version on legacy databases.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, runsSchema); err != nil {
		return fmt.Errorf("store: init runs schema: %w", err)
	}
	invSchema := invocationsSchemaSQLite
	if s.dialect == ledger.DialectPostgres {
		invSchema = invocationsSchemaPostgres
	}
	if _, err := s.db.ExecContext(ctx, invSchema); err != nil {
		return fmt.Errorf("store: init invocations schema: %w", err)
	}
	return s.ensureRunsColumns(ctx)
}

// runsColumns added after the original runs schema shipped. A database
// created before the policy snapshot work lacks them.
var runsColumns = []string{
	"policy_hash", "policy_version", "policy_snapshot",
	"approved_by", "approved_at", "approval_note",
}

func (s *Store) ensureRunsColumns(ctx context.Context) error {
	if s.dialect == ledger.DialectPostgres {
		for _, col := range runsColumns {
			stmt := fmt.Sprintf(`ALTER TABLE runs ADD COLUMN IF NOT EXISTS %s TEXT`, col)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: backfill column %s: %w", col, err)
			}
		}
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(runs)`)
	if err != nil {
		return fmt.Errorf("store: inspect runs schema: %w", err)
	}
	existing := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return fmt.Errorf("store: inspect runs schema: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("store: inspect runs schema: %w", err)
	}
	_ = rows.Close()

	for _, col := range runsColumns {
		if existing[col] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE runs ADD COLUMN %s TEXT`, col)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: backfill column %s: %w", col, err)
		}
	}
	return nil
}

// OpenRun upserts the run row at run start.
func (s *Store) OpenRun(ctx context.Context, rec *contracts.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, saw_id, started_at, status, policy_hash, policy_version, policy_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(run_id) DO UPDATE SET
			saw_id = excluded.saw_id,
			started_at = excluded.started_at,
			status = excluded.status,
			policy_hash = excluded.policy_hash,
			policy_version = excluded.policy_version,
			policy_snapshot = excluded.policy_snapshot`,
		rec.RunID, rec.SAWID, rec.StartedAt, string(rec.Status),
		rec.PolicyHash, rec.PolicyVersion, rec.PolicySnapshot)
	if err != nil {
		return fmt.Errorf("store: open run: %w", err)
	}
	return nil
}

// CloseRun sets the terminal status of a run.
func (s *Store) CloseRun(ctx context.Context, runID string, status contracts.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1 WHERE run_id = $2`, string(status), runID)
	if err != nil {
		return fmt.Errorf("store: close run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordApproval attributes an approval decision to a run.
func (s *Store) RecordApproval(ctx context.Context, runID, approvedBy, approvedAt, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET approved_by = $1, approved_at = $2, approval_note = $3
		WHERE run_id = $4`, approvedBy, approvedAt, note, runID)
	if err != nil {
		return fmt.Errorf("store: record approval: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const runSelect = `
	SELECT run_id, saw_id, started_at, status, policy_hash, policy_version,
	       policy_snapshot, approved_by, approved_at, approval_note
	FROM runs`

func scanRun(row interface{ Scan(...any) error }) (*contracts.RunRecord, error) {
	var rec contracts.RunRecord
	var hash, version, snapshot, by, at, note sql.NullString
	var status string
	if err := row.Scan(&rec.RunID, &rec.SAWID, &rec.StartedAt, &status,
		&hash, &version, &snapshot, &by, &at, &note); err != nil {
		return nil, err
	}
	rec.Status = contracts.RunStatus(status)
	rec.PolicyHash = hash.String
	rec.PolicyVersion = version.String
	rec.PolicySnapshot = snapshot.String
	rec.ApprovedBy = by.String
	rec.ApprovedAt = at.String
	rec.ApprovalNote = note.String
	return &rec, nil
}

// GetRun fetches a run by its full id.
func (s *Store) GetRun(ctx context.Context, runID string) (*contracts.RunRecord, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns up to limit runs, most recently started first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]contracts.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, runSelect+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return out, nil
}

// ResolveRunPrefix expands a short run id prefix to the full id. The
// prefix must match exactly one run.
func (s *Store) ResolveRunPrefix(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM runs WHERE run_id LIKE $1 LIMIT 2`, prefix+"%")
	if err != nil {
		return "", fmt.Errorf("store: resolve prefix: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("store: resolve prefix: %w", err)
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("store: resolve prefix: %w", err)
	}
	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", ErrAmbiguousPrefix
	}
}

// CycleBreakdown splits a run's elapsed time into machine work and
// human approval wait.
type CycleBreakdown struct {
	RunID           string  `json:"run_id"`
	SystemTimeMS    float64 `json:"system_time_ms"`
	HumanWaitTimeMS float64 `json:"human_wait_time_ms"`
	TotalMS         float64 `json:"total_ms"`
}

// CycleTime aggregates the execution log for a run. Entries at the
// given approval node ids count as human wait; everything else is
// system time. With no ids given, "n_approval" is assumed.
func (s *Store) CycleTime(ctx context.Context, runID string, approvalNodeIDs ...string) (*CycleBreakdown, error) {
	if len(approvalNodeIDs) == 0 {
		approvalNodeIDs = []string{"n_approval"}
	}
	approval := make(map[string]bool, len(approvalNodeIDs))
	for _, id := range approvalNodeIDs {
		approval[id] = true
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, latency_ms FROM execution_log WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: cycle time: %w", err)
	}
	defer func() { _ = rows.Close() }()

	b := &CycleBreakdown{RunID: runID}
	for rows.Next() {
		var nodeID string
		var latency float64
		if err := rows.Scan(&nodeID, &latency); err != nil {
			return nil, fmt.Errorf("store: cycle time: %w", err)
		}
		if approval[nodeID] {
			b.HumanWaitTimeMS += latency
		} else {
			b.SystemTimeMS += latency
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: cycle time: %w", err)
	}
	b.SystemTimeMS = round2(b.SystemTimeMS)
	b.HumanWaitTimeMS = round2(b.HumanWaitTimeMS)
	b.TotalMS = round2(b.SystemTimeMS + b.HumanWaitTimeMS)
	return b, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
