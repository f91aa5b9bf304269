package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

// Dialect selects the SQL flavor for DDL and id retrieval. DML is
// shared: SQLite accepts $n placeholders, so queries run unchanged on
// both drivers.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const stripes = 64

// SQLLedger implements Ledger on database/sql. Appends to the same run
// are serialized with a striped in-process mutex plus a transaction; the
// Postgres dialect additionally takes an advisory lock so concurrent
// processes cannot fork a chain.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
	tracer  trace.Tracer
	locks   [stripes]sync.Mutex
}

// NewSQLLedger wraps an open database handle. Call Init before use.
func NewSQLLedger(db *sql.DB, dialect Dialect) *SQLLedger {
	return &SQLLedger{
		db:      db,
		dialect: dialect,
		tracer:  otel.Tracer("saw-runtime/ledger"),
	}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS execution_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	run_id TEXT NOT NULL,
	saw_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	decision TEXT NOT NULL,
	latency_ms REAL NOT NULL,
	prev_hash TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_execution_log_run ON execution_log(run_id, timestamp, id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS execution_log (
	id BIGSERIAL PRIMARY KEY,
	timestamp TEXT NOT NULL,
	run_id TEXT NOT NULL,
	saw_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	decision TEXT NOT NULL,
	latency_ms DOUBLE PRECISION NOT NULL,
	prev_hash TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_execution_log_run ON execution_log(run_id, timestamp, id);
`

// Init creates the execution_log table if missing.
func (l *SQLLedger) Init(ctx context.Context) error {
	schema := sqliteSchema
	if l.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger: init schema: %w", err)
	}
	return nil
}

func (l *SQLLedger) stripe(runID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return &l.locks[h.Sum32()%stripes]
}

// Append implements Ledger.
func (l *SQLLedger) Append(ctx context.Context, e *contracts.LogEntry) (*contracts.LogEntry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.append", trace.WithAttributes(
		attribute.String("run_id", e.RunID),
		attribute.String("node_id", e.NodeID),
	))
	defer span.End()

	if e.PrevHash != "" || e.EventHash != "" {
		return nil, errors.New("ledger: chain hashes are computed on append, not supplied")
	}
	stored := *e
	if stored.TimestampISO == "" {
		stored.TimestampISO = time.Now().UTC().Format(time.RFC3339Nano)
	}

	mu := l.stripe(stored.RunID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if l.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, stored.RunID); err != nil {
			return nil, fmt.Errorf("ledger: advisory lock: %w", err)
		}
	}

	// Chain order is (timestamp, id): id alone would do under the
	// serialized per-run append discipline, but the composite keeps the
	// contract explicit for multi-writer stores.
	prev := Genesis
	row := tx.QueryRowContext(ctx,
		`SELECT event_hash FROM execution_log WHERE run_id = $1 ORDER BY timestamp DESC, id DESC LIMIT 1`,
		stored.RunID)
	if err := row.Scan(&prev); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ledger: read chain head: %w", err)
		}
		prev = Genesis
	}

	payload, err := canonicalPayload(&stored)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonical payload: %w", err)
	}
	stored.PrevHash = prev
	stored.EventHash = chainHash(prev, payload)

	const insert = `
		INSERT INTO execution_log
			(timestamp, run_id, saw_id, node_id, tool_name, decision, latency_ms, prev_hash, event_hash, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if l.dialect == DialectPostgres {
		err = tx.QueryRowContext(ctx, insert+` RETURNING id`,
			stored.TimestampISO, stored.RunID, stored.SAWID, stored.NodeID, stored.ToolName,
			stored.Decision, stored.LatencyMS, stored.PrevHash, stored.EventHash, stored.Error,
		).Scan(&stored.ID)
		if err != nil {
			return nil, fmt.Errorf("ledger: insert entry: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, insert,
			stored.TimestampISO, stored.RunID, stored.SAWID, stored.NodeID, stored.ToolName,
			stored.Decision, stored.LatencyMS, stored.PrevHash, stored.EventHash, stored.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("ledger: insert entry: %w", err)
		}
		stored.ID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("ledger: last insert id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit append: %w", err)
	}
	return &stored, nil
}

// Entries implements Ledger.
func (l *SQLLedger) Entries(ctx context.Context, runID string) ([]contracts.LogEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, run_id, saw_id, node_id, tool_name, decision, latency_ms, prev_hash, event_hash, error
		FROM execution_log WHERE run_id = $1 ORDER BY timestamp ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]contracts.LogEntry, 0)
	for rows.Next() {
		var e contracts.LogEntry
		var errText sql.NullString
		if err := rows.Scan(&e.ID, &e.TimestampISO, &e.RunID, &e.SAWID, &e.NodeID,
			&e.ToolName, &e.Decision, &e.LatencyMS, &e.PrevHash, &e.EventHash, &errText); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.Error = errText.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return entries, nil
}

// Verify implements Ledger.
func (l *SQLLedger) Verify(ctx context.Context, runID string) (*VerifyResult, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.verify", trace.WithAttributes(
		attribute.String("run_id", runID),
	))
	defer span.End()

	entries, err := l.Entries(ctx, runID)
	if err != nil {
		return nil, err
	}
	return VerifyEntries(entries)
}
