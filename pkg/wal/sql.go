package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

// SQLLog implements Log using database/sql. It supports both Postgres and
// SQLite via standard drivers; a single table holds every execution's chain.
type SQLLog struct {
	db *sql.DB
}

// NewSQLLog wraps an opened database handle.
func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db}
}

const walSchema = `
CREATE TABLE IF NOT EXISTS wal_entries (
	execution_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	transition TEXT NOT NULL,
	payload TEXT,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
`

// Init creates the schema if needed.
func (s *SQLLog) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, walSchema)
	return err
}

// Append implements Log. The per-execution sequence is assigned inside a
// transaction so concurrent appends for the same execution cannot collide.
func (s *SQLLog) Append(ctx context.Context, executionID string, transition contracts.ExecutionState, payload any) (*Entry, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("wal append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	var prev string
	row := tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM wal_entries WHERE execution_id = $1 ORDER BY seq DESC LIMIT 1`,
		executionID,
	)
	switch err := row.Scan(&seq, &prev); err {
	case nil:
		seq++
	case sql.ErrNoRows:
		seq, prev = 0, "genesis"
	default:
		return nil, fmt.Errorf("wal append: head query: %w", err)
	}

	entry := buildEntry(executionID, seq, transition, raw, prev)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO wal_entries (execution_id, seq, transition, payload, prev_hash, entry_hash, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ExecutionID, entry.Seq, string(entry.Transition), nullableString(entry.Payload),
		entry.PrevHash, entry.EntryHash, entry.RecordedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("wal append: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("wal append: commit: %w", err)
	}
	return entry, nil
}

// Replay implements Log.
func (s *SQLLog) Replay(ctx context.Context, executionID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, seq, transition, payload, prev_hash, entry_hash, recorded_at
		 FROM wal_entries WHERE execution_id = $1 ORDER BY seq ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("wal replay: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wal replay: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrExecutionUnknown
	}
	return entries, nil
}

// Head implements Log.
func (s *SQLLog) Head(ctx context.Context, executionID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, seq, transition, payload, prev_hash, entry_hash, recorded_at
		 FROM wal_entries WHERE execution_id = $1 ORDER BY seq DESC LIMIT 1`,
		executionID,
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// Verify implements Log.
func (s *SQLLog) Verify(ctx context.Context, executionID string) error {
	entries, err := s.Replay(ctx, executionID)
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

// ExecutionIDs returns every execution present in the log, for the boot-time
// recovery scan.
func (s *SQLLog) ExecutionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT execution_id FROM wal_entries`)
	if err != nil {
		return nil, fmt.Errorf("wal scan: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		transition string
		payload    sql.NullString
		recordedAt time.Time
	)
	if err := row.Scan(&e.ExecutionID, &e.Seq, &transition, &payload, &e.PrevHash, &e.EntryHash, &recordedAt); err != nil {
		return nil, err
	}
	e.Transition = contracts.ExecutionState(transition)
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	e.RecordedAt = recordedAt
	return &e, nil
}

func nullableString(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
