package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
)

// SQLExecutionSpace is the durable execution-state store over database/sql,
// usable with SQLite or Postgres. Each row is a {tenant, execution, key}
// composite; tenancy is checked on the stored row, not trusted from input.
type SQLExecutionSpace struct {
	db *sql.DB
}

// NewSQLExecutionSpace returns the space and its single write handle.
func NewSQLExecutionSpace(db *sql.DB) (*SQLExecutionSpace, ExecutionWriter) {
	s := &SQLExecutionSpace{db: db}
	return s, (*sqlExecutionWriter)(s)
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS execution_state (
	execution_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (execution_id, key)
);
`

// Init creates the schema if needed.
func (s *SQLExecutionSpace) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, stateSchema)
	return err
}

// Get implements ExecutionSpace.
func (s *SQLExecutionSpace) Get(ctx context.Context, tenantID, executionID, key string) (any, bool, error) {
	var owner string
	var raw sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, value FROM execution_state WHERE execution_id = $1 AND key = $2`,
		executionID, key,
	)
	switch err := row.Scan(&owner, &raw); err {
	case nil:
	case sql.ErrNoRows:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("execution state get: %w", err)
	}

	if owner != tenantID {
		return nil, false, &contracts.TenancyViolationError{Caller: tenantID, Owner: owner, Key: executionID + "/" + key}
	}
	if !raw.Valid {
		return nil, true, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, false, fmt.Errorf("execution state decode: %w", err)
	}
	return v, true, nil
}

type sqlExecutionWriter SQLExecutionSpace

func (w *sqlExecutionWriter) Set(ctx context.Context, tenantID, executionID, key string, value any) error {
	if err := w.checkOwner(ctx, tenantID, executionID, key); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("execution state encode: %w", err)
	}
	_, err = w.db.ExecContext(ctx,
		`INSERT INTO execution_state (execution_id, tenant_id, key, value) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (execution_id, key) DO UPDATE SET value = $4`,
		executionID, tenantID, key, string(raw),
	)
	if err != nil {
		return fmt.Errorf("execution state set: %w", err)
	}
	return nil
}

func (w *sqlExecutionWriter) Delete(ctx context.Context, tenantID, executionID, key string) error {
	if err := w.checkOwner(ctx, tenantID, executionID, key); err != nil {
		return err
	}
	_, err := w.db.ExecContext(ctx,
		`DELETE FROM execution_state WHERE execution_id = $1 AND key = $2`,
		executionID, key,
	)
	if err != nil {
		return fmt.Errorf("execution state delete: %w", err)
	}
	return nil
}

func (w *sqlExecutionWriter) checkOwner(ctx context.Context, tenantID, executionID, key string) error {
	var owner string
	row := w.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM execution_state WHERE execution_id = $1 LIMIT 1`,
		executionID,
	)
	switch err := row.Scan(&owner); err {
	case nil:
	case sql.ErrNoRows:
		return nil
	default:
		return fmt.Errorf("execution state owner check: %w", err)
	}
	if owner != tenantID {
		return &contracts.TenancyViolationError{Caller: tenantID, Owner: owner, Key: executionID + "/" + key}
	}
	return nil
}
