package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLCounter implements Counter using a single row per scope. The increment is
// one upsert statement, so concurrent writers never lose updates. The SQL runs
// unchanged on PostgreSQL and SQLite.
type SQLCounter struct {
	db    *sql.DB
	scope string
}

const counterSchema = `
CREATE TABLE IF NOT EXISTS budget_counters (
	scope TEXT PRIMARY KEY,
	used BIGINT NOT NULL DEFAULT 0
)`

// NewSQLCounter binds a counter to db. Call Init before first use.
func NewSQLCounter(db *sql.DB, scope string) *SQLCounter {
	return &SQLCounter{db: db, scope: scope}
}

// Init creates the counter table if needed.
func (c *SQLCounter) Init(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, counterSchema); err != nil {
		return fmt.Errorf("failed to init budget counters: %w", err)
	}
	return nil
}

func (c *SQLCounter) Add(ctx context.Context, amount int64) (int64, error) {
	query := `
		INSERT INTO budget_counters (scope, used) VALUES ($1, $2)
		ON CONFLICT (scope) DO UPDATE SET used = budget_counters.used + EXCLUDED.used
		RETURNING used`
	var total int64
	if err := c.db.QueryRowContext(ctx, query, c.scope, amount).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to add usage: %w", err)
	}
	return total, nil
}

func (c *SQLCounter) Load(ctx context.Context) (int64, error) {
	var total int64
	err := c.db.QueryRowContext(ctx, "SELECT used FROM budget_counters WHERE scope = $1", c.scope).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No usage recorded yet
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load usage: %w", err)
	}
	return total, nil
}

func (c *SQLCounter) Reset(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "UPDATE budget_counters SET used = 0 WHERE scope = $1", c.scope); err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	return nil
}
