package roster

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LoadPostgres reads the roster once at startup, ordered by position. The
// pool is closed before returning; the roster never changes afterwards.
func LoadPostgres(ctx context.Context, databaseURL string) (*Roster, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx,
		`SELECT name, avatar FROM roster_users ORDER BY position ASC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.Name, &e.Avatar); err != nil {
			return nil, fmt.Errorf("scan roster row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster rows: %w", err)
	}

	return fromEntries(entries)
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS roster_users (
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_roster_users_position ON roster_users (position);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}
