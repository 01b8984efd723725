package whitelist

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore persists whitelists in PostgreSQL.
// Schema: migrations/001_whitelist.sql
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed whitelist store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, owner string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT spender_addr FROM whitelist_entries
		WHERE owner_addr = $1
		ORDER BY spender_addr
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query whitelist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var sp string
		if err := rows.Scan(&sp); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// Set replaces the owner's entries inside one transaction.
func (p *PostgresStore) Set(ctx context.Context, owner string, spenders []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM whitelist_entries WHERE owner_addr = $1`, owner); err != nil {
		return fmt.Errorf("failed to clear whitelist: %w", err)
	}
	if len(spenders) > 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO whitelist_entries (owner_addr, spender_addr)
			SELECT $1, unnest($2::text[])
			ON CONFLICT DO NOTHING
		`, owner, pq.Array(spenders))
		if err != nil {
			return fmt.Errorf("failed to insert whitelist: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit whitelist: %w", err)
	}
	return nil
}

func (p *PostgresStore) Add(ctx context.Context, owner, spender string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO whitelist_entries (owner_addr, spender_addr) VALUES ($1, $2)
	`, owner, spender)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to add whitelist entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) Remove(ctx context.Context, owner, spender string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM whitelist_entries WHERE owner_addr = $1 AND spender_addr = $2
	`, owner, spender)
	if err != nil {
		return fmt.Errorf("failed to remove whitelist entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) Contains(ctx context.Context, owner, spender string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM whitelist_entries WHERE owner_addr = $1 AND spender_addr = $2
		)
	`, owner, spender).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check whitelist: %w", err)
	}
	return exists, nil
}
