package risk

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists risk events in PostgreSQL.
// Schema: migrations/002_risk_events.sql
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events (
			id, source, owner_addr, spender_addr, token_addr, allowance,
			is_infinite, is_contract, is_whitelisted, level, reasons,
			tx_hash, block_number, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`,
		event.ID,
		string(event.Source),
		event.Owner,
		event.Spender,
		event.Token,
		event.Allowance,
		event.IsInfinite,
		event.IsContract,
		event.IsWhitelisted,
		string(event.Risk.Level),
		pq.Array(event.Risk.Reasons),
		nullString(event.TxHash),
		int64(event.BlockNumber), //nolint:gosec // block numbers fit in int64
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, owner_addr, spender_addr, token_addr, allowance::text,
		       is_infinite, is_contract, is_whitelisted, level, reasons,
		       COALESCE(tx_hash, ''), block_number, observed_at
		FROM risk_events
		WHERE owner_addr = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var (
			e           Event
			source      string
			level       string
			reasons     []string
			blockNumber int64
			observedAt  time.Time
		)
		if err := rows.Scan(&e.ID, &source, &e.Owner, &e.Spender, &e.Token, &e.Allowance,
			&e.IsInfinite, &e.IsContract, &e.IsWhitelisted, &level, pq.Array(&reasons),
			&e.TxHash, &blockNumber, &observedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}
		e.Type = EventType
		e.Source = Source(source)
		e.Risk = Verdict{Level: Level(level), Reasons: reasons}
		e.BlockNumber = uint64(blockNumber) //nolint:gosec // stored from a uint64
		e.Timestamp = observedAt
		result = append(result, &e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
