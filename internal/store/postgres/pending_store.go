package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// PendingStore implements domain.PendingStore using PostgreSQL.
type PendingStore struct {
	db querier
}

var _ domain.PendingStore = (*PendingStore)(nil)

// NewPendingStore creates a new PendingStore backed by the given connection pool.
func NewPendingStore(pool *pgxpool.Pool) *PendingStore {
	return &PendingStore{db: pool}
}

const pendingSelectCols = `id, account_id, ticket_id, as_of, record, reason, created_at, resolved_at`

func scanPending(row pgx.Row) (domain.PendingRecord, error) {
	var p domain.PendingRecord
	var record []byte
	if err := row.Scan(&p.ID, &p.AccountID, &p.TicketID, &p.AsOf, &record, &p.Reason, &p.CreatedAt, &p.ResolvedAt); err != nil {
		return domain.PendingRecord{}, err
	}
	if err := json.Unmarshal(record, &p.Record); err != nil {
		return domain.PendingRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return p, nil
}

// Enqueue stores a held record. Re-enqueueing the same ticket for the same
// snapshot is a no-op.
func (s *PendingStore) Enqueue(ctx context.Context, p domain.PendingRecord) error {
	record, err := json.Marshal(p.Record)
	if err != nil {
		return fmt.Errorf("postgres: marshal pending record: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO pending_records (id, account_id, ticket_id, as_of, record, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (account_id, ticket_id, as_of) DO NOTHING`,
		p.ID, p.AccountID, p.TicketID, p.AsOf, record, p.Reason, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: enqueue pending %s: %w", p.TicketID, err)
	}
	return nil
}

// ListOpen returns the account's unresolved records, oldest first.
func (s *PendingStore) ListOpen(ctx context.Context, accountID string) ([]domain.PendingRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+pendingSelectCols+` FROM pending_records
		 WHERE account_id = $1 AND resolved_at IS NULL
		 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingRecord
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pending: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pending rows: %w", err)
	}
	return out, nil
}

// GetByID retrieves a single pending record.
func (s *PendingStore) GetByID(ctx context.Context, id string) (domain.PendingRecord, error) {
	p, err := scanPending(s.db.QueryRow(ctx,
		`SELECT `+pendingSelectCols+` FROM pending_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PendingRecord{}, fmt.Errorf("postgres: pending %s: %w", id, domain.ErrNotFound)
		}
		return domain.PendingRecord{}, fmt.Errorf("postgres: get pending %s: %w", id, err)
	}
	return p, nil
}

// MarkResolved closes an unresolved pending record.
func (s *PendingStore) MarkResolved(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pending_records SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("postgres: resolve pending %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: unresolved pending %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
