package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// ViolationStore implements domain.ViolationStore using PostgreSQL.
type ViolationStore struct {
	db querier
}

var _ domain.ViolationStore = (*ViolationStore)(nil)

// NewViolationStore creates a new ViolationStore backed by the given connection pool.
func NewViolationStore(pool *pgxpool.Pool) *ViolationStore {
	return &ViolationStore{db: pool}
}

// Record appends a violation once per account, phase, kind, and trading day.
func (s *ViolationStore) Record(ctx context.Context, accountID string, v domain.Violation) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO violations (account_id, phase, kind, trading_day, threshold, observed, detail, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (account_id, phase, kind, trading_day) DO NOTHING`,
		accountID, string(v.Phase), string(v.Kind), v.TradingDay, v.Threshold, v.Observed, v.Detail, v.DetectedAt)
	if err != nil {
		return fmt.Errorf("postgres: record violation %s: %w", v.Kind, err)
	}
	return nil
}

// ListByAccount returns the account's violations, oldest first.
func (s *ViolationStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Violation, error) {
	query := `SELECT phase, kind, trading_day, threshold, observed, detail, detected_at
		FROM violations WHERE account_id = $1`
	args := []any{accountID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND detected_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND detected_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY detected_at, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list violations: %w", err)
	}
	defer rows.Close()

	var out []domain.Violation
	for rows.Next() {
		var v domain.Violation
		var phase, kind string
		if err := rows.Scan(&phase, &kind, &v.TradingDay, &v.Threshold, &v.Observed, &v.Detail, &v.DetectedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan violation: %w", err)
		}
		v.Phase = domain.Phase(phase)
		v.Kind = domain.ViolationKind(kind)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list violations rows: %w", err)
	}
	return out, nil
}
