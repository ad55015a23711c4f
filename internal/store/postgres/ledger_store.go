package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// querier is the subset of pgx shared by the pool and a transaction, so the
// same store code runs in both.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	db querier
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{db: pool}
}

const positionSelectCols = `id, account_id, ticket_id, original_ticket, symbol, side,
	volume, open_time, close_time, open_price, close_price,
	pnl_gross, swap, commission, comment, magic, deal_reason,
	trade_phase, source_kind, last_seen_at, missed_snapshots, stale,
	created_at, updated_at`

func scanPosition(row pgx.Row) (domain.PositionRecord, error) {
	var (
		p          domain.PositionRecord
		side       string
		phase      string
		source     string
		closePrice decimal.NullDecimal
		lastSeen   *time.Time
	)
	err := row.Scan(
		&p.ID, &p.AccountID, &p.TicketID, &p.OriginalTicket, &p.Symbol, &side,
		&p.Volume, &p.OpenTime, &p.CloseTime, &p.OpenPrice, &closePrice,
		&p.PnLGross, &p.Swap, &p.Commission, &p.Comment, &p.Magic, &p.DealReason,
		&phase, &source, &lastSeen, &p.MissedSnapshots, &p.Stale,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.PositionRecord{}, err
	}
	p.Side = domain.Side(side)
	p.TradePhase = domain.Phase(phase)
	p.SourceKind = domain.SourceKind(source)
	if closePrice.Valid {
		cp := closePrice.Decimal
		p.ClosePrice = &cp
	}
	if lastSeen != nil {
		p.LastSeenAt = lastSeen.UTC()
	}
	p.OpenTime = p.OpenTime.UTC()
	if p.CloseTime != nil {
		ct := p.CloseTime.UTC()
		p.CloseTime = &ct
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.PositionRecord, error) {
	defer rows.Close()
	var out []domain.PositionRecord
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindByTicket returns every record of the account with the given ticket.
func (s *LedgerStore) FindByTicket(ctx context.Context, accountID, ticketID string) ([]domain.PositionRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account_id = $1 AND ticket_id = $2
		 ORDER BY open_time, ticket_id`, accountID, ticketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: find ticket %s: %w", ticketID, err)
	}
	recs, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ticket %s: %w", ticketID, err)
	}
	return recs, nil
}

// Upsert inserts a record or updates it while it is still open. Writing to
// a settled row returns domain.ErrClosedImmutable.
func (s *LedgerStore) Upsert(ctx context.Context, p domain.PositionRecord) error {
	const query = `
		INSERT INTO positions (
			id, account_id, ticket_id, original_ticket, symbol, side,
			volume, open_time, close_time, open_price, close_price,
			pnl_gross, swap, commission, comment, magic, deal_reason,
			trade_phase, source_kind, last_seen_at, missed_snapshots, stale,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24
		)
		ON CONFLICT (id) DO UPDATE SET
			volume           = EXCLUDED.volume,
			close_time       = EXCLUDED.close_time,
			close_price      = EXCLUDED.close_price,
			pnl_gross        = EXCLUDED.pnl_gross,
			swap             = EXCLUDED.swap,
			commission       = EXCLUDED.commission,
			comment          = EXCLUDED.comment,
			deal_reason      = EXCLUDED.deal_reason,
			last_seen_at     = EXCLUDED.last_seen_at,
			missed_snapshots = EXCLUDED.missed_snapshots,
			stale            = EXCLUDED.stale,
			updated_at       = EXCLUDED.updated_at
		WHERE positions.close_time IS NULL`

	var lastSeen *time.Time
	if !p.LastSeenAt.IsZero() {
		lastSeen = &p.LastSeenAt
	}
	tag, err := s.db.Exec(ctx, query,
		p.ID, p.AccountID, p.TicketID, p.OriginalTicket, p.Symbol, string(p.Side),
		p.Volume, p.OpenTime, p.CloseTime, p.OpenPrice, p.ClosePrice,
		p.PnLGross, p.Swap, p.Commission, p.Comment, p.Magic, p.DealReason,
		string(p.TradePhase), string(p.SourceKind), lastSeen, p.MissedSnapshots, p.Stale,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: open ticket %s: %w", p.TicketID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, domain.ErrClosedImmutable)
	}
	return nil
}

// Rename moves a closed record to newTicketID, keeping the root ticket in
// original_ticket.
func (s *LedgerStore) Rename(ctx context.Context, accountID, recordID, newTicketID string) error {
	var taken bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM positions WHERE account_id = $1 AND ticket_id = $2)`,
		accountID, newTicketID,
	).Scan(&taken)
	if err != nil {
		return fmt.Errorf("postgres: check ticket %s: %w", newTicketID, err)
	}
	if taken {
		return fmt.Errorf("postgres: rename to %s: %w", newTicketID, domain.ErrAlreadyExists)
	}

	const query = `
		UPDATE positions SET
			original_ticket = CASE WHEN original_ticket = '' THEN ticket_id ELSE original_ticket END,
			ticket_id       = $3,
			updated_at      = NOW()
		WHERE id = $1 AND account_id = $2 AND close_time IS NOT NULL`

	tag, err := s.db.Exec(ctx, query, recordID, accountID, newTicketID)
	if err != nil {
		return fmt.Errorf("postgres: rename position %s: %w", recordID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: rename closed position %s: %w", recordID, domain.ErrNotFound)
	}
	return nil
}

// ListOpen returns the account's open records ordered by open time.
func (s *LedgerStore) ListOpen(ctx context.Context, accountID string) ([]domain.PositionRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account_id = $1 AND close_time IS NULL
		 ORDER BY open_time, ticket_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	recs, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return recs, nil
}

// ListByAccount returns the account's records with pagination and optional
// open-time filtering.
func (s *LedgerStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.PositionRecord, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE account_id = $1`
	args := []any{accountID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND open_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND open_time < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY open_time, ticket_id"

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
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	recs, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return recs, nil
}

// DeleteTicket removes every record carrying ticketID. The immutability
// trigger only guards updates, so settled rows can be removed here.
func (s *LedgerStore) DeleteTicket(ctx context.Context, accountID, ticketID string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND ticket_id = $2`, accountID, ticketID)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete ticket %s: %w", ticketID, err)
	}
	return tag.RowsAffected(), nil
}
