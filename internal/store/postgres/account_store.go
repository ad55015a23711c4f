package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	db querier
}

var _ domain.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{db: pool}
}

const accountSelectCols = `id, login, broker, phase, initial_balance, start_balance,
	current_balance, high_water_mark, phase_started_at, failed_at,
	template_id, template_version, timezone, last_snapshot_at, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	var phase string
	err := row.Scan(
		&a.ID, &a.Login, &a.Broker, &phase, &a.State.InitialBalance, &a.State.StartBalance,
		&a.State.CurrentBalance, &a.State.HighWaterMark, &a.State.PhaseStartedAt, &a.State.FailedAt,
		&a.TemplateID, &a.TemplateVersion, &a.Timezone, &a.LastSnapshotAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Account{}, err
	}
	a.State.Phase = domain.Phase(phase)
	return a, nil
}

// Create inserts a new account.
func (s *AccountStore) Create(ctx context.Context, a domain.Account) error {
	const query = `
		INSERT INTO accounts (
			id, login, broker, phase, initial_balance, start_balance,
			current_balance, high_water_mark, phase_started_at, failed_at,
			template_id, template_version, timezone, last_snapshot_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`

	tz := a.Timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err := s.db.Exec(ctx, query,
		a.ID, a.Login, a.Broker, string(a.State.Phase), a.State.InitialBalance, a.State.StartBalance,
		a.State.CurrentBalance, a.State.HighWaterMark, a.State.PhaseStartedAt, a.State.FailedAt,
		a.TemplateID, a.TemplateVersion, tz, a.LastSnapshotAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create account %s: %w", a.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create account %s: %w", a.ID, err)
	}
	return nil
}

// GetByID retrieves a single account by its ID.
func (s *AccountStore) GetByID(ctx context.Context, id string) (domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountSelectCols+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("postgres: account %s: %w", id, domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, err)
	}
	return a, nil
}

// UpdateState persists the phase state and the snapshot watermark.
func (s *AccountStore) UpdateState(ctx context.Context, a domain.Account) error {
	const query = `
		UPDATE accounts SET
			phase            = $2,
			initial_balance  = $3,
			start_balance    = $4,
			current_balance  = $5,
			high_water_mark  = $6,
			phase_started_at = $7,
			failed_at        = $8,
			last_snapshot_at = $9,
			updated_at       = NOW()
		WHERE id = $1`

	st := a.State
	tag, err := s.db.Exec(ctx, query,
		a.ID, string(st.Phase), st.InitialBalance, st.StartBalance,
		st.CurrentBalance, st.HighWaterMark, st.PhaseStartedAt, st.FailedAt,
		a.LastSnapshotAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update account %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update account %s: %w", a.ID, domain.ErrNotFound)
	}
	return nil
}

// AssignTemplate binds a rule template version to the account.
func (s *AccountStore) AssignTemplate(ctx context.Context, id, templateID string, version int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET template_id = $2, template_version = $3, updated_at = NOW() WHERE id = $1`,
		id, templateID, version)
	if err != nil {
		return fmt.Errorf("postgres: assign template to %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: assign template to %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns every account ordered by ID.
func (s *AccountStore) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountSelectCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list accounts rows: %w", err)
	}
	return out, nil
}
