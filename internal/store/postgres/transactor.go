package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// Transactor implements domain.Transactor with a pgx transaction. Every
// store handed to fn shares the transaction.
type Transactor struct {
	pool *pgxpool.Pool
	opts pgx.TxOptions
}

var _ domain.Transactor = (*Transactor)(nil)

// NewTransactor creates a Transactor. Passes run at REPEATABLE READ so the
// resolver's reads stay consistent with its writes.
func NewTransactor(pool *pgxpool.Pool) *Transactor {
	return &Transactor{pool: pool, opts: pgx.TxOptions{IsoLevel: pgx.RepeatableRead}}
}

// InTx runs fn in a transaction. It commits when fn returns nil and rolls
// back on error or panic.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context, s domain.TxStores) error) (err error) {
	tx, err := t.pool.BeginTx(ctx, t.opts)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	stores := domain.TxStores{
		Ledger:     &LedgerStore{db: tx},
		Accounts:   &AccountStore{db: tx},
		Pending:    &PendingStore{db: tx},
		Violations: &ViolationStore{db: tx},
		Audit:      &AuditStore{db: tx},
	}
	if err = fn(ctx, stores); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}
