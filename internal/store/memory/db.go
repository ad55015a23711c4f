// Package memory implements the domain stores in process memory. It backs
// single-process runs and tests. Transactions are copy-on-write: a
// transaction works on a private copy of the data and swaps it in on commit.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

type violationRow struct {
	accountID string
	v         domain.Violation
}

type state struct {
	positions  map[string]domain.PositionRecord
	accounts   map[string]domain.Account
	templates  map[string]domain.RuleTemplate
	pending    map[string]domain.PendingRecord
	violations []violationRow
	audit      []domain.AuditEntry
	auditSeq   int64
}

func newState() *state {
	return &state{
		positions: make(map[string]domain.PositionRecord),
		accounts:  make(map[string]domain.Account),
		templates: make(map[string]domain.RuleTemplate),
		pending:   make(map[string]domain.PendingRecord),
	}
}

// clone copies every table. Records are values, so a shallow copy of each
// map entry is enough as long as nobody mutates through pointer fields,
// which the stores never do.
func (s *state) clone() *state {
	c := &state{
		positions:  make(map[string]domain.PositionRecord, len(s.positions)),
		accounts:   make(map[string]domain.Account, len(s.accounts)),
		templates:  make(map[string]domain.RuleTemplate, len(s.templates)),
		pending:    make(map[string]domain.PendingRecord, len(s.pending)),
		violations: append([]violationRow(nil), s.violations...),
		audit:      append([]domain.AuditEntry(nil), s.audit...),
		auditSeq:   s.auditSeq,
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.pending {
		c.pending[k] = v
	}
	return c
}

// DB owns the in-memory tables.
type DB struct {
	// txMu serializes writers; mu guards the st pointer and its contents.
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

// New creates an empty DB.
func New() *DB {
	return &DB{st: newState()}
}

// view routes a store either to the shared tables or to a transaction's
// private copy.
type view struct {
	db *DB
	tx *state
}

func (v view) read(fn func(*state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.db.mu.RLock()
	defer v.db.mu.RUnlock()
	return fn(v.db.st)
}

func (v view) write(fn func(*state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.db.txMu.Lock()
	defer v.db.txMu.Unlock()
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	return fn(v.db.st)
}

// Ledger returns the position store.
func (db *DB) Ledger() *LedgerStore { return &LedgerStore{view{db: db}} }

// Accounts returns the account store.
func (db *DB) Accounts() *AccountStore { return &AccountStore{view{db: db}} }

// Templates returns the rule template store.
func (db *DB) Templates() *TemplateStore { return &TemplateStore{view{db: db}} }

// Pending returns the pending-record store.
func (db *DB) Pending() *PendingStore { return &PendingStore{view{db: db}} }

// Violations returns the violation log.
func (db *DB) Violations() *ViolationStore { return &ViolationStore{view{db: db}} }

// Audit returns the audit log.
func (db *DB) Audit() *AuditStore { return &AuditStore{view{db: db}} }

func (db *DB) stores(tx *state) domain.TxStores {
	v := view{db: db, tx: tx}
	return domain.TxStores{
		Ledger:     &LedgerStore{v},
		Accounts:   &AccountStore{v},
		Pending:    &PendingStore{v},
		Violations: &ViolationStore{v},
		Audit:      &AuditStore{v},
	}
}

// InTx implements domain.Transactor. Writers are serialized for the whole
// transaction; readers outside it keep seeing the last committed state.
// Stores used inside fn must be the ones passed to it.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, s domain.TxStores) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mu.RLock()
	tx := db.st.clone()
	db.mu.RUnlock()

	if err := fn(ctx, db.stores(tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: commit: %w", err)
	}

	db.mu.Lock()
	db.st = tx
	db.mu.Unlock()
	return nil
}

var _ domain.Transactor = (*DB)(nil)
