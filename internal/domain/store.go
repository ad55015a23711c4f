package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerStore persists position records. It is the repository the
// reconciliation engine merges into.
type LedgerStore interface {
	// FindByTicket returns every record of the account carrying ticketID,
	// open or closed.
	FindByTicket(ctx context.Context, accountID, ticketID string) ([]PositionRecord, error)
	// Upsert inserts rec or updates the row with the same ID. Closed rows
	// reject changes to their settled fields with ErrClosedImmutable.
	Upsert(ctx context.Context, rec PositionRecord) error
	// Rename moves a closed record to a new ticket, keeping the root ticket.
	// It returns ErrAlreadyExists if newTicketID is taken.
	Rename(ctx context.Context, accountID, recordID, newTicketID string) error
	ListOpen(ctx context.Context, accountID string) ([]PositionRecord, error)
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]PositionRecord, error)
	// DeleteTicket is an administrative operation; the engine never calls it.
	DeleteTicket(ctx context.Context, accountID, ticketID string) (int64, error)
}

// AccountStore persists accounts and their phase state.
type AccountStore interface {
	Create(ctx context.Context, acc Account) error
	GetByID(ctx context.Context, id string) (Account, error)
	UpdateState(ctx context.Context, acc Account) error
	AssignTemplate(ctx context.Context, id, templateID string, version int) error
	List(ctx context.Context) ([]Account, error)
}

// TemplateStore reads versioned rule templates. The engine never writes them.
type TemplateStore interface {
	Get(ctx context.Context, id string, version int) (RuleTemplate, error)
	List(ctx context.Context) ([]RuleTemplate, error)
}

// TemplateWriter publishes templates into a store; used by admin tooling.
type TemplateWriter interface {
	Put(ctx context.Context, t RuleTemplate) error
}

// PendingStore holds records the conflict resolver could not place.
type PendingStore interface {
	// Enqueue is idempotent per (account, ticket, asOf).
	Enqueue(ctx context.Context, p PendingRecord) error
	ListOpen(ctx context.Context, accountID string) ([]PendingRecord, error)
	GetByID(ctx context.Context, id string) (PendingRecord, error)
	MarkResolved(ctx context.Context, id string, at time.Time) error
}

// ViolationStore keeps the violation log. Recording is idempotent per
// (account, phase, kind, trading day).
type ViolationStore interface {
	Record(ctx context.Context, accountID string, v Violation) error
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]Violation, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	AccountID string
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, accountID, event string, detail map[string]any) error
	List(ctx context.Context, accountID string, opts ListOpts) ([]AuditEntry, error)
}

// TxStores is the set of stores bound to one transaction.
type TxStores struct {
	Ledger     LedgerStore
	Accounts   AccountStore
	Pending    PendingStore
	Violations ViolationStore
	Audit      AuditStore
}

// Transactor runs fn atomically: every write made through the given stores
// commits together or not at all.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, s TxStores) error) error
}
