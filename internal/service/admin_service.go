package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// PendingAction says what to do with a held record.
type PendingAction string

const (
	// PendingApply inserts the held record as a new ledger row.
	PendingApply PendingAction = "apply"
	// PendingDiscard drops it.
	PendingDiscard PendingAction = "discard"
)

// AdminService holds the operator-only ledger operations. None of them run
// as part of a reconciliation pass; each takes the account lock like one.
type AdminService struct {
	tx        domain.Transactor
	templates domain.TemplateStore
	locks     domain.LockManager
	archive   domain.SnapshotArchive
	lockTTL   time.Duration
	lockWait  time.Duration
	logger    *slog.Logger
}

// NewAdminService creates an AdminService. archive may be nil, which
// disables ExportLedger.
func NewAdminService(
	tx domain.Transactor,
	templates domain.TemplateStore,
	locks domain.LockManager,
	archive domain.SnapshotArchive,
	lockTTL, lockWait time.Duration,
	logger *slog.Logger,
) *AdminService {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &AdminService{
		tx:        tx,
		templates: templates,
		locks:     locks,
		archive:   archive,
		lockTTL:   lockTTL,
		lockWait:  lockWait,
		logger:    logger.With(slog.String("component", "admin_service")),
	}
}

func (s *AdminService) withLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx domain.TxStores) error) error {
	unlock, err := acquireWithin(ctx, s.locks, accountLockKey(accountID), s.lockTTL, s.lockWait, 50*time.Millisecond, nil)
	if err != nil {
		return err
	}
	defer unlock()
	return s.tx.InTx(ctx, fn)
}

// CreateAccount registers an account. Start, current and high-water
// balances default to the initial balance, and the phase to PHASE_1.
func (s *AdminService) CreateAccount(ctx context.Context, acc domain.Account) (domain.Account, error) {
	if acc.ID == "" {
		return domain.Account{}, errors.New("admin_service: account id is required")
	}
	if acc.State.Phase == "" {
		acc.State.Phase = domain.PhaseOne
	}
	if _, err := domain.ParsePhase(string(acc.State.Phase)); err != nil {
		return domain.Account{}, fmt.Errorf("admin_service: %w", err)
	}
	if acc.Timezone != "" {
		if _, err := time.LoadLocation(acc.Timezone); err != nil {
			return domain.Account{}, fmt.Errorf("admin_service: timezone %q: %w", acc.Timezone, err)
		}
	}
	st := &acc.State
	if st.StartBalance.IsZero() {
		st.StartBalance = st.InitialBalance
	}
	if st.CurrentBalance.IsZero() {
		st.CurrentBalance = st.StartBalance
	}
	if st.HighWaterMark.IsZero() {
		st.HighWaterMark = st.StartBalance
	}
	if st.PhaseStartedAt.IsZero() {
		st.PhaseStartedAt = time.Now().UTC()
	}

	err := s.withLock(ctx, acc.ID, func(ctx context.Context, tx domain.TxStores) error {
		if err := tx.Accounts.Create(ctx, acc); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, acc.ID, "admin.account_created", map[string]any{
			"phase":           string(acc.State.Phase),
			"initial_balance": acc.State.InitialBalance.String(),
		})
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("admin_service: create account %s: %w", acc.ID, err)
	}
	s.logger.InfoContext(ctx, "admin_service: account created",
		slog.String("account_id", acc.ID),
		slog.String("phase", string(acc.State.Phase)),
	)
	return acc, nil
}

// DeleteTicket removes every record of the account carrying ticketID.
func (s *AdminService) DeleteTicket(ctx context.Context, accountID, ticketID string) (int64, error) {
	var n int64
	err := s.withLock(ctx, accountID, func(ctx context.Context, tx domain.TxStores) error {
		var err error
		if n, err = tx.Ledger.DeleteTicket(ctx, accountID, ticketID); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, accountID, "admin.ticket_deleted", map[string]any{
			"ticket":  ticketID,
			"deleted": n,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("admin_service: delete ticket %s/%s: %w", accountID, ticketID, err)
	}
	s.logger.InfoContext(ctx, "admin_service: ticket deleted",
		slog.String("account_id", accountID),
		slog.String("ticket", ticketID),
		slog.Int64("deleted", n),
	)
	return n, nil
}

// AssignTemplate binds the account to a template version that must exist.
func (s *AdminService) AssignTemplate(ctx context.Context, accountID, templateID string, version int) error {
	if _, err := s.templates.Get(ctx, templateID, version); err != nil {
		return fmt.Errorf("admin_service: template %s v%d: %w", templateID, version, err)
	}
	err := s.withLock(ctx, accountID, func(ctx context.Context, tx domain.TxStores) error {
		if err := tx.Accounts.AssignTemplate(ctx, accountID, templateID, version); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, accountID, "admin.template_assigned", map[string]any{
			"template_id": templateID,
			"version":     version,
		})
	})
	if err != nil {
		return fmt.Errorf("admin_service: assign template to %s: %w", accountID, err)
	}
	s.logger.InfoContext(ctx, "admin_service: template assigned",
		slog.String("account_id", accountID),
		slog.String("template_id", templateID),
		slog.Int("version", version),
	)
	return nil
}

// ListPending returns the account's unresolved held records.
func (s *AdminService) ListPending(ctx context.Context, accountID string) ([]domain.PendingRecord, error) {
	var out []domain.PendingRecord
	err := s.tx.InTx(ctx, func(ctx context.Context, tx domain.TxStores) error {
		var err error
		out, err = tx.Pending.ListOpen(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("admin_service: list pending %s: %w", accountID, err)
	}
	return out, nil
}

// ResolvePending applies or discards a held record. Applying inserts it as
// a new row under its own ticket; the ledger store still rejects a second
// open record for the same ticket.
func (s *AdminService) ResolvePending(ctx context.Context, accountID, pendingID string, action PendingAction) error {
	if action != PendingApply && action != PendingDiscard {
		return fmt.Errorf("admin_service: unknown pending action %q", action)
	}

	err := s.withLock(ctx, accountID, func(ctx context.Context, tx domain.TxStores) error {
		p, err := tx.Pending.GetByID(ctx, pendingID)
		if err != nil {
			return err
		}
		if p.AccountID != accountID {
			return fmt.Errorf("pending %s belongs to account %s: %w", pendingID, p.AccountID, domain.ErrNotFound)
		}
		if p.ResolvedAt != nil {
			return fmt.Errorf("pending %s already resolved", pendingID)
		}

		if action == PendingApply {
			rec := p.Record
			now := time.Now().UTC()
			rec.ID = uuid.NewString()
			rec.CreatedAt = now
			rec.UpdatedAt = now
			if rec.IsOpen() {
				rec.LastSeenAt = p.AsOf
			}
			if err := tx.Ledger.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		if err := tx.Pending.MarkResolved(ctx, pendingID, time.Now()); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, accountID, "admin.pending_"+string(action), map[string]any{
			"pending_id": pendingID,
			"ticket":     p.TicketID,
			"reason":     p.Reason,
		})
	})
	if err != nil {
		return fmt.Errorf("admin_service: resolve pending %s: %w", pendingID, err)
	}
	s.logger.InfoContext(ctx, "admin_service: pending resolved",
		slog.String("account_id", accountID),
		slog.String("pending_id", pendingID),
		slog.String("action", string(action)),
	)
	return nil
}

// ExportLedger writes the account's full ledger to the archive.
func (s *AdminService) ExportLedger(ctx context.Context, accountID string) (string, error) {
	if s.archive == nil {
		return "", errors.New("admin_service: export needs a snapshot archive")
	}
	var records []domain.PositionRecord
	err := s.tx.InTx(ctx, func(ctx context.Context, tx domain.TxStores) error {
		if _, err := tx.Accounts.GetByID(ctx, accountID); err != nil {
			return err
		}
		var err error
		records, err = tx.Ledger.ListByAccount(ctx, accountID, domain.ListOpts{})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("admin_service: export %s: %w", accountID, err)
	}

	path, err := s.archive.ExportLedger(ctx, accountID, records)
	if err != nil {
		return "", fmt.Errorf("admin_service: export %s: %w", accountID, err)
	}
	s.logger.InfoContext(ctx, "admin_service: ledger exported",
		slog.String("account_id", accountID),
		slog.String("path", path),
		slog.Int("records", len(records)),
	)
	return path, nil
}

// AccountStatus is a read-only view of one account.
type AccountStatus struct {
	Account    domain.Account          `json:"account"`
	Open       []domain.PositionRecord `json:"open"`
	Violations []domain.Violation      `json:"violations"`
	Pending    []domain.PendingRecord  `json:"pending"`
}

// Status reads the account, its open records, its latest violations and
// its unresolved held records in one consistent view.
func (s *AdminService) Status(ctx context.Context, accountID string, violationLimit int) (AccountStatus, error) {
	var st AccountStatus
	err := s.tx.InTx(ctx, func(ctx context.Context, tx domain.TxStores) error {
		var err error
		if st.Account, err = tx.Accounts.GetByID(ctx, accountID); err != nil {
			return err
		}
		if st.Open, err = tx.Ledger.ListOpen(ctx, accountID); err != nil {
			return err
		}
		if st.Violations, err = tx.Violations.ListByAccount(ctx, accountID, domain.ListOpts{Limit: violationLimit}); err != nil {
			return err
		}
		st.Pending, err = tx.Pending.ListOpen(ctx, accountID)
		return err
	})
	if err != nil {
		return AccountStatus{}, fmt.Errorf("admin_service: status %s: %w", accountID, err)
	}
	return st, nil
}
