package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// PendingStore implements domain.PendingStore.
type PendingStore struct{ v view }

var _ domain.PendingStore = (*PendingStore)(nil)

func (s *PendingStore) Enqueue(_ context.Context, p domain.PendingRecord) error {
	return s.v.write(func(st *state) error {
		for _, cur := range st.pending {
			if cur.AccountID == p.AccountID && cur.TicketID == p.TicketID && cur.AsOf.Equal(p.AsOf) {
				return nil
			}
		}
		st.pending[p.ID] = p
		return nil
	})
}

func (s *PendingStore) ListOpen(_ context.Context, accountID string) ([]domain.PendingRecord, error) {
	var out []domain.PendingRecord
	err := s.v.read(func(st *state) error {
		for _, p := range st.pending {
			if p.AccountID == accountID && p.ResolvedAt == nil {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *PendingStore) GetByID(_ context.Context, id string) (domain.PendingRecord, error) {
	var p domain.PendingRecord
	err := s.v.read(func(st *state) error {
		got, ok := st.pending[id]
		if !ok {
			return fmt.Errorf("memory: pending %s: %w", id, domain.ErrNotFound)
		}
		p = got
		return nil
	})
	return p, err
}

func (s *PendingStore) MarkResolved(_ context.Context, id string, at time.Time) error {
	return s.v.write(func(st *state) error {
		p, ok := st.pending[id]
		if !ok || p.ResolvedAt != nil {
			return fmt.Errorf("memory: unresolved pending %s: %w", id, domain.ErrNotFound)
		}
		at = at.UTC()
		p.ResolvedAt = &at
		st.pending[id] = p
		return nil
	})
}

// ViolationStore implements domain.ViolationStore.
type ViolationStore struct{ v view }

var _ domain.ViolationStore = (*ViolationStore)(nil)

func (s *ViolationStore) Record(_ context.Context, accountID string, v domain.Violation) error {
	return s.v.write(func(st *state) error {
		for _, row := range st.violations {
			if row.accountID == accountID && row.v.Phase == v.Phase && row.v.Kind == v.Kind && row.v.TradingDay == v.TradingDay {
				return nil
			}
		}
		st.violations = append(st.violations, violationRow{accountID: accountID, v: v})
		return nil
	})
}

func (s *ViolationStore) ListByAccount(_ context.Context, accountID string, opts domain.ListOpts) ([]domain.Violation, error) {
	var out []domain.Violation
	err := s.v.read(func(st *state) error {
		for _, row := range st.violations {
			if row.accountID != accountID {
				continue
			}
			if opts.Since != nil && row.v.DetectedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && !row.v.DetectedAt.Before(*opts.Until) {
				continue
			}
			out = append(out, row.v)
		}
		return nil
	})
	return paginate(out, opts), err
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ v view }

var _ domain.AuditStore = (*AuditStore)(nil)

func (s *AuditStore) Log(_ context.Context, accountID, event string, detail map[string]any) error {
	return s.v.write(func(st *state) error {
		st.auditSeq++
		st.audit = append(st.audit, domain.AuditEntry{
			ID:        st.auditSeq,
			AccountID: accountID,
			Event:     event,
			Detail:    detail,
			CreatedAt: time.Now().UTC(),
		})
		return nil
	})
}

// List returns the account's entries, newest first.
func (s *AuditStore) List(_ context.Context, accountID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := s.v.read(func(st *state) error {
		for i := len(st.audit) - 1; i >= 0; i-- {
			e := st.audit[i]
			if e.AccountID != accountID {
				continue
			}
			if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return paginate(out, opts), err
}
