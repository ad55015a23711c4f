package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// LedgerStore implements domain.LedgerStore.
type LedgerStore struct{ v view }

var _ domain.LedgerStore = (*LedgerStore)(nil)

func sortByOpen(recs []domain.PositionRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].OpenTime.Equal(recs[j].OpenTime) {
			return recs[i].OpenTime.Before(recs[j].OpenTime)
		}
		return recs[i].TicketID < recs[j].TicketID
	})
}

// FindByTicket returns every record of the account with the given ticket.
func (s *LedgerStore) FindByTicket(_ context.Context, accountID, ticketID string) ([]domain.PositionRecord, error) {
	var out []domain.PositionRecord
	err := s.v.read(func(st *state) error {
		for _, r := range st.positions {
			if r.AccountID == accountID && r.TicketID == ticketID {
				out = append(out, r)
			}
		}
		return nil
	})
	sortByOpen(out)
	return out, err
}

// Upsert inserts or updates a record by ID. Existing closed records cannot
// be written again and a second open record per ticket is rejected.
func (s *LedgerStore) Upsert(_ context.Context, rec domain.PositionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("memory: upsert position: empty id")
	}
	return s.v.write(func(st *state) error {
		if cur, ok := st.positions[rec.ID]; ok && !cur.IsOpen() {
			return fmt.Errorf("memory: upsert position %s: %w", rec.ID, domain.ErrClosedImmutable)
		}
		if rec.IsOpen() {
			for id, r := range st.positions {
				if id != rec.ID && r.IsOpen() && r.AccountID == rec.AccountID && r.TicketID == rec.TicketID {
					return fmt.Errorf("memory: open ticket %s: %w", rec.TicketID, domain.ErrAlreadyExists)
				}
			}
		}
		st.positions[rec.ID] = rec
		return nil
	})
}

// Rename moves a closed record to a new ticket.
func (s *LedgerStore) Rename(_ context.Context, accountID, recordID, newTicketID string) error {
	return s.v.write(func(st *state) error {
		cur, ok := st.positions[recordID]
		if !ok || cur.AccountID != accountID || cur.IsOpen() {
			return fmt.Errorf("memory: rename closed position %s: %w", recordID, domain.ErrNotFound)
		}
		for _, r := range st.positions {
			if r.AccountID == accountID && r.TicketID == newTicketID {
				return fmt.Errorf("memory: rename to %s: %w", newTicketID, domain.ErrAlreadyExists)
			}
		}
		if cur.OriginalTicket == "" {
			cur.OriginalTicket = cur.TicketID
		}
		cur.TicketID = newTicketID
		st.positions[recordID] = cur
		return nil
	})
}

// ListOpen returns the account's open records ordered by open time.
func (s *LedgerStore) ListOpen(_ context.Context, accountID string) ([]domain.PositionRecord, error) {
	var out []domain.PositionRecord
	err := s.v.read(func(st *state) error {
		for _, r := range st.positions {
			if r.AccountID == accountID && r.IsOpen() {
				out = append(out, r)
			}
		}
		return nil
	})
	sortByOpen(out)
	return out, err
}

// ListByAccount returns the account's records ordered by open time.
func (s *LedgerStore) ListByAccount(_ context.Context, accountID string, opts domain.ListOpts) ([]domain.PositionRecord, error) {
	var out []domain.PositionRecord
	err := s.v.read(func(st *state) error {
		for _, r := range st.positions {
			if r.AccountID != accountID {
				continue
			}
			if opts.Since != nil && r.OpenTime.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && !r.OpenTime.Before(*opts.Until) {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	sortByOpen(out)
	return paginate(out, opts), err
}

// DeleteTicket removes every record carrying ticketID.
func (s *LedgerStore) DeleteTicket(_ context.Context, accountID, ticketID string) (int64, error) {
	var n int64
	err := s.v.write(func(st *state) error {
		for id, r := range st.positions {
			if r.AccountID == accountID && r.TicketID == ticketID {
				delete(st.positions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
