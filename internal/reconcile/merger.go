package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// StoreError is a ledger store failure met during a merge. Conflicts the
// store reports, such as a settled record or a taken ticket, are plain
// errors instead.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "merge: " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if errors.Is(err, domain.ErrClosedImmutable) || errors.Is(err, domain.ErrAlreadyExists) || errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("merge: %s: %w", op, err)
	}
	return &StoreError{Op: op, Err: err}
}

// MergeConfig holds the tunables of the ledger merge engine.
type MergeConfig struct {
	// StaleAfter is the number of consecutive snapshots an open record may
	// be absent from before it is flagged stale.
	StaleAfter int
	// OpenTimeTolerance widens the whole-second open-time match used by the
	// conflict resolver.
	OpenTimeTolerance time.Duration
}

// Stats counts what one merge did to the ledger.
type Stats struct {
	Created int
	Updated int
	Closed  int
	Renamed int
	Stale   int
	Pending int
	// Diagnostics carries human-readable notes such as ticket reuse.
	Diagnostics []string
}

// Merger applies normalized batches to the ledger. It must run inside a
// transaction and under the account lock; it does neither itself.
//
// Merging is idempotent: applying the same batch twice leaves the ledger
// unchanged and the second run reports zero changes.
type Merger struct {
	resolver   *Resolver
	staleAfter int
	now        func() time.Time
	logger     *slog.Logger
}

// NewMerger creates a Merger. A StaleAfter below 1 defaults to 2.
func NewMerger(cfg MergeConfig, logger *slog.Logger) *Merger {
	if cfg.StaleAfter < 1 {
		cfg.StaleAfter = 2
	}
	return &Merger{
		resolver:   NewResolver(cfg.OpenTimeTolerance),
		staleAfter: cfg.StaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// MergeSnapshot applies a full live snapshot: open positions first, then
// closed trades in close-time order, then close-by-absence bookkeeping for
// open records the snapshot no longer lists.
func (m *Merger) MergeSnapshot(ctx context.Context, s domain.TxStores, acc domain.Account, b Batch) (Stats, error) {
	var st Stats
	live := b.LiveTickets()

	for _, rec := range b.Open {
		d, err := m.resolver.ResolveOpen(ctx, s.Ledger, rec, b.AsOf)
		if err != nil {
			if err := m.holdOrFail(ctx, s, b.AsOf, rec, err, &st); err != nil {
				return st, err
			}
			continue
		}
		if err := m.applyOpen(ctx, s, b.AsOf, d, &st); err != nil {
			return st, err
		}
	}

	if err := m.mergeClosed(ctx, s, b.AsOf, b.Closed, live, &st); err != nil {
		return st, err
	}

	// Snapshots older than the last processed one may still refresh or add
	// records but never advance absence counters.
	if acc.LastSnapshotAt != nil && !b.AsOf.After(*acc.LastSnapshotAt) {
		return st, nil
	}
	if err := m.markAbsent(ctx, s, acc.ID, live, &st); err != nil {
		return st, err
	}
	return st, nil
}

// MergeClosed applies closed trades outside of a live snapshot, as in a
// broker history import. Open records are never aged by an import.
func (m *Merger) MergeClosed(ctx context.Context, s domain.TxStores, b Batch) (Stats, error) {
	var st Stats
	err := m.mergeClosed(ctx, s, b.AsOf, b.Closed, nil, &st)
	return st, err
}

func (m *Merger) mergeClosed(ctx context.Context, s domain.TxStores, asOf time.Time, closed []domain.PositionRecord, live map[string]bool, st *Stats) error {
	for _, rec := range closed {
		d, err := m.resolver.ResolveClosed(ctx, s.Ledger, rec, live)
		if err != nil {
			if err := m.holdOrFail(ctx, s, asOf, rec, err, st); err != nil {
				return err
			}
			continue
		}
		if err := m.applyClosed(ctx, s, d, st); err != nil {
			return err
		}
	}
	return nil
}

// holdOrFail parks ambiguous records in the pending queue and returns any
// other error unchanged.
func (m *Merger) holdOrFail(ctx context.Context, s domain.TxStores, asOf time.Time, rec domain.PositionRecord, err error, st *Stats) error {
	var amb *domain.ConflictAmbiguousError
	if !errors.As(err, &amb) {
		return err
	}
	p := domain.PendingRecord{
		ID:        uuid.NewString(),
		AccountID: rec.AccountID,
		TicketID:  rec.TicketID,
		AsOf:      asOf,
		Record:    rec,
		Reason:    amb.Error(),
		CreatedAt: m.now(),
	}
	if err := s.Pending.Enqueue(ctx, p); err != nil {
		return storeErr("enqueue pending "+rec.TicketID, err)
	}
	st.Pending++
	st.Diagnostics = append(st.Diagnostics, "held for review: "+amb.Error())
	m.logger.WarnContext(ctx, "merge: ambiguous ticket held for review",
		slog.String("account_id", rec.AccountID),
		slog.String("ticket_id", rec.TicketID),
		slog.String("reason", amb.Reason),
	)
	return m.audit(ctx, s, rec.AccountID, "ticket.pending", map[string]any{
		"ticket_id":  rec.TicketID,
		"reason":     amb.Reason,
		"candidates": amb.Candidates,
	})
}

func (m *Merger) applyOpen(ctx context.Context, s domain.TxStores, asOf time.Time, d Decision, st *Stats) error {
	switch d.Action {
	case ActionCreate:
		if d.Reuse {
			st.Diagnostics = append(st.Diagnostics, fmt.Sprintf("ticket %s reused by a new position", d.Incoming.TicketID))
		}
		return m.insert(ctx, s, d.Incoming, st)

	case ActionRefresh:
		return m.refresh(ctx, s, asOf, *d.Target, d.Incoming, st)

	case ActionDuplicate:
		return nil

	case ActionRenameAndCreate:
		if !d.RenameNoop {
			if err := s.Ledger.Rename(ctx, d.Target.AccountID, d.Target.ID, d.RenameTo); err != nil {
				return storeErr("rename "+d.Target.TicketID+" to "+d.RenameTo, err)
			}
			st.Renamed++
			m.logger.InfoContext(ctx, "merge: partial closure renamed",
				slog.String("account_id", d.Target.AccountID),
				slog.String("ticket_id", d.Target.TicketID),
				slog.String("renamed_to", d.RenameTo),
			)
			if err := m.audit(ctx, s, d.Target.AccountID, "ticket.renamed", map[string]any{
				"record_id": d.Target.ID,
				"from":      d.Target.TicketID,
				"to":        d.RenameTo,
			}); err != nil {
				return err
			}
		}
		return m.insert(ctx, s, d.Incoming, st)
	}
	return fmt.Errorf("merge: unexpected action %s for open record %s", d.Action, d.Incoming.TicketID)
}

func (m *Merger) applyClosed(ctx context.Context, s domain.TxStores, d Decision, st *Stats) error {
	switch d.Action {
	case ActionDuplicate:
		return nil

	case ActionCreate:
		if d.Reuse {
			st.Diagnostics = append(st.Diagnostics, fmt.Sprintf("ticket %s reused by an earlier position", d.Incoming.TicketID))
		}
		return m.insert(ctx, s, d.Incoming, st)

	case ActionInsertDerived:
		rec := d.Incoming
		rec.OriginalTicket = rec.TicketID
		rec.TicketID = d.RenameTo
		if err := m.insert(ctx, s, rec, st); err != nil {
			return err
		}
		return m.audit(ctx, s, rec.AccountID, "ticket.partial_leg", map[string]any{
			"ticket_id": rec.OriginalTicket,
			"stored_as": rec.TicketID,
		})

	case ActionClose:
		return m.close(ctx, s, *d.Target, d.Incoming, st)
	}
	return fmt.Errorf("merge: unexpected action %s for closed record %s", d.Action, d.Incoming.TicketID)
}

func (m *Merger) insert(ctx context.Context, s domain.TxStores, rec domain.PositionRecord, st *Stats) error {
	now := m.now()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := s.Ledger.Upsert(ctx, rec); err != nil {
		return storeErr("insert "+rec.TicketID, err)
	}
	st.Created++
	return nil
}

// refresh copies the floating fields of a live report onto the open record.
// Reports older than the record's last sighting are ignored.
func (m *Merger) refresh(ctx context.Context, s domain.TxStores, asOf time.Time, cur, in domain.PositionRecord, st *Stats) error {
	if asOf.Before(cur.LastSeenAt) {
		return nil
	}
	next := cur
	next.Volume = in.Volume
	next.PnLGross = in.PnLGross
	next.Swap = in.Swap
	next.Commission = in.Commission
	next.Comment = in.Comment
	next.MissedSnapshots = 0
	next.Stale = false
	next.LastSeenAt = asOf.UTC()

	changed := !next.FloatingEqual(cur)
	if !changed && next.LastSeenAt.Equal(cur.LastSeenAt) {
		return nil
	}
	next.UpdatedAt = m.now()
	if err := s.Ledger.Upsert(ctx, next); err != nil {
		return storeErr("refresh "+cur.TicketID, err)
	}
	if changed {
		st.Updated++
	}
	return nil
}

// close settles an open record with the terminal data of its closing trade.
func (m *Merger) close(ctx context.Context, s domain.TxStores, cur, in domain.PositionRecord, st *Stats) error {
	next := cur
	next.CloseTime = in.CloseTime
	next.ClosePrice = in.ClosePrice
	next.Volume = in.Volume
	next.PnLGross = in.PnLGross
	next.Swap = in.Swap
	next.Commission = in.Commission
	if in.DealReason != "" {
		next.DealReason = in.DealReason
	}
	if in.Comment != "" {
		next.Comment = in.Comment
	}
	next.Stale = false
	next.MissedSnapshots = 0
	next.UpdatedAt = m.now()
	if err := s.Ledger.Upsert(ctx, next); err != nil {
		return storeErr("close "+cur.TicketID, err)
	}
	st.Closed++
	return nil
}

// markAbsent ages open records missing from the live set. Absence alone
// never closes a record: only an imported closed trade supplies the
// terminal close data.
func (m *Merger) markAbsent(ctx context.Context, s domain.TxStores, accountID string, live map[string]bool, st *Stats) error {
	open, err := s.Ledger.ListOpen(ctx, accountID)
	if err != nil {
		return storeErr("list open", err)
	}
	for _, rec := range open {
		if live[rec.TicketID] {
			continue
		}
		next := rec
		next.MissedSnapshots++
		becameStale := false
		if next.MissedSnapshots >= m.staleAfter && !next.Stale {
			next.Stale = true
			becameStale = true
		}
		next.UpdatedAt = m.now()
		if err := s.Ledger.Upsert(ctx, next); err != nil {
			return storeErr("mark absent "+rec.TicketID, err)
		}
		if becameStale {
			st.Stale++
			m.logger.WarnContext(ctx, "merge: open position flagged stale",
				slog.String("account_id", accountID),
				slog.String("ticket_id", rec.TicketID),
				slog.Int("missed_snapshots", next.MissedSnapshots),
			)
			if err := m.audit(ctx, s, accountID, "position.stale", map[string]any{
				"ticket_id":        rec.TicketID,
				"missed_snapshots": next.MissedSnapshots,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Merger) audit(ctx context.Context, s domain.TxStores, accountID, event string, detail map[string]any) error {
	if s.Audit == nil {
		return nil
	}
	if err := s.Audit.Log(ctx, accountID, event, detail); err != nil {
		return storeErr("audit "+event, err)
	}
	return nil
}
