package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// Action is what the merge engine must do with one incoming record.
type Action int

const (
	// ActionCreate inserts the incoming record under its own ticket.
	ActionCreate Action = iota
	// ActionRefresh updates the floating fields of the open Target.
	ActionRefresh
	// ActionRenameAndCreate moves the closed Target to RenameTo, then
	// inserts the incoming open record under the original ticket.
	ActionRenameAndCreate
	// ActionClose settles the open Target with the incoming close data.
	ActionClose
	// ActionInsertDerived inserts a closed partial leg under RenameTo.
	ActionInsertDerived
	// ActionDuplicate is a no-op: the record, or a later state of it, is
	// already in the ledger.
	ActionDuplicate
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionRefresh:
		return "refresh"
	case ActionRenameAndCreate:
		return "rename_and_create"
	case ActionClose:
		return "close"
	case ActionInsertDerived:
		return "insert_derived"
	case ActionDuplicate:
		return "duplicate"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is the resolver's verdict for one incoming record.
type Decision struct {
	Action   Action
	Incoming domain.PositionRecord
	Target   *domain.PositionRecord
	RenameTo string
	// RenameNoop is set when the rename target already exists, i.e. the
	// collision was processed before.
	RenameNoop bool
	// Reuse marks a broker ticket reused by an unrelated position.
	Reuse bool
}

// Resolver detects ticket collisions between the ledger and incoming
// records and decides how to keep both economic events distinct.
//
// Matching open times decide "same position, partially closed" versus
// "same ticket, different position". Times are compared at whole-second
// granularity within the configured tolerance.
type Resolver struct {
	tolerance time.Duration
}

// NewResolver creates a Resolver. A zero tolerance means exact
// whole-second equality.
func NewResolver(tolerance time.Duration) *Resolver {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Resolver{tolerance: tolerance}
}

type ticketState struct {
	open          []domain.PositionRecord
	closedMatch   []domain.PositionRecord
	closedOther   []domain.PositionRecord
	openMismatch  []domain.PositionRecord
	closedExactly []domain.PositionRecord
}

func (r *Resolver) classify(existing []domain.PositionRecord, in domain.PositionRecord) ticketState {
	var st ticketState
	for _, e := range existing {
		sameOpen := domain.SameSecond(e.OpenTime, in.OpenTime, r.tolerance)
		switch {
		case e.IsOpen() && sameOpen:
			st.open = append(st.open, e)
		case e.IsOpen():
			st.openMismatch = append(st.openMismatch, e)
		case sameOpen:
			st.closedMatch = append(st.closedMatch, e)
			if in.CloseTime != nil && domain.SameSecond(*e.CloseTime, *in.CloseTime, r.tolerance) {
				st.closedExactly = append(st.closedExactly, e)
			}
		default:
			st.closedOther = append(st.closedOther, e)
		}
	}
	return st
}

func ids(recs ...[]domain.PositionRecord) []string {
	var out []string
	for _, rs := range recs {
		for _, r := range rs {
			out = append(out, r.ID)
		}
	}
	return out
}

// ResolveOpen decides how a LIVE_OPEN record enters the ledger. asOf is
// the time of the snapshot reporting it: a report that is not newer than
// the close of the matching settled record describes that record before it
// closed and changes nothing.
func (r *Resolver) ResolveOpen(ctx context.Context, ledger domain.LedgerStore, in domain.PositionRecord, asOf time.Time) (Decision, error) {
	existing, err := ledger.FindByTicket(ctx, in.AccountID, in.TicketID)
	if err != nil {
		return Decision{}, storeErr("resolve: find ticket "+in.TicketID, err)
	}
	if len(existing) == 0 {
		return Decision{Action: ActionCreate, Incoming: in}, nil
	}

	st := r.classify(existing, in)

	if n := len(st.open) + len(st.openMismatch); n > 0 {
		if n > 1 {
			return Decision{}, &domain.ConflictAmbiguousError{
				AccountID: in.AccountID, TicketID: in.TicketID,
				Candidates: ids(st.open, st.openMismatch),
				Reason:     "more than one open record for ticket",
			}
		}
		if len(st.openMismatch) == 1 {
			return Decision{}, &domain.ConflictAmbiguousError{
				AccountID: in.AccountID, TicketID: in.TicketID,
				Candidates: ids(st.openMismatch),
				Reason:     "open record with a different open time",
			}
		}
		target := st.open[0]
		return Decision{Action: ActionRefresh, Incoming: in, Target: &target}, nil
	}

	switch len(st.closedMatch) {
	case 0:
		return Decision{Action: ActionCreate, Incoming: in, Reuse: len(st.closedOther) > 0}, nil
	case 1:
		target := st.closedMatch[0]
		if !asOf.After(*target.CloseTime) {
			return Decision{Action: ActionDuplicate, Incoming: in, Target: &target}, nil
		}
		key := domain.DerivedTicket(in.TicketID, *target.CloseTime)
		taken, err := ledger.FindByTicket(ctx, in.AccountID, key)
		if err != nil {
			return Decision{}, storeErr("resolve: find rename target "+key, err)
		}
		return Decision{
			Action:     ActionRenameAndCreate,
			Incoming:   in,
			Target:     &target,
			RenameTo:   key,
			RenameNoop: len(taken) > 0,
		}, nil
	default:
		return Decision{}, &domain.ConflictAmbiguousError{
			AccountID: in.AccountID, TicketID: in.TicketID,
			Candidates: ids(st.closedMatch),
			Reason:     "several closed records match the open time",
		}
	}
}

// ResolveClosed decides how an IMPORTED_CLOSED record enters the ledger.
//
// live is the set of tickets reported open in the same pass. A nil set
// marks a stand-alone import, where a closed leg is a partial closure when
// it is smaller than the open position or the position was still reported
// live after the leg settled. Anything else is the final close.
func (r *Resolver) ResolveClosed(ctx context.Context, ledger domain.LedgerStore, in domain.PositionRecord, live map[string]bool) (Decision, error) {
	if in.CloseTime == nil {
		return Decision{}, fmt.Errorf("resolver: closed record %s has no close time", in.TicketID)
	}
	key := domain.DerivedTicket(in.TicketID, *in.CloseTime)

	derived, err := ledger.FindByTicket(ctx, in.AccountID, key)
	if err != nil {
		return Decision{}, storeErr("resolve: find derived ticket "+key, err)
	}
	if len(derived) > 0 {
		target := derived[0]
		return Decision{Action: ActionDuplicate, Incoming: in, Target: &target}, nil
	}

	existing, err := ledger.FindByTicket(ctx, in.AccountID, in.TicketID)
	if err != nil {
		return Decision{}, storeErr("resolve: find ticket "+in.TicketID, err)
	}
	if len(existing) == 0 {
		return Decision{Action: ActionCreate, Incoming: in}, nil
	}

	st := r.classify(existing, in)

	if len(st.closedExactly) > 0 {
		target := st.closedExactly[0]
		return Decision{Action: ActionDuplicate, Incoming: in, Target: &target}, nil
	}

	switch len(st.open) {
	case 0:
	case 1:
		target := st.open[0]
		partial := live[in.TicketID]
		if live == nil {
			partial = in.Volume.LessThan(target.Volume) || target.LastSeenAt.After(*in.CloseTime)
		}
		if partial {
			return Decision{Action: ActionInsertDerived, Incoming: in, Target: &target, RenameTo: key}, nil
		}
		return Decision{Action: ActionClose, Incoming: in, Target: &target}, nil
	default:
		return Decision{}, &domain.ConflictAmbiguousError{
			AccountID: in.AccountID, TicketID: in.TicketID,
			Candidates: ids(st.open),
			Reason:     "more than one open record for ticket",
		}
	}

	if len(st.closedMatch) > 0 {
		// Another settled leg of a position already in the ledger.
		return Decision{Action: ActionInsertDerived, Incoming: in, RenameTo: key}, nil
	}
	return Decision{Action: ActionCreate, Incoming: in, Reuse: true}, nil
}
