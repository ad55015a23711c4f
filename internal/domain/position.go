package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// SourceKind tags how a record entered the ledger.
type SourceKind string

const (
	SourceLiveOpen       SourceKind = "LIVE_OPEN"
	SourceImportedClosed SourceKind = "IMPORTED_CLOSED"
)

// PositionRecord is one ledger row per distinct executed position/ticket.
//
// At most one open record may exist per (AccountID, TicketID). Once
// CloseTime is set the financial fields are frozen; only TicketID may change
// (partial-closure rename), with the root ticket kept in OriginalTicket.
type PositionRecord struct {
	ID             string
	AccountID      string
	TicketID       string
	OriginalTicket string
	Symbol         string
	Side           Side
	Volume         decimal.Decimal
	OpenTime       time.Time
	CloseTime      *time.Time
	OpenPrice      decimal.Decimal
	ClosePrice     *decimal.Decimal
	PnLGross       decimal.Decimal
	Swap           decimal.Decimal
	Commission     decimal.Decimal
	Comment        string
	Magic          int64
	DealReason     string
	TradePhase     Phase
	SourceKind     SourceKind

	// Snapshot bookkeeping for open records.
	LastSeenAt      time.Time
	MissedSnapshots int
	Stale           bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOpen reports whether the record has no close time.
func (p PositionRecord) IsOpen() bool {
	return p.CloseTime == nil
}

// NetPnL is gross P&L plus swap plus commission.
func (p PositionRecord) NetPnL() decimal.Decimal {
	return p.PnLGross.Add(p.Swap).Add(p.Commission)
}

// RootTicket returns the ticket the broker originally assigned, which
// differs from TicketID only for renamed partial-closure legs.
func (p PositionRecord) RootTicket() string {
	if p.OriginalTicket != "" {
		return p.OriginalTicket
	}
	return p.TicketID
}

// FloatingEqual reports whether the fields a live snapshot may refresh are
// value-equal between p and o.
func (p PositionRecord) FloatingEqual(o PositionRecord) bool {
	return p.Volume.Equal(o.Volume) &&
		p.PnLGross.Equal(o.PnLGross) &&
		p.Swap.Equal(o.Swap) &&
		p.Commission.Equal(o.Commission) &&
		p.Comment == o.Comment &&
		p.Stale == o.Stale &&
		p.MissedSnapshots == o.MissedSnapshots
}

// SettledEqual reports whether the immutable close fields of two closed
// records match. It is used by stores to enforce append/close-only updates.
func (p PositionRecord) SettledEqual(o PositionRecord) bool {
	if p.CloseTime == nil || o.CloseTime == nil {
		return p.CloseTime == nil && o.CloseTime == nil
	}
	if !p.CloseTime.Equal(*o.CloseTime) {
		return false
	}
	if (p.ClosePrice == nil) != (o.ClosePrice == nil) {
		return false
	}
	if p.ClosePrice != nil && !p.ClosePrice.Equal(*o.ClosePrice) {
		return false
	}
	return p.PnLGross.Equal(o.PnLGross) &&
		p.Swap.Equal(o.Swap) &&
		p.Commission.Equal(o.Commission)
}

// DerivedTicket builds the disambiguated key under which a partially closed
// leg is preserved: "<ticket>_<close unix seconds>".
func DerivedTicket(ticket string, closeTime time.Time) string {
	return fmt.Sprintf("%s_%d", ticket, closeTime.Unix())
}

// SameSecond reports whether a and b fall within tolerance of each other
// after truncation to whole seconds. A zero tolerance means exact
// whole-second equality.
func SameSecond(a, b time.Time, tolerance time.Duration) bool {
	d := a.Truncate(time.Second).Sub(b.Truncate(time.Second))
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
