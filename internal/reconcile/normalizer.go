// Package reconcile merges EA snapshots into the per-account trade ledger:
// the snapshot normalizer, the ticket conflict resolver, and the ledger
// merge engine.
package reconcile

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// timeLayouts are tried in order for textual timestamps. Layouts without a
// zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006.01.02 15:04:05",
	"2006.01.02 15:04",
}

// Batch is the normalized form of one snapshot.
type Batch struct {
	AccountID string
	AsOf      time.Time
	Open      []domain.PositionRecord
	Closed    []domain.PositionRecord
	Skipped   []domain.SkippedRecord
}

// LiveTickets returns the set of tickets reported open in this batch.
func (b Batch) LiveTickets() map[string]bool {
	live := make(map[string]bool, len(b.Open))
	for _, r := range b.Open {
		live[r.TicketID] = true
	}
	return live
}

// Normalize converts a snapshot into position records. It performs no
// merging or persistence. Records that fail validation land in Skipped and
// never abort the rest of the batch. Closed records are ordered by close
// time so that partial legs are applied chronologically.
func Normalize(snap domain.Snapshot, fallback domain.Phase) Batch {
	b := Batch{AccountID: snap.AccountID, AsOf: snap.AsOf}

	for _, d := range snap.OpenPositions {
		rec, err := NormalizeOpen(snap.AccountID, d, fallback, snap.AsOf)
		if err != nil {
			b.Skipped = append(b.Skipped, domain.SkippedRecord{Record: d, Reason: err.Error()})
			continue
		}
		b.Open = append(b.Open, rec)
	}

	for _, d := range snap.ClosedPositions {
		rec, err := NormalizeClosed(snap.AccountID, d, fallback)
		if err != nil {
			b.Skipped = append(b.Skipped, domain.SkippedRecord{Record: d, Reason: err.Error()})
			continue
		}
		b.Closed = append(b.Closed, rec)
	}

	sort.SliceStable(b.Closed, func(i, j int) bool {
		return b.Closed[i].CloseTime.Before(*b.Closed[j].CloseTime)
	})
	return b
}

// NormalizeOpen converts a live descriptor into a LIVE_OPEN record.
func NormalizeOpen(accountID string, d domain.PositionDescriptor, fallback domain.Phase, asOf time.Time) (domain.PositionRecord, error) {
	rec, err := normalizeCommon(accountID, d, fallback)
	if err != nil {
		return domain.PositionRecord{}, err
	}
	rec.SourceKind = domain.SourceLiveOpen
	rec.LastSeenAt = asOf.UTC()
	return rec, nil
}

// NormalizeClosed converts a closed-trade descriptor into an
// IMPORTED_CLOSED record. Close time and close price are mandatory.
func NormalizeClosed(accountID string, d domain.PositionDescriptor, fallback domain.Phase) (domain.PositionRecord, error) {
	rec, err := normalizeCommon(accountID, d, fallback)
	if err != nil {
		return domain.PositionRecord{}, err
	}
	ticket := rec.TicketID

	if strings.TrimSpace(d.CloseTime.String()) == "" {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "closeTime", Reason: "required for closed positions"}
	}
	ct, err := ParseTime(d.CloseTime.String())
	if err != nil {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "closeTime", Reason: err.Error()}
	}
	if ct.Before(rec.OpenTime) {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "closeTime", Reason: "before openTime"}
	}
	if d.ClosePrice == nil {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "closePrice", Reason: "required for closed positions"}
	}
	cp := *d.ClosePrice

	rec.CloseTime = &ct
	rec.ClosePrice = &cp
	rec.SourceKind = domain.SourceImportedClosed
	return rec, nil
}

func normalizeCommon(accountID string, d domain.PositionDescriptor, fallback domain.Phase) (domain.PositionRecord, error) {
	ticket := strings.TrimSpace(d.TicketID.String())
	if ticket == "" {
		return domain.PositionRecord{}, &domain.ValidationError{Field: "ticketId", Reason: "missing"}
	}
	symbol := strings.TrimSpace(d.Symbol)
	if symbol == "" {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "symbol", Reason: "missing"}
	}
	if d.Volume.IsZero() {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "volume", Reason: "missing"}
	}
	if !d.Volume.IsPositive() {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "volume", Reason: "must be > 0"}
	}
	side, err := ParseSide(d.Side)
	if err != nil {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "side", Reason: err.Error()}
	}
	if strings.TrimSpace(d.OpenTime.String()) == "" {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "openTime", Reason: "missing"}
	}
	ot, err := ParseTime(d.OpenTime.String())
	if err != nil {
		return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "openTime", Reason: err.Error()}
	}
	phase := fallback
	if d.Phase != "" {
		phase, err = domain.ParsePhase(strings.ToUpper(strings.TrimSpace(d.Phase)))
		if err != nil {
			return domain.PositionRecord{}, &domain.ValidationError{TicketID: ticket, Field: "phase", Reason: err.Error()}
		}
	}

	return domain.PositionRecord{
		AccountID:  accountID,
		TicketID:   ticket,
		Symbol:     strings.ToUpper(symbol),
		Side:       side,
		Volume:     d.Volume,
		OpenTime:   ot,
		OpenPrice:  d.OpenPrice,
		PnLGross:   d.PnL,
		Swap:       d.Swap,
		Commission: d.Commission,
		Comment:    d.Comment,
		Magic:      d.Magic,
		DealReason: d.DealReason,
		TradePhase: phase,
	}, nil
}

// ParseSide accepts buy/sell, long/short, and the MetaTrader position type
// codes 0 (buy) and 1 (sell).
func ParseSide(s string) (domain.Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long", "0":
		return domain.SideBuy, nil
	case "sell", "short", "1":
		return domain.SideSell, nil
	case "":
		return "", errors.New("missing")
	default:
		return "", errors.New("unknown side " + strconv.Quote(s))
	}
}

// ParseTime parses an ISO-8601 / MetaTrader timestamp or a unix epoch in
// seconds or milliseconds. The result is in UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("unparseable timestamp " + strconv.Quote(s))
}
