package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is one full-state report from the EA for a single account.
type Snapshot struct {
	AccountID       string               `json:"accountId"`
	AsOf            time.Time            `json:"asOf"`
	OpenPositions   []PositionDescriptor `json:"openPositions"`
	ClosedPositions []PositionDescriptor `json:"closedPositions,omitempty"`
}

// PositionDescriptor is the wire shape of a position as reported by the EA
// or a broker export. Timestamps stay textual until normalization.
type PositionDescriptor struct {
	TicketID   FlexString       `json:"ticketId"`
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Volume     decimal.Decimal  `json:"volume"`
	OpenPrice  decimal.Decimal  `json:"openPrice"`
	ClosePrice *decimal.Decimal `json:"closePrice,omitempty"`
	OpenTime   FlexString       `json:"openTime"`
	CloseTime  FlexString       `json:"closeTime,omitempty"`
	PnL        decimal.Decimal  `json:"pnl"`
	Swap       decimal.Decimal  `json:"swap"`
	Commission decimal.Decimal  `json:"commission"`
	Comment    string           `json:"comment,omitempty"`
	Magic      int64            `json:"magic,omitempty"`
	DealReason string           `json:"dealReason,omitempty"`
	Phase      string           `json:"phase,omitempty"`
}

// FlexString accepts either a JSON string or a JSON number. EAs written in
// MQL commonly emit tickets and epoch timestamps as bare numbers.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the underlying value.
func (f FlexString) String() string { return string(f) }

// SkippedRecord reports one input record that did not make it into the
// ledger during a pass.
type SkippedRecord struct {
	Record PositionDescriptor `json:"record"`
	Reason string             `json:"reason"`
}

// PassResult is the outcome of one reconciliation pass for one account.
type PassResult struct {
	AccountID   string          `json:"accountId"`
	AsOf        time.Time       `json:"asOf"`
	Created     int             `json:"created"`
	Updated     int             `json:"updated"`
	Closed      int             `json:"closed"`
	Renamed     int             `json:"renamed"`
	Stale       int             `json:"stale"`
	Pending     int             `json:"pending"`
	Skipped     []SkippedRecord `json:"skipped"`
	PhaseState  PhaseState      `json:"phaseState"`
	Violations  []Violation     `json:"violations"`
	Transition  *Transition     `json:"transition,omitempty"`
	Diagnostics []string        `json:"diagnostics,omitempty"`
}

// PendingRecord is an incoming record the resolver could not place, held for
// manual review instead of being merged blindly.
type PendingRecord struct {
	ID         string
	AccountID  string
	TicketID   string
	AsOf       time.Time
	Record     PositionRecord
	Reason     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
