package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Phase is a stage in the trading-challenge lifecycle.
type Phase string

const (
	PhaseOne    Phase = "PHASE_1"
	PhaseTwo    Phase = "PHASE_2"
	PhaseFunded Phase = "FUNDED"
	PhaseFailed Phase = "FAILED"
	PhaseDemo   Phase = "DEMO"
)

// ParsePhase converts a string into a Phase, rejecting unknown values.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(s); p {
	case PhaseOne, PhaseTwo, PhaseFunded, PhaseFailed, PhaseDemo:
		return p, nil
	default:
		return "", fmt.Errorf("unknown phase %q", s)
	}
}

// Terminal reports whether no further phase progress is evaluated.
func (p Phase) Terminal() bool {
	return p == PhaseFailed
}

// Next returns the phase reached when the current phase's target is met.
// ok is false for phases without a successor.
func (p Phase) Next() (next Phase, ok bool) {
	switch p {
	case PhaseOne:
		return PhaseTwo, true
	case PhaseTwo:
		return PhaseFunded, true
	case PhaseFunded, PhaseFailed, PhaseDemo:
		return "", false
	}
	return "", false
}

// PhaseState is the account's active challenge state.
type PhaseState struct {
	Phase          Phase
	InitialBalance decimal.Decimal
	StartBalance   decimal.Decimal
	CurrentBalance decimal.Decimal
	HighWaterMark  decimal.Decimal
	PhaseStartedAt time.Time
	FailedAt       *time.Time
}

// Account owns a set of position records and one active phase state.
type Account struct {
	ID              string
	Login           string
	Broker          string
	State           PhaseState
	TemplateID      string
	TemplateVersion int
	// Timezone is the IANA location whose calendar day defines a trading day.
	Timezone       string
	LastSnapshotAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Location resolves the account's trading-day timezone, falling back to UTC.
func (a Account) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Transition describes a phase change decided by the rule evaluator.
type Transition struct {
	From   Phase
	To     Phase
	Reason string
	At     time.Time
}
