package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ViolationKind enumerates the rule breaches the evaluator can report.
type ViolationKind string

const (
	ViolationDailyLoss    ViolationKind = "DAILY_LOSS"
	ViolationOverallLoss  ViolationKind = "OVERALL_LOSS"
	ViolationConsistency  ViolationKind = "CONSISTENCY"
	ViolationEANotAllowed ViolationKind = "EA_NOT_ALLOWED"
)

// Terminal reports whether a violation of this kind fails the account.
func (k ViolationKind) Terminal() bool {
	switch k {
	case ViolationDailyLoss, ViolationOverallLoss:
		return true
	case ViolationConsistency, ViolationEANotAllowed:
		return false
	}
	return false
}

// Violation is a recorded rule breach. Violations are never auto-corrected.
type Violation struct {
	Kind       ViolationKind   `json:"kind"`
	Phase      Phase           `json:"phase"`
	Threshold  decimal.Decimal `json:"threshold"`
	Observed   decimal.Decimal `json:"observed"`
	TradingDay string          `json:"tradingDay"`
	DetectedAt time.Time       `json:"detectedAt"`
	Detail     string          `json:"detail,omitempty"`
}
