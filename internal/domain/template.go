package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RuleTemplate is a versioned, read-only rule document keyed by phase.
type RuleTemplate struct {
	ID      string               `json:"id" yaml:"id"`
	Version int                  `json:"version" yaml:"version"`
	Name    string               `json:"name" yaml:"name"`
	Phases  map[Phase]PhaseRules `json:"phases" yaml:"phases"`
}

// PhaseRules holds the targets, limits, and permissions of one phase.
type PhaseRules struct {
	// ProfitTarget is nil for phases without a target (FUNDED by convention).
	ProfitTarget   *Target          `json:"profit_target" yaml:"profit_target"`
	MaxDailyLoss   Limit            `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxOverallLoss Limit            `json:"max_overall_loss" yaml:"max_overall_loss"`
	Consistency    *ConsistencyRule `json:"consistency,omitempty" yaml:"consistency,omitempty"`
	Permissions    Permissions      `json:"permissions" yaml:"permissions"`
}

// Target is a profit objective expressed as a percentage of the start
// balance and/or an absolute amount.
type Target struct {
	Percentage decimal.Decimal `json:"percentage" yaml:"percentage"`
	Amount     decimal.Decimal `json:"amount" yaml:"amount"`
}

// Limit is a loss limit expressed as a percentage and/or absolute amount.
type Limit struct {
	Percentage decimal.Decimal `json:"percentage" yaml:"percentage"`
	Amount     decimal.Decimal `json:"amount" yaml:"amount"`
	// Trailing measures overall loss from the high-water mark instead of the
	// start balance.
	Trailing bool `json:"trailing,omitempty" yaml:"trailing,omitempty"`
}

// ConsistencyRule constrains how profit was made before funding.
type ConsistencyRule struct {
	// MaxDailyProfitShare caps the best day's share of total profit, in percent.
	MaxDailyProfitShare decimal.Decimal `json:"max_daily_profit_share" yaml:"max_daily_profit_share"`
	MinTradingDays      int             `json:"min_trading_days" yaml:"min_trading_days"`
}

// Permissions are the trading permission flags of a phase.
type Permissions struct {
	EAAllowed          bool `json:"ea_allowed" yaml:"ea_allowed"`
	NewsTradingAllowed bool `json:"news_trading_allowed" yaml:"news_trading_allowed"`
}

// Resolve returns the absolute target amount for a start balance. Amount
// wins when set; otherwise the percentage of base is used.
func (t Target) Resolve(base decimal.Decimal) decimal.Decimal {
	return resolveAmount(t.Amount, t.Percentage, base)
}

// Resolve returns the absolute limit amount for a start balance.
func (l Limit) Resolve(base decimal.Decimal) decimal.Decimal {
	return resolveAmount(l.Amount, l.Percentage, base)
}

// Defined reports whether the limit carries any threshold.
func (l Limit) Defined() bool {
	return l.Amount.IsPositive() || l.Percentage.IsPositive()
}

func resolveAmount(amount, pct, base decimal.Decimal) decimal.Decimal {
	if amount.IsPositive() {
		return amount
	}
	return base.Mul(pct).Div(hundred)
}

// Rules returns the rules bound to phase p.
func (t RuleTemplate) Rules(p Phase) (PhaseRules, bool) {
	r, ok := t.Phases[p]
	return r, ok
}

// Validate checks the template for structural problems.
func (t RuleTemplate) Validate() error {
	var errs []string
	if strings.TrimSpace(t.ID) == "" {
		errs = append(errs, "id must not be empty")
	}
	if t.Version < 1 {
		errs = append(errs, "version must be >= 1")
	}
	if len(t.Phases) == 0 {
		errs = append(errs, "at least one phase is required")
	}
	for p, r := range t.Phases {
		if _, err := ParsePhase(string(p)); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if p == PhaseFailed {
			errs = append(errs, "FAILED is terminal and cannot carry rules")
		}
		if r.ProfitTarget != nil && (r.ProfitTarget.Amount.IsNegative() || r.ProfitTarget.Percentage.IsNegative()) {
			errs = append(errs, fmt.Sprintf("%s: profit_target must not be negative", p))
		}
		if r.MaxDailyLoss.Amount.IsNegative() || r.MaxDailyLoss.Percentage.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s: max_daily_loss must not be negative", p))
		}
		if r.MaxOverallLoss.Amount.IsNegative() || r.MaxOverallLoss.Percentage.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s: max_overall_loss must not be negative", p))
		}
		if c := r.Consistency; c != nil {
			if c.MaxDailyProfitShare.IsNegative() || c.MaxDailyProfitShare.GreaterThan(hundred) {
				errs = append(errs, fmt.Sprintf("%s: consistency.max_daily_profit_share must be within 0-100", p))
			}
			if c.MinTradingDays < 0 {
				errs = append(errs, fmt.Sprintf("%s: consistency.min_trading_days must be >= 0", p))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("rule template %s v%d invalid: %s", t.ID, t.Version, strings.Join(errs, "; "))
	}
	return nil
}
