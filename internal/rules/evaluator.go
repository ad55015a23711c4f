// Package rules evaluates challenge compliance against versioned rule
// templates and loads those templates.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/ledger"
)

// Outcome is the result of evaluating one account.
type Outcome struct {
	State       domain.PhaseState
	Violations  []domain.Violation
	Transition  *domain.Transition
	Diagnostics []string
}

// Evaluator runs the phase state machine:
//
//	PHASE_1 -> PHASE_2 -> FUNDED
//	any evaluated phase -> FAILED (terminal)
//
// DEMO accounts are never evaluated.
type Evaluator struct{}

// NewEvaluator creates an Evaluator.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// Evaluate checks the account's summary against the template rules of its
// current phase. A nil template, or one without rules for the phase, yields
// a *domain.RuleTemplateMissingError and leaves the state untouched.
func (e *Evaluator) Evaluate(acc domain.Account, tmpl *domain.RuleTemplate, sum ledger.Summary, asOf time.Time) (Outcome, error) {
	cur := acc.State

	switch cur.Phase {
	case domain.PhaseFailed:
		// Balances stay as they were when the account failed.
		return Outcome{State: cur}, nil
	case domain.PhaseDemo:
		next := cur
		next.CurrentBalance = sum.CurrentBalance
		next.HighWaterMark = sum.HighWaterMark
		return Outcome{State: next}, nil
	case domain.PhaseOne, domain.PhaseTwo, domain.PhaseFunded:
	default:
		return Outcome{State: cur}, fmt.Errorf("rules: account %s has unknown phase %q", acc.ID, cur.Phase)
	}

	if tmpl == nil {
		return Outcome{State: cur}, &domain.RuleTemplateMissingError{
			AccountID: acc.ID, TemplateID: acc.TemplateID, TemplateVersion: acc.TemplateVersion, Phase: cur.Phase,
		}
	}
	r, ok := tmpl.Rules(cur.Phase)
	if !ok {
		return Outcome{State: cur}, &domain.RuleTemplateMissingError{
			AccountID: acc.ID, TemplateID: tmpl.ID, TemplateVersion: tmpl.Version, Phase: cur.Phase,
		}
	}

	next := cur
	next.CurrentBalance = sum.CurrentBalance
	next.HighWaterMark = sum.HighWaterMark

	out := Outcome{}
	out.Violations = append(out.Violations, checkLosses(r, cur, sum, asOf)...)
	if v, ok := checkEA(r, cur.Phase, sum, asOf); ok {
		out.Violations = append(out.Violations, v)
	}

	for _, v := range out.Violations {
		if !v.Kind.Terminal() {
			continue
		}
		failedAt := asOf.UTC()
		next.Phase = domain.PhaseFailed
		next.FailedAt = &failedAt
		out.State = next
		out.Transition = &domain.Transition{
			From: cur.Phase, To: domain.PhaseFailed,
			Reason: fmt.Sprintf("%s: observed %s exceeds %s", v.Kind, v.Observed, v.Threshold),
			At:     failedAt,
		}
		return out, nil
	}

	if r.ProfitTarget == nil {
		out.State = next
		return out, nil
	}
	target := r.ProfitTarget.Resolve(cur.StartBalance)
	profit := sum.NetProfit()
	if profit.LessThan(target) {
		out.State = next
		return out, nil
	}
	if len(out.Violations) > 0 {
		out.Diagnostics = append(out.Diagnostics, fmt.Sprintf("profit target %s reached but phase advance blocked by active violations", target))
		out.State = next
		return out, nil
	}
	if r.Consistency != nil {
		if v, failed := checkConsistency(*r.Consistency, cur.Phase, sum, asOf); failed {
			out.Violations = append(out.Violations, v)
			out.Diagnostics = append(out.Diagnostics, "profit target reached but consistency rule not met: "+v.Detail)
			out.State = next
			return out, nil
		}
	}

	to, ok := cur.Phase.Next()
	if !ok {
		out.State = next
		return out, nil
	}
	at := asOf.UTC()
	out.Transition = &domain.Transition{
		From: cur.Phase, To: to,
		Reason: fmt.Sprintf("net profit %s reached target %s", profit, target),
		At:     at,
	}
	out.State = advance(next, to, at)
	return out, nil
}

// advance opens a fresh phase: balances restart from the initial balance
// when one is configured.
func advance(st domain.PhaseState, to domain.Phase, at time.Time) domain.PhaseState {
	start := st.StartBalance
	if st.InitialBalance.IsPositive() {
		start = st.InitialBalance
	}
	st.Phase = to
	st.PhaseStartedAt = at
	st.StartBalance = start
	st.CurrentBalance = start
	st.HighWaterMark = start
	return st
}

func checkLosses(r domain.PhaseRules, st domain.PhaseState, sum ledger.Summary, asOf time.Time) []domain.Violation {
	var out []domain.Violation
	if r.MaxDailyLoss.Defined() {
		limit := r.MaxDailyLoss.Resolve(st.StartBalance)
		loss := sum.TodayNet().Neg()
		if loss.GreaterThan(limit) {
			out = append(out, domain.Violation{
				Kind: domain.ViolationDailyLoss, Phase: st.Phase,
				Threshold: limit, Observed: loss,
				TradingDay: sum.TradingDay, DetectedAt: asOf.UTC(),
			})
		}
	}
	if r.MaxOverallLoss.Defined() {
		limit := r.MaxOverallLoss.Resolve(st.StartBalance)
		base := st.StartBalance
		detail := "measured from start balance"
		if r.MaxOverallLoss.Trailing {
			base = sum.HighWaterMark
			detail = "measured from high-water mark"
		}
		loss := base.Sub(sum.Equity)
		if loss.GreaterThan(limit) {
			out = append(out, domain.Violation{
				Kind: domain.ViolationOverallLoss, Phase: st.Phase,
				Threshold: limit, Observed: loss,
				TradingDay: sum.TradingDay, DetectedAt: asOf.UTC(),
				Detail: detail,
			})
		}
	}
	return out
}

func checkEA(r domain.PhaseRules, phase domain.Phase, sum ledger.Summary, asOf time.Time) (domain.Violation, bool) {
	if r.Permissions.EAAllowed || len(sum.EATickets) == 0 {
		return domain.Violation{}, false
	}
	return domain.Violation{
		Kind: domain.ViolationEANotAllowed, Phase: phase,
		Threshold: decimal.Zero, Observed: decimal.NewFromInt(int64(len(sum.EATickets))),
		TradingDay: sum.TradingDay, DetectedAt: asOf.UTC(),
		Detail: "expert advisor tickets: " + strings.Join(sum.EATickets, ","),
	}, true
}

// checkConsistency reports a violation when the best day carries too large
// a share of realized profit or too few days were traded.
func checkConsistency(c domain.ConsistencyRule, phase domain.Phase, sum ledger.Summary, asOf time.Time) (domain.Violation, bool) {
	v := domain.Violation{
		Kind: domain.ViolationConsistency, Phase: phase,
		TradingDay: sum.TradingDay, DetectedAt: asOf.UTC(),
	}
	if c.MinTradingDays > 0 && sum.TradingDays < c.MinTradingDays {
		v.Threshold = decimal.NewFromInt(int64(c.MinTradingDays))
		v.Observed = decimal.NewFromInt(int64(sum.TradingDays))
		v.Detail = fmt.Sprintf("%d trading days, %d required", sum.TradingDays, c.MinTradingDays)
		return v, true
	}
	if c.MaxDailyProfitShare.IsPositive() && sum.RealizedNet.IsPositive() {
		share := sum.BestDay().Mul(decimal.NewFromInt(100)).Div(sum.RealizedNet)
		if share.GreaterThan(c.MaxDailyProfitShare) {
			v.Threshold = c.MaxDailyProfitShare
			v.Observed = share.Round(2)
			v.Detail = fmt.Sprintf("best day is %s%% of realized profit, max %s%%", share.StringFixed(2), c.MaxDailyProfitShare)
			return v, true
		}
	}
	return v, false
}
