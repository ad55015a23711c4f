// Package ledger derives balance and P&L figures from an account's position
// records. All arithmetic is decimal; nothing here touches storage.
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// DayLayout formats trading-day keys.
const DayLayout = "2006-01-02"

// Summary holds the figures of one account in its current phase.
type Summary struct {
	AccountID  string
	Phase      domain.Phase
	TradingDay string

	StartBalance   decimal.Decimal
	RealizedNet    decimal.Decimal
	FloatingNet    decimal.Decimal
	TodayRealized  decimal.Decimal
	// TodayFloating is the floating P&L of every open record, whatever
	// day it was opened on.
	TodayFloating  decimal.Decimal
	CurrentBalance decimal.Decimal
	Equity         decimal.Decimal
	HighWaterMark  decimal.Decimal
	Drawdown       decimal.Decimal

	// DailyRealized maps trading day to realized net P&L closed that day.
	DailyRealized map[string]decimal.Decimal
	// TradingDays counts distinct days on which a position was opened.
	TradingDays int

	OpenCount   int
	ClosedCount int
	// EATickets lists tickets placed by an expert advisor (magic != 0).
	EATickets []string
}

// NetProfit is realized plus floating P&L for the phase.
func (s Summary) NetProfit() decimal.Decimal {
	return s.RealizedNet.Add(s.FloatingNet)
}

// TodayNet is today's realized plus today's floating P&L.
func (s Summary) TodayNet() decimal.Decimal {
	return s.TodayRealized.Add(s.TodayFloating)
}

// BestDay returns the largest single-day realized profit, or zero.
func (s Summary) BestDay() decimal.Decimal {
	best := decimal.Zero
	for _, v := range s.DailyRealized {
		if v.GreaterThan(best) {
			best = v
		}
	}
	return best
}

// TradingDayOf returns the trading-day key of t in loc.
func TradingDayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

// Aggregate computes the account summary at asOf. Only records opened in
// the account's current phase contribute. The trading day is the calendar
// day of asOf in the account's timezone.
func Aggregate(acc domain.Account, records []domain.PositionRecord, asOf time.Time) Summary {
	loc := acc.Location()
	st := acc.State
	today := TradingDayOf(asOf, loc)

	s := Summary{
		AccountID:     acc.ID,
		Phase:         st.Phase,
		TradingDay:    today,
		StartBalance:  st.StartBalance,
		RealizedNet:   decimal.Zero,
		FloatingNet:   decimal.Zero,
		TodayRealized: decimal.Zero,
		TodayFloating: decimal.Zero,
		DailyRealized: make(map[string]decimal.Decimal),
	}

	days := make(map[string]struct{})
	for _, r := range records {
		if r.TradePhase != st.Phase {
			continue
		}
		net := r.NetPnL()
		days[TradingDayOf(r.OpenTime, loc)] = struct{}{}
		if r.Magic != 0 {
			s.EATickets = append(s.EATickets, r.TicketID)
		}

		if r.IsOpen() {
			s.OpenCount++
			s.FloatingNet = s.FloatingNet.Add(net)
			s.TodayFloating = s.TodayFloating.Add(net)
			continue
		}

		s.ClosedCount++
		s.RealizedNet = s.RealizedNet.Add(net)
		day := TradingDayOf(*r.CloseTime, loc)
		s.DailyRealized[day] = s.DailyRealized[day].Add(net)
		if day == today {
			s.TodayRealized = s.TodayRealized.Add(net)
		}
	}
	s.TradingDays = len(days)
	sort.Strings(s.EATickets)

	s.CurrentBalance = st.StartBalance.Add(s.RealizedNet)
	s.Equity = s.CurrentBalance.Add(s.FloatingNet)
	s.HighWaterMark = decimal.Max(st.HighWaterMark, st.StartBalance, s.CurrentBalance)
	s.Drawdown = s.HighWaterMark.Sub(s.CurrentBalance)
	return s
}
