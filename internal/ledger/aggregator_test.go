package ledger

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func closedRec(ticket string, openAt, closeAt time.Time, gross, commission, swap string) domain.PositionRecord {
	ca := closeAt
	cp := dec("1.1")
	return domain.PositionRecord{
		AccountID:  "acc",
		TicketID:   ticket,
		Volume:     dec("1"),
		OpenTime:   openAt,
		CloseTime:  &ca,
		ClosePrice: &cp,
		PnLGross:   dec(gross),
		Commission: dec(commission),
		Swap:       dec(swap),
		TradePhase: domain.PhaseOne,
	}
}

func openRec(ticket string, openAt time.Time, gross string) domain.PositionRecord {
	return domain.PositionRecord{
		AccountID:  "acc",
		TicketID:   ticket,
		Volume:     dec("1"),
		OpenTime:   openAt,
		PnLGross:   dec(gross),
		TradePhase: domain.PhaseOne,
	}
}

func account(start string) domain.Account {
	return domain.Account{
		ID: "acc",
		State: domain.PhaseState{
			Phase:        domain.PhaseOne,
			StartBalance: dec(start),
		},
	}
}

func TestAggregateRealizedIsExact(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	recs := []domain.PositionRecord{
		closedRec("1", day.Add(time.Hour), day.Add(2*time.Hour), "45.0", "2.5", "0.5"),
		closedRec("2", day.Add(time.Hour), day.Add(3*time.Hour), "85.0", "3.0", "-1.2"),
		closedRec("3", day.Add(time.Hour), day.Add(4*time.Hour), "-12.5", "1.5", "0.3"),
	}

	s := Aggregate(account("50000"), recs, day.Add(5*time.Hour))

	assert.Equal(t, "123.6", s.RealizedNet.String())
	assert.True(t, s.CurrentBalance.Equal(dec("50123.6")))
	assert.True(t, s.Equity.Equal(dec("50123.6")))
	assert.True(t, s.TodayRealized.Equal(dec("123.6")))
	assert.Equal(t, 3, s.ClosedCount)
	assert.Equal(t, 1, s.TradingDays)
}

func TestAggregateFloatingAndToday(t *testing.T) {
	d1 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	d2 := d1.Add(24 * time.Hour)
	recs := []domain.PositionRecord{
		closedRec("1", d1, d1.Add(time.Hour), "300", "-5", "0"),
		closedRec("2", d2, d2.Add(time.Hour), "-100", "-5", "0"),
		openRec("3", d1, "-40"),
		openRec("4", d2, "-60"),
	}

	s := Aggregate(account("10000"), recs, d2.Add(2*time.Hour))

	assert.True(t, s.RealizedNet.Equal(dec("190")))
	assert.True(t, s.FloatingNet.Equal(dec("-100")))
	assert.True(t, s.TodayRealized.Equal(dec("-105")))
	// The position carried over from the previous day still weighs on today.
	assert.True(t, s.TodayFloating.Equal(dec("-100")))
	assert.True(t, s.TodayNet().Equal(dec("-205")))
	assert.True(t, s.CurrentBalance.Equal(dec("10190")))
	assert.True(t, s.Equity.Equal(dec("10090")))
	assert.True(t, s.NetProfit().Equal(dec("90")))
	assert.Equal(t, 2, s.TradingDays)
	assert.Equal(t, "2026-03-03", s.TradingDay)
	require.Len(t, s.DailyRealized, 2)
	assert.True(t, s.DailyRealized["2026-03-02"].Equal(dec("295")))
	assert.True(t, s.BestDay().Equal(dec("295")))
}

func TestAggregateHighWaterMarkAndDrawdown(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	acc := account("10000")
	acc.State.HighWaterMark = dec("10400")

	s := Aggregate(acc, []domain.PositionRecord{closedRec("1", at, at.Add(time.Minute), "150", "0", "0")}, at.Add(time.Hour))

	assert.True(t, s.HighWaterMark.Equal(dec("10400")))
	assert.True(t, s.Drawdown.Equal(dec("250")))

	s = Aggregate(acc, []domain.PositionRecord{closedRec("1", at, at.Add(time.Minute), "900", "0", "0")}, at.Add(time.Hour))
	assert.True(t, s.HighWaterMark.Equal(dec("10900")))
	assert.True(t, s.Drawdown.IsZero())
}

func TestAggregateIgnoresOtherPhases(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	old := closedRec("1", at, at.Add(time.Minute), "1000", "0", "0")
	old.TradePhase = domain.PhaseOne
	cur := closedRec("2", at, at.Add(2*time.Minute), "50", "0", "0")
	cur.TradePhase = domain.PhaseTwo
	cur.Magic = 42

	acc := account("10000")
	acc.State.Phase = domain.PhaseTwo
	s := Aggregate(acc, []domain.PositionRecord{old, cur}, at.Add(time.Hour))

	assert.True(t, s.RealizedNet.Equal(dec("50")))
	assert.Equal(t, []string{"2"}, s.EATickets)
}

func TestAggregateUsesAccountTimezone(t *testing.T) {
	// 23:30 UTC on March 2nd is already March 3rd in Athens.
	closeAt := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	acc := account("10000")
	acc.Timezone = "Europe/Athens"

	s := Aggregate(acc, []domain.PositionRecord{closedRec("1", closeAt.Add(-time.Hour), closeAt, "-80", "0", "0")},
		time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC))

	assert.Equal(t, "2026-03-03", s.TradingDay)
	assert.True(t, s.TodayRealized.Equal(dec("-80")))
}
