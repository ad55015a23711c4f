package reconcile

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

func TestNormalizeDecodesEAPayload(t *testing.T) {
	raw := `{
		"accountId": "acc-1",
		"asOf": "2026-03-02T10:00:00Z",
		"openPositions": [
			{"ticketId": 123456, "symbol": "eurusd", "side": "buy", "volume": "0.50",
			 "openPrice": 1.0850, "openTime": "2026.03.02 09:15:30", "pnl": "12.40",
			 "swap": "-0.30", "commission": "-3.50", "magic": 777}
		],
		"closedPositions": [
			{"ticketId": "99", "symbol": "XAUUSD", "side": "sell", "volume": 1,
			 "openPrice": "2050.10", "closePrice": "2045.10", "openTime": 1772438400,
			 "closeTime": "2026-03-02 09:30:00", "pnl": "500", "phase": "phase_2"}
		]
	}`
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))

	b := Normalize(snap, domain.PhaseOne)
	require.Empty(t, b.Skipped)
	require.Len(t, b.Open, 1)
	require.Len(t, b.Closed, 1)

	open := b.Open[0]
	assert.Equal(t, "123456", open.TicketID)
	assert.Equal(t, "EURUSD", open.Symbol)
	assert.Equal(t, domain.SideBuy, open.Side)
	assert.Equal(t, domain.SourceLiveOpen, open.SourceKind)
	assert.Equal(t, domain.PhaseOne, open.TradePhase)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 15, 30, 0, time.UTC), open.OpenTime)
	assert.Equal(t, snap.AsOf.UTC(), open.LastSeenAt)
	assert.True(t, open.NetPnL().Equal(decimal.RequireFromString("8.60")))
	assert.Nil(t, open.CloseTime)

	closed := b.Closed[0]
	assert.Equal(t, "99", closed.TicketID)
	assert.Equal(t, domain.SourceImportedClosed, closed.SourceKind)
	assert.Equal(t, domain.PhaseTwo, closed.TradePhase)
	require.NotNil(t, closed.CloseTime)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), *closed.CloseTime)
	assert.True(t, closed.ClosePrice.Equal(decimal.RequireFromString("2045.10")))
}

func TestNormalizeSkipsInvalidRecords(t *testing.T) {
	good := domain.PositionDescriptor{
		TicketID: "1", Symbol: "EURUSD", Side: "buy",
		Volume: decimal.RequireFromString("0.1"), OpenTime: "2026-03-02T09:00:00Z",
	}

	cases := []struct {
		name  string
		edit  func(d *domain.PositionDescriptor)
		field string
	}{
		{"missing ticket", func(d *domain.PositionDescriptor) { d.TicketID = "" }, "ticketId"},
		{"missing symbol", func(d *domain.PositionDescriptor) { d.Symbol = " " }, "symbol"},
		{"missing volume", func(d *domain.PositionDescriptor) { d.Volume = decimal.Zero }, "volume"},
		{"negative volume", func(d *domain.PositionDescriptor) { d.Volume = decimal.RequireFromString("-1") }, "volume"},
		{"unknown side", func(d *domain.PositionDescriptor) { d.Side = "hold" }, "side"},
		{"bad open time", func(d *domain.PositionDescriptor) { d.OpenTime = "yesterday" }, "openTime"},
		{"unknown phase", func(d *domain.PositionDescriptor) { d.Phase = "PHASE_9" }, "phase"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := good
			tc.edit(&bad)
			b := Normalize(domain.Snapshot{AccountID: "acc", OpenPositions: []domain.PositionDescriptor{good, bad}}, domain.PhaseOne)

			require.Len(t, b.Open, 1)
			require.Len(t, b.Skipped, 1)
			assert.Equal(t, bad, b.Skipped[0].Record)

			_, err := NormalizeOpen("acc", bad, domain.PhaseOne, time.Time{})
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestNormalizeClosedRequiresCloseData(t *testing.T) {
	d := domain.PositionDescriptor{
		TicketID: "7", Symbol: "EURUSD", Side: "sell",
		Volume: decimal.RequireFromString("1"), OpenTime: "2026-03-02T09:00:00Z",
	}

	_, err := NormalizeClosed("acc", d, domain.PhaseOne)
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "closeTime", ve.Field)

	d.CloseTime = "2026-03-02T08:00:00Z"
	_, err = NormalizeClosed("acc", d, domain.PhaseOne)
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "closeTime", ve.Field)

	d.CloseTime = "2026-03-02T10:00:00Z"
	_, err = NormalizeClosed("acc", d, domain.PhaseOne)
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "closePrice", ve.Field)
}

func TestNormalizeOrdersClosedByCloseTime(t *testing.T) {
	cp := decimal.RequireFromString("1.1")
	mk := func(ticket, closeAt string) domain.PositionDescriptor {
		return domain.PositionDescriptor{
			TicketID: domain.FlexString(ticket), Symbol: "EURUSD", Side: "buy",
			Volume: decimal.RequireFromString("1"), OpenTime: "2026-03-02T08:00:00Z",
			CloseTime: domain.FlexString(closeAt), ClosePrice: &cp,
		}
	}
	b := Normalize(domain.Snapshot{
		AccountID: "acc",
		ClosedPositions: []domain.PositionDescriptor{
			mk("3", "2026-03-02T11:00:00Z"),
			mk("1", "2026-03-02T09:00:00Z"),
			mk("2", "2026-03-02T10:00:00Z"),
		},
	}, domain.PhaseOne)

	require.Len(t, b.Closed, 3)
	assert.Equal(t, "1", b.Closed[0].TicketID)
	assert.Equal(t, "2", b.Closed[1].TicketID)
	assert.Equal(t, "3", b.Closed[2].TicketID)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 3, 2, 9, 15, 30, 0, time.UTC)
	for _, in := range []string{
		"2026-03-02T09:15:30Z",
		"2026-03-02T11:15:30+02:00",
		"2026-03-02T09:15:30",
		"2026-03-02 09:15:30",
		"2026.03.02 09:15:30",
		"1772442930",
		"1772442930000",
	} {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTime("02/03/2026")
	assert.Error(t, err)
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]domain.Side{"BUY": domain.SideBuy, "long": domain.SideBuy, "0": domain.SideBuy, "Sell": domain.SideSell, "1": domain.SideSell} {
		got, err := ParseSide(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSide("")
	assert.Error(t, err)
}
