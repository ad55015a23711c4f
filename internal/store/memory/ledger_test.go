package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

var openedAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func position(id, ticket string) domain.PositionRecord {
	return domain.PositionRecord{
		ID: id, AccountID: "acc-1", TicketID: ticket, Symbol: "EURUSD", Side: domain.SideBuy,
		Volume: decimal.RequireFromString("1"), OpenTime: openedAt,
		PnLGross: decimal.RequireFromString("10"), SourceKind: domain.SourceLiveOpen,
	}
}

func TestLedgerClosedRecordIsImmutable(t *testing.T) {
	ctx := context.Background()
	ledger := New().Ledger()

	rec := position("r1", "5001")
	require.NoError(t, ledger.Upsert(ctx, rec))

	closeAt := openedAt.Add(time.Hour)
	cp := decimal.RequireFromString("1.09")
	rec.CloseTime = &closeAt
	rec.ClosePrice = &cp
	rec.PnLGross = decimal.RequireFromString("25")
	require.NoError(t, ledger.Upsert(ctx, rec))

	rec.PnLGross = decimal.RequireFromString("99")
	assert.ErrorIs(t, ledger.Upsert(ctx, rec), domain.ErrClosedImmutable)

	got, err := ledger.FindByTicket(ctx, "acc-1", "5001")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].PnLGross.Equal(decimal.RequireFromString("25")))
}

func TestLedgerRejectsSecondOpenRecordPerTicket(t *testing.T) {
	ctx := context.Background()
	ledger := New().Ledger()

	require.NoError(t, ledger.Upsert(ctx, position("r1", "5001")))
	assert.ErrorIs(t, ledger.Upsert(ctx, position("r2", "5001")), domain.ErrAlreadyExists)
}

func TestLedgerRenameRules(t *testing.T) {
	ctx := context.Background()
	ledger := New().Ledger()

	require.NoError(t, ledger.Upsert(ctx, position("open", "5001")))
	assert.ErrorIs(t, ledger.Rename(ctx, "acc-1", "open", "5001_1"), domain.ErrNotFound)

	closed := position("closed", "6001")
	closeAt := openedAt.Add(time.Hour)
	closed.CloseTime = &closeAt
	require.NoError(t, ledger.Upsert(ctx, closed))

	require.NoError(t, ledger.Rename(ctx, "acc-1", "closed", "6001_1"))
	got, err := ledger.FindByTicket(ctx, "acc-1", "6001_1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "6001", got[0].OriginalTicket)

	assert.ErrorIs(t, ledger.Rename(ctx, "acc-1", "closed", "5001"), domain.ErrAlreadyExists)
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.InTx(ctx, func(ctx context.Context, s domain.TxStores) error {
		require.NoError(t, s.Ledger.Upsert(ctx, position("r1", "5001")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	recs, err := db.Ledger().ListByAccount(ctx, "acc-1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
