package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// testClient connects to LEDGER_TEST_POSTGRES_DSN and applies migrations.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx), "migrations must be rerunnable")
	return c
}

func testAccount(t *testing.T, s Stores) string {
	t.Helper()
	id := "it-" + uuid.NewString()
	err := s.Accounts.Create(context.Background(), domain.Account{
		ID: id,
		State: domain.PhaseState{
			Phase:          domain.PhaseOne,
			InitialBalance: decimal.RequireFromString("50000"),
			StartBalance:   decimal.RequireFromString("50000"),
			CurrentBalance: decimal.RequireFromString("50000"),
			HighWaterMark:  decimal.RequireFromString("50000"),
			PhaseStartedAt: time.Now().UTC(),
		},
	})
	require.NoError(t, err)
	return id
}

func openRecord(accountID, ticket string, openAt time.Time) domain.PositionRecord {
	now := time.Now().UTC()
	return domain.PositionRecord{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		TicketID:   ticket,
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		Volume:     decimal.RequireFromString("1.00"),
		OpenTime:   openAt,
		OpenPrice:  decimal.RequireFromString("1.08500"),
		PnLGross:   decimal.RequireFromString("12.50"),
		TradePhase: domain.PhaseOne,
		SourceKind: domain.SourceLiveOpen,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestLedgerStore_Integration(t *testing.T) {
	c := testClient(t)
	s := c.Stores()
	ctx := context.Background()
	acc := testAccount(t, s)
	openAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	rec := openRecord(acc, "5001", openAt)
	require.NoError(t, s.Ledger.Upsert(ctx, rec))

	dup := openRecord(acc, "5001", openAt)
	assert.ErrorIs(t, s.Ledger.Upsert(ctx, dup), domain.ErrAlreadyExists)

	closeAt := openAt.Add(2 * time.Hour)
	cp := decimal.RequireFromString("1.08700")
	rec.CloseTime = &closeAt
	rec.ClosePrice = &cp
	rec.PnLGross = decimal.RequireFromString("20")
	require.NoError(t, s.Ledger.Upsert(ctx, rec))

	rec.PnLGross = decimal.RequireFromString("99")
	assert.ErrorIs(t, s.Ledger.Upsert(ctx, rec), domain.ErrClosedImmutable)

	derived := domain.DerivedTicket("5001", closeAt)
	require.NoError(t, s.Ledger.Rename(ctx, acc, rec.ID, derived))

	found, err := s.Ledger.FindByTicket(ctx, acc, derived)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "5001", found[0].OriginalTicket)
	assert.True(t, decimal.RequireFromString("20").Equal(found[0].PnLGross))

	open, err := s.Ledger.ListOpen(ctx, acc)
	require.NoError(t, err)
	assert.Empty(t, open)

	n, err := s.Ledger.DeleteTicket(ctx, acc, derived)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTransactor_RollsBack_Integration(t *testing.T) {
	c := testClient(t)
	s := c.Stores()
	ctx := context.Background()
	acc := testAccount(t, s)

	boom := errors.New("boom")
	err := s.Tx.InTx(ctx, func(ctx context.Context, tx domain.TxStores) error {
		if err := tx.Ledger.Upsert(ctx, openRecord(acc, "6001", time.Now().UTC().Truncate(time.Second))); err != nil {
			return err
		}
		if err := tx.Audit.Log(ctx, acc, "test.event", map[string]any{"k": "v"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	recs, err := s.Ledger.ListByAccount(ctx, acc, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	entries, err := s.Audit.List(ctx, acc, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
