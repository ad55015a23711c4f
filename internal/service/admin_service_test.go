package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

func TestCreateAccount_Defaults(t *testing.T) {
	f := newFixture(t, false)
	acc := f.account(t)
	assert.Equal(t, domain.PhaseOne, acc.State.Phase)
	assert.True(t, dec("50000").Equal(acc.State.StartBalance))
	assert.True(t, dec("50000").Equal(acc.State.HighWaterMark))

	_, err := f.admin.CreateAccount(context.Background(), domain.Account{ID: "acc-1"})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = f.admin.CreateAccount(context.Background(), domain.Account{ID: "acc-2", Timezone: "Mars/Olympus"})
	assert.Error(t, err)
}

func TestAssignTemplate_UnknownVersion(t *testing.T) {
	f := newFixture(t, false)
	err := f.admin.AssignTemplate(context.Background(), "acc-1", "std-50k", 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.account(t).TemplateID)
}

func TestDeleteTicket(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.ApplySnapshot(ctx, domain.Snapshot{
		AccountID:       "acc-1",
		AsOf:            t2,
		OpenPositions:   []domain.PositionDescriptor{openDesc("5001", t0, "1")},
		ClosedPositions: []domain.PositionDescriptor{closedDesc("5002", t0, t1, "2")},
	})
	require.NoError(t, err)

	n, err := f.admin.DeleteTicket(ctx, "acc-1", "5002")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	recs, err := f.db.Ledger().ListByAccount(ctx, "acc-1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "5001", recs[0].TicketID)

	entries, err := f.db.Audit().List(ctx, "acc-1", domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin.ticket_deleted", entries[0].Event)
	assert.False(t, f.locks.Held(accountLockKey("acc-1")))
}

// holdOne makes the ledger hold an open report whose open time disagrees
// with the open record already carrying the ticket.
func holdOne(t *testing.T, f *fixture) domain.PendingRecord {
	t.Helper()
	ctx := context.Background()

	_, err := f.svc.ApplySnapshot(ctx, domain.Snapshot{
		AccountID:     "acc-1",
		AsOf:          t1,
		OpenPositions: []domain.PositionDescriptor{openDesc("5001", t0, "1")},
	})
	require.NoError(t, err)

	res, err := f.svc.ApplySnapshot(ctx, domain.Snapshot{
		AccountID:     "acc-1",
		AsOf:          t2,
		OpenPositions: []domain.PositionDescriptor{openDesc("5001", t0.Add(-time.Hour), "3")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Pending)

	pending, err := f.admin.ListPending(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func TestResolvePending_Discard(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p := holdOne(t, f)

	require.NoError(t, f.admin.ResolvePending(ctx, "acc-1", p.ID, PendingDiscard))

	pending, err := f.admin.ListPending(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = f.admin.ResolvePending(ctx, "acc-1", p.ID, PendingDiscard)
	assert.Error(t, err)
}

func TestResolvePending_ApplyAfterOperatorCleanup(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p := holdOne(t, f)

	// The ticket still has its open record, so applying is refused.
	err := f.admin.ResolvePending(ctx, "acc-1", p.ID, PendingApply)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = f.admin.DeleteTicket(ctx, "acc-1", "5001")
	require.NoError(t, err)
	require.NoError(t, f.admin.ResolvePending(ctx, "acc-1", p.ID, PendingApply))

	open, err := f.db.Ledger().ListOpen(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].OpenTime.Equal(t0.Add(-time.Hour)))
	assert.True(t, dec("3").Equal(open[0].PnLGross))
}

func TestResolvePending_WrongAccountOrAction(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p := holdOne(t, f)

	assert.ErrorIs(t, f.admin.ResolvePending(ctx, "acc-2", p.ID, PendingDiscard), domain.ErrNotFound)
	assert.Error(t, f.admin.ResolvePending(ctx, "acc-1", p.ID, PendingAction("merge")))
}

func TestExportLedgerAndStatus(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	holdOne(t, f)

	path, err := f.admin.ExportLedger(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, f.archive.exports[path], 1)

	st, err := f.admin.Status(ctx, "acc-1", 10)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", st.Account.ID)
	assert.Len(t, st.Open, 1)
	assert.Len(t, st.Pending, 1)

	_, err = f.admin.ExportLedger(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
