package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// testClient connects to LEDGER_TEST_REDIS_ADDR under a throwaway prefix.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, KeyPrefix: "ledgertest-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager_Integration(t *testing.T) {
	lm := NewLockManager(testClient(t))
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "account:acc-1", 5*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "account:acc-1", 5*time.Second)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	other, err := lm.Acquire(ctx, "account:acc-2", 5*time.Second)
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := lm.Acquire(ctx, "account:acc-1", 5*time.Second)
	require.NoError(t, err)
	again()
}

func TestRateLimiter_Integration(t *testing.T) {
	rl := NewRateLimiter(testClient(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "pass:acc-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "pass:acc-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignalBus_StreamIntegration(t *testing.T) {
	c := testClient(t)
	bus := NewSignalBus(c, 1000)
	ctx := context.Background()
	stream := c.Key("snapshots")

	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"accountId":"acc-1"}`)))
	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"accountId":"acc-2"}`)))

	msgs, err := bus.StreamRead(ctx, stream, "0", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"accountId":"acc-1"}`, string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, stream, msgs[1].ID, 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestTemplateCache_Integration(t *testing.T) {
	tc := NewTemplateCache(testClient(t), time.Minute)
	ctx := context.Background()

	_, err := tc.Get(ctx, "std-50k", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, tc.Set(ctx, domain.RuleTemplate{ID: "std-50k", Version: 1, Name: "Standard"}))
	got, err := tc.Get(ctx, "std-50k", 1)
	require.NoError(t, err)
	assert.Equal(t, "Standard", got.Name)

	require.NoError(t, tc.Invalidate(ctx, "std-50k", 1))
	_, err = tc.Get(ctx, "std-50k", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
