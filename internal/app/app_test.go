package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/config"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

const templateYAML = `
id: std-50k
version: 1
name: Standard 50k
phases:
  PHASE_1:
    profit_target: {amount: 2500}
    max_daily_loss: {percentage: 5}
    max_overall_loss: {percentage: 10}
    permissions: {ea_allowed: true}
  PHASE_2:
    profit_target: {percentage: 5}
    max_daily_loss: {percentage: 5}
    max_overall_loss: {percentage: 10}
  FUNDED:
    max_daily_loss: {percentage: 5}
    max_overall_loss: {percentage: 10}
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// memoryApp wires an App on in-memory storage with no Redis or S3.
func memoryApp(t *testing.T) (*App, *Dependencies, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "std-50k.yaml", templateYAML)

	cfg := config.Defaults()
	cfg.Mode = "admin"
	cfg.Storage = "memory"
	cfg.Redis.Enabled = false
	cfg.Templates.Dir = dir
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(&cfg, logger)
	var out bytes.Buffer
	a.out = &out

	deps, cleanup, err := Wire(context.Background(), &cfg, logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return a, deps, &out
}

func TestAdminAndApplyOnMemoryStorage(t *testing.T) {
	a, deps, out := memoryApp(t)
	ctx := context.Background()

	require.NoError(t, a.AdminMode(ctx, deps, []string{
		"create-account", "-id", "acc-1", "-balance", "50000", "-template", "std-50k", "-version", "1",
	}))
	out.Reset()

	snapPath := writeFile(t, t.TempDir(), "snap.json", `{
		"accountId": "acc-1",
		"asOf": "2026-03-02T10:00:00Z",
		"openPositions": [
			{"ticketId": 5001, "symbol": "EURUSD", "side": "buy", "volume": "1", "openPrice": "1.0850",
			 "openTime": "2026-03-02T09:00:00Z", "pnl": "12.5"}
		]
	}`)
	require.NoError(t, a.ApplyMode(ctx, deps, snapPath))

	var res struct {
		Created int `json:"created"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 1, res.Created)

	st, err := deps.Admin.Status(ctx, "acc-1", 10)
	require.NoError(t, err)
	assert.Len(t, st.Open, 1)
	assert.Equal(t, "std-50k", st.Account.TemplateID)

	out.Reset()
	require.NoError(t, a.AdminMode(ctx, deps, []string{"delete-ticket", "acc-1", "5001"}))
	assert.JSONEq(t, `{"deleted":1}`, out.String())
}

func TestImportModeAcceptsBareArray(t *testing.T) {
	a, deps, out := memoryApp(t)
	ctx := context.Background()
	require.NoError(t, a.AdminMode(ctx, deps, []string{"create-account", "-id", "acc-1", "-balance", "50000"}))
	out.Reset()

	path := writeFile(t, t.TempDir(), "closed.json", `[
		{"ticketId": "7001", "symbol": "XAUUSD", "side": "sell", "volume": "0.5", "openPrice": "2650.10",
		 "closePrice": "2640.00", "openTime": "2026-03-02T09:00:00Z", "closeTime": "2026-03-02T11:00:00Z", "pnl": "505"}
	]`)
	require.NoError(t, a.ImportMode(ctx, deps, "acc-1", path))

	var res struct {
		Created int `json:"created"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 1, res.Created)
}

func TestSyncTemplates(t *testing.T) {
	a, deps, out := memoryApp(t)
	require.NoError(t, a.AdminMode(context.Background(), deps, []string{"sync-templates"}))
	assert.JSONEq(t, `{"synced":1}`, out.String())
}

func TestAdminModeUsageErrors(t *testing.T) {
	a, deps, _ := memoryApp(t)
	ctx := context.Background()

	assert.Error(t, a.AdminMode(ctx, deps, nil))
	assert.Error(t, a.AdminMode(ctx, deps, []string{"frobnicate"}))
	assert.Error(t, a.AdminMode(ctx, deps, []string{"delete-ticket", "acc-1"}))
	assert.Error(t, a.AdminMode(ctx, deps, []string{"assign-template", "acc-1", "std-50k", "one"}))
	assert.Error(t, a.AdminMode(ctx, deps, []string{"export", "acc-1"}))
}

func TestDecodeImport(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	batch, err := decodeImport([]byte(`{"asOf":"2026-03-01T00:00:00Z","closedPositions":[{"ticketId":1}]}`), now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), batch.AsOf)
	assert.Len(t, batch.ClosedPositions, 1)

	batch, err = decodeImport([]byte(` [{"ticketId":1},{"ticketId":2}]`), now)
	require.NoError(t, err)
	assert.Equal(t, now, batch.AsOf)
	assert.Len(t, batch.ClosedPositions, 2)

	_, err = decodeImport([]byte(`{`), now)
	assert.Error(t, err)
}

type eventsBus struct {
	channel string
	events  [][]byte
}

func (b *eventsBus) Publish(context.Context, string, []byte) error { return nil }

func (b *eventsBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.channel = channel
	ch := make(chan []byte, len(b.events))
	for _, e := range b.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (b *eventsBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *eventsBus) StreamRead(context.Context, string, string, int, time.Duration) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestWatchPrintsEvents(t *testing.T) {
	a, deps, out := memoryApp(t)
	bus := &eventsBus{events: [][]byte{[]byte(`{"accountId":"acc-1"}`), []byte(`{"accountId":"acc-2"}`)}}
	deps.Bus = bus

	require.NoError(t, a.AdminMode(context.Background(), deps, []string{"watch"}))
	assert.Equal(t, "ledger.events", bus.channel)
	assert.Equal(t, "{\"accountId\":\"acc-1\"}\n{\"accountId\":\"acc-2\"}\n", out.String())
}
