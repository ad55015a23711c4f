package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/server/handler"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/service"
)

type fakeAccounts struct{}

func (fakeAccounts) Status(_ context.Context, id string, _ int) (service.AccountStatus, error) {
	if id != "acc-1" {
		return service.AccountStatus{}, domain.ErrNotFound
	}
	return service.AccountStatus{Account: domain.Account{ID: id}}, nil
}

func (fakeAccounts) ListPending(_ context.Context, id string) ([]domain.PendingRecord, error) {
	if id != "acc-1" {
		return nil, errors.New("db down")
	}
	return nil, nil
}

type fakeStream struct {
	payloads [][]byte
	err      error
}

func (f *fakeStream) StreamAppend(_ context.Context, _ string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

type denyAfter struct{ n int }

func (d *denyAfter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.n--
	return d.n >= 0, nil
}

func newTestServer(t *testing.T, apiKey string, checks map[string]handler.Check, stream *fakeStream, limiter domain.RateLimiter) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{Addr: ":0", APIKey: apiKey, RateLimit: 10}, Handlers{
		Health:    handler.NewHealthHandler(checks, logger),
		Accounts:  handler.NewAccountHandler(fakeAccounts{}, logger),
		Snapshots: handler.NewSnapshotHandler(stream, "snapshots", logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ledger_passes_total 0\n"))
		}),
	}, limiter, logger)
	return srv.Handler()
}

func do(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	h := newTestServer(t, "secret", map[string]handler.Check{"postgres": ok}, &fakeStream{}, nil)
	rec := do(h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	h = newTestServer(t, "secret", map[string]handler.Check{"postgres": ok, "redis": down}, &fakeStream{}, nil)
	rec = do(h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestAuthGuardsAPIButNotOps(t *testing.T) {
	h := newTestServer(t, "secret", nil, &fakeStream{}, nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/accounts/acc-1/status", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/accounts/acc-1/status", "",
		map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/accounts/acc-1/status", "",
		map[string]string{"X-API-Key": "secret"}).Code)
}

func TestAccountRoutes(t *testing.T) {
	h := newTestServer(t, "", nil, &fakeStream{}, nil)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/accounts/nobody/status", "", nil).Code)

	rec := do(h, http.MethodGet, "/api/accounts/acc-1/pending", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/api/accounts/acc-2/pending", "", nil).Code)
}

func TestSnapshotIngest(t *testing.T) {
	stream := &fakeStream{}
	h := newTestServer(t, "", nil, stream, nil)

	body := `{"accountId":"acc-1","asOf":"2026-03-02T09:00:00Z","openPositions":[{"ticketId":5001,"symbol":"EURUSD","side":"buy","volume":"1","openPrice":"1.08","openTime":"2026-03-02T08:00:00Z"}]}`
	rec := do(h, http.MethodPost, "/api/snapshots", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, stream.payloads, 1)
	assert.JSONEq(t, body, string(stream.payloads[0]))

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/snapshots", `{"asOf":"2026-03-02T09:00:00Z"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/snapshots", `not json`, nil).Code)

	stream.err = errors.New("redis down")
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/api/snapshots", body, nil).Code)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, "", nil, &fakeStream{}, &denyAfter{n: 1})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/accounts/acc-1/status", "", nil).Code)
	rec := do(h, http.MethodGet, "/api/accounts/acc-1/status", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
