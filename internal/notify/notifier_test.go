package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventAccountFailed, " "}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), EventViolation, "v", ""))
	require.NoError(t, n.Notify(context.Background(), EventAccountFailed, "f", ""))
	assert.Equal(t, []string{"f"}, s.titles)
}

func TestNotifier_SenderFailureDoesNotStopOthers(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.Notify(context.Background(), EventViolation, "t", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"t"}, good.titles)
}

func TestNotifier_NotifyPass(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, quietLogger())

	res := domain.PassResult{
		AccountID: "acc-1",
		Pending:   1,
		PhaseState: domain.PhaseState{
			Phase:          domain.PhaseFailed,
			CurrentBalance: decimal.RequireFromString("94000"),
		},
		Violations: []domain.Violation{{
			Kind:      domain.ViolationDailyLoss,
			Phase:     domain.PhaseOne,
			Threshold: decimal.RequireFromString("5000"),
			Observed:  decimal.RequireFromString("6000"),
		}},
		Transition: &domain.Transition{
			From: domain.PhaseOne, To: domain.PhaseFailed, Reason: "daily loss", At: time.Now(),
		},
		Diagnostics: []string{"ticket 7 held pending"},
	}
	require.NoError(t, n.NotifyPass(context.Background(), res))
	assert.Equal(t, []string{
		"Account acc-1 FAILED",
		"Account acc-1: DAILY_LOSS",
		"Account acc-1: 1 record(s) need review",
	}, s.titles)
}

func TestNotifier_NotifyPassQuietWhenNothingHappened(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, quietLogger())
	require.NoError(t, n.NotifyPass(context.Background(), domain.PassResult{AccountID: "acc-1"}))
	assert.Empty(t, s.titles)
}

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 429")
}
