package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/service"
)

// AccountReader is the read side of the admin service.
type AccountReader interface {
	Status(ctx context.Context, accountID string, violationLimit int) (service.AccountStatus, error)
	ListPending(ctx context.Context, accountID string) ([]domain.PendingRecord, error)
}

// AccountHandler serves read-only account views.
type AccountHandler struct {
	accounts AccountReader
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountReader, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logger}
}

// GetStatus returns the account, its open records, recent violations and
// unresolved held records.
// GET /api/accounts/{id}/status?limit=20
func (h *AccountHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := h.accounts.Status(r.Context(), id, queryLimit(r, 20, 200))
	if err != nil {
		h.fail(w, r, "status", id, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListPending returns the account's unresolved held records.
// GET /api/accounts/{id}/pending
func (h *AccountHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pending, err := h.accounts.ListPending(r.Context(), id)
	if err != nil {
		h.fail(w, r, "pending", id, err)
		return
	}
	if pending == nil {
		pending = []domain.PendingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (h *AccountHandler) fail(w http.ResponseWriter, r *http.Request, op, accountID string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	logHandler(h.logger, "account").ErrorContext(r.Context(), "handler: account "+op+" failed",
		slog.String("account_id", accountID),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
