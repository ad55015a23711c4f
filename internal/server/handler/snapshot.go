package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

const maxSnapshotBytes = 4 << 20

// StreamAppender queues a payload on a durable stream.
type StreamAppender interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// SnapshotHandler accepts snapshots pushed by the EA and queues them for the
// worker.
type SnapshotHandler struct {
	bus    StreamAppender
	stream string
	logger *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler appending to stream.
func NewSnapshotHandler(bus StreamAppender, stream string, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{bus: bus, stream: stream, logger: logger}
}

// Ingest validates the envelope and queues the raw body. Position-level
// problems are left to normalization so they surface as skipped records.
// POST /api/snapshots
func (h *SnapshotHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "snapshot too large")
		return
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid snapshot: "+err.Error())
		return
	}
	if snap.AccountID == "" || snap.AsOf.IsZero() {
		writeError(w, http.StatusBadRequest, "accountId and asOf are required")
		return
	}

	if err := h.bus.StreamAppend(r.Context(), h.stream, body); err != nil {
		logHandler(h.logger, "snapshot").ErrorContext(r.Context(), "handler: queue snapshot failed",
			slog.String("account_id", snap.AccountID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "snapshot queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accountId": snap.AccountID,
		"asOf":      snap.AsOf,
		"open":      len(snap.OpenPositions),
		"closed":    len(snap.ClosedPositions),
	})
}
