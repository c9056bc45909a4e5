package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/anthropics/reloadcore/internal/api/errors"
	"github.com/anthropics/reloadcore/internal/reload"
)

// AuditReader is the narrow seam HistoryHandler reads through; satisfied
// by internal/reload/audit.Log, kept as an interface here so this package
// does not import database drivers directly.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]reload.AuditLogEntry, error)
}

// HistoryHandler serves GET /control/history.
type HistoryHandler struct {
	audit  AuditReader
	logger *slog.Logger
}

// NewHistoryHandler constructs a HistoryHandler bound to audit.
func NewHistoryHandler(audit AuditReader, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{audit: audit, logger: logger}
}

type auditEntryResponse struct {
	RequestID     string `json:"request_id"`
	Trigger       string `json:"trigger"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at"`
	Outcome       string `json:"outcome"`
	VersionBefore string `json:"version_before,omitempty"`
	VersionAfter  string `json:"version_after,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

// HandleGetHistory responds with the most recent reload attempts,
// newest first. The `limit` query parameter caps the count (default 50).
func (h *HistoryHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.audit.Recent(r.Context(), limit)
	if err != nil {
		writeAPIError(w, r, apierrors.InternalError("failed to read audit history: "+err.Error()))
		return
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			RequestID:     e.RequestID,
			Trigger:       string(e.Trigger),
			StartedAt:     e.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
			FinishedAt:    e.FinishedAt.Format("2006-01-02T15:04:05Z07:00"),
			Outcome:       string(e.Outcome),
			VersionBefore: e.VersionBefore,
			VersionAfter:  e.VersionAfter,
			Summary:       e.Summary,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("failed to encode history response", "error", err)
	}
}
