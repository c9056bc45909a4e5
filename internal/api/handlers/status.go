// Package handlers implements the control-surface HTTP handlers that bind
// the reload engine's ReloadOrchestrator to concrete endpoints:
// status, trigger, history, and a live status stream.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/anthropics/reloadcore/internal/api/errors"
	"github.com/anthropics/reloadcore/internal/api/middleware"
	"github.com/anthropics/reloadcore/internal/reload"
)

// StatusHandler serves GET /control/status.
type StatusHandler struct {
	orchestrator *reload.ReloadOrchestrator
	logger       *slog.Logger
}

// NewStatusHandler constructs a StatusHandler bound to orchestrator.
func NewStatusHandler(orchestrator *reload.ReloadOrchestrator, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{orchestrator: orchestrator, logger: logger}
}

type statusResponse struct {
	Enabled        bool   `json:"enabled"`
	State          string `json:"state"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error,omitempty"`
	CurrentVersion string `json:"current_version,omitempty"`
	HistoryCount   int    `json:"history_count"`
	Watching       bool   `json:"watching"`
	DirCount       int    `json:"dir_count"`
	ListenerCount  int    `json:"listener_count"`
	Timestamp      string `json:"timestamp"`
}

// HandleGetStatus responds with the orchestrator's current status.
func (h *StatusHandler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.orchestrator.Status()
	resp := statusResponse{
		Enabled:        st.Enabled,
		State:          string(st.State),
		Attempts:       st.Attempts,
		LastError:      st.LastError,
		CurrentVersion: st.SnapshotStats.CurrentVersion,
		HistoryCount:   st.SnapshotStats.HistoryCount,
		Watching:       st.WatcherStats.Watching,
		DirCount:       st.WatcherStats.DirCount,
		ListenerCount:  st.WatcherStats.ListenerCount,
		Timestamp:      st.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(middleware.APIVersionHeader, "1.0.0")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode status response", "error", err)
	}
}

// writeAPIError is a shared helper for handlers in this package.
func writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *errors.APIError) {
	requestID := middleware.GetRequestID(r.Context())
	errors.WriteError(w, apiErr.WithRequestID(requestID))
}
