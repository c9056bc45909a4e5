package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/reloadcore/internal/api/errors"
	"github.com/anthropics/reloadcore/internal/reload"
)

// ReloadHandler serves POST /control/reload.
type ReloadHandler struct {
	orchestrator *reload.ReloadOrchestrator
	logger       *slog.Logger
}

// NewReloadHandler constructs a ReloadHandler bound to orchestrator.
func NewReloadHandler(orchestrator *reload.ReloadOrchestrator, logger *slog.Logger) *ReloadHandler {
	return &ReloadHandler{orchestrator: orchestrator, logger: logger}
}

type triggerReloadRequest struct {
	SpecificFiles []string `json:"specific_files,omitempty"`
	ValidateOnly  bool     `json:"validate_only,omitempty"`
	Force         bool     `json:"force,omitempty"`
}

type triggerReloadResponse struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// HandleTriggerReload runs a synchronous reload attempt; Force is set only
// when the request body asks for it.
func (h *ReloadHandler) HandleTriggerReload(w http.ResponseWriter, r *http.Request) {
	var body triggerReloadRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeAPIError(w, r, errors.ValidationError("invalid request body: "+err.Error()))
			return
		}
	}

	req := reload.ReloadRequest{
		RequestID:     uuid.NewString(),
		Trigger:       reload.TriggerManual,
		SpecificFiles: body.SpecificFiles,
		ValidateOnly:  body.ValidateOnly,
		Force:         body.Force,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	outcome, err := h.orchestrator.TriggerReload(ctx, req)

	resp := triggerReloadResponse{
		RequestID: req.RequestID,
		Outcome:   string(outcome),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusConflict)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		h.logger.Error("failed to encode reload response", "error", encErr)
	}
}
