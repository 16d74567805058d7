package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/okian/touchpoint/internal/domain/refresh"
)

type refreshResponse struct {
	Status  string         `json:"status"`
	Refresh refresh.Status `json:"refresh"`
	Error   *errorResponse `json:"error,omitempty"`
}

// autoRefreshRequest is the body of PUT /refresh/auto. A missing or zero
// interval keeps the current one.
type autoRefreshRequest struct {
	Enabled         *bool `json:"enabled"`
	IntervalSeconds int   `json:"interval_seconds"`
}

// RefreshHandler exposes the refresh coordinator.
type RefreshHandler struct {
	deps RefreshDependencies
}

// NewRefreshHandler creates a new refresh handler.
func NewRefreshHandler(deps RefreshDependencies) *RefreshHandler {
	return &RefreshHandler{deps: deps}
}

// HandleRefresh handles GET /refresh (status) and POST /refresh (manual trigger).
func (h *RefreshHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	const op = "api.refresh"
	switch r.Method {
	case http.MethodGet:
		st, err := h.deps.RefreshStatus()
		if err != nil {
			fail(w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, refreshResponse{Status: "ok", Refresh: st})
	case http.MethodPost:
		err := h.deps.Refresh(r.Context())
		st, _ := h.deps.RefreshStatus()
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, refreshResponse{Status: "refreshed", Refresh: st})
		case errors.Is(err, refresh.ErrRefreshInProgress):
			writeJSON(w, http.StatusAccepted, refreshResponse{Status: "coalesced", Refresh: st})
		default:
			_, status, code := classify(err)
			writeJSON(w, status, refreshResponse{
				Status:  "failed",
				Refresh: st,
				Error:   &errorResponse{Code: code, Message: Wrap(op, err).Error()},
			})
		}
	default:
		http.NotFound(w, r)
	}
}

// HandleAutoRefresh handles PUT /refresh/auto requests.
func (h *RefreshHandler) HandleAutoRefresh(w http.ResponseWriter, r *http.Request) {
	const op = "api.set_auto_refresh"
	if r.Method != http.MethodPut {
		http.NotFound(w, r)
		return
	}
	var req autoRefreshRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		fail(w, op, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if req.Enabled == nil {
		fail(w, op, fmt.Errorf("%w: enabled is required", ErrBadRequest))
		return
	}
	if req.IntervalSeconds < 0 {
		fail(w, op, fmt.Errorf("%w: %w", ErrBadRequest, refresh.ErrInvalidInterval))
		return
	}

	st, err := h.deps.SetAutoRefresh(*req.Enabled, time.Duration(req.IntervalSeconds)*time.Second)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Status: "ok", Refresh: st})
}
