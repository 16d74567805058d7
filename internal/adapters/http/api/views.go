package api

import (
	"net/http"
	"time"

	"github.com/okian/touchpoint/internal/domain/attribution"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/domain/refresh"
	"github.com/okian/touchpoint/internal/domain/types"
)

// seriesResponse wraps one panel. On a query failure with cached data the
// panel is still returned, flagged stale, alongside the error.
type seriesResponse[T any] struct {
	WindowStart *model.Day     `json:"window_start,omitempty"`
	Days        int            `json:"days,omitempty"`
	Top         int            `json:"top,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	AsOf        time.Time      `json:"as_of"`
	Stale       bool           `json:"stale"`
	Rows        T              `json:"rows"`
	Error       *errorResponse `json:"error,omitempty"`
}

type viewResponse struct {
	WindowStart model.Day                `json:"window_start"`
	Days        int                      `json:"days"`
	Top         int                      `json:"top"`
	Limit       int                      `json:"limit"`
	AsOf        time.Time                `json:"as_of"`
	Stale       bool                     `json:"stale"`
	Totals      []model.DailyTotals      `json:"totals"`
	Channels    []model.ChannelBreakdown `json:"channels"`
	Live        []types.EventRow         `json:"live"`
	Summary     attribution.Summary      `json:"summary"`
	Refresh     refresh.Status           `json:"refresh"`
}

// ViewsHandler serves the attribution panels.
type ViewsHandler struct {
	deps ViewDependencies
}

// NewViewsHandler creates a new views handler.
func NewViewsHandler(deps ViewDependencies) *ViewsHandler {
	return &ViewsHandler{deps: deps}
}

// HandleTotals handles GET /totals?days=N requests.
func (h *ViewsHandler) HandleTotals(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_totals"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	defDays, _, _ := h.deps.Defaults()
	days, err := intParam(r, "days", defDays)
	if err != nil {
		fail(w, op, err)
		return
	}

	snap, err := h.deps.DailyTotals(r.Context(), days)
	start := h.deps.WindowStart(days)
	writeSnapshot(w, op, seriesResponse[[]model.DailyTotals]{WindowStart: &start, Days: days}, snap, err)
}

// HandleChannels handles GET /channels?days=N&top=N requests.
func (h *ViewsHandler) HandleChannels(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_channels"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	defDays, defTop, _ := h.deps.Defaults()
	days, err := intParam(r, "days", defDays)
	if err != nil {
		fail(w, op, err)
		return
	}
	top, err := intParam(r, "top", defTop)
	if err != nil {
		fail(w, op, err)
		return
	}

	snap, err := h.deps.ChannelBreakdown(r.Context(), days, top)
	start := h.deps.WindowStart(days)
	writeSnapshot(w, op, seriesResponse[[]model.ChannelBreakdown]{WindowStart: &start, Days: days, Top: top}, snap, err)
}

// HandleLive handles GET /live?limit=N requests.
func (h *ViewsHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_live"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	_, _, defLimit := h.deps.Defaults()
	limit, err := intParam(r, "limit", defLimit)
	if err != nil {
		fail(w, op, err)
		return
	}

	snap, err := h.deps.LiveFeed(r.Context(), limit)
	rows := types.Snapshot[[]types.EventRow]{Data: types.NewEventRows(snap.Data), AsOf: snap.AsOf, Stale: snap.Stale}
	writeSnapshot(w, op, seriesResponse[[]types.EventRow]{Limit: limit}, rows, err)
}

// HandleView handles GET /view?days=N&top=N&limit=N requests: all panels
// from one consistent snapshot plus headline numbers.
func (h *ViewsHandler) HandleView(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_view"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	defDays, defTop, defLimit := h.deps.Defaults()
	days, err := intParam(r, "days", defDays)
	if err != nil {
		fail(w, op, err)
		return
	}
	top, err := intParam(r, "top", defTop)
	if err != nil {
		fail(w, op, err)
		return
	}
	limit, err := intParam(r, "limit", defLimit)
	if err != nil {
		fail(w, op, err)
		return
	}

	v, err := h.deps.View(r.Context(), days, top, limit)
	if err != nil {
		fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{
		WindowStart: v.WindowStart,
		Days:        v.Days,
		Top:         v.TopN,
		Limit:       v.Limit,
		AsOf:        v.AsOf,
		Stale:       v.Stale,
		Totals:      v.Totals,
		Channels:    v.Channels,
		Live:        types.NewEventRows(v.Live),
		Summary:     v.Summary,
		Refresh:     v.Refresh,
	})
}

// writeSnapshot writes a panel, or the error when no stale data can stand in.
func writeSnapshot[T any](w http.ResponseWriter, op string, resp seriesResponse[T], snap types.Snapshot[T], err error) {
	if err != nil && !snap.Stale {
		fail(w, op, err)
		return
	}
	resp.AsOf = snap.AsOf
	resp.Stale = snap.Stale
	resp.Rows = snap.Data

	status := http.StatusOK
	if err != nil {
		kind, code := ErrUnavailable, "query_failure"
		status = http.StatusServiceUnavailable
		resp.Error = &errorResponse{Code: code, Message: WrapKind(op, kind, err).Error()}
	}
	writeJSON(w, status, resp)
}
