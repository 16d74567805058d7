// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/domain/refresh"
	"github.com/okian/touchpoint/internal/domain/types"
	"github.com/okian/touchpoint/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	Pinger
	ViewDependencies
	RefreshDependencies
	EventDependencies
}

// ViewDependencies serves the attribution read operations.
type ViewDependencies interface {
	DailyTotals(ctx context.Context, days int) (types.Snapshot[[]model.DailyTotals], error)
	ChannelBreakdown(ctx context.Context, days, topN int) (types.Snapshot[[]model.ChannelBreakdown], error)
	LiveFeed(ctx context.Context, limit int) (types.Snapshot[[]model.Event], error)
	View(ctx context.Context, days, topN, limit int) (types.View, error)
	WindowStart(days int) model.Day
	// Defaults reports the parameters used when a request omits them.
	Defaults() (days, topN, limit int)
}

// RefreshDependencies drives the refresh coordinator.
type RefreshDependencies interface {
	Refresh(ctx context.Context) error
	SetAutoRefresh(enabled bool, interval time.Duration) (refresh.Status, error)
	RefreshStatus() (refresh.Status, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	eventsHandler  *EventsHandler
	viewsHandler   *ViewsHandler
	refreshHandler *RefreshHandler
	log            logger.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger used for failed requests.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...ServerOption) *Server {
	s := &Server{
		healthHandler:  NewHealthHandler(deps),
		statsHandler:   NewStatsHandler(statsProvider),
		eventsHandler:  NewEventsHandler(deps),
		viewsHandler:   NewViewsHandler(deps),
		refreshHandler: NewRefreshHandler(deps),
		log:            logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	// Specific paths first (most specific to least specific)
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz", s.log))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats", s.log))
	mux.HandleFunc("/events", MetricsMiddleware(s.eventsHandler.HandlePostEvents, "events", s.log))
	mux.HandleFunc("/totals", MetricsMiddleware(s.viewsHandler.HandleTotals, "totals", s.log))
	mux.HandleFunc("/channels", MetricsMiddleware(s.viewsHandler.HandleChannels, "channels", s.log))
	mux.HandleFunc("/live", MetricsMiddleware(s.viewsHandler.HandleLive, "live", s.log))
	mux.HandleFunc("/view", MetricsMiddleware(s.viewsHandler.HandleView, "view", s.log))
	mux.HandleFunc("/refresh/auto", MetricsMiddleware(s.refreshHandler.HandleAutoRefresh, "refresh_auto", s.log))
	mux.HandleFunc("/refresh", MetricsMiddleware(s.refreshHandler.HandleRefresh, "refresh", s.log))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
