package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/domain/types"
)

const maxEventsBody = 1 << 20

// EventDependencies defines the interface for event processing dependencies.
type EventDependencies interface {
	Ingest(ctx context.Context, events []model.Event) (types.IngestResult, error)
}

// eventRequest mirrors the OpenAPI schema for POST /events.
type eventRequest struct {
	EventID        string           `json:"event_id"`
	EventTimestamp string           `json:"event_timestamp"`
	UserID         *string          `json:"user_id"`
	UserPseudoID   string           `json:"user_pseudo_id"`
	EventName      string           `json:"event_name"`
	TrafficSource  string           `json:"traffic_source"`
	TrafficMedium  string           `json:"traffic_medium"`
	Campaign       *string          `json:"campaign"`
	EventValue     *decimal.Decimal `json:"event_value"`
}

func (e eventRequest) toEvent() (model.Event, error) {
	if strings.TrimSpace(e.EventTimestamp) == "" {
		return model.Event{}, model.ErrMissingTimestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, e.EventTimestamp)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: event_timestamp must be RFC3339", model.ErrInvalidEvent)
	}
	ev := model.Event{
		EventID:       strings.TrimSpace(e.EventID),
		Timestamp:     ts,
		UserID:        e.UserID,
		UserPseudoID:  e.UserPseudoID,
		EventName:     e.EventName,
		TrafficSource: e.TrafficSource,
		TrafficMedium: e.TrafficMedium,
		Campaign:      e.Campaign,
	}
	if e.EventValue != nil {
		ev.Value = decimal.NewNullDecimal(*e.EventValue)
	}
	return ev, ev.Validate()
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
	types.IngestResult
}

// EventsHandler handles event requests.
type EventsHandler struct {
	deps EventDependencies
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps EventDependencies) *EventsHandler {
	return &EventsHandler{deps: deps}
}

// HandlePostEvents handles POST /events requests. The body is one event
// object or an array of them.
func (h *EventsHandler) HandlePostEvents(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_events"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	reqs, err := decodeEvents(http.MaxBytesReader(w, r.Body, maxEventsBody))
	if err != nil {
		fail(w, op, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	events := make([]model.Event, len(reqs))
	for i, req := range reqs {
		if events[i], err = req.toEvent(); err != nil {
			fail(w, op, fmt.Errorf("%w: event %d: %w", ErrBadRequest, i, err))
			return
		}
	}

	res, err := h.deps.Ingest(r.Context(), events)
	if err != nil {
		fail(w, op, err)
		return
	}
	if res.Accepted == 0 {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true, IngestResult: res})
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", IngestResult: res})
}

func decodeEvents(r io.Reader) ([]eventRequest, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var reqs []eventRequest
		if err := json.Unmarshal(raw, &reqs); err != nil {
			return nil, err
		}
		if len(reqs) == 0 {
			return nil, errors.New("empty event batch")
		}
		return reqs, nil
	}
	var req eventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return []eventRequest{req}, nil
}
