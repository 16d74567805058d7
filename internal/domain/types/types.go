// Package types contains the read shapes shared by the service and the API.
package types

import (
	"time"

	"github.com/okian/touchpoint/internal/domain/attribution"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/domain/refresh"
)

// Snapshot is one cached view. Stale is set when Data is the last known good
// value, served because recomputing it failed.
type Snapshot[T any] struct {
	Data  T
	AsOf  time.Time
	Stale bool
}

// View is the combined dashboard snapshot.
type View struct {
	Days        int
	WindowStart model.Day
	TopN        int
	Limit       int
	Totals      []model.DailyTotals
	Channels    []model.ChannelBreakdown
	Live        []model.Event
	Summary     attribution.Summary
	AsOf        time.Time
	Stale       bool
	Refresh     refresh.Status
}

// IngestResult counts what happened to a submitted batch.
type IngestResult struct {
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	EventIDs   []string `json:"event_ids"`
}

// EventRow is the wire form of a staged event.
type EventRow struct {
	EventID        string    `json:"event_id"`
	EventTimestamp time.Time `json:"event_timestamp"`
	EventDate      string    `json:"event_date"`
	UserID         *string   `json:"user_id,omitempty"`
	UserPseudoID   string    `json:"user_pseudo_id"`
	EventName      string    `json:"event_name"`
	TrafficSource  string    `json:"traffic_source"`
	TrafficMedium  string    `json:"traffic_medium"`
	Campaign       *string   `json:"campaign,omitempty"`
	EventValue     *string   `json:"event_value,omitempty"`
}

// NewEventRow converts a staged event.
func NewEventRow(e model.Event) EventRow { //nolint:gocritic // hugeParam: read-only copy
	row := EventRow{
		EventID:        e.EventID,
		EventTimestamp: e.Timestamp,
		EventDate:      e.EventDate(),
		UserID:         e.UserID,
		UserPseudoID:   e.UserPseudoID,
		EventName:      e.EventName,
		TrafficSource:  e.TrafficSource,
		TrafficMedium:  e.TrafficMedium,
		Campaign:       e.Campaign,
	}
	if e.Value.Valid {
		v := e.Value.Decimal.String()
		row.EventValue = &v
	}
	return row
}

// NewEventRows converts a slice of staged events, keeping the order.
func NewEventRows(events []model.Event) []EventRow {
	out := make([]EventRow, len(events))
	for i, e := range events {
		out[i] = NewEventRow(e)
	}
	return out
}
