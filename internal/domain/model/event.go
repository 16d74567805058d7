// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Known event names.
const (
	EventPageView = "page_view"
	EventPurchase = "purchase"
)

// Event is one user interaction as stored in the staging table.
// Events are immutable once built.
type Event struct {
	EventID       string              // <user_pseudo_id>_<unix millis> unless supplied
	Timestamp     time.Time           // microsecond precision, UTC
	UserID        *string             // stable user id, optional
	UserPseudoID  string              // anonymous device id, always present
	EventName     string              // page_view, purchase, ...
	TrafficSource string              // empty when absent
	TrafficMedium string              // empty when absent
	Campaign      *string             // optional
	Value         decimal.NullDecimal // set for conversion events only
}

// NewEventID builds the deterministic id used for idempotent re-insertion.
func NewEventID(userPseudoID string, ts time.Time) string {
	return fmt.Sprintf("%s_%d", userPseudoID, ts.UnixMilli())
}

// Normalize fills derived fields and truncates the timestamp to microseconds.
func (e Event) Normalize() Event {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.UserPseudoID = strings.TrimSpace(e.UserPseudoID)
	e.EventName = strings.TrimSpace(e.EventName)
	if e.EventID == "" {
		e.EventID = NewEventID(e.UserPseudoID, e.Timestamp)
	}
	return e
}

// Validate reports whether the event can be staged.
func (e Event) Validate() error {
	if strings.TrimSpace(e.UserPseudoID) == "" {
		return ErrMissingPseudoID
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if strings.TrimSpace(e.EventName) == "" {
		return ErrMissingEventName
	}
	if e.Value.Valid && e.Value.Decimal.IsNegative() {
		return ErrNegativeValue
	}
	return nil
}

// EventDate returns the YYYYMMDD partition date of the event.
func (e Event) EventDate() string {
	return e.Timestamp.UTC().Format("20060102")
}

// MicrosTimestamp returns the event time in unix microseconds.
func (e Event) MicrosTimestamp() int64 {
	return e.Timestamp.UnixMicro()
}

// IsConversion reports whether the event counts as a conversion.
func (e Event) IsConversion() bool {
	return e.EventName == EventPurchase
}
