package model

import (
	"errors"
	"fmt"
)

// Validation errors for events.
var (
	ErrInvalidEvent     = errors.New("invalid event")
	ErrMissingPseudoID  = fmt.Errorf("%w: user_pseudo_id is required", ErrInvalidEvent)
	ErrMissingTimestamp = fmt.Errorf("%w: event_timestamp is required", ErrInvalidEvent)
	ErrMissingEventName = fmt.Errorf("%w: event_name is required", ErrInvalidEvent)
	ErrNegativeValue    = fmt.Errorf("%w: event_value must not be negative", ErrInvalidEvent)
	ErrInvalidDay       = errors.New("invalid day")
)
