package warehouse

import "errors"

// Errors returned by warehouse backends.
var (
	ErrUnavailable   = errors.New("warehouse unavailable")
	ErrUnknownDriver = errors.New("unknown warehouse driver")
	ErrSchema        = errors.New("warehouse schema setup failed")
)
