package service

import "errors"

// Sentinel errors returned by the service.
var (
	ErrNotStarted   = errors.New("service not started")
	ErrInvalidBatch = errors.New("invalid event batch")
)
