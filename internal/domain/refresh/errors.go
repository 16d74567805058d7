package refresh

import "errors"

// Errors returned by the coordinator.
var (
	ErrRefreshInProgress = errors.New("refresh already in progress")
	ErrInvalidInterval   = errors.New("refresh interval out of range")
)
