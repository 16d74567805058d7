package attribution

import "errors"

// Errors returned by the aggregator and the live feed reader.
var (
	ErrQueryFailure  = errors.New("attribution query failed")
	ErrInvalidWindow = errors.New("window must cover at least one day")
	ErrInvalidTopN   = errors.New("top-n must be at least 1")
	ErrInvalidLimit  = errors.New("live feed limit out of range")
)
