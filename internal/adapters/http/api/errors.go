package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/touchpoint/internal/adapters/mq/queue"
	"github.com/okian/touchpoint/internal/adapters/warehouse"
	"github.com/okian/touchpoint/internal/domain/attribution"
	"github.com/okian/touchpoint/internal/domain/dedupe"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/domain/refresh"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrBackpressure = errors.New("backpressure")
	ErrUnavailable  = errors.New("unavailable")
)

// Wrap prefixes err with the operation name.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// WrapKind tags err with an API error kind: "op: kind: cause".
func WrapKind(op string, kind, err error) error {
	if err == nil {
		return NewKind(op, kind)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// NewKind builds an error carrying only an API error kind.
func NewKind(op string, kind error) error {
	return fmt.Errorf("%s: %w", op, kind)
}

// classify maps a domain error onto an API kind, HTTP status and error code.
func classify(err error) (kind error, status int, code string) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, attribution.ErrInvalidWindow),
		errors.Is(err, attribution.ErrInvalidTopN),
		errors.Is(err, attribution.ErrInvalidLimit),
		errors.Is(err, refresh.ErrInvalidInterval),
		errors.Is(err, model.ErrInvalidEvent):
		return ErrBadRequest, http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrBackpressure),
		errors.Is(err, queue.ErrQueueFull),
		errors.Is(err, queue.ErrQueueClosed):
		return ErrBackpressure, http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, attribution.ErrQueryFailure),
		errors.Is(err, warehouse.ErrUnavailable),
		errors.Is(err, dedupe.ErrBackend),
		errors.Is(err, context.DeadlineExceeded):
		return ErrUnavailable, http.StatusServiceUnavailable, "query_failure"
	default:
		return nil, http.StatusInternalServerError, "internal_error"
	}
}

// fail writes err with the status its kind maps to.
func fail(w http.ResponseWriter, op string, err error) {
	kind, status, code := classify(err)
	if kind != nil && !errors.Is(err, kind) {
		err = WrapKind(op, kind, err)
	} else {
		err = Wrap(op, err)
	}
	writeError(w, status, code, err)
}
