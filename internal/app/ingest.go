package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/touchpoint/internal/adapters/mq/queue"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/domain/types"
	"github.com/okian/touchpoint/pkg/logger"
	"github.com/okian/touchpoint/pkg/metrics"
)

// Ingest validates a batch, drops events whose id was already seen and
// enqueues the rest for staging. An invalid event rejects the whole batch
// before anything is recorded. On backpressure the events enqueued so far
// stay accepted and the error wraps queue.ErrQueueFull.
func (s *Service) Ingest(ctx context.Context, events []model.Event) (types.IngestResult, error) {
	if err := s.running(); err != nil {
		return types.IngestResult{}, err
	}
	if len(events) == 0 {
		return types.IngestResult{}, fmt.Errorf("%w: empty", ErrInvalidBatch)
	}

	normalized := make([]model.Event, len(events))
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			metrics.RecordEventRejected(rejectReason(err))
			return types.IngestResult{}, fmt.Errorf("%w: event %d: %w", ErrInvalidBatch, i, err)
		}
		normalized[i] = ev.Normalize()
	}

	res := types.IngestResult{EventIDs: make([]string, 0, len(normalized))}
	for _, ev := range normalized {
		seen, err := s.deduper.SeenAndRecord(ctx, ev.EventID)
		if err != nil {
			return res, fmt.Errorf("dedupe %s: %w", ev.EventID, err)
		}
		res.EventIDs = append(res.EventIDs, ev.EventID)
		if seen {
			metrics.RecordEventDuplicate()
			s.logger.Debug(ctx, "duplicate event detected, skipping", logger.String("eventID", ev.EventID))
			res.Duplicates++
			continue
		}

		if err := s.eventQueue.Enqueue(ctx, ev); err != nil {
			// Forget the id so that a retry is not treated as a duplicate.
			if uerr := s.deduper.Unrecord(ctx, ev.EventID); uerr != nil {
				s.logger.Warn(ctx, "unrecord failed", logger.String("eventID", ev.EventID), logger.Error(uerr))
			}
			res.EventIDs = res.EventIDs[:len(res.EventIDs)-1]
			return res, fmt.Errorf("enqueue %s: %w", ev.EventID, err)
		}
		metrics.RecordEventIngested()
		res.Accepted++
	}
	metrics.UpdateQueueSize(s.eventQueue.Len(ctx))
	return res, nil
}

// forgetBatch releases the ids of a batch the staging store rejected so that
// clients can resubmit it.
func (s *Service) forgetBatch(ctx context.Context, events []model.Event, err error) {
	for _, ev := range events {
		if uerr := s.deduper.Unrecord(ctx, ev.EventID); uerr != nil {
			s.logger.Warn(ctx, "unrecord failed", logger.String("eventID", ev.EventID), logger.Error(uerr))
		}
	}
	s.logger.Warn(ctx, "staging batch dropped", logger.Int("events", len(events)), logger.Error(err))
}

// IsBackpressure reports whether err means the ingest queue cannot take more events.
func IsBackpressure(err error) bool {
	return errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrMissingPseudoID):
		return "missing_user_pseudo_id"
	case errors.Is(err, model.ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, model.ErrMissingEventName):
		return "missing_event_name"
	case errors.Is(err, model.ErrNegativeValue):
		return "negative_value"
	default:
		return "invalid"
	}
}
