package streamdemo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/pkg/logger"
)

const directoryPermission = 0o750

// ErrNothingAccepted is returned when every batch failed.
var ErrNothingAccepted = errors.New("no events were accepted")

// Run streams cfg.NumEvents synthetic events into the service, paced at
// cfg.Rate, and optionally refreshes and reports the attribution view.
func Run(ctx context.Context, cfg Config) (*Stats, error) {
	cfg = cfg.withDefaults()
	log := logger.Get().Named("stream-demo")
	stats := &Stats{StartTime: time.Now()}

	log.Info(ctx, "starting stream demo",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("events", cfg.NumEvents),
		logger.Int("users", cfg.Users),
		logger.Float64("rate", cfg.Rate),
		logger.Int("batchSize", cfg.BatchSize),
		logger.Int("workers", cfg.Workers))

	client := NewClient(cfg.BaseURL, cfg.Timeout)
	if err := client.CheckHealth(ctx); err != nil {
		return stats, err
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, cfg.BatchSize)
	gen := NewGenerator(cfg.Users, cfg.ConversionRate, cfg.Seed, nil)

	batches := make(chan []Event, cfg.Workers)
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		emitted []Event
	)
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				ack, retries, err := client.PostEventsWithRetry(ctx, batch, cfg.MaxRetries)
				mu.Lock()
				stats.Retries += retries
				if err != nil {
					stats.Failed += len(batch)
				} else {
					stats.Accepted += ack.Accepted
					stats.Duplicates += ack.Duplicates
				}
				mu.Unlock()
				if err != nil {
					log.Warn(ctx, "batch failed", logger.Int("events", len(batch)), logger.Error(err))
					continue
				}
				if cfg.Verbose {
					for _, ev := range batch {
						log.Info(ctx, "inserted event",
							logger.String("eventID", ev.EventID),
							logger.String("event", ev.EventName),
							logger.String("source", ev.TrafficSource))
					}
				}
			}
		}()
	}

	var produceErr error
	for sent := 0; sent < cfg.NumEvents; {
		n := min(cfg.BatchSize, cfg.NumEvents-sent)
		if err := limiter.WaitN(ctx, n); err != nil {
			produceErr = err
			break
		}
		batch := gen.Generate(n)
		for _, ev := range batch {
			if ev.EventName == model.EventPurchase {
				stats.Conversions++
			}
		}
		if cfg.OutputFile != "" {
			emitted = append(emitted, batch...)
		}
		stats.EventsGenerated += n
		select {
		case batches <- batch:
		case <-ctx.Done():
			produceErr = ctx.Err()
		}
		if produceErr != nil {
			break
		}
		sent += n
	}
	close(batches)
	wg.Wait()
	stats.Duration = time.Since(stats.StartTime)

	if cfg.OutputFile != "" {
		if err := saveEventsToFile(cfg.OutputFile, emitted); err != nil {
			log.Warn(ctx, "failed to save events to file", logger.Error(err))
		}
	}
	displayFinalStats(ctx, log, stats)

	if produceErr != nil && !errors.Is(produceErr, context.Canceled) {
		return stats, fmt.Errorf("stream interrupted: %w", produceErr)
	}
	if stats.Accepted+stats.Duplicates == 0 && stats.Failed > 0 {
		return stats, ErrNothingAccepted
	}

	if cfg.Refresh && ctx.Err() == nil {
		if err := client.Refresh(ctx); err != nil {
			return stats, err
		}
		v, err := client.View(ctx, 0)
		if err != nil {
			return stats, err
		}
		displayView(ctx, log, v)
	}
	return stats, nil
}

// saveEventsToFile writes the generated events as a JSON array.
func saveEventsToFile(filename string, events []Event) error {
	if len(events) == 0 {
		return errors.New("no events to save")
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write events: %w", err)
	}
	return file.Close()
}

func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var eventsPerSecond float64
	if stats.Duration > 0 {
		eventsPerSecond = float64(stats.EventsGenerated) / stats.Duration.Seconds()
	}
	log.Info(ctx, "streaming demo completed",
		logger.Int("generated", stats.EventsGenerated),
		logger.Int("conversions", stats.Conversions),
		logger.Int("accepted", stats.Accepted),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("failed", stats.Failed),
		logger.Int("retries", stats.Retries),
		logger.Duration("duration", stats.Duration),
		logger.Float64("eventsPerSecond", eventsPerSecond))
}

func displayView(ctx context.Context, log logger.Logger, v View) {
	log.Info(ctx, "attribution view",
		logger.Int("days", v.Days),
		logger.Time("asOf", v.AsOf),
		logger.Bool("stale", v.Stale),
		logger.Int64("firstTouch", v.Summary.TotalFirst),
		logger.Int64("lastTouch", v.Summary.TotalLast))
	for i, ch := range v.Channels {
		if i == 5 {
			break
		}
		log.Info(ctx, "channel",
			logger.Int("rank", i+1),
			logger.String("source", ch.Source),
			logger.String("medium", ch.Medium),
			logger.Int64("first", ch.FirstCount),
			logger.Int64("last", ch.LastCount))
	}
}
