package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/touchpoint/internal/streamdemo"
	"github.com/okian/touchpoint/pkg/logger"
)

const defaultRunTimeout = 30 * time.Minute

func main() {
	var (
		baseURL    = flag.String("url", streamdemo.DefaultBaseURL, "Base URL of the service")
		numEvents  = flag.Int("events", streamdemo.DefaultNumEvents, "Number of events to stream")
		users      = flag.Int("users", streamdemo.DefaultUsers, "Size of the simulated user pool")
		eventRate  = flag.Float64("rate", streamdemo.DefaultRate, "Events per second, 0 for unthrottled")
		batchSize  = flag.Int("batch", streamdemo.DefaultBatchSize, "Events per request")
		workers    = flag.Int("workers", 1, "Concurrent senders")
		conversion = flag.Float64("conversion", streamdemo.DefaultConversionRate, "Chance that a returning user purchases")
		seed       = flag.Uint64("seed", 0, "Random seed, 0 for time-based")
		timeout    = flag.Duration("timeout", streamdemo.DefaultTimeout, "HTTP request timeout")
		outputFile = flag.String("output", "", "Write the generated events to this JSON file")
		logFormat  = flag.String("log-format", "console", "json or console")
		verbose    = flag.Bool("verbose", false, "Log every inserted event")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		streamdemo.ShowHelp()
		return
	}

	if err := logger.InitWithFormat(*logFormat); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()

	_, err := streamdemo.Run(ctx, streamdemo.Config{
		BaseURL:        *baseURL,
		NumEvents:      *numEvents,
		Users:          *users,
		Rate:           *eventRate,
		BatchSize:      *batchSize,
		Workers:        *workers,
		ConversionRate: *conversion,
		Seed:           *seed,
		Timeout:        *timeout,
		MaxRetries:     streamdemo.DefaultMaxRetries,
		OutputFile:     *outputFile,
		Refresh:        true,
		Verbose:        *verbose,
	})
	if err != nil {
		logger.Get().Error(ctx, "stream demo failed", logger.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
