package streamdemo

import (
	"os"
)

// ShowHelp prints usage information for the stream demo.
func ShowHelp() {
	os.Stdout.WriteString(`Touchpoint Stream Demo
======================

Streams synthetic GA4-like page_view and purchase events into a running
touchpoint service, then refreshes and prints the attribution view.

Usage:
  go run ./cmd/stream-demo [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -events int
        Number of events to stream (default 20)
  -users int
        Size of the simulated user pool (default 10)
  -rate float
        Events per second, 0 for unthrottled (default 1)
  -batch int
        Events per request (default 1)
  -workers int
        Concurrent senders (default 1)
  -conversion float
        Chance that a returning user purchases (default 0.3)
  -seed uint
        Random seed, 0 for time-based
  -timeout duration
        HTTP request timeout (default 30s)
  -output string
        Write the generated events to this JSON file
  -log-format string
        json or console (default "console")
  -verbose
        Log every inserted event
  -help
        Show this help message

Examples:
  # Twenty events, one per second
  go run ./cmd/stream-demo

  # A burst of 50000 events in batches of 500
  go run ./cmd/stream-demo -events 50000 -rate 0 -batch 500 -workers 8
`)
}
