// Package streamdemo streams synthetic GA4-like clickstream events into a
// running touchpoint service and reports the attribution view it produces.
package streamdemo

import (
	"time"

	"github.com/shopspring/decimal"
)

// Defaults mirror a slow, human-watchable stream.
const (
	DefaultBaseURL        = "http://localhost:9080"
	DefaultNumEvents      = 20
	DefaultUsers          = 10
	DefaultRate           = 1.0
	DefaultBatchSize      = 1
	DefaultConversionRate = 0.3
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 5
)

// Config holds configuration for a demo run.
type Config struct {
	BaseURL        string        // Base URL of the service
	NumEvents      int           // Number of events to generate
	Users          int           // Size of the simulated user pool
	Rate           float64       // Events per second; 0 sends as fast as possible
	BatchSize      int           // Events per POST /events request
	Workers        int           // Concurrent senders
	ConversionRate float64       // Chance that a returning user purchases
	Seed           uint64        // 0 seeds from the clock
	Timeout        time.Duration // HTTP request timeout
	MaxRetries     int           // Retries of a batch refused with backpressure
	OutputFile     string        // Optional JSON dump of the generated events
	Refresh        bool          // Trigger a refresh and print the view at the end
	Verbose        bool          // Log every batch
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.NumEvents <= 0 {
		c.NumEvents = DefaultNumEvents
	}
	if c.Users <= 0 {
		c.Users = DefaultUsers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ConversionRate < 0 || c.ConversionRate > 1 {
		c.ConversionRate = DefaultConversionRate
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Event is the POST /events wire form.
type Event struct {
	EventID        string           `json:"event_id"`
	EventTimestamp time.Time        `json:"event_timestamp"`
	UserID         *string          `json:"user_id,omitempty"`
	UserPseudoID   string           `json:"user_pseudo_id"`
	EventName      string           `json:"event_name"`
	TrafficSource  string           `json:"traffic_source"`
	TrafficMedium  string           `json:"traffic_medium"`
	Campaign       *string          `json:"campaign,omitempty"`
	EventValue     *decimal.Decimal `json:"event_value,omitempty"`
}

// Ack is the response to POST /events.
type Ack struct {
	Status     string   `json:"status"`
	Duplicate  bool     `json:"duplicate"`
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	EventIDs   []string `json:"event_ids"`
}

// Channel is one row of the view's channel panel.
type Channel struct {
	Source     string `json:"source"`
	Medium     string `json:"medium"`
	FirstCount int64  `json:"first_count"`
	LastCount  int64  `json:"last_count"`
}

// View is the subset of GET /view the demo reports.
type View struct {
	Days     int       `json:"days"`
	AsOf     time.Time `json:"as_of"`
	Stale    bool      `json:"stale"`
	Channels []Channel `json:"channels"`
	Summary  struct {
		TotalFirst  int64 `json:"total_first"`
		TotalLast   int64 `json:"total_last"`
		UniqueUsers int   `json:"unique_users"`
	} `json:"summary"`
}

// Stats holds run statistics.
type Stats struct {
	EventsGenerated int
	Conversions     int
	Accepted        int
	Duplicates      int
	Failed          int
	Retries         int
	StartTime       time.Time
	Duration        time.Duration
}
