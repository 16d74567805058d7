// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - Keys are flat and snake_case; the same names are used in YAML and,
//     upper-cased with the TOUCHPOINT_ prefix, in the environment.
//   - New(ctx) returns the defaults; Load(ctx) layers file and env on top.
package config

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is json or console.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// Warehouse
	WarehouseDriver   string        `koanf:"warehouse_driver"`
	WarehouseDSN      string        `koanf:"warehouse_dsn"`
	WarehouseMaxConns int           `koanf:"warehouse_max_conns"`
	StagingTable      string        `koanf:"staging_table"`
	MartFirstTable    string        `koanf:"mart_first_table"`
	MartLastTable     string        `koanf:"mart_last_table"`
	InitSchema        bool          `koanf:"init_schema"`
	MaterializeMarts  bool          `koanf:"materialize_marts"`
	QueryTimeout      time.Duration `koanf:"query_timeout"`

	// Attribution window. WindowAnchor (YYYY-MM-DD) pins the first day of every
	// window; when empty the window ends today (UTC).
	WindowDays    int    `koanf:"window_days"`
	WindowOptions []int  `koanf:"window_options"`
	WindowAnchor  string `koanf:"window_anchor"`

	// Channel breakdown size.
	TopN    int `koanf:"top_n"`
	TopNMax int `koanf:"top_n_max"`

	// Refresh coordinator.
	AutoRefresh               bool `koanf:"auto_refresh"`
	RefreshIntervalSeconds    int  `koanf:"refresh_interval_seconds"`
	RefreshIntervalMinSeconds int  `koanf:"refresh_interval_min_seconds"`
	RefreshIntervalMaxSeconds int  `koanf:"refresh_interval_max_seconds"`

	// Live feed.
	LiveLimit    int `koanf:"live_limit"`
	LiveLimitMin int `koanf:"live_limit_min"`
	LiveLimitMax int `koanf:"live_limit_max"`

	// Result cache TTLs.
	TotalsTTL time.Duration `koanf:"totals_ttl"`
	LiveTTL   time.Duration `koanf:"live_ttl"`

	// Dedupe: memory or redis.
	DedupeBackend string        `koanf:"dedupe_backend"`
	DedupeSize    int           `koanf:"dedupe_size"`
	DedupeTTL     time.Duration `koanf:"dedupe_ttl"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`

	// Ingestion pipeline.
	EventQueueSize int           `koanf:"queue_size"`
	WorkerCount    int           `koanf:"worker_count"`
	BatchSize      int           `koanf:"batch_size"`
	FlushInterval  time.Duration `koanf:"flush_interval"`
}

// New creates a Config holding the defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Addr:      ":9080",

		WarehouseDriver:   "memory",
		WarehouseMaxConns: 10,
		StagingTable:      "stream_events",
		MartFirstTable:    "mart_attribution_first",
		MartLastTable:     "mart_attribution_last",
		InitSchema:        true,
		MaterializeMarts:  true,
		QueryTimeout:      30 * time.Second,

		WindowDays:    14,
		WindowOptions: []int{7, 14, 30},

		TopN:    25,
		TopNMax: 100,

		AutoRefresh:               true,
		RefreshIntervalSeconds:    5,
		RefreshIntervalMinSeconds: 1,
		RefreshIntervalMaxSeconds: 60,

		LiveLimit:    50,
		LiveLimitMin: 5,
		LiveLimitMax: 200,

		TotalsTTL: 10 * time.Second,
		LiveTTL:   5 * time.Second,

		DedupeBackend: "memory",
		DedupeSize:    500_000,
		DedupeTTL:     24 * time.Hour,
		RedisAddr:     "localhost:6379",

		EventQueueSize: 10_000,
		WorkerCount:    runtime.NumCPU(),
		BatchSize:      100,
		FlushInterval:  200 * time.Millisecond,
	}
}

// RefreshInterval returns the configured auto refresh interval.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// RefreshBounds returns the accepted auto refresh interval range.
func (c *Config) RefreshBounds() (time.Duration, time.Duration) {
	return time.Duration(c.RefreshIntervalMinSeconds) * time.Second,
		time.Duration(c.RefreshIntervalMaxSeconds) * time.Second
}

// AllowedWindow reports whether days is one of the configured window options.
func (c *Config) AllowedWindow(days int) bool {
	return slices.Contains(c.WindowOptions, days)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Addr != "", "addr must not be empty")
	check(slices.Contains([]string{"memory", "clickhouse", "postgres"}, c.WarehouseDriver),
		"warehouse_driver %q must be memory, clickhouse or postgres", c.WarehouseDriver)
	check(c.WarehouseDriver == "memory" || c.WarehouseDSN != "", "warehouse_dsn is required for %s", c.WarehouseDriver)
	check(c.QueryTimeout > 0, "query_timeout must be positive")

	check(len(c.WindowOptions) > 0, "window_options must not be empty")
	for _, d := range c.WindowOptions {
		check(d >= 1, "window option %d must be at least 1", d)
	}
	check(c.AllowedWindow(c.WindowDays), "window_days %d must be one of %v", c.WindowDays, c.WindowOptions)
	if c.WindowAnchor != "" {
		_, err := time.Parse("2006-01-02", c.WindowAnchor)
		check(err == nil, "window_anchor %q must be YYYY-MM-DD", c.WindowAnchor)
	}

	check(c.TopNMax >= 1, "top_n_max must be at least 1")
	check(c.TopN >= 1 && c.TopN <= c.TopNMax, "top_n %d must be in [1, %d]", c.TopN, c.TopNMax)

	check(c.RefreshIntervalMinSeconds >= 1 && c.RefreshIntervalMaxSeconds >= c.RefreshIntervalMinSeconds,
		"refresh interval bounds [%d, %d] are invalid", c.RefreshIntervalMinSeconds, c.RefreshIntervalMaxSeconds)
	check(c.RefreshIntervalSeconds >= c.RefreshIntervalMinSeconds && c.RefreshIntervalSeconds <= c.RefreshIntervalMaxSeconds,
		"refresh_interval_seconds %d must be in [%d, %d]", c.RefreshIntervalSeconds, c.RefreshIntervalMinSeconds, c.RefreshIntervalMaxSeconds)

	check(c.LiveLimitMin >= 1 && c.LiveLimitMax >= c.LiveLimitMin,
		"live limit bounds [%d, %d] are invalid", c.LiveLimitMin, c.LiveLimitMax)
	check(c.LiveLimit >= c.LiveLimitMin && c.LiveLimit <= c.LiveLimitMax,
		"live_limit %d must be in [%d, %d]", c.LiveLimit, c.LiveLimitMin, c.LiveLimitMax)

	check(c.TotalsTTL > 0, "totals_ttl must be positive")
	check(c.LiveTTL > 0, "live_ttl must be positive")

	check(c.DedupeBackend == "memory" || c.DedupeBackend == "redis", "dedupe_backend %q must be memory or redis", c.DedupeBackend)
	check(c.DedupeBackend != "redis" || c.RedisAddr != "", "redis_addr is required for the redis dedupe backend")

	check(c.EventQueueSize >= 1, "queue_size must be at least 1")
	check(c.BatchSize >= 1, "batch_size must be at least 1")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
