package refresh

import (
	"time"

	"github.com/okian/touchpoint/pkg/logger"
)

// Default interval bounds for the auto refresh loop.
const (
	DefaultMinInterval = 1 * time.Second
	DefaultMaxInterval = 60 * time.Second
	DefaultInterval    = 5 * time.Second
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIntervalBounds sets the accepted auto refresh interval range.
func WithIntervalBounds(minInterval, maxInterval time.Duration) Option {
	return func(c *Coordinator) {
		if minInterval > 0 && maxInterval >= minInterval {
			c.minInterval = minInterval
			c.maxInterval = maxInterval
		}
	}
}

// WithInterval sets the initial auto refresh interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCycleTimeout bounds each refresh cycle. Zero disables the bound.
func WithCycleTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}
