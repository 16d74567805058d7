package cache

import "time"

type options struct {
	now func() time.Time
}

// Option configures a Cache.
type Option func(*options)

// WithClock sets the time source used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
