package attribution

import "github.com/okian/touchpoint/pkg/logger"

// Default live feed bounds.
const (
	DefaultLiveLimitMin = 5
	DefaultLiveLimitMax = 200
)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLiveLimitRange sets the accepted [min, max] range for live feed limits.
func WithLiveLimitRange(minLimit, maxLimit int) Option {
	return func(a *Aggregator) {
		if minLimit >= 1 && maxLimit >= minLimit {
			a.liveMin = minLimit
			a.liveMax = maxLimit
		}
	}
}

// WithLogger sets the logger used for query diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}
