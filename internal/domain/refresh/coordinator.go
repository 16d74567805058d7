// Package refresh drives manual and timed recomputation of the attribution
// views. At most one refresh cycle runs at a time; triggers arriving while a
// cycle is in flight are coalesced.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/touchpoint/pkg/logger"
	"github.com/okian/touchpoint/pkg/metrics"
)

// State of the coordinator.
type State int32

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Refreshing:
		return "REFRESHING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Trigger identifies what started a cycle.
type Trigger string

const (
	Manual Trigger = "manual"
	Auto   Trigger = "auto"
)

// Func recomputes every view and publishes it in one step. It must leave the
// previously published views untouched when it returns an error.
type Func func(ctx context.Context) error

// Status is a point-in-time view of the coordinator.
type Status struct {
	State       string        `json:"state"`
	AutoRefresh bool          `json:"auto_refresh"`
	Interval    time.Duration `json:"-"`
	IntervalSec float64       `json:"interval_seconds"`
	LastRefresh *time.Time    `json:"last_refresh,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Cycles      uint64        `json:"cycles"`
	Failures    uint64        `json:"failures"`
	Coalesced   uint64        `json:"coalesced"`
}

// Coordinator owns the IDLE/REFRESHING state machine and the auto refresh timer.
type Coordinator struct {
	refresh     Func
	state       atomic.Int32
	timeout     time.Duration
	minInterval time.Duration
	maxInterval time.Duration
	log         logger.Logger

	loopMu sync.Mutex // serializes SetAutoRefresh and Stop
	stopCh chan struct{}
	doneCh chan struct{}

	mu          sync.Mutex
	auto        bool
	interval    time.Duration
	lastRefresh time.Time
	lastErr     error
	cycles      uint64
	failures    uint64
	coalesced   uint64
}

// New creates an idle coordinator with auto refresh disabled.
func New(fn Func, opts ...Option) *Coordinator {
	c := &Coordinator{
		refresh:     fn,
		minInterval: DefaultMinInterval,
		maxInterval: DefaultMaxInterval,
		interval:    DefaultInterval,
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger runs one refresh cycle synchronously. It returns ErrRefreshInProgress
// without doing any work when another cycle is in flight, and the cycle's error
// otherwise. Cancelling ctx does not abort a started cycle; only the cycle
// timeout does.
func (c *Coordinator) Trigger(ctx context.Context, trig Trigger) error {
	if !c.state.CompareAndSwap(int32(Idle), int32(Refreshing)) {
		c.mu.Lock()
		c.coalesced++
		c.mu.Unlock()
		metrics.RecordRefreshCycle(string(trig), metrics.OutcomeCoalesced, 0)
		c.log.Debug(ctx, "refresh coalesced", logger.String("trigger", string(trig)))
		return ErrRefreshInProgress
	}
	defer c.state.Store(int32(Idle))

	cctx := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	err := c.refresh(cctx)
	elapsed := time.Since(start)
	ms := float64(elapsed.Microseconds()) / 1000.0

	c.mu.Lock()
	c.cycles++
	c.lastErr = err
	if err == nil {
		c.lastRefresh = time.Now()
	} else {
		c.failures++
	}
	c.mu.Unlock()

	if err != nil {
		metrics.RecordRefreshCycle(string(trig), metrics.OutcomeFailure, ms)
		c.log.Warn(ctx, "refresh failed, keeping last published views",
			logger.String("trigger", string(trig)), logger.Duration("elapsed", elapsed), logger.Error(err))
		return err
	}
	metrics.RecordRefreshCycle(string(trig), metrics.OutcomeSuccess, ms)
	metrics.UpdateLastRefreshSuccess(float64(time.Now().Unix()))
	c.log.Debug(ctx, "refresh completed", logger.String("trigger", string(trig)), logger.Duration("elapsed", elapsed))
	return nil
}

// SetAutoRefresh enables or disables the timer loop. When enabling, interval
// must lie within the configured bounds; a zero interval keeps the current one.
func (c *Coordinator) SetAutoRefresh(enabled bool, interval time.Duration) error {
	if interval == 0 {
		c.mu.Lock()
		interval = c.interval
		c.mu.Unlock()
	}
	if interval < c.minInterval || interval > c.maxInterval {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidInterval, interval, c.minInterval, c.maxInterval)
	}

	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	c.stopLoop()

	c.mu.Lock()
	c.auto = enabled
	c.interval = interval
	c.mu.Unlock()
	metrics.UpdateAutoRefresh(enabled, interval.Seconds())

	if enabled {
		c.stopCh = make(chan struct{})
		c.doneCh = make(chan struct{})
		go c.loop(c.stopCh, c.doneCh, interval)
		c.log.Info(context.Background(), "auto refresh enabled", logger.Duration("interval", interval))
	}
	return nil
}

// Stop ends the auto refresh loop and waits for an in-flight auto cycle.
func (c *Coordinator) Stop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	c.stopLoop()

	c.mu.Lock()
	c.auto = false
	interval := c.interval
	c.mu.Unlock()
	metrics.UpdateAutoRefresh(false, interval.Seconds())
}

// stopLoop must be called with loopMu held.
func (c *Coordinator) stopLoop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh, c.doneCh = nil, nil
}

func (c *Coordinator) loop(stop <-chan struct{}, done chan<- struct{}, interval time.Duration) {
	defer close(done)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			// Errors are recorded in Status and logged by Trigger.
			_ = c.Trigger(context.Background(), Auto)
			timer.Reset(interval)
		}
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:       c.State().String(),
		AutoRefresh: c.auto,
		Interval:    c.interval,
		IntervalSec: c.interval.Seconds(),
		Cycles:      c.cycles,
		Failures:    c.failures,
		Coalesced:   c.coalesced,
	}
	if !c.lastRefresh.IsZero() {
		t := c.lastRefresh
		s.LastRefresh = &t
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// LastError returns the error of the most recent cycle, nil if it succeeded.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
