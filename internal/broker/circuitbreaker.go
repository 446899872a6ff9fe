package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/niftystrike/internal/models"
)

// CircuitBreakerBroker wraps any Broker with a single gobreaker instance,
// tripping after a run of consecutive failures so a sick adapter stops
// being hammered every tick. Grounded on the teacher's
// broker.NewCircuitBreakerBroker(tradierClient) wiring in cmd/bot/main.go.
type CircuitBreakerBroker struct {
	inner Broker
	cb    *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps inner with default trip-after-5-failures,
// 30s open-state settings.
func NewCircuitBreakerBroker(inner Broker) *CircuitBreakerBroker {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &CircuitBreakerBroker{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
}

func run[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *CircuitBreakerBroker) Connect(ctx context.Context) (Session, error) {
	return run(c.cb, func() (Session, error) { return c.inner.Connect(ctx) })
}

func (c *CircuitBreakerBroker) GetSpotPrice(ctx context.Context) (float64, error) {
	return run(c.cb, func() (float64, error) { return c.inner.GetSpotPrice(ctx) })
}

func (c *CircuitBreakerBroker) GetLTP(ctx context.Context, symbol string) (models.LTP, error) {
	return run(c.cb, func() (models.LTP, error) { return c.inner.GetLTP(ctx, symbol) })
}

func (c *CircuitBreakerBroker) GetFiveMinuteCandle(ctx context.Context, symbol string, rangeEndingNow time.Time) (models.OptionBar, error) {
	return run(c.cb, func() (models.OptionBar, error) {
		return c.inner.GetFiveMinuteCandle(ctx, symbol, rangeEndingNow)
	})
}

func (c *CircuitBreakerBroker) GetOptionsChain(ctx context.Context, expiry string, strikes []int) ([]ChainBar, error) {
	return run(c.cb, func() ([]ChainBar, error) { return c.inner.GetOptionsChain(ctx, expiry, strikes) })
}

func (c *CircuitBreakerBroker) GetNextExpiry(ctx context.Context) (string, error) {
	return run(c.cb, func() (string, error) { return c.inner.GetNextExpiry(ctx) })
}

func (c *CircuitBreakerBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	return run(c.cb, func() (bool, error) { return c.inner.IsMarketOpen(ctx) })
}

func (c *CircuitBreakerBroker) WaitUntilNextFiveMinuteBoundary(ctx context.Context) error {
	_, err := run(c.cb, func() (struct{}, error) { return struct{}{}, c.inner.WaitUntilNextFiveMinuteBoundary(ctx) })
	return err
}

func (c *CircuitBreakerBroker) Logout(ctx context.Context) error {
	_, err := run(c.cb, func() (struct{}, error) { return struct{}{}, c.inner.Logout(ctx) })
	return err
}

// State reports the breaker's current state for systemHealth reporting.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.cb.State()
}

var _ Broker = (*CircuitBreakerBroker)(nil)
