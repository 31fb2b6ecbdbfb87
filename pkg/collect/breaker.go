package collect

import (
	"context"
	"time"

	"github.com/elonfeng/kpiradar/pkg/normalize"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerOptions tunes the circuit breaker around a collector.
type BreakerOptions struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures uint32
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
}

// Breaker short-circuits a collector whose upstream keeps failing.
// While open, Collect returns gobreaker.ErrOpenState without calling the upstream.
type Breaker struct {
	Collector
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps c in a circuit breaker.
func WithBreaker(c Collector, opts BreakerOptions, log *zap.Logger) *Breaker {
	if opts.Failures == 0 {
		opts.Failures = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}

	failures := opts.Failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        c.Name(),
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("collector circuit state changed",
				zap.String("collector", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Breaker{Collector: c, cb: cb}
}

func (b *Breaker) Collect(ctx context.Context) ([]normalize.Row, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.Collector.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	rows, _ := out.([]normalize.Row)
	return rows, nil
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
