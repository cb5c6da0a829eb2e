// Package retry implements bounded exponential backoff for transient
// failures, bound to the per-endpoint-class circuit breakers. Terminal
// errors and open circuits are never retried.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/pkg/clients"
	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// Policy describes the backoff schedule
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// JitterFactor spreads each delay by ±factor so synchronized callers
	// do not re-arrive together
	JitterFactor float64
}

// DefaultPolicy returns the standard schedule: 3 attempts, 1s initial,
// doubling, capped at 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.25,
	}
}

// Backoff returns the base delay after the given 1-based failed attempt,
// before jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Executor runs operations under the retry policy with circuit breaker
// protection. One executor is shared by all jobs; isolation comes from the
// per-class breakers, not from the executor.
type Executor struct {
	policy   Policy
	breakers *clients.BreakerRegistry
	agg      *clients.ErrorAggregator
	logger   *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// sleep is a test seam; production code leaves it at the default
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. agg may be nil to disable error
// aggregation.
func NewExecutor(policy Policy, breakers *clients.BreakerRegistry, agg *clients.ErrorAggregator) *Executor {
	return &Executor{
		policy:   policy,
		breakers: breakers,
		agg:      agg,
		logger:   logger.Get().With(zap.String("component", "retry")),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
}

// Execute runs fn under the endpoint class's circuit breaker, retrying
// transient failures per the policy. It returns immediately on terminal
// errors and when the circuit is open; a Retry-After hint on a transient
// failure overrides the computed backoff for that attempt.
func (e *Executor) Execute(ctx context.Context, class string, fn func(ctx context.Context) error) error {
	cb := e.breakers.Get(class)

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		err := cb.Execute(func() error { return fn(ctx) })
		if err == nil {
			return nil
		}
		lastErr = err

		if e.agg != nil {
			e.agg.Record(class, err)
		}

		if errors.IsType(err, errors.ErrorTypeCircuitOpen) {
			return err
		}
		if !errors.IsRetryable(err) {
			return err
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.jitter(e.policy.Backoff(attempt))
		if after := errors.RetryAfter(err); after > 0 {
			delay = time.Duration(after) * time.Second
			if delay > e.policy.MaxBackoff {
				delay = e.policy.MaxBackoff
			}
		}

		e.logger.Debug("retrying after transient failure",
			zap.String("endpoint_class", class),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := e.sleep(ctx, delay); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "canceled during backoff")
		}
	}

	return errors.Wrap(lastErr, errors.TypeOf(lastErr), "retries exhausted").
		WithDetail("attempts", e.policy.MaxAttempts)
}

// jitter spreads the delay by ±JitterFactor.
func (e *Executor) jitter(d time.Duration) time.Duration {
	if e.policy.JitterFactor <= 0 {
		return d
	}
	e.mu.Lock()
	f := 1 + e.policy.JitterFactor*(2*e.rng.Float64()-1)
	e.mu.Unlock()
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
