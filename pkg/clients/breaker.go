// Package clients provides the shared HTTP machinery for Conveyor: the
// rate-limited transport, per-endpoint-class circuit breakers and the
// error aggregation window that feeds the health surface.
package clients

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the cooldown elapses
	StateOpen
	// StateHalfOpen allows a single probe request
	StateHalfOpen
)

// String returns the lowercase state name used in logs and health snapshots
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig is the configuration for a circuit breaker
type BreakerConfig struct {
	// FailureThreshold opens the circuit when this many failures fall
	// within Window
	FailureThreshold int
	Window           time.Duration
	// Cooldown is how long an open circuit rejects calls before allowing
	// a probe
	Cooldown time.Duration
}

// CircuitBreaker protects one endpoint class. Failures are tracked over a
// rolling window; once the threshold is reached the breaker opens and every
// call fails fast until the cooldown elapses, after which exactly one probe
// is let through. The probe's outcome decides between closing and reopening.
//
// Only failures the error taxonomy considers retryable count toward the
// threshold; terminal errors (validation, not-found) say nothing about
// endpoint health.
type CircuitBreaker struct {
	config BreakerConfig
	logger *zap.Logger

	mu              sync.Mutex
	state           CircuitState
	failures        []time.Time
	lastStateChange time.Time
	nextProbeAt     time.Time
	probeInFlight   bool
	totalRejected   int64

	// now is a test seam; production code leaves it at time.Now
	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		logger:          logger.Get().With(zap.String("component", "circuit_breaker")),
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Allow reports whether a call may proceed. When the circuit is open it
// returns a circuit_open error carrying the remaining cooldown; callers must
// not retry against it. A successful Allow in half-open state claims the
// single probe slot.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Before(cb.nextProbeAt) {
			cb.totalRejected++
			return errors.New(errors.ErrorTypeCircuitOpen, "circuit breaker is open").
				WithDetail("retry_in", cb.nextProbeAt.Sub(now).String())
		}
		cb.toHalfOpen(now)
		cb.probeInFlight = true
		return nil

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.totalRejected++
			return errors.New(errors.ErrorTypeCircuitOpen, "circuit breaker probe in flight")
		}
		cb.probeInFlight = true
		return nil
	}

	cb.totalRejected++
	return errors.New(errors.ErrorTypeCircuitOpen, "circuit breaker in unknown state")
}

// RecordSuccess records a successful call. A successful probe closes the
// circuit and clears the failure window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		// success does not rewind the window; only time does

	case StateHalfOpen:
		cb.probeInFlight = false
		cb.failures = cb.failures[:0]
		cb.state = StateClosed
		cb.lastStateChange = cb.now()
		cb.logger.Info("circuit breaker closed after successful probe")
	}
}

// RecordFailure records a failed call. In closed state it may trip the
// breaker; in half-open state the failed probe reopens it for a full
// cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneLocked(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.toOpen(now)
		}

	case StateHalfOpen:
		cb.probeInFlight = false
		cb.toOpen(now)
	}
}

// Execute runs fn under breaker protection, recording its outcome. Terminal
// (non-retryable) errors pass through without counting against the window.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		if errors.IsRetryable(err) {
			cb.RecordFailure()
		} else if cb.State() == StateHalfOpen {
			// a terminal response still proves the endpoint is reachable
			cb.RecordSuccess()
		}
		return err
	}

	cb.RecordSuccess()
	return nil
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker state for the health surface.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneLocked(cb.now())

	snap := BreakerSnapshot{
		State:            cb.state.String(),
		FailuresInWindow: len(cb.failures),
		LastStateChange:  cb.lastStateChange,
		RejectedCalls:    cb.totalRejected,
	}
	if cb.state == StateOpen {
		snap.NextProbeAt = cb.nextProbeAt
	}
	return snap
}

func (cb *CircuitBreaker) toOpen(now time.Time) {
	cb.state = StateOpen
	cb.lastStateChange = now
	cb.nextProbeAt = now.Add(cb.config.Cooldown)
	cb.logger.Warn("circuit breaker opened",
		zap.Int("failures_in_window", len(cb.failures)),
		zap.Time("next_probe_at", cb.nextProbeAt))
}

func (cb *CircuitBreaker) toHalfOpen(now time.Time) {
	cb.state = StateHalfOpen
	cb.lastStateChange = now
	cb.probeInFlight = false
	cb.logger.Info("circuit breaker half-open, allowing probe")
}

// pruneLocked drops failures older than the rolling window. Caller holds mu.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.Window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

// BreakerSnapshot is the externally visible state of one circuit breaker
type BreakerSnapshot struct {
	State            string    `json:"state"`
	FailuresInWindow int       `json:"failures_in_window"`
	LastStateChange  time.Time `json:"last_state_change"`
	NextProbeAt      time.Time `json:"next_probe_at,omitempty"`
	RejectedCalls    int64     `json:"rejected_calls"`
}

// BreakerRegistry holds one circuit breaker per endpoint class. A class is a
// logical endpoint group (for example one per extraction domain plus one for
// the platform write path), so an outage on one class never blocks another.
type BreakerRegistry struct {
	config   BreakerConfig
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry; breakers are created on
// first use per class.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for the endpoint class, creating it if needed.
func (r *BreakerRegistry) Get(class string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[class]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[class]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.config)
	cb.logger = cb.logger.With(zap.String("endpoint_class", class))
	r.breakers[class] = cb
	return cb
}

// Snapshots returns the state of every known breaker, keyed by class.
func (r *BreakerRegistry) Snapshots() map[string]BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]BreakerSnapshot, len(r.breakers))
	for class, cb := range r.breakers {
		out[class] = cb.Snapshot()
	}
	return out
}
