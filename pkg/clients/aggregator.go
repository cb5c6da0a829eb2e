package clients

import (
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/pkg/errors"
)

// ErrorAggregator keeps a rolling window of recent failures per endpoint
// class for the health surface and alerting. It is observation only: it
// never influences retry or breaker decisions.
type ErrorAggregator struct {
	window     time.Duration
	maxSamples int

	mu      sync.Mutex
	entries []errorEntry

	now func() time.Time
}

type errorEntry struct {
	at      time.Time
	class   string
	errType errors.ErrorType
	message string
}

// ErrorSample is one retained failure for the health surface
type ErrorSample struct {
	At      time.Time        `json:"at"`
	Class   string           `json:"class"`
	Type    errors.ErrorType `json:"type"`
	Message string           `json:"message"`
}

// ErrorStats summarizes the current window
type ErrorStats struct {
	Total   int                      `json:"total"`
	ByType  map[errors.ErrorType]int `json:"by_type"`
	ByClass map[string]int           `json:"by_class"`
	Samples []ErrorSample            `json:"samples"`
}

// NewErrorAggregator creates an aggregator with the given rolling window.
// maxSamples bounds how many recent failures are kept verbatim.
func NewErrorAggregator(window time.Duration, maxSamples int) *ErrorAggregator {
	if maxSamples <= 0 {
		maxSamples = 5
	}
	return &ErrorAggregator{
		window:     window,
		maxSamples: maxSamples,
		now:        time.Now,
	}
}

// Record adds a failure for the endpoint class.
func (a *ErrorAggregator) Record(class string, err error) {
	if err == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked()
	a.entries = append(a.entries, errorEntry{
		at:      a.now(),
		class:   class,
		errType: errors.TypeOf(err),
		message: err.Error(),
	})
}

// ShouldAlert reports whether the window holds at least threshold failures.
func (a *ErrorAggregator) ShouldAlert(threshold int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked()
	return len(a.entries) >= threshold
}

// Stats returns counts by type and class plus the most recent samples.
func (a *ErrorAggregator) Stats() ErrorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked()

	stats := ErrorStats{
		Total:   len(a.entries),
		ByType:  make(map[errors.ErrorType]int),
		ByClass: make(map[string]int),
	}
	for _, e := range a.entries {
		stats.ByType[e.errType]++
		stats.ByClass[e.class]++
	}

	start := len(a.entries) - a.maxSamples
	if start < 0 {
		start = 0
	}
	for _, e := range a.entries[start:] {
		stats.Samples = append(stats.Samples, ErrorSample{
			At:      e.at,
			Class:   e.class,
			Type:    e.errType,
			Message: e.message,
		})
	}
	return stats
}

// pruneLocked drops entries older than the window. Caller holds mu.
func (a *ErrorAggregator) pruneLocked() {
	cutoff := a.now().Add(-a.window)
	i := 0
	for i < len(a.entries) && a.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.entries = append(a.entries[:0], a.entries[i:]...)
	}
}
