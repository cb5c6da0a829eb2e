package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"timeout", New(ErrorTypeTimeout, "deadline exceeded"), true},
		{"connection", New(ErrorTypeConnection, "connection reset"), true},
		{"rate limit", New(ErrorTypeRateLimit, "too many requests"), true},
		{"server", New(ErrorTypeServer, "internal server error"), true},
		{"validation", New(ErrorTypeValidation, "bad payload"), false},
		{"not found", New(ErrorTypeNotFound, "missing"), false},
		{"authentication", New(ErrorTypeAuthentication, "bad token"), false},
		{"circuit open", New(ErrorTypeCircuitOpen, "open"), false},
		{"plain error", fmt.Errorf("plain"), false},
		{"wrapped retryable", Wrap(New(ErrorTypeTimeout, "inner"), ErrorTypeTimeout, "outer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{429, ErrorTypeRateLimit},
		{401, ErrorTypeAuthentication},
		{403, ErrorTypeAuthentication},
		{404, ErrorTypeNotFound},
		{500, ErrorTypeServer},
		{503, ErrorTypeServer},
		{400, ErrorTypeValidation},
		{422, ErrorTypeValidation},
	}

	for _, tt := range tests {
		err := FromHTTPStatus(tt.status, "call failed")
		assert.Equal(t, tt.want, err.Type, "status %d", tt.status)
	}
}

func TestRetryAfter(t *testing.T) {
	err := FromHTTPStatus(429, "throttled").WithRetryAfter(30)
	assert.Equal(t, 30, RetryAfter(err))
	assert.Equal(t, 0, RetryAfter(New(ErrorTypeServer, "no hint")))
	assert.Equal(t, 0, RetryAfter(fmt.Errorf("plain")))
}

func TestWrapPreservesTypeAndCause(t *testing.T) {
	inner := New(ErrorTypeConnection, "refused")
	outer := Wrap(inner, ErrorTypeConnection, "fetch failed")

	require.NotNil(t, outer)
	assert.True(t, IsType(outer, ErrorTypeConnection))
	assert.ErrorIs(t, outer, inner)
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeValidation, "bad field").WithDetail("field", "startDate")
	assert.Equal(t, "startDate", err.Details["field"])
}
