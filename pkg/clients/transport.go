package clients

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"

	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// maxErrorBodyBytes bounds how much of an error response body is read for
// diagnostics
const maxErrorBodyBytes = 4 << 10

// TransportConfig configures the shared transport
type TransportConfig struct {
	// MaxInFlight caps simultaneous in-flight calls across all callers
	MaxInFlight         int64
	RequestTimeout      time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	EnableHTTP2         bool
	// RatePerSec enables token-bucket pacing when positive
	RatePerSec float64
	RateBurst  int
}

// Transport is the rate-limited HTTP transport every remote call goes
// through. It enforces the global in-flight cap, applies the per-call
// timeout, reuses pooled connections, and maps failures onto the error
// taxonomy. It never retries; retry policy lives a layer above.
type Transport struct {
	client  *http.Client
	sem     *semaphore.Weighted
	bucket  *TokenBucket
	timeout time.Duration
	logger  *zap.Logger
}

// NewTransport creates the shared transport.
func NewTransport(config TransportConfig) (*Transport, error) {
	httpTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		ForceAttemptHTTP2:   config.EnableHTTP2,
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(httpTransport); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to configure HTTP/2 transport")
		}
	}

	t := &Transport{
		client: &http.Client{
			Transport: httpTransport,
			// per-call deadline is applied via context in Do
		},
		sem:     semaphore.NewWeighted(config.MaxInFlight),
		timeout: config.RequestTimeout,
		logger:  logger.Get().With(zap.String("component", "transport")),
	}
	if config.RatePerSec > 0 {
		t.bucket = NewTokenBucket(config.RatePerSec, config.RateBurst)
	}
	return t, nil
}

// Do executes a single HTTP request under the in-flight cap and per-call
// timeout. The caller owns the response body and must close it; the
// in-flight slot is released when the body is closed. Network failures come
// back typed; HTTP status handling is left to DoJSON or the caller.
func (t *Transport) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "canceled waiting for in-flight slot")
	}

	if t.bucket != nil {
		if err := t.bucket.Wait(ctx); err != nil {
			t.sem.Release(1)
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "canceled waiting for rate limiter")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)

	start := time.Now()
	resp, err := t.client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		t.sem.Release(1)
		return nil, t.classify(err)
	}

	t.logger.Debug("request completed",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	// keep the slot and deadline alive until the caller finishes the body
	resp.Body = &slotReleasingBody{
		ReadCloser: resp.Body,
		release: func() {
			cancel()
			t.sem.Release(1)
		},
	}
	return resp, nil
}

// DoJSON executes the request and decodes a JSON response into out. Non-2xx
// statuses become typed errors carrying any Retry-After hint; a malformed
// body on a successful status is a data error. A nil out discards the body.
func (t *Transport) DoJSON(ctx context.Context, req *http.Request, out interface{}) error {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := t.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		httpErr := errors.FromHTTPStatus(resp.StatusCode, req.Method+" "+req.URL.Path).
			WithDetail("body", string(body))
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			httpErr = httpErr.WithRetryAfter(after)
		}
		return httpErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode response body")
	}
	return nil
}

// classify maps transport-level failures onto the error taxonomy.
func (t *Transport) classify(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "request timed out")
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "request canceled")
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "request timed out")
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
}

// parseRetryAfter parses a Retry-After header value in delta-seconds form.
func parseRetryAfter(value string) int {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return seconds
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return int(d.Seconds() + 0.5)
		}
	}
	return 0
}

// slotReleasingBody ties the in-flight slot lifetime to the response body.
type slotReleasingBody struct {
	io.ReadCloser
	release func()
	once    bool
}

func (b *slotReleasingBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.once {
		b.once = true
		b.release()
	}
	return err
}
