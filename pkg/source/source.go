// Package source is the boundary client for the upstream ERP query API.
// It speaks offset/limit pagination with optional incremental time windows
// and status filters, and normalizes raw rows into Records. Every page
// fetch goes through the shared transport and retry executor.
package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/pkg/clients"
	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/retry"
)

// Record is one normalized upstream row
type Record struct {
	// Key is the upstream record key, unique within a domain
	Key    string
	Fields map[string]interface{}
	// LastModified is zero when the domain has no modified field
	LastModified time.Time
	// Version is zero when the domain has no version counter
	Version int64
}

// Query describes one fetch against a source endpoint
type Query struct {
	// Endpoint is the API path, e.g. /production/v1/jobs
	Endpoint string
	// Class is the endpoint class used for circuit breaker scoping
	Class string
	// Since/Until bound the incremental window; zero values are omitted
	Since time.Time
	Until time.Time
	// Status adds a status filter, used by concurrent sub-fetches
	Status string
	// Field mapping for normalization
	KeyField      string
	ModifiedField string
	VersionField  string
}

// Config configures the source client
type Config struct {
	BaseURL    string
	APIKey     string
	CustomerID string
	PageSize   int
}

// Client fetches paginated data from the source system.
type Client struct {
	config    Config
	transport *clients.Transport
	exec      *retry.Executor
	logger    *zap.Logger
}

// NewClient creates a source client over the shared transport and retry
// executor.
func NewClient(config Config, transport *clients.Transport, exec *retry.Executor) *Client {
	if config.PageSize <= 0 {
		config.PageSize = 500
	}
	return &Client{
		config:    config,
		transport: transport,
		exec:      exec,
		logger:    logger.Get().With(zap.String("component", "source")),
	}
}

// pageResponse is the source API's page envelope
type pageResponse struct {
	Data []map[string]interface{} `json:"data"`
}

// Fetch retrieves all pages for the query, invoking fn once per page of
// normalized records. Fetching stops at the first short page. A page-level
// failure after retries aborts the fetch; fn returning an error does too.
func (c *Client) Fetch(ctx context.Context, q Query, fn func(records []Record) error) error {
	offset := 0
	pages := 0

	for {
		var page pageResponse
		err := c.exec.Execute(ctx, q.Class, func(ctx context.Context) error {
			return c.fetchPage(ctx, q, offset, &page)
		})
		if err != nil {
			return errors.Wrap(err, errors.TypeOf(err), fmt.Sprintf("fetch failed at offset %d", offset))
		}

		pages++
		if len(page.Data) > 0 {
			records := make([]Record, 0, len(page.Data))
			for _, row := range page.Data {
				records = append(records, c.normalize(q, row))
			}
			if err := fn(records); err != nil {
				return err
			}
		}

		if len(page.Data) < c.config.PageSize {
			c.logger.Debug("fetch complete",
				zap.String("endpoint", q.Endpoint),
				zap.Int("pages", pages),
				zap.Int("last_page_size", len(page.Data)))
			return nil
		}
		offset += c.config.PageSize
	}
}

// FetchAll is Fetch with the pages collected into one slice.
func (c *Client) FetchAll(ctx context.Context, q Query) ([]Record, error) {
	var all []Record
	err := c.Fetch(ctx, q, func(records []Record) error {
		all = append(all, records...)
		return nil
	})
	return all, err
}

// fetchPage performs a single page request.
func (c *Client) fetchPage(ctx context.Context, q Query, offset int, out *pageResponse) error {
	u, err := url.Parse(c.config.BaseURL + q.Endpoint)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid source endpoint")
	}

	params := u.Query()
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(c.config.PageSize))
	if !q.Since.IsZero() {
		params.Set("modifiedAfter", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		params.Set("modifiedBefore", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}
	req.Header.Set("X-API-Key", c.config.APIKey)
	if c.config.CustomerID != "" {
		req.Header.Set("X-Customer-ID", c.config.CustomerID)
	}

	*out = pageResponse{}
	return c.transport.DoJSON(ctx, req, out)
}

// normalize maps a raw row onto a Record using the query's field mapping.
func (c *Client) normalize(q Query, row map[string]interface{}) Record {
	rec := Record{Fields: row}

	if v, ok := row[q.KeyField]; ok {
		rec.Key = asString(v)
	}
	if q.ModifiedField != "" {
		if v, ok := row[q.ModifiedField]; ok {
			if ts, err := time.Parse(time.RFC3339, asString(v)); err == nil {
				rec.LastModified = ts
			}
		}
	}
	if q.VersionField != "" {
		if v, ok := row[q.VersionField]; ok {
			rec.Version = asInt64(v)
		}
	}
	return rec
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// JSON numbers arrive as float64; keys are integral in practice
		return strconv.FormatInt(int64(s), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case string:
		if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
