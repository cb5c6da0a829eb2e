package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/clients"
	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/retry"
)

func testExec(t *testing.T) (*clients.Transport, *retry.Executor) {
	t.Helper()
	tr, err := clients.NewTransport(clients.TransportConfig{
		MaxInFlight:    10,
		RequestTimeout: 5 * time.Second,
		DialTimeout:    time.Second,
	})
	require.NoError(t, err)

	breakers := clients.NewBreakerRegistry(clients.BreakerConfig{
		FailureThreshold: 100,
		Window:           time.Minute,
		Cooldown:         time.Minute,
	})
	policy := retry.DefaultPolicy()
	policy.InitialBackoff = time.Millisecond
	policy.MaxBackoff = 5 * time.Millisecond
	return tr, retry.NewExecutor(policy, breakers, nil)
}

// pagedServer serves rows through offset/limit pagination and records
// request details for assertions.
func pagedServer(t *testing.T, rows []map[string]interface{}) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var requests []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Clone(context.Background()))

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if offset > len(rows) {
			offset = len(rows)
		}
		if end > len(rows) {
			end = len(rows)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": rows[offset:end]})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func makeRows(n int) []map[string]interface{} {
	rows := make([]map[string]interface{}, n)
	for i := range rows {
		rows[i] = map[string]interface{}{
			"id":           fmt.Sprintf("job-%03d", i),
			"status":       "Open",
			"lastModified": time.Date(2026, 3, 1, 0, 0, i, 0, time.UTC).Format(time.RFC3339),
			"revision":     float64(i),
		}
	}
	return rows
}

func TestFetchPaginates(t *testing.T) {
	srv, requests := pagedServer(t, makeRows(25))
	tr, exec := testExec(t)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", PageSize: 10}, tr, exec)

	var pages [][]Record
	err := c.Fetch(context.Background(), Query{Endpoint: "/jobs", Class: "jobs", KeyField: "id"}, func(records []Record) error {
		pages = append(pages, records)
		return nil
	})
	require.NoError(t, err)

	// 25 rows at page size 10: two full pages plus a short one that stops
	// the fetch
	require.Len(t, *requests, 3)
	require.Len(t, pages, 3)
	assert.Len(t, pages[0], 10)
	assert.Len(t, pages[2], 5)
	assert.Equal(t, "0", (*requests)[0].URL.Query().Get("offset"))
	assert.Equal(t, "10", (*requests)[1].URL.Query().Get("offset"))
	assert.Equal(t, "20", (*requests)[2].URL.Query().Get("offset"))
}

func TestFetchStopsAtShortFirstPage(t *testing.T) {
	srv, requests := pagedServer(t, makeRows(3))
	tr, exec := testExec(t)
	c := NewClient(Config{BaseURL: srv.URL, PageSize: 10}, tr, exec)

	records, err := c.FetchAll(context.Background(), Query{Endpoint: "/jobs", Class: "jobs", KeyField: "id"})
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Len(t, *requests, 1)
}

func TestFetchEmptyEndpoint(t *testing.T) {
	srv, _ := pagedServer(t, nil)
	tr, exec := testExec(t)
	c := NewClient(Config{BaseURL: srv.URL, PageSize: 10}, tr, exec)

	calls := 0
	err := c.Fetch(context.Background(), Query{Endpoint: "/jobs", Class: "jobs", KeyField: "id"}, func(records []Record) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "fn is not invoked for an empty page")
}

func TestFetchQueryParamsAndHeaders(t *testing.T) {
	srv, requests := pagedServer(t, nil)
	tr, exec := testExec(t)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", CustomerID: "cust-7", PageSize: 10}, tr, exec)

	since := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := c.FetchAll(context.Background(), Query{
		Endpoint: "/jobs",
		Class:    "jobs",
		Since:    since,
		Until:    until,
		Status:   "Open",
		KeyField: "id",
	})
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	q := req.URL.Query()
	assert.Equal(t, "2026-03-01T10:00:00Z", q.Get("modifiedAfter"))
	assert.Equal(t, "2026-03-01T12:00:00Z", q.Get("modifiedBefore"))
	assert.Equal(t, "Open", q.Get("status"))
	assert.Equal(t, "secret", req.Header.Get("X-API-Key"))
	assert.Equal(t, "cust-7", req.Header.Get("X-Customer-ID"))
}

func TestFetchNormalization(t *testing.T) {
	rows := []map[string]interface{}{
		{"id": "job-1", "lastModified": "2026-03-01T10:00:00Z", "revision": float64(7)},
		{"id": float64(42), "lastModified": "not-a-timestamp", "revision": "9"},
		{"status": "Open"}, // no key field at all
	}
	srv, _ := pagedServer(t, rows)
	tr, exec := testExec(t)
	c := NewClient(Config{BaseURL: srv.URL, PageSize: 10}, tr, exec)

	records, err := c.FetchAll(context.Background(), Query{
		Endpoint:      "/jobs",
		Class:         "jobs",
		KeyField:      "id",
		ModifiedField: "lastModified",
		VersionField:  "revision",
	})
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "job-1", records[0].Key)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), records[0].LastModified)
	assert.Equal(t, int64(7), records[0].Version)

	// numeric keys stringify, bad timestamps read as zero, string versions parse
	assert.Equal(t, "42", records[1].Key)
	assert.True(t, records[1].LastModified.IsZero())
	assert.Equal(t, int64(9), records[1].Version)

	assert.Empty(t, records[2].Key)
}

func TestFetchRetriesTransientPageFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	tr, exec := testExec(t)
	c := NewClient(Config{BaseURL: srv.URL, PageSize: 10}, tr, exec)

	_, err := c.FetchAll(context.Background(), Query{Endpoint: "/jobs", Class: "jobs", KeyField: "id"})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestFetchTerminalFailureAborts(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, exec := testExec(t)
	c := NewClient(Config{BaseURL: srv.URL, PageSize: 10}, tr, exec)

	_, err := c.FetchAll(context.Background(), Query{Endpoint: "/jobs", Class: "jobs", KeyField: "id"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Equal(t, 1, attempts)
}

func TestFetchCallbackErrorAborts(t *testing.T) {
	srv, requests := pagedServer(t, makeRows(25))
	tr, exec := testExec(t)
	c := NewClient(Config{BaseURL: srv.URL, PageSize: 10}, tr, exec)

	wantErr := errors.New(errors.ErrorTypeData, "downstream rejected batch")
	err := c.Fetch(context.Background(), Query{Endpoint: "/jobs", Class: "jobs", KeyField: "id"}, func(records []Record) error {
		return wantErr
	})
	require.Error(t, err)
	assert.Len(t, *requests, 1, "no further pages after the callback fails")
}
