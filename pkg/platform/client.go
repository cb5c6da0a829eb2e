package platform

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/conveyorhq/conveyor/pkg/clients"
	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/retry"
)

// EndpointClass is the circuit breaker class for all platform calls. The
// write path is one failure domain; an outage here should not trip the
// per-domain source breakers.
const EndpointClass = "platform"

// Config configures the platform client
type Config struct {
	BaseURL string
	Project string
	// OAuth2 client credentials; TokenURL empty disables auth (tests)
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Client writes entities, occurrences and series points, and serves the
// resolver's batch identifier lookups.
type Client struct {
	config    Config
	transport *clients.Transport
	exec      *retry.Executor
	tokens    oauth2.TokenSource
	logger    *zap.Logger
}

// NewClient creates a platform client over the shared transport and retry
// executor.
func NewClient(ctx context.Context, config Config, transport *clients.Transport, exec *retry.Executor) *Client {
	c := &Client{
		config:    config,
		transport: transport,
		exec:      exec,
		logger:    logger.Get().With(zap.String("component", "platform")),
	}
	if config.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TokenURL:     config.TokenURL,
			Scopes:       config.Scopes,
		}
		c.tokens = cc.TokenSource(ctx)
	}
	return c
}

type entityItem struct {
	ExternalKey string            `json:"externalKey"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ParentID    int64             `json:"parentId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type occurrenceItem struct {
	ExternalKey string            `json:"externalKey"`
	Type        string            `json:"type"`
	Subtype     string            `json:"subtype,omitempty"`
	Description string            `json:"description,omitempty"`
	StartTime   int64             `json:"startTime"`
	EndTime     int64             `json:"endTime,omitempty"`
	EntityID    int64             `json:"entityId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type seriesItem struct {
	SeriesKey string        `json:"seriesKey"`
	Points    []seriesPoint `json:"points"`
}

type seriesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type itemsEnvelope struct {
	Items interface{} `json:"items"`
}

// UpsertEntities writes a batch of entities keyed by external key.
func (c *Client) UpsertEntities(ctx context.Context, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}
	items := make([]entityItem, len(entities))
	for i, e := range entities {
		items[i] = entityItem{
			ExternalKey: e.ExternalKey,
			Name:        e.Name,
			Description: e.Description,
			ParentID:    e.ParentID,
			Metadata:    e.Metadata,
		}
	}
	return c.post(ctx, "/entities/upsert", itemsEnvelope{Items: items}, nil)
}

// UpsertOccurrences writes a batch of occurrences keyed by external key.
func (c *Client) UpsertOccurrences(ctx context.Context, occurrences []Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}
	items := make([]occurrenceItem, len(occurrences))
	for i, o := range occurrences {
		item := occurrenceItem{
			ExternalKey: o.ExternalKey,
			Type:        o.Type,
			Subtype:     o.Subtype,
			Description: o.Description,
			StartTime:   o.StartTime.UnixMilli(),
			EntityID:    o.EntityID,
			Metadata:    o.Metadata,
		}
		if !o.EndTime.IsZero() {
			item.EndTime = o.EndTime.UnixMilli()
		}
		items[i] = item
	}
	return c.post(ctx, "/occurrences/upsert", itemsEnvelope{Items: items}, nil)
}

// InsertSeriesPoints writes datapoints, grouped per series. Point writes
// are idempotent: the platform keeps one value per (series, timestamp).
func (c *Client) InsertSeriesPoints(ctx context.Context, points []SeriesPoint) error {
	if len(points) == 0 {
		return nil
	}
	bySeries := make(map[string][]seriesPoint)
	var order []string
	for _, p := range points {
		if _, ok := bySeries[p.SeriesKey]; !ok {
			order = append(order, p.SeriesKey)
		}
		bySeries[p.SeriesKey] = append(bySeries[p.SeriesKey], seriesPoint{
			Timestamp: p.Timestamp.UnixMilli(),
			Value:     p.Value,
		})
	}
	items := make([]seriesItem, 0, len(order))
	for _, key := range order {
		items = append(items, seriesItem{SeriesKey: key, Points: bySeries[key]})
	}
	return c.post(ctx, "/series/data", itemsEnvelope{Items: items}, nil)
}

type lookupRequest struct {
	Items         []lookupKey `json:"items"`
	IgnoreUnknown bool        `json:"ignoreUnknown"`
}

type lookupKey struct {
	ExternalKey string `json:"externalKey"`
}

type lookupResponse struct {
	Items []struct {
		ExternalKey string `json:"externalKey"`
		ID          int64  `json:"id"`
	} `json:"items"`
}

// LookupIDs resolves external keys to internal IDs in one call. Unknown
// keys are simply absent from the result. The signature matches
// resolver.LookupFunc.
func (c *Client) LookupIDs(ctx context.Context, keys []string) (map[string]int64, error) {
	req := lookupRequest{IgnoreUnknown: true}
	for _, k := range keys {
		req.Items = append(req.Items, lookupKey{ExternalKey: k})
	}

	var resp lookupResponse
	if err := c.post(ctx, "/entities/byids", req, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(resp.Items))
	for _, item := range resp.Items {
		out[item.ExternalKey] = item.ID
	}
	return out, nil
}

// post sends one JSON request through the retry executor under the
// platform breaker class.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode request")
	}
	url := c.config.BaseURL + "/api/v1/projects/" + c.config.Project + path

	start := time.Now()
	err = c.exec.Execute(ctx, EndpointClass, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.authorize(req); err != nil {
			return err
		}
		return c.transport.DoJSON(ctx, req, out)
	})
	if err != nil {
		return err
	}

	c.logger.Debug("platform write completed",
		zap.String("path", path),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// authorize attaches a bearer token when OAuth2 is configured.
func (c *Client) authorize(req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to obtain access token")
	}
	token.SetAuthHeader(req)
	return nil
}
