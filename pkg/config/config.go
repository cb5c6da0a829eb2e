// Package config provides the unified configuration for Conveyor.
// It defines a single Config structure consumed by the orchestrator and all
// extraction jobs, organized into logical sections:
//
//   - Source: the upstream ERP query API
//   - Platform: the downstream data platform write API
//   - Transport: connection pooling, in-flight caps, timeouts
//   - Retry / Breaker: resilience policy shared by every remote call
//   - Resolver: identifier resolution cache sizing
//   - Orchestrator: scheduling, concurrency, shutdown behavior
//   - Jobs: one descriptor per extraction domain
//
// The core consumes this as a validated, typed object; raw environment text
// is only touched by the loader (${VAR} substitution) and the .env hook in
// the command wrapper.
package config

import (
	"fmt"
	"time"
)

// Strategy selects how a job detects that an upstream record changed.
type Strategy string

const (
	// StrategyHash compares a content hash of canonicalized record fields
	StrategyHash Strategy = "hash"
	// StrategyTimestamp compares the record's last-modified timestamp
	StrategyTimestamp Strategy = "timestamp"
	// StrategyVersion compares the record's version counter
	StrategyVersion Strategy = "version"
	// StrategyAlways processes every record unconditionally
	StrategyAlways Strategy = "always"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyHash, StrategyTimestamp, StrategyVersion, StrategyAlways:
		return true
	}
	return false
}

// ResourceKind selects which platform resource a job writes.
type ResourceKind string

const (
	// ResourceEntity writes hierarchical entities
	ResourceEntity ResourceKind = "entity"
	// ResourceOccurrence writes time-stamped occurrences
	ResourceOccurrence ResourceKind = "occurrence"
	// ResourceSeries writes numeric time series points
	ResourceSeries ResourceKind = "series"
)

// Valid reports whether r names a known resource kind.
func (r ResourceKind) Valid() bool {
	switch r {
	case ResourceEntity, ResourceOccurrence, ResourceSeries:
		return true
	}
	return false
}

// Config is the root configuration object.
type Config struct {
	Source        SourceConfig        `yaml:"source" json:"source"`
	Platform      PlatformConfig      `yaml:"platform" json:"platform"`
	Transport     TransportConfig     `yaml:"transport" json:"transport"`
	Retry         RetryConfig         `yaml:"retry" json:"retry"`
	Breaker       BreakerConfig       `yaml:"breaker" json:"breaker"`
	Resolver      ResolverConfig      `yaml:"resolver" json:"resolver"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator" json:"orchestrator"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Jobs          []JobConfig         `yaml:"jobs" json:"jobs"`
}

// SourceConfig configures the upstream ERP query API.
type SourceConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	APIKey     string `yaml:"api_key" json:"api_key"`
	CustomerID string `yaml:"customer_id" json:"customer_id"`
	PageSize   int    `yaml:"page_size" json:"page_size"`
}

// PlatformConfig configures the downstream data platform.
// Authentication uses OAuth2 client credentials.
type PlatformConfig struct {
	BaseURL      string   `yaml:"base_url" json:"base_url"`
	Project      string   `yaml:"project" json:"project"`
	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret"`
	TokenURL     string   `yaml:"token_url" json:"token_url"`
	Scopes       []string `yaml:"scopes" json:"scopes"`
}

// TransportConfig configures the shared HTTP transport.
type TransportConfig struct {
	// MaxInFlight caps simultaneous in-flight calls across all jobs
	MaxInFlight int64 `yaml:"max_in_flight" json:"max_in_flight"`
	// RequestTimeout bounds each individual call
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
	// DialTimeout bounds connection establishment
	DialTimeout Duration `yaml:"dial_timeout" json:"dial_timeout"`
	// KeepAlive interval for pooled connections
	KeepAlive Duration `yaml:"keep_alive" json:"keep_alive"`
	// MaxIdleConns and MaxIdleConnsPerHost tune connection reuse
	MaxIdleConns        int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdleConnsPerHost int      `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
	IdleConnTimeout     Duration `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	// EnableHTTP2 upgrades the transport where the peer supports it
	EnableHTTP2 bool `yaml:"enable_http2" json:"enable_http2"`
	// RatePerSec adds token-bucket pacing on top of the in-flight cap
	// (0 = unlimited)
	RatePerSec float64 `yaml:"rate_per_sec" json:"rate_per_sec"`
	RateBurst  int     `yaml:"rate_burst" json:"rate_burst"`
}

// RetryConfig configures the retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" json:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier" json:"multiplier"`
	// JitterFactor spreads delays by ±factor to avoid herd resynchronization
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor"`
}

// BreakerConfig configures the per-endpoint-class circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit when this many failures occur
	// within Window
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
	Window           Duration `yaml:"window" json:"window"`
	// Cooldown is how long an open circuit waits before allowing a probe
	Cooldown Duration `yaml:"cooldown" json:"cooldown"`
}

// ResolverConfig configures the identifier resolution cache.
type ResolverConfig struct {
	// CacheSize bounds the mapping cache; eviction is oldest-first
	CacheSize int `yaml:"cache_size" json:"cache_size"`
	// BatchSize bounds each remote lookup batch
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// OrchestratorConfig configures scheduling and lifecycle.
type OrchestratorConfig struct {
	MaxConcurrentJobs int64    `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	HealthInterval    Duration `yaml:"health_interval" json:"health_interval"`
	ShutdownGrace     Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	// FullRefreshInterval bypasses change detection for one complete pass
	FullRefreshInterval Duration `yaml:"full_refresh_interval" json:"full_refresh_interval"`
	// SampleErrors is how many error samples each run retains for health
	SampleErrors int `yaml:"sample_errors" json:"sample_errors"`
	// StateFile persists last-success watermarks across restarts ("" = in-memory)
	StateFile string `yaml:"state_file" json:"state_file"`
	RunOnce   bool   `yaml:"run_once" json:"run_once"`
	DryRun    bool   `yaml:"dry_run" json:"dry_run"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	LogLevel      string `yaml:"log_level" json:"log_level"`
	LogEncoding   string `yaml:"log_encoding" json:"log_encoding"`
	Development   bool   `yaml:"development" json:"development"`
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`
	EnableTracing bool   `yaml:"enable_tracing" json:"enable_tracing"`
}

// JobConfig is one Job Descriptor: a per-domain extraction unit.
// Descriptors are immutable for the duration of a run.
type JobConfig struct {
	Name    string `yaml:"name" json:"name"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
	// Endpoint is the source API path for this domain
	Endpoint string   `yaml:"endpoint" json:"endpoint"`
	Interval Duration `yaml:"interval" json:"interval"`
	// BatchSize bounds memory and downstream request size per batch
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Weight is the scheduling weight against MaxConcurrentJobs
	Weight   int64    `yaml:"weight" json:"weight"`
	Strategy Strategy `yaml:"strategy" json:"strategy"`
	Resource ResourceKind `yaml:"resource" json:"resource"`
	// Statuses, when set, splits fetching into one concurrent sub-fetch
	// per status value
	Statuses []string `yaml:"statuses" json:"statuses"`
	// SubFetchLimit bounds concurrent sub-fetches within the job
	SubFetchLimit int `yaml:"sub_fetch_limit" json:"sub_fetch_limit"`
	// KeyField names the upstream field holding the record key
	KeyField string `yaml:"key_field" json:"key_field"`
	// ModifiedField names the last-modified timestamp field (RFC 3339)
	ModifiedField string `yaml:"modified_field" json:"modified_field"`
	// VersionField names the version counter field
	VersionField string `yaml:"version_field" json:"version_field"`
	// HashFields restricts the content hash to a field subset
	// (empty = all fields)
	HashFields []string `yaml:"hash_fields" json:"hash_fields"`
	// ParentField names the field holding the parent entity key, for
	// hierarchical resolution
	ParentField string `yaml:"parent_field" json:"parent_field"`
}

// Default returns a Config with production defaults and the standard
// extraction domains, all overridable from the loaded file.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			PageSize: 500,
		},
		Transport: TransportConfig{
			MaxInFlight:         20,
			RequestTimeout:      Duration(30 * time.Second),
			DialTimeout:         Duration(10 * time.Second),
			KeepAlive:           Duration(30 * time.Second),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     Duration(90 * time.Second),
			EnableHTTP2:         true,
			RatePerSec:          0,
			RateBurst:           10,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(60 * time.Second),
			Multiplier:     2.0,
			JitterFactor:   0.25,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           Duration(60 * time.Second),
			Cooldown:         Duration(60 * time.Second),
		},
		Resolver: ResolverConfig{
			CacheSize: 10000,
			BatchSize: 100,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentJobs:   3,
			HealthInterval:      Duration(60 * time.Second),
			ShutdownGrace:       Duration(30 * time.Second),
			FullRefreshInterval: Duration(24 * time.Hour),
			SampleErrors:        5,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			LogEncoding:   "json",
			EnableMetrics: true,
			MetricsAddr:   ":9090",
		},
		Jobs: DefaultJobs(),
	}
}

// DefaultJobs returns descriptors for the standard extraction domains.
func DefaultJobs() []JobConfig {
	return []JobConfig{
		{
			Name: "jobs", Enabled: true, Endpoint: "/production/v1/jobs",
			Interval: Duration(5 * time.Minute), BatchSize: 1000, Weight: 1,
			Strategy: StrategyHash, Resource: ResourceOccurrence,
			Statuses:      []string{"Open", "In Progress", "Complete"},
			SubFetchLimit: 3,
			KeyField:      "id", ModifiedField: "modifiedDate",
		},
		{
			Name: "production", Enabled: true, Endpoint: "/production/v1/entries",
			Interval: Duration(5 * time.Minute), BatchSize: 1000, Weight: 1,
			Strategy: StrategyTimestamp, Resource: ResourceSeries,
			KeyField: "id", ModifiedField: "recordedDate",
		},
		{
			Name: "inventory", Enabled: true, Endpoint: "/inventory/v1/containers",
			Interval: Duration(10 * time.Minute), BatchSize: 1000, Weight: 1,
			Strategy: StrategyHash, Resource: ResourceEntity,
			KeyField: "id", ParentField: "locationId",
		},
		{
			Name: "master_data", Enabled: true, Endpoint: "/mdm/v1/resources",
			Interval: Duration(time.Hour), BatchSize: 500, Weight: 1,
			Strategy: StrategyVersion, Resource: ResourceEntity,
			KeyField: "id", VersionField: "revision", ParentField: "parentId",
		},
		{
			Name: "quality", Enabled: true, Endpoint: "/quality/v1/checksheets",
			Interval: Duration(5 * time.Minute), BatchSize: 1000, Weight: 1,
			Strategy: StrategyHash, Resource: ResourceOccurrence,
			KeyField: "id", ModifiedField: "modifiedDate",
		},
		{
			Name: "performance", Enabled: false, Endpoint: "/datasource/v1/metrics",
			Interval: Duration(15 * time.Minute), BatchSize: 2000, Weight: 1,
			Strategy: StrategyAlways, Resource: ResourceSeries,
			KeyField: "id",
		},
	}
}

// Validate validates the configuration for correctness. The command wrapper
// treats a validation failure as fatal at startup.
func (c *Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if c.Transport.MaxInFlight <= 0 {
		return fmt.Errorf("transport.max_in_flight must be positive")
	}
	if c.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport.request_timeout must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Resolver.CacheSize <= 0 {
		return fmt.Errorf("resolver.cache_size must be positive")
	}
	if c.Orchestrator.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_jobs must be positive")
	}

	enabled := 0
	seen := make(map[string]bool, len(c.Jobs))
	for i := range c.Jobs {
		job := &c.Jobs[i]
		if job.Name == "" {
			return fmt.Errorf("jobs[%d].name is required", i)
		}
		if seen[job.Name] {
			return fmt.Errorf("duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
		if !job.Enabled {
			continue
		}
		enabled++
		if job.Endpoint == "" {
			return fmt.Errorf("job %q: endpoint is required", job.Name)
		}
		if job.Interval <= 0 {
			return fmt.Errorf("job %q: interval must be positive", job.Name)
		}
		if job.BatchSize <= 0 {
			return fmt.Errorf("job %q: batch_size must be positive", job.Name)
		}
		if !job.Strategy.Valid() {
			return fmt.Errorf("job %q: unknown strategy %q", job.Name, job.Strategy)
		}
		if !job.Resource.Valid() {
			return fmt.Errorf("job %q: unknown resource %q", job.Name, job.Resource)
		}
		if job.KeyField == "" {
			return fmt.Errorf("job %q: key_field is required", job.Name)
		}
		if job.Strategy == StrategyTimestamp && job.ModifiedField == "" {
			return fmt.Errorf("job %q: timestamp strategy requires modified_field", job.Name)
		}
		if job.Strategy == StrategyVersion && job.VersionField == "" {
			return fmt.Errorf("job %q: version strategy requires version_field", job.Name)
		}
		if job.Weight <= 0 {
			job.Weight = 1
		}
		if job.Weight > c.Orchestrator.MaxConcurrentJobs {
			return fmt.Errorf("job %q: weight %d exceeds orchestrator.max_concurrent_jobs %d; the job could never acquire a slot",
				job.Name, job.Weight, c.Orchestrator.MaxConcurrentJobs)
		}
		if job.SubFetchLimit <= 0 {
			job.SubFetchLimit = 3
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled jobs")
	}
	return nil
}

// EnabledJobs returns the descriptors with the enabled flag set.
func (c *Config) EnabledJobs() []JobConfig {
	out := make([]JobConfig, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out
}
