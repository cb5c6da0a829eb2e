package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Source.BaseURL = "https://source.example.com"
	cfg.Platform.BaseURL = "https://platform.example.com"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"missing source url", func(c *Config) { c.Source.BaseURL = "" }, "source.base_url"},
		{"missing platform url", func(c *Config) { c.Platform.BaseURL = "" }, "platform.base_url"},
		{"zero in-flight cap", func(c *Config) { c.Transport.MaxInFlight = 0 }, "max_in_flight"},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }, "multiplier"},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "failure_threshold"},
		{"zero job cap", func(c *Config) { c.Orchestrator.MaxConcurrentJobs = 0 }, "max_concurrent_jobs"},
		{
			"no enabled jobs",
			func(c *Config) {
				for i := range c.Jobs {
					c.Jobs[i].Enabled = false
				}
			},
			"no enabled jobs",
		},
		{
			"duplicate job name",
			func(c *Config) { c.Jobs = append(c.Jobs, c.Jobs[0]) },
			"duplicate job name",
		},
		{
			"negative interval",
			func(c *Config) { c.Jobs[0].Interval = Duration(-time.Second) },
			"interval",
		},
		{
			"zero batch size",
			func(c *Config) { c.Jobs[0].BatchSize = 0 },
			"batch_size",
		},
		{
			"weight above job cap",
			func(c *Config) { c.Jobs[0].Weight = c.Orchestrator.MaxConcurrentJobs + 1 },
			"exceeds orchestrator.max_concurrent_jobs",
		},
		{
			"unknown strategy",
			func(c *Config) { c.Jobs[0].Strategy = "diff" },
			"unknown strategy",
		},
		{
			"unknown resource",
			func(c *Config) { c.Jobs[0].Resource = "table" },
			"unknown resource",
		},
		{
			"timestamp strategy without modified field",
			func(c *Config) {
				c.Jobs[1].Strategy = StrategyTimestamp
				c.Jobs[1].ModifiedField = ""
			},
			"modified_field",
		},
		{
			"version strategy without version field",
			func(c *Config) {
				c.Jobs[0].Strategy = StrategyVersion
				c.Jobs[0].VersionField = ""
			},
			"version_field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDefaultJobCatalog(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	byName := make(map[string]JobConfig)
	for _, j := range cfg.Jobs {
		byName[j.Name] = j
	}

	assert.Equal(t, Duration(5*time.Minute), byName["jobs"].Interval)
	assert.Equal(t, Duration(5*time.Minute), byName["production"].Interval)
	assert.Equal(t, Duration(10*time.Minute), byName["inventory"].Interval)
	assert.Equal(t, Duration(time.Hour), byName["master_data"].Interval)
	assert.Equal(t, Duration(5*time.Minute), byName["quality"].Interval)
	assert.Equal(t, Duration(15*time.Minute), byName["performance"].Interval)
	assert.False(t, byName["performance"].Enabled)

	assert.Equal(t, StrategyVersion, byName["master_data"].Strategy)
	assert.Equal(t, ResourceSeries, byName["production"].Resource)
	assert.ElementsMatch(t, []string{"Open", "In Progress", "Complete"}, byName["jobs"].Statuses)
}

func TestEnabledJobs(t *testing.T) {
	cfg := validConfig()
	enabled := cfg.EnabledJobs()
	assert.Len(t, enabled, 5)
	for _, j := range enabled {
		assert.True(t, j.Enabled)
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	doc := `
source:
  base_url: https://erp.example.com
  api_key: secret
platform:
  base_url: https://dp.example.com
  project: factory
retry:
  max_attempts: 5
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "https://erp.example.com", cfg.Source.BaseURL)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	// untouched sections keep defaults
	assert.Equal(t, Duration(time.Second), cfg.Retry.InitialBackoff)
	assert.Equal(t, int64(3), cfg.Orchestrator.MaxConcurrentJobs)
	assert.Len(t, cfg.Jobs, 6)
}

func TestParseEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_SOURCE_URL", "https://env.example.com")
	t.Setenv("TEST_API_KEY", "from-env")

	doc := `
source:
  base_url: ${TEST_SOURCE_URL}
  api_key: ${TEST_API_KEY}
platform:
  base_url: ${TEST_PLATFORM_URL:-https://fallback.example.com}
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Source.BaseURL)
	assert.Equal(t, "from-env", cfg.Source.APIKey)
	assert.Equal(t, "https://fallback.example.com", cfg.Platform.BaseURL)
}

func TestParseInvalidConfigFails(t *testing.T) {
	_, err := Parse([]byte("source:\n  base_url: ''\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
