package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/clients"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/extractor"
	"github.com/conveyorhq/conveyor/pkg/platform"
	"github.com/conveyorhq/conveyor/pkg/resolver"
	"github.com/conveyorhq/conveyor/pkg/retry"
	"github.com/conveyorhq/conveyor/pkg/source"
)

// testBackend serves both boundaries: a paginated source endpoint and the
// platform write endpoints. It can slow source responses down and fail
// selected endpoints to exercise scheduling behavior.
type testBackend struct {
	mu           sync.Mutex
	inFlight     int
	peakInFlight int

	sourceDelay time.Duration
	failPaths   map[string]bool
}

func (b *testBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		if b.failPaths[r.URL.Path] {
			b.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.mu.Unlock()

		switch r.URL.Path {
		case "/api/v1/projects/plant/occurrences/upsert":
			_, _ = w.Write([]byte(`{}`))
		case "/api/v1/projects/plant/entities/byids":
			_, _ = w.Write([]byte(`{"items":[]}`))
		default: // source endpoints
			b.mu.Lock()
			b.inFlight++
			if b.inFlight > b.peakInFlight {
				b.peakInFlight = b.inFlight
			}
			delay := b.sourceDelay
			b.mu.Unlock()

			if delay > 0 {
				time.Sleep(delay)
			}

			b.mu.Lock()
			b.inFlight--
			b.mu.Unlock()
			_, _ = w.Write([]byte(`{"data":[{"id":"rec-1","startDate":"2026-03-01T10:00:00Z"},{"id":"rec-2","startDate":"2026-03-01T11:00:00Z"}]}`))
		}
	}
}

func (b *testBackend) peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peakInFlight
}

type fixture struct {
	backend  *testBackend
	cfg      *config.Config
	breakers *clients.BreakerRegistry
	orch     *Orchestrator
}

// newFixture wires an orchestrator over real jobs against the test backend.
// jobNames become source endpoints /<name>.
func newFixture(t *testing.T, backend *testBackend, jobNames []string, tune func(*config.Config)) *fixture {
	t.Helper()

	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Source.BaseURL = srv.URL
	cfg.Platform.BaseURL = srv.URL
	cfg.Platform.Project = "plant"
	cfg.Orchestrator.RunOnce = true
	cfg.Orchestrator.ShutdownGrace = config.Duration(2 * time.Second)
	cfg.Jobs = nil
	for _, name := range jobNames {
		cfg.Jobs = append(cfg.Jobs, config.JobConfig{
			Name:      name,
			Enabled:   true,
			Endpoint:  "/" + name,
			Interval:  config.Duration(time.Hour),
			BatchSize: 50,
			Weight:    1,
			Strategy:  config.StrategyHash,
			Resource:  config.ResourceOccurrence,
			KeyField:  "id",
		})
	}
	if tune != nil {
		tune(cfg)
	}

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
	agg := clients.NewErrorAggregator(time.Minute, 5)
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = 1
	exec := retry.NewExecutor(policy, breakers, agg)

	srcClient := source.NewClient(source.Config{BaseURL: srv.URL, PageSize: 100}, tr, exec)
	platClient := platform.NewClient(context.Background(), platform.Config{
		BaseURL: srv.URL,
		Project: "plant",
	}, tr, exec)
	res := resolver.New(platClient.LookupIDs, 100, 100)

	states, err := extractor.NewStateTracker("")
	require.NoError(t, err)

	var jobs []*extractor.Job
	for _, jc := range cfg.EnabledJobs() {
		jobs = append(jobs, extractor.New(jc, srcClient, platClient, res, states, extractor.Options{}))
	}

	return &fixture{
		backend:  backend,
		cfg:      cfg,
		breakers: breakers,
		orch:     New(cfg, jobs, breakers, res, agg),
	}
}

func TestRunOnceAllJobsSucceed(t *testing.T) {
	f := newFixture(t, &testBackend{}, []string{"jobs", "quality"}, nil)

	require.NoError(t, f.orch.Run(context.Background()))

	snap := f.orch.Health()
	assert.True(t, snap.Healthy)
	require.Len(t, snap.Jobs, 2)
	for _, jh := range snap.Jobs {
		assert.Equal(t, "success", jh.LastOutcome)
		assert.Equal(t, 2, jh.Fetched)
		assert.Equal(t, 2, jh.Written)
		assert.Equal(t, 1.0, jh.SuccessRate)
		assert.False(t, jh.NextRunAt.IsZero())
	}
}

func TestRunOnceReportsFailedJobs(t *testing.T) {
	backend := &testBackend{failPaths: map[string]bool{"/broken": true}}
	f := newFixture(t, backend, []string{"jobs", "broken"}, nil)

	err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	// the healthy sibling is unaffected
	snap := f.orch.Health()
	outcomes := make(map[string]string)
	for _, jh := range snap.Jobs {
		outcomes[jh.Name] = jh.LastOutcome
	}
	assert.Equal(t, "success", outcomes["jobs"])
	assert.Equal(t, "failed", outcomes["broken"])
}

func TestConcurrencyCap(t *testing.T) {
	backend := &testBackend{sourceDelay: 100 * time.Millisecond}
	f := newFixture(t, backend, []string{"jobs", "quality", "inventory"}, func(cfg *config.Config) {
		cfg.Orchestrator.MaxConcurrentJobs = 1
	})

	require.NoError(t, f.orch.Run(context.Background()))
	assert.Equal(t, 1, f.backend.peak(), "at most one job fetches at a time")
}

func TestDaemonShutdown(t *testing.T) {
	f := newFixture(t, &testBackend{}, []string{"jobs"}, func(cfg *config.Config) {
		cfg.Orchestrator.RunOnce = false
		cfg.Orchestrator.HealthInterval = config.Duration(time.Hour)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	// let the immediate runs finish, then signal shutdown
	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not shut down")
	}

	snap := f.orch.Health()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "success", snap.Jobs[0].LastOutcome)
	assert.Equal(t, int64(0), snap.ActiveJobs)
}

func TestShutdownGraceExpiryCancelsInFlightRuns(t *testing.T) {
	backend := &testBackend{sourceDelay: 2 * time.Second}
	f := newFixture(t, backend, []string{"jobs"}, func(cfg *config.Config) {
		cfg.Orchestrator.RunOnce = false
		cfg.Orchestrator.HealthInterval = config.Duration(time.Hour)
		cfg.Orchestrator.ShutdownGrace = config.Duration(200 * time.Millisecond)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	// signal shutdown while the run is stuck fetching from the slow source;
	// the grace period expires well before the fetch would finish
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not shut down")
	}

	snap := f.orch.Health()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "incomplete", snap.Jobs[0].LastOutcome)
	assert.Equal(t, int64(0), snap.ActiveJobs)
}

func TestHealthDegradedOnOpenBreaker(t *testing.T) {
	f := newFixture(t, &testBackend{}, []string{"jobs"}, nil)
	require.NoError(t, f.orch.Run(context.Background()))
	require.True(t, f.orch.Health().Healthy)

	cb := f.breakers.Get("jobs")
	for i := 0; i < 100; i++ {
		cb.RecordFailure()
	}
	snap := f.orch.Health()
	assert.False(t, snap.Healthy)
	assert.Equal(t, "open", snap.Breakers["jobs"].State)
}

func TestRecordTrimsHistory(t *testing.T) {
	f := newFixture(t, &testBackend{}, []string{"jobs"}, nil)
	sj := f.orch.jobs[0]

	for i := 0; i < 15; i++ {
		outcome := extractor.OutcomeSuccess
		if i%3 == 0 {
			outcome = extractor.OutcomeFailed
		}
		f.orch.record(sj, extractor.Result{Outcome: outcome, Duration: time.Second})
	}

	f.orch.mu.Lock()
	defer f.orch.mu.Unlock()
	assert.Len(t, f.orch.history["jobs"], historyDepth)
}

func TestSummarize(t *testing.T) {
	rate, avg := summarize(nil)
	assert.Zero(t, rate)
	assert.Zero(t, avg)

	// partial runs completed, so they count toward the rate
	history := []runRecord{
		{outcome: extractor.OutcomeSuccess, duration: 2 * time.Second},
		{outcome: extractor.OutcomePartial, duration: 4 * time.Second},
		{outcome: extractor.OutcomeFailed, duration: 6 * time.Second},
		{outcome: extractor.OutcomeIncomplete, duration: 4 * time.Second},
	}
	rate, avg = summarize(history)
	assert.InDelta(t, 0.5, rate, 0.001)
	assert.Equal(t, 4*time.Second, avg)
}
