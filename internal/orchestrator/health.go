package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conveyorhq/conveyor/pkg/clients"
	"github.com/conveyorhq/conveyor/pkg/extractor"
	"github.com/conveyorhq/conveyor/pkg/fingerprint"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/resolver"
)

// JobHealth is the per-job slice of the health snapshot
type JobHealth struct {
	Name         string            `json:"name"`
	Phase        string            `json:"phase"`
	LastOutcome  string            `json:"last_outcome,omitempty"`
	LastRunAt    time.Time         `json:"last_run_at,omitempty"`
	LastDuration time.Duration     `json:"last_duration,omitempty"`
	NextRunAt    time.Time         `json:"next_run_at,omitempty"`
	SuccessRate  float64           `json:"success_rate"`
	AvgDuration  time.Duration     `json:"avg_duration"`
	Fetched      int               `json:"fetched"`
	Written      int               `json:"written"`
	Skipped      int               `json:"skipped"`
	RecordErrors int               `json:"record_errors"`
	SampleErrors []string          `json:"sample_errors,omitempty"`
	Cache        fingerprint.Stats `json:"cache"`
}

// SystemHealth is the aggregate health snapshot
type SystemHealth struct {
	Timestamp       time.Time                          `json:"timestamp"`
	Healthy         bool                               `json:"healthy"`
	ActiveJobs      int64                              `json:"active_jobs"`
	Jobs            []JobHealth                        `json:"jobs"`
	Breakers        map[string]clients.BreakerSnapshot `json:"breakers"`
	ResolverHitRate float64                            `json:"resolver_hit_rate"`
	Resolver        resolver.Stats                     `json:"resolver"`
	Errors          clients.ErrorStats                 `json:"errors"`
}

// Health assembles the current snapshot. Healthy means no breaker is open
// and the rolling error window is below the alert threshold.
func (o *Orchestrator) Health() SystemHealth {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := SystemHealth{
		Timestamp:       time.Now(),
		ActiveJobs:      o.active.Load(),
		Breakers:        o.breakers.Snapshots(),
		ResolverHitRate: o.resolver.HitRate(),
		Resolver:        o.resolver.Stats(),
		Errors:          o.agg.Stats(),
	}

	for _, sj := range o.jobs {
		jh := JobHealth{
			Name:  sj.cfg.Name,
			Phase: sj.job.Phase().String(),
			Cache: sj.job.CacheStats(),
		}
		if res, ok := o.last[sj.cfg.Name]; ok {
			jh.LastOutcome = string(res.Outcome)
			jh.LastRunAt = res.StartedAt
			jh.LastDuration = res.Duration
			jh.Fetched = res.Fetched
			jh.Written = res.Written
			jh.Skipped = res.Skipped
			jh.RecordErrors = res.RecordErrors
			jh.SampleErrors = res.SampleErrors
		}
		jh.NextRunAt = o.nextRun[sj.cfg.Name]
		jh.SuccessRate, jh.AvgDuration = summarize(o.history[sj.cfg.Name])
		snap.Jobs = append(snap.Jobs, jh)
	}

	snap.Healthy = true
	for class, b := range snap.Breakers {
		metrics.SetCircuitState(class, b.State)
		if b.State == "open" {
			snap.Healthy = false
		}
	}
	if snap.Errors.Total >= alertThreshold {
		snap.Healthy = false
	}
	return snap
}

// healthLoop logs a snapshot on the configured interval.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	interval := o.cfg.Orchestrator.HealthInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.logHealth()
		}
	}
}

// logHealth writes the snapshot to the log, escalating to a warning when
// the error window crosses the alert threshold or a circuit is open.
func (o *Orchestrator) logHealth() {
	snap := o.Health()

	fields := []zap.Field{
		zap.Bool("healthy", snap.Healthy),
		zap.Int64("active_jobs", snap.ActiveJobs),
		zap.Float64("resolver_hit_rate", snap.ResolverHitRate),
		zap.Int("window_errors", snap.Errors.Total),
	}
	for _, jh := range snap.Jobs {
		fields = append(fields, zap.Object("job_"+jh.Name, jobHealthMarshaler(jh)))
	}

	if !snap.Healthy || o.agg.ShouldAlert(alertThreshold) {
		o.logger.Warn("health degraded", fields...)
		return
	}
	o.logger.Info("health", fields...)
}

// jobHealthMarshaler renders a JobHealth inline without reflection.
type jobHealthMarshaler JobHealth

func (j jobHealthMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("phase", j.Phase)
	enc.AddString("last_outcome", j.LastOutcome)
	enc.AddFloat64("success_rate", j.SuccessRate)
	enc.AddDuration("avg_duration", j.AvgDuration)
	enc.AddInt("written", j.Written)
	enc.AddInt("skipped", j.Skipped)
	enc.AddInt("record_errors", j.RecordErrors)
	return nil
}

// summarize folds the trailing run window into success rate and average
// duration. Partial runs completed, so they count toward the rate; the
// dropped records stay visible through the outcome and error counts.
func summarize(history []runRecord) (float64, time.Duration) {
	if len(history) == 0 {
		return 0, 0
	}
	var ok int
	var total time.Duration
	for _, r := range history {
		if r.outcome == extractor.OutcomeSuccess || r.outcome == extractor.OutcomePartial {
			ok++
		}
		total += r.duration
	}
	return float64(ok) / float64(len(history)), total / time.Duration(len(history))
}
