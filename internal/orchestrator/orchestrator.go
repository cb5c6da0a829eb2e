// Package orchestrator schedules the extraction jobs, bounds their global
// concurrency, keeps run bookkeeping for the health surface, and owns the
// graceful shutdown sequence.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/conveyorhq/conveyor/pkg/clients"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/extractor"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/resolver"
)

// historyDepth is how many recent runs feed success rate and average
// duration
const historyDepth = 10

// alertThreshold is the error-window size that triggers a health warning
const alertThreshold = 10

// scheduledJob pairs a job with its descriptor
type scheduledJob struct {
	job *extractor.Job
	cfg config.JobConfig
}

type runRecord struct {
	outcome  extractor.Outcome
	duration time.Duration
}

// Orchestrator drives all enabled jobs on their intervals. A failed job
// only affects its own schedule; siblings keep running.
type Orchestrator struct {
	cfg      *config.Config
	jobs     []scheduledJob
	breakers *clients.BreakerRegistry
	resolver *resolver.Resolver
	agg      *clients.ErrorAggregator
	sem      *semaphore.Weighted
	logger   *zap.Logger

	active atomic.Int64

	mu      sync.Mutex
	history map[string][]runRecord
	last    map[string]extractor.Result
	nextRun map[string]time.Time
}

// New wires an orchestrator over already-constructed jobs and shared
// machinery.
func New(cfg *config.Config, jobs []*extractor.Job, breakers *clients.BreakerRegistry, res *resolver.Resolver, agg *clients.ErrorAggregator) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		breakers: breakers,
		resolver: res,
		agg:      agg,
		sem:      semaphore.NewWeighted(cfg.Orchestrator.MaxConcurrentJobs),
		logger:   logger.Get().With(zap.String("component", "orchestrator")),
		history:  make(map[string][]runRecord),
		last:     make(map[string]extractor.Result),
		nextRun:  make(map[string]time.Time),
	}

	byName := make(map[string]config.JobConfig)
	for _, jc := range cfg.EnabledJobs() {
		byName[jc.Name] = jc
	}
	for _, j := range jobs {
		if jc, ok := byName[j.Name()]; ok {
			o.jobs = append(o.jobs, scheduledJob{job: j, cfg: jc})
		}
	}
	return o
}

// Run blocks until ctx is canceled (daemon mode) or every job has run once
// (run-once mode). On cancellation, in-flight runs get the shutdown grace
// period to finish as their own outcome; whatever is still running after
// that is canceled and reports incomplete.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Orchestrator.RunOnce {
		return o.runOnce(ctx)
	}

	// runs live on their own context so scheduling can stop while
	// in-flight work drains
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	var wg sync.WaitGroup
	for _, sj := range o.jobs {
		wg.Add(1)
		go func(sj scheduledJob) {
			defer wg.Done()
			o.jobLoop(ctx, runCtx, sj)
		}(sj)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.healthLoop(ctx)
	}()

	<-ctx.Done()
	o.logger.Info("shutting down",
		zap.Duration("grace", o.cfg.Orchestrator.ShutdownGrace.Std()))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("shutdown complete, all runs finalized")
	case <-time.After(o.cfg.Orchestrator.ShutdownGrace.Std()):
		o.logger.Warn("shutdown grace expired, canceling in-flight runs")
		cancelRuns()
		<-done
	}
	return nil
}

// runOnce executes every enabled job a single time under the concurrency
// cap and returns the failed jobs joined into one error.
func (o *Orchestrator) runOnce(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs *multierror.Error

	for _, sj := range o.jobs {
		wg.Add(1)
		go func(sj scheduledJob) {
			defer wg.Done()
			res := o.runJob(ctx, ctx, sj)
			if res.Err != nil {
				mu.Lock()
				errs = multierror.Append(errs, errors.Wrap(res.Err, errors.TypeOf(res.Err), "job "+sj.cfg.Name))
				mu.Unlock()
			}
		}(sj)
	}
	wg.Wait()

	o.logHealth()
	return errs.ErrorOrNil()
}

// jobLoop runs one job immediately and then on its interval until
// scheduling stops.
func (o *Orchestrator) jobLoop(schedCtx, runCtx context.Context, sj scheduledJob) {
	o.runJob(schedCtx, runCtx, sj)

	ticker := time.NewTicker(sj.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-schedCtx.Done():
			return
		case <-ticker.C:
			o.runJob(schedCtx, runCtx, sj)
		}
	}
}

// runJob acquires a concurrency slot and executes one run. acquireCtx
// controls how long to wait for the slot; runCtx governs the run itself.
func (o *Orchestrator) runJob(acquireCtx, runCtx context.Context, sj scheduledJob) extractor.Result {
	if err := o.sem.Acquire(acquireCtx, sj.cfg.Weight); err != nil {
		return extractor.Result{Job: sj.cfg.Name, Outcome: extractor.OutcomeIncomplete, Err: err}
	}
	defer o.sem.Release(sj.cfg.Weight)

	o.active.Add(1)
	metrics.ActiveJobs.Inc()
	defer func() {
		o.active.Add(-1)
		metrics.ActiveJobs.Dec()
	}()

	res := sj.job.Run(runCtx)
	o.record(sj, res)
	return res
}

// record updates run bookkeeping. Only the last run's detail is kept; the
// trailing window of outcomes feeds success rate and average duration.
func (o *Orchestrator) record(sj scheduledJob, res extractor.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.last[sj.cfg.Name] = res
	o.nextRun[sj.cfg.Name] = time.Now().Add(sj.cfg.Interval.Std())

	h := append(o.history[sj.cfg.Name], runRecord{outcome: res.Outcome, duration: res.Duration})
	if len(h) > historyDepth {
		h = h[len(h)-historyDepth:]
	}
	o.history[sj.cfg.Name] = h
}
