// Package extractor runs one extraction cycle per domain: fetch changed
// records from the source, detect what actually changed, resolve identifier
// links, and upsert the result into the platform batch by batch.
package extractor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/fingerprint"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/observability"
	"github.com/conveyorhq/conveyor/pkg/platform"
	"github.com/conveyorhq/conveyor/pkg/resolver"
	"github.com/conveyorhq/conveyor/pkg/source"
)

// Outcome classifies how a run ended
type Outcome string

const (
	// OutcomeSuccess means the run completed with every record processed
	OutcomeSuccess Outcome = "success"
	// OutcomePartial means the run completed but dropped records on
	// terminal per-record failures
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means the run aborted on a non-record failure
	OutcomeFailed Outcome = "failed"
	// OutcomeIncomplete means the run was cut short by cancellation
	OutcomeIncomplete Outcome = "incomplete"
)

// Result is the bookkeeping for one run
type Result struct {
	Job       string
	RunID     string
	Outcome   Outcome
	StartedAt time.Time
	Duration  time.Duration

	Fetched int
	Skipped int
	Written int
	// RecordErrors counts records dropped for terminal per-record failures
	RecordErrors int
	// SampleErrors holds the first few record failures for the health
	// surface; the rest go to the log only
	SampleErrors []string
	// Err is the run-level failure, nil on success
	Err error

	recordErrs *multierror.Error
}

// RecordFailures returns the retained per-record failures joined into one
// error, nil when every record processed cleanly.
func (r *Result) RecordFailures() error {
	return r.recordErrs.ErrorOrNil()
}

// Options tune run behavior shared by all jobs
type Options struct {
	// SampleErrors caps retained per-record failures
	SampleErrors int
	// DryRun executes the cycle without calling either boundary
	DryRun bool
	// FullRefreshInterval forces a change-detection bypass pass this often
	// (0 = never)
	FullRefreshInterval time.Duration
}

// Job is the reusable harness for one extraction domain. A Job is safe to
// run repeatedly; each Run is an independent cycle with its own state
// machine.
type Job struct {
	cfg      config.JobConfig
	source   *source.Client
	platform *platform.Client
	resolver *resolver.Resolver
	cache    *fingerprint.Cache
	states   *StateTracker
	opts     Options
	logger   *zap.Logger

	phase atomic.Int32

	mu              sync.Mutex
	lastFullRefresh time.Time
}

// New creates a job from its descriptor. The fingerprint cache is owned by
// the job; source, platform, resolver and state tracker are shared.
func New(cfg config.JobConfig, src *source.Client, plat *platform.Client, res *resolver.Resolver, states *StateTracker, opts Options) *Job {
	if opts.SampleErrors <= 0 {
		opts.SampleErrors = 5
	}
	return &Job{
		cfg:      cfg,
		source:   src,
		platform: plat,
		resolver: res,
		cache: fingerprint.NewCache(cfg.Strategy, fingerprint.Options{
			MaxEntries: 100000,
			TTL:        7 * 24 * time.Hour,
		}),
		states: states,
		opts:   opts,
		logger: logger.Get().With(zap.String("job", cfg.Name)),
	}
}

// Name returns the job name.
func (j *Job) Name() string { return j.cfg.Name }

// Phase returns the current run phase for the health surface.
func (j *Job) Phase() Phase { return Phase(j.phase.Load()) }

// CacheStats exposes the change-detection cache counters.
func (j *Job) CacheStats() fingerprint.Stats { return j.cache.Stats() }

// Run executes one extraction cycle and never panics across the boundary;
// all failure modes land in the Result.
func (j *Job) Run(ctx context.Context) Result {
	start := time.Now()
	runID := uuid.NewString()

	ctx = context.WithValue(ctx, logger.JobKey, j.cfg.Name)
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	log := logger.WithContext(ctx)

	ctx, span := observability.Tracer().Start(ctx, "extraction.run",
		trace.WithAttributes(attribute.String("job", j.cfg.Name)))
	defer span.End()

	res := Result{Job: j.cfg.Name, RunID: runID, StartedAt: start}
	m := newMachine()
	fullRefresh := j.takeFullRefresh(start)

	finish := func(outcome Outcome, err error) Result {
		if outcome == OutcomeSuccess && res.RecordErrors > 0 {
			outcome = OutcomePartial
		}
		if outcome == OutcomeFailed || outcome == OutcomeIncomplete {
			_ = m.to(PhaseFailed)
		}
		j.phase.Store(int32(m.current))
		res.Outcome = outcome
		res.Err = err
		res.Duration = time.Since(start)

		metrics.RunsTotal.WithLabelValues(j.cfg.Name, string(outcome)).Inc()
		metrics.RunDuration.WithLabelValues(j.cfg.Name).Observe(res.Duration.Seconds())
		span.SetAttributes(
			attribute.String("outcome", string(outcome)),
			attribute.Int("fetched", res.Fetched),
			attribute.Int("written", res.Written),
			attribute.Int("skipped", res.Skipped),
			attribute.Int("record_errors", res.RecordErrors),
		)

		fields := []zap.Field{
			zap.String("outcome", string(outcome)),
			zap.Duration("duration", res.Duration),
			zap.Int("fetched", res.Fetched),
			zap.Int("written", res.Written),
			zap.Int("skipped", res.Skipped),
			zap.Int("record_errors", res.RecordErrors),
		}
		switch {
		case err != nil:
			log.Error("extraction run failed", append(fields, zap.Error(err))...)
		case res.RecordErrors > 0:
			log.Warn("extraction run completed with record errors",
				append(fields, zap.Error(res.RecordFailures()))...)
		default:
			log.Info("extraction run completed", fields...)
		}
		return res
	}
	failed := func(err error) Result {
		if ctx.Err() != nil {
			return finish(OutcomeIncomplete, err)
		}
		return finish(OutcomeFailed, err)
	}

	j.advance(m, PhaseFetching)
	var since time.Time
	if !fullRefresh {
		since, _ = j.states.LastSuccess(j.cfg.Name)
	}
	records, err := j.fetch(ctx, since)
	if err != nil {
		return failed(err)
	}
	res.Fetched = len(records)

	if len(records) == 0 {
		j.advance(m, PhaseDone)
		if err := j.states.MarkSuccess(j.cfg.Name, start); err != nil {
			log.Warn("failed to persist watermark", zap.Error(err))
		}
		return finish(OutcomeSuccess, nil)
	}

	for batchStart := 0; batchStart < len(records); batchStart += j.cfg.BatchSize {
		end := batchStart + j.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := j.processBatch(ctx, m, records[batchStart:end], fullRefresh, &res); err != nil {
			return failed(err)
		}
	}

	j.advance(m, PhaseDone)
	if err := j.states.MarkSuccess(j.cfg.Name, start); err != nil {
		log.Warn("failed to persist watermark", zap.Error(err))
	}
	return finish(OutcomeSuccess, nil)
}

// fetch pulls the full window, fanning out one sub-fetch per configured
// status. Sub-fetches share the window; a failing one cancels its siblings
// through the group context.
func (j *Job) fetch(ctx context.Context, since time.Time) ([]source.Record, error) {
	base := source.Query{
		Endpoint:      j.cfg.Endpoint,
		Class:         j.cfg.Name,
		Since:         since,
		KeyField:      j.cfg.KeyField,
		ModifiedField: j.cfg.ModifiedField,
		VersionField:  j.cfg.VersionField,
	}

	if len(j.cfg.Statuses) == 0 {
		return j.source.FetchAll(ctx, base)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.SubFetchLimit)

	var mu sync.Mutex
	var all []source.Record
	for _, status := range j.cfg.Statuses {
		q := base
		q.Status = status
		g.Go(func() error {
			records, err := j.source.FetchAll(ctx, q)
			if err != nil {
				return errors.Wrap(err, errors.TypeOf(err), "sub-fetch failed for status "+q.Status)
			}
			mu.Lock()
			all = append(all, records...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// workItem pairs a record with its candidate fingerprint through the batch
// pipeline.
type workItem struct {
	rec source.Record
	fp  fingerprint.Fingerprint
}

// processBatch runs one batch through transform, resolve and write. Record
// level failures are counted and skipped; any other failure aborts the run.
func (j *Job) processBatch(ctx context.Context, m *machine, batch []source.Record, fullRefresh bool, res *Result) error {
	j.advance(m, PhaseTransforming)

	items := make([]workItem, 0, len(batch))
	for _, rec := range batch {
		if rec.Key == "" {
			j.recordError(res, errors.New(errors.ErrorTypeValidation, "record has empty key"))
			continue
		}

		fp := j.candidate(rec)
		if !fullRefresh {
			process, _ := j.cache.ShouldProcess(rec.Key, fp)
			if !process {
				res.Skipped++
				metrics.RecordsProcessed.WithLabelValues(j.cfg.Name, "skipped").Inc()
				continue
			}
		}
		items = append(items, workItem{rec: rec, fp: fp})
	}

	if len(items) == 0 {
		// nothing to write this batch; pass through the remaining phases
		j.advance(m, PhaseResolving)
		j.advance(m, PhaseWriting)
		return nil
	}

	if j.opts.DryRun {
		j.advance(m, PhaseResolving)
		j.advance(m, PhaseWriting)
		res.Written += len(items)
		return nil
	}

	switch j.cfg.Resource {
	case config.ResourceEntity:
		return j.processEntities(ctx, m, items, res)
	case config.ResourceOccurrence:
		return j.processOccurrences(ctx, m, items, res)
	case config.ResourceSeries:
		return j.processPoints(ctx, m, items, res)
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown resource kind %q", j.cfg.Resource)
	}
}

// candidate builds the record's fingerprint under the job's strategy.
func (j *Job) candidate(rec source.Record) fingerprint.Fingerprint {
	switch j.cfg.Strategy {
	case config.StrategyHash:
		return fingerprint.Fingerprint{Hash: fingerprint.Compute(rec.Fields, j.cfg.HashFields)}
	case config.StrategyTimestamp:
		return fingerprint.Fingerprint{Timestamp: rec.LastModified}
	case config.StrategyVersion:
		return fingerprint.Fingerprint{Version: rec.Version}
	default:
		return fingerprint.Fingerprint{}
	}
}

// processEntities writes entities parent-first. Parents outside the batch
// must already exist; parents inside it are written in an earlier level and
// become resolvable for their children. A missing parent terminally fails
// the child record.
func (j *Job) processEntities(ctx context.Context, m *machine, items []workItem, res *Result) error {
	j.advance(m, PhaseResolving)

	inBatch := make(map[string]bool, len(items))
	for _, item := range items {
		inBatch[item.rec.Key] = true
	}

	var external []string
	for _, item := range items {
		if p := j.parentOf(item.rec); p != "" && !inBatch[p] {
			external = append(external, p)
		}
	}
	parents := make(map[string]resolver.Result)
	if len(external) > 0 {
		resolved, err := j.resolver.Resolve(ctx, external)
		if err != nil {
			return err
		}
		for k, v := range resolved {
			parents[k] = v
		}
	}

	levels, cyclic := j.levelize(items, inBatch)
	for _, item := range cyclic {
		j.recordError(res, errors.Newf(errors.ErrorTypeValidation,
			"record %s is part of a parent cycle", item.rec.Key))
	}

	j.advance(m, PhaseWriting)
	for levelIdx, level := range levels {
		entities := make([]platform.Entity, 0, len(level))
		written := make([]workItem, 0, len(level))
		for _, item := range level {
			var parentID int64
			if p := j.parentOf(item.rec); p != "" {
				r, ok := parents[p]
				if !ok || r.NotFound {
					j.recordError(res, errors.Newf(errors.ErrorTypeValidation,
						"record %s: parent %s not found", item.rec.Key, p))
					continue
				}
				parentID = r.ID
			}
			entities = append(entities, j.toEntity(item.rec, parentID))
			written = append(written, item)
		}

		if err := j.platform.UpsertEntities(ctx, entities); err != nil {
			return err
		}
		j.commit(written, res)

		if levelIdx == len(levels)-1 {
			continue
		}
		// the level just written is now resolvable; fold it into the
		// parent map for the next level
		keys := make([]string, 0, len(written))
		for _, item := range written {
			j.resolver.Invalidate(item.rec.Key)
			keys = append(keys, item.rec.Key)
		}
		if len(keys) > 0 {
			resolved, err := j.resolver.Resolve(ctx, keys)
			if err != nil {
				return err
			}
			for k, v := range resolved {
				parents[k] = v
			}
		}
	}
	return nil
}

// processOccurrences resolves entity links and writes the batch. A link
// that does not resolve leaves the occurrence unlinked rather than dropping
// it.
func (j *Job) processOccurrences(ctx context.Context, m *machine, items []workItem, res *Result) error {
	j.advance(m, PhaseResolving)

	var linkKeys []string
	for _, item := range items {
		if p := j.parentOf(item.rec); p != "" {
			linkKeys = append(linkKeys, p)
		}
	}
	links := make(map[string]resolver.Result)
	if len(linkKeys) > 0 {
		resolved, err := j.resolver.Resolve(ctx, linkKeys)
		if err != nil {
			return err
		}
		links = resolved
	}

	occurrences := make([]platform.Occurrence, 0, len(items))
	written := make([]workItem, 0, len(items))
	for _, item := range items {
		var entityID int64
		if p := j.parentOf(item.rec); p != "" {
			if r, ok := links[p]; ok && !r.NotFound {
				entityID = r.ID
			} else {
				j.logger.Debug("occurrence link unresolved, writing unlinked",
					zap.String("record", item.rec.Key),
					zap.String("link", p))
			}
		}
		occ, err := j.toOccurrence(item.rec, entityID)
		if err != nil {
			j.recordError(res, err)
			continue
		}
		occurrences = append(occurrences, occ)
		written = append(written, item)
	}

	j.advance(m, PhaseWriting)
	if err := j.platform.UpsertOccurrences(ctx, occurrences); err != nil {
		return err
	}
	j.commit(written, res)
	return nil
}

// processPoints writes series datapoints; series need no link resolution.
func (j *Job) processPoints(ctx context.Context, m *machine, items []workItem, res *Result) error {
	j.advance(m, PhaseResolving)

	points := make([]platform.SeriesPoint, 0, len(items))
	written := make([]workItem, 0, len(items))
	for _, item := range items {
		point, err := j.toPoint(item.rec)
		if err != nil {
			j.recordError(res, err)
			continue
		}
		points = append(points, point)
		written = append(written, item)
	}

	j.advance(m, PhaseWriting)
	if err := j.platform.InsertSeriesPoints(ctx, points); err != nil {
		return err
	}
	j.commit(written, res)
	return nil
}

// commit stores fingerprints for records whose downstream write completed.
func (j *Job) commit(written []workItem, res *Result) {
	for _, item := range written {
		j.cache.Commit(item.rec.Key, item.fp)
	}
	res.Written += len(written)
	metrics.RecordsProcessed.WithLabelValues(j.cfg.Name, "written").Add(float64(len(written)))
}

// levelize orders entity items parent-first. Items whose parent is outside
// the batch are level zero; each later level depends only on earlier ones.
// Items left over form a parent cycle.
func (j *Job) levelize(items []workItem, inBatch map[string]bool) ([][]workItem, []workItem) {
	var levels [][]workItem
	placed := make(map[string]bool, len(items))
	pending := items

	for len(pending) > 0 {
		var level, next []workItem
		for _, item := range pending {
			p := j.parentOf(item.rec)
			if p == "" || !inBatch[p] || placed[p] {
				level = append(level, item)
			} else {
				next = append(next, item)
			}
		}
		if len(level) == 0 {
			return levels, pending
		}
		for _, item := range level {
			placed[item.rec.Key] = true
		}
		levels = append(levels, level)
		pending = next
	}
	return levels, nil
}

// parentOf extracts the parent key, empty when the domain has no hierarchy.
func (j *Job) parentOf(rec source.Record) string {
	if j.cfg.ParentField == "" {
		return ""
	}
	return stringField(rec.Fields, j.cfg.ParentField)
}

// recordError counts a terminal per-record failure, retaining the first few
// as samples.
func (j *Job) recordError(res *Result, err error) {
	res.RecordErrors++
	if len(res.SampleErrors) < j.opts.SampleErrors {
		res.SampleErrors = append(res.SampleErrors, err.Error())
		res.recordErrs = multierror.Append(res.recordErrs, err)
	}
	metrics.RecordsProcessed.WithLabelValues(j.cfg.Name, "failed").Inc()
}

// advance moves the machine and mirrors the phase for health readers. The
// transitions driven here are statically valid; an error would be a bug in
// the harness itself.
func (j *Job) advance(m *machine, target Phase) {
	if err := m.to(target); err != nil {
		j.logger.Error("phase machine violation", zap.Error(err))
		return
	}
	j.phase.Store(int32(m.current))
}

// takeFullRefresh decides whether this run bypasses change detection, and
// claims the slot if so. The first run after startup always refreshes.
func (j *Job) takeFullRefresh(now time.Time) bool {
	if j.opts.FullRefreshInterval <= 0 {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastFullRefresh.IsZero() || now.Sub(j.lastFullRefresh) >= j.opts.FullRefreshInterval {
		j.lastFullRefresh = now
		return true
	}
	return false
}
