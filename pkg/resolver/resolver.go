// Package resolver maps external record keys to internal platform
// identifiers. Mappings are stable, so they are cached aggressively:
// a bounded FIFO cache for known mappings, a negative cache for keys the
// platform does not know, and a read-only reverse index derived from the
// forward mappings. Remote lookups are batched and deduplicated so N keys
// with K cached cost one call for the N−K misses.
package resolver

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/metrics"
)

// LookupFunc performs one remote batch lookup. The returned map holds only
// the keys the platform knows; absent keys are reported not found.
type LookupFunc func(ctx context.Context, keys []string) (map[string]int64, error)

// Result is the outcome of resolving one key
type Result struct {
	ID int64
	// NotFound marks a key the platform does not know
	NotFound bool
	// ParentFailed marks a key skipped because its parent did not resolve
	ParentFailed bool
}

// Node is one record in a hierarchical resolution request
type Node struct {
	Key string
	// Parent is the parent's external key, empty for roots. A parent
	// outside the request must already resolve through the cache or
	// the platform.
	Parent string
}

// Stats reports resolver cache effectiveness
type Stats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Size         int   `json:"size"`
	NegativeSize int   `json:"negative_size"`
}

// Resolver resolves external keys to internal IDs with caching and
// batched remote lookups.
type Resolver struct {
	lookup     LookupFunc
	batchSize  int
	maxEntries int
	logger     *zap.Logger

	mu       sync.Mutex
	cache    map[string]int64
	order    []string
	notFound map[string]struct{}
	reverse  map[int64]string
	hits     int64
	misses   int64

	group singleflight.Group
}

// New creates a resolver. maxEntries bounds the forward cache with
// first-in-first-out eviction; batchSize bounds each remote lookup.
func New(lookup LookupFunc, maxEntries, batchSize int) *Resolver {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Resolver{
		lookup:     lookup,
		batchSize:  batchSize,
		maxEntries: maxEntries,
		logger:     logger.Get().With(zap.String("component", "resolver")),
		cache:      make(map[string]int64),
		notFound:   make(map[string]struct{}),
		reverse:    make(map[int64]string),
	}
}

// Resolve resolves a batch of external keys. Cached and known-missing keys
// are answered locally; the remainder goes upstream in batches. A remote
// failure fails the whole call — partial results are never returned, so a
// caller cannot mistake an outage for not-found.
func (r *Resolver) Resolve(ctx context.Context, keys []string) (map[string]Result, error) {
	results := make(map[string]Result, len(keys))

	r.mu.Lock()
	var missing []string
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if id, ok := r.cache[key]; ok {
			r.hits++
			results[key] = Result{ID: id}
			continue
		}
		if _, ok := r.notFound[key]; ok {
			r.hits++
			results[key] = Result{NotFound: true}
			continue
		}
		r.misses++
		missing = append(missing, key)
	}
	hits := len(results)
	r.mu.Unlock()

	metrics.ResolverLookups.WithLabelValues("hit").Add(float64(hits))
	metrics.ResolverLookups.WithLabelValues("miss").Add(float64(len(missing)))

	if len(missing) == 0 {
		return results, nil
	}

	sort.Strings(missing)
	for start := 0; start < len(missing); start += r.batchSize {
		end := start + r.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		resolved, err := r.lookupBatch(ctx, batch)
		if err != nil {
			return nil, errors.Wrap(err, errors.TypeOf(err), "identifier lookup failed")
		}

		r.mu.Lock()
		for _, key := range batch {
			if id, ok := resolved[key]; ok {
				r.storeLocked(key, id)
				results[key] = Result{ID: id}
			} else {
				r.notFound[key] = struct{}{}
				results[key] = Result{NotFound: true}
			}
		}
		r.mu.Unlock()
	}

	return results, nil
}

// ResolveHierarchy resolves nodes parent-before-child. Nodes are grouped
// into dependency levels; each level resolves as one batch, and a node
// whose parent did not resolve is failed without an upstream call. Nodes
// on a parent cycle are failed the same way.
func (r *Resolver) ResolveHierarchy(ctx context.Context, nodes []Node) (map[string]Result, error) {
	results := make(map[string]Result, len(nodes))
	inRequest := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		inRequest[n.Key] = n
	}

	// external parents (outside the request) resolve ahead of level order
	var external []string
	for _, n := range nodes {
		if n.Parent == "" {
			continue
		}
		if _, ok := inRequest[n.Parent]; !ok {
			external = append(external, n.Parent)
		}
	}
	parentResults := make(map[string]Result)
	if len(external) > 0 {
		res, err := r.Resolve(ctx, external)
		if err != nil {
			return nil, err
		}
		for k, v := range res {
			parentResults[k] = v
		}
	}

	pending := make(map[string]Node, len(inRequest))
	for k, v := range inRequest {
		pending[k] = v
	}

	for len(pending) > 0 {
		var level []string
		for key, n := range pending {
			if n.Parent == "" {
				level = append(level, key)
				continue
			}
			if parent, ok := parentResults[n.Parent]; ok {
				if parent.NotFound || parent.ParentFailed {
					results[key] = Result{NotFound: true, ParentFailed: true}
					parentResults[key] = results[key]
					delete(pending, key)
					continue
				}
				level = append(level, key)
			}
		}

		if len(level) == 0 {
			if len(pending) == 0 {
				break
			}
			// remaining nodes form a cycle or dangle off one
			for key := range pending {
				results[key] = Result{NotFound: true, ParentFailed: true}
			}
			return results, nil
		}

		res, err := r.Resolve(ctx, level)
		if err != nil {
			return nil, err
		}
		for key, v := range res {
			results[key] = v
			parentResults[key] = v
			delete(pending, key)
		}
	}

	return results, nil
}

// ReverseLookup returns the external key for an internal ID, if the forward
// mapping has been seen.
func (r *Resolver) ReverseLookup(id int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.reverse[id]
	return key, ok
}

// Invalidate drops a key from both caches so the next Resolve consults the
// platform again. Use after creating the remote object for a previously
// missing key.
func (r *Resolver) Invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.cache[key]; ok {
		delete(r.cache, key)
		delete(r.reverse, id)
		for i, k := range r.order {
			if k == key {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	delete(r.notFound, key)
}

// Stats returns cache counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Hits:         r.hits,
		Misses:       r.misses,
		Size:         len(r.cache),
		NegativeSize: len(r.notFound),
	}
}

// HitRate returns the fraction of lookups answered from cache.
func (r *Resolver) HitRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.hits + r.misses
	if total == 0 {
		return 0
	}
	return float64(r.hits) / float64(total)
}

// lookupBatch deduplicates identical concurrent batches through
// singleflight. The flight runs detached from the initiating caller's
// context so one caller canceling cannot fail the callers sharing the
// flight; each caller still observes its own cancellation while waiting.
func (r *Resolver) lookupBatch(ctx context.Context, batch []string) (map[string]int64, error) {
	flightKey := strings.Join(batch, "\x00")
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(flightKey, func() (interface{}, error) {
		return r.lookup(flightCtx, batch)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]int64), nil
	}
}

// storeLocked inserts a mapping with FIFO eviction. Caller holds mu.
func (r *Resolver) storeLocked(key string, id int64) {
	if _, ok := r.cache[key]; !ok {
		r.order = append(r.order, key)
	}
	r.cache[key] = id
	r.reverse[id] = key
	delete(r.notFound, key)

	for r.maxEntries > 0 && len(r.cache) > r.maxEntries {
		oldest := r.order[0]
		r.order = r.order[1:]
		if oldID, ok := r.cache[oldest]; ok {
			delete(r.cache, oldest)
			delete(r.reverse, oldID)
		}
	}
}
