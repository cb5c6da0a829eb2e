// Package fingerprint implements change detection for upstream records.
//
// A Cache remembers one fingerprint per record key and answers whether a
// candidate record differs from what was last written downstream. The cache
// is a pure optimization: every stored value is reconstructible from
// upstream, so eviction can only cause redundant work, never data loss.
// Writes are idempotent downstream, which is what makes that safe.
package fingerprint

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/pkg/config"
)

// Fingerprint is the compact summary of one record, interpreted according
// to the cache's strategy: Hash for content hashing, Timestamp for
// last-modified comparison, Version for version counters.
type Fingerprint struct {
	Hash      uint64
	Timestamp time.Time
	Version   int64
}

// Compute hashes the canonicalized record fields. Fields are serialized in
// sorted key order so that map iteration order never affects the hash; two
// byte-identical records always produce the same value. include restricts
// hashing to a field subset (nil hashes everything).
func Compute(fields map[string]interface{}, include []string) uint64 {
	keys := make([]string, 0, len(fields))
	if len(include) > 0 {
		for _, k := range include {
			if _, ok := fields[k]; ok {
				keys = append(keys, k)
			}
		}
	} else {
		for k := range fields {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	d := xxhash.New()
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0})
		if b, err := json.Marshal(fields[k]); err == nil {
			_, _ = d.Write(b)
		} else {
			_, _ = d.WriteString(fmt.Sprintf("%v", fields[k]))
		}
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Options bound the cache
type Options struct {
	// MaxEntries caps the cache; least recently used entries are evicted
	// (0 = unbounded)
	MaxEntries int
	// TTL expires entries not seen for this long (0 = no expiry)
	TTL time.Duration
}

// Stats reports cache effectiveness
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Skipped   int64 `json:"skipped"`
	Evictions int64 `json:"evictions"`
}

// Cache is a change-detection cache for one extraction domain.
//
// The contract callers must hold: ShouldProcess never mutates the stored
// fingerprint; Commit is called only after the downstream write succeeded.
// A crash between the two leaves the old fingerprint in place and the
// record is re-processed next cycle, which idempotent writes absorb.
type Cache struct {
	strategy config.Strategy
	opts     Options

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	hits      int64
	misses    int64
	skipped   int64
	evictions int64

	now func() time.Time
}

type cacheEntry struct {
	key      string
	fp       Fingerprint
	lastSeen time.Time
}

// NewCache creates a cache for the given strategy.
func NewCache(strategy config.Strategy, opts Options) *Cache {
	return &Cache{
		strategy: strategy,
		opts:     opts,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

// ShouldProcess reports whether the candidate differs from the stored
// fingerprint under the cache's strategy. A key never seen before is always
// processed. The stored fingerprint is returned when present; it is not
// updated here — the caller commits after the downstream write.
func (c *Cache) ShouldProcess(key string, candidate Fingerprint) (bool, *Fingerprint) {
	if c.strategy == config.StrategyAlways {
		return true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if ok {
		entry := elem.Value.(*cacheEntry)
		if c.opts.TTL > 0 && c.now().Sub(entry.lastSeen) > c.opts.TTL {
			c.removeLocked(elem)
			ok = false
		} else {
			c.lru.MoveToFront(elem)
		}
	}

	if !ok {
		c.misses++
		return true, nil
	}

	prev := c.entries[key].Value.(*cacheEntry).fp
	if c.changed(prev, candidate) {
		c.hits++
		return true, &prev
	}
	c.skipped++
	return false, &prev
}

// Commit stores the fingerprint for a key. Call only after the record's
// downstream write has completed.
func (c *Cache) Commit(key string, fp Fingerprint) {
	if c.strategy == config.StrategyAlways {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.fp = fp
		entry.lastSeen = now
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, fp: fp, lastSeen: now})
	c.entries[key] = elem

	if c.opts.MaxEntries > 0 {
		for len(c.entries) > c.opts.MaxEntries {
			oldest := c.lru.Back()
			if oldest == nil {
				break
			}
			c.removeLocked(oldest)
			c.evictions++
		}
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Skipped:   c.skipped,
		Evictions: c.evictions,
	}
}

// changed applies the strategy's comparison. Equal-or-older timestamps and
// equal-or-lower versions count as unchanged.
func (c *Cache) changed(prev, candidate Fingerprint) bool {
	switch c.strategy {
	case config.StrategyHash:
		return candidate.Hash != prev.Hash
	case config.StrategyTimestamp:
		return candidate.Timestamp.After(prev.Timestamp)
	case config.StrategyVersion:
		return candidate.Version > prev.Version
	default:
		return true
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.lru.Remove(elem)
}
