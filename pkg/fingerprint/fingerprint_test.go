package fingerprint

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/config"
)

func TestComputeDeterministic(t *testing.T) {
	fields := map[string]interface{}{
		"name":   "pump-3",
		"status": "Open",
		"count":  float64(12),
	}
	a := Compute(fields, nil)
	b := Compute(fields, nil)
	assert.Equal(t, a, b)

	// a copy built in a different insertion order hashes identically
	copied := map[string]interface{}{
		"count":  float64(12),
		"status": "Open",
		"name":   "pump-3",
	}
	assert.Equal(t, a, Compute(copied, nil))
}

func TestComputeChangesWithContent(t *testing.T) {
	fields := map[string]interface{}{"name": "pump-3", "status": "Open"}
	a := Compute(fields, nil)

	fields["status"] = "Complete"
	assert.NotEqual(t, a, Compute(fields, nil))
}

func TestComputeFieldSubset(t *testing.T) {
	fields := map[string]interface{}{"name": "pump-3", "status": "Open", "noise": "x"}
	a := Compute(fields, []string{"name", "status"})

	// a field outside the subset does not affect the hash
	fields["noise"] = "y"
	assert.Equal(t, a, Compute(fields, []string{"name", "status"}))

	// a field inside the subset does
	fields["status"] = "Complete"
	assert.NotEqual(t, a, Compute(fields, []string{"name", "status"}))
}

func TestFirstSeenIsProcessed(t *testing.T) {
	c := NewCache(config.StrategyHash, Options{})

	process, prev := c.ShouldProcess("rec-1", Fingerprint{Hash: 42})
	assert.True(t, process)
	assert.Nil(t, prev)
}

func TestHashStrategySkipsUnchanged(t *testing.T) {
	c := NewCache(config.StrategyHash, Options{})

	c.Commit("rec-1", Fingerprint{Hash: 42})

	process, prev := c.ShouldProcess("rec-1", Fingerprint{Hash: 42})
	assert.False(t, process)
	require.NotNil(t, prev)
	assert.Equal(t, uint64(42), prev.Hash)

	process, _ = c.ShouldProcess("rec-1", Fingerprint{Hash: 43})
	assert.True(t, process)
}

func TestTimestampStrategyRequiresStrictlyLater(t *testing.T) {
	c := NewCache(config.StrategyTimestamp, Options{})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Commit("rec-1", Fingerprint{Timestamp: base})

	process, _ := c.ShouldProcess("rec-1", Fingerprint{Timestamp: base})
	assert.False(t, process, "equal timestamp is unchanged")

	process, _ = c.ShouldProcess("rec-1", Fingerprint{Timestamp: base.Add(-time.Minute)})
	assert.False(t, process, "older timestamp is unchanged")

	process, _ = c.ShouldProcess("rec-1", Fingerprint{Timestamp: base.Add(time.Minute)})
	assert.True(t, process)
}

func TestVersionStrategyRequiresStrictlyGreater(t *testing.T) {
	c := NewCache(config.StrategyVersion, Options{})
	c.Commit("rec-1", Fingerprint{Version: 7})

	process, _ := c.ShouldProcess("rec-1", Fingerprint{Version: 7})
	assert.False(t, process)
	process, _ = c.ShouldProcess("rec-1", Fingerprint{Version: 6})
	assert.False(t, process)
	process, _ = c.ShouldProcess("rec-1", Fingerprint{Version: 8})
	assert.True(t, process)
}

func TestAlwaysStrategyBypassesCache(t *testing.T) {
	c := NewCache(config.StrategyAlways, Options{})

	c.Commit("rec-1", Fingerprint{Hash: 42})
	assert.Equal(t, 0, c.Len(), "always strategy stores nothing")

	for i := 0; i < 3; i++ {
		process, prev := c.ShouldProcess("rec-1", Fingerprint{Hash: 42})
		assert.True(t, process)
		assert.Nil(t, prev)
	}
}

func TestCommitAfterWriteOnly(t *testing.T) {
	c := NewCache(config.StrategyHash, Options{})

	// ShouldProcess alone must not store anything: a failed write means the
	// record is seen as changed again next cycle
	process, _ := c.ShouldProcess("rec-1", Fingerprint{Hash: 42})
	assert.True(t, process)
	process, _ = c.ShouldProcess("rec-1", Fingerprint{Hash: 42})
	assert.True(t, process)

	c.Commit("rec-1", Fingerprint{Hash: 42})
	process, _ = c.ShouldProcess("rec-1", Fingerprint{Hash: 42})
	assert.False(t, process)
}

func TestLRUEviction(t *testing.T) {
	c := NewCache(config.StrategyHash, Options{MaxEntries: 3})

	for i := 0; i < 5; i++ {
		c.Commit(fmt.Sprintf("rec-%d", i), Fingerprint{Hash: uint64(i)})
	}
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, int64(2), c.Stats().Evictions)

	// the evicted keys read as first-seen, which is safe (just redundant work)
	process, _ := c.ShouldProcess("rec-0", Fingerprint{Hash: 0})
	assert.True(t, process)
	process, _ = c.ShouldProcess("rec-4", Fingerprint{Hash: 4})
	assert.False(t, process)
}

func TestTTLExpiry(t *testing.T) {
	c := NewCache(config.StrategyHash, Options{TTL: time.Hour})
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Commit("rec-1", Fingerprint{Hash: 42})
	process, _ := c.ShouldProcess("rec-1", Fingerprint{Hash: 42})
	assert.False(t, process)

	now = now.Add(2 * time.Hour)
	process, prev := c.ShouldProcess("rec-1", Fingerprint{Hash: 42})
	assert.True(t, process, "expired entry reads as first-seen")
	assert.Nil(t, prev)
	assert.Equal(t, 0, c.Len())
}

func TestStatsCounters(t *testing.T) {
	c := NewCache(config.StrategyHash, Options{})

	c.ShouldProcess("rec-1", Fingerprint{Hash: 1}) // miss
	c.Commit("rec-1", Fingerprint{Hash: 1})
	c.ShouldProcess("rec-1", Fingerprint{Hash: 1}) // skip
	c.ShouldProcess("rec-1", Fingerprint{Hash: 2}) // hit (changed)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(1), stats.Hits)
}
