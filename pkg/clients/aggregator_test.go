package clients

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/conveyorhq/conveyor/pkg/errors"
)

func TestAggregatorStats(t *testing.T) {
	agg := NewErrorAggregator(time.Minute, 3)

	agg.Record("jobs", errors.New(errors.ErrorTypeTimeout, "slow"))
	agg.Record("jobs", errors.New(errors.ErrorTypeServer, "boom"))
	agg.Record("inventory", errors.New(errors.ErrorTypeTimeout, "slow again"))
	agg.Record("jobs", nil) // ignored

	stats := agg.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByType[errors.ErrorTypeTimeout])
	assert.Equal(t, 1, stats.ByType[errors.ErrorTypeServer])
	assert.Equal(t, 2, stats.ByClass["jobs"])
	assert.Len(t, stats.Samples, 3)
}

func TestAggregatorSampleCap(t *testing.T) {
	agg := NewErrorAggregator(time.Minute, 2)

	for i := 0; i < 5; i++ {
		agg.Record("jobs", errors.New(errors.ErrorTypeServer, "boom"))
	}
	stats := agg.Stats()
	assert.Equal(t, 5, stats.Total)
	assert.Len(t, stats.Samples, 2)
}

func TestAggregatorShouldAlert(t *testing.T) {
	agg := NewErrorAggregator(time.Minute, 5)
	now := time.Now()
	agg.now = func() time.Time { return now }

	for i := 0; i < 9; i++ {
		agg.Record("jobs", errors.New(errors.ErrorTypeServer, "boom"))
	}
	assert.False(t, agg.ShouldAlert(10))
	agg.Record("jobs", errors.New(errors.ErrorTypeServer, "boom"))
	assert.True(t, agg.ShouldAlert(10))

	// the window slides; old errors stop counting
	now = now.Add(2 * time.Minute)
	assert.False(t, agg.ShouldAlert(1))
	assert.Equal(t, 0, agg.Stats().Total)
}
