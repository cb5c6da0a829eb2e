package extractor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/errors"
)

func TestStateTrackerInMemory(t *testing.T) {
	tracker, err := NewStateTracker("")
	require.NoError(t, err)

	_, ok := tracker.LastSuccess("jobs")
	assert.False(t, ok, "no watermark before the first success")

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, tracker.MarkSuccess("jobs", at))

	got, ok := tracker.LastSuccess("jobs")
	assert.True(t, ok)
	assert.Equal(t, at, got)
}

func TestStateTrackerPersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	tracker, err := NewStateTracker(path)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, tracker.MarkSuccess("jobs", at))
	require.NoError(t, tracker.MarkSuccess("inventory", at.Add(time.Hour)))

	// a fresh tracker over the same file sees both watermarks
	reloaded, err := NewStateTracker(path)
	require.NoError(t, err)

	got, ok := reloaded.LastSuccess("jobs")
	assert.True(t, ok)
	assert.True(t, got.Equal(at))
	got, ok = reloaded.LastSuccess("inventory")
	assert.True(t, ok)
	assert.True(t, got.Equal(at.Add(time.Hour)))
}

func TestStateTrackerMissingFileIsFine(t *testing.T) {
	tracker, err := NewStateTracker(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	_, ok := tracker.LastSuccess("jobs")
	assert.False(t, ok)
}

func TestStateTrackerCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewStateTracker(path)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}
