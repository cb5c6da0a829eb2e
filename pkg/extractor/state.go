package extractor

import (
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/conveyorhq/conveyor/pkg/errors"
)

// StateTracker remembers the last successful extraction time per job. The
// next run uses it as the lower bound of its incremental query window. With
// a state file configured the watermarks survive restarts; without one the
// first run after startup fetches the full window.
type StateTracker struct {
	path string

	mu          sync.Mutex
	lastSuccess map[string]time.Time
}

// NewStateTracker creates a tracker. path names the JSON state file, empty
// for in-memory only. A missing file is not an error; a corrupt one is.
func NewStateTracker(path string) (*StateTracker, error) {
	t := &StateTracker{
		path:        path,
		lastSuccess: make(map[string]time.Time),
	}
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read state file")
	}
	if err := json.Unmarshal(data, &t.lastSuccess); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "corrupt state file")
	}
	return t, nil
}

// LastSuccess returns the watermark for a job, with ok=false before the
// first successful run.
func (t *StateTracker) LastSuccess(job string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.lastSuccess[job]
	return at, ok
}

// MarkSuccess advances the watermark and persists it when a state file is
// configured. Callers pass the run's start time, not its end, so records
// modified during the run are re-fetched next cycle.
func (t *StateTracker) MarkSuccess(job string, at time.Time) error {
	t.mu.Lock()
	t.lastSuccess[job] = at
	snapshot := make(map[string]time.Time, len(t.lastSuccess))
	for k, v := range t.lastSuccess {
		snapshot[k] = v
	}
	t.mu.Unlock()

	if t.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode state")
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write state file")
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to replace state file")
	}
	return nil
}
