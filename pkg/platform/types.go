// Package platform is the boundary client for the downstream data platform:
// a graph-structured store of hierarchical entities, time-stamped
// occurrences and numeric time series. All writes are upserts keyed by
// external key, so re-delivery of the same payload is a no-op.
package platform

import "time"

// Entity is a node in the hierarchical asset graph
type Entity struct {
	// ExternalKey is the stable upstream key; upserts are keyed by it
	ExternalKey string
	Name        string
	Description string
	// ParentID is the resolved internal ID of the parent, zero for roots
	ParentID int64
	Metadata map[string]string
}

// Occurrence is a time-stamped event linked to an entity
type Occurrence struct {
	ExternalKey string
	Type        string
	Subtype     string
	Description string
	StartTime   time.Time
	EndTime     time.Time
	// EntityID links the occurrence to a resolved entity, zero when the
	// link could not be resolved
	EntityID int64
	Metadata map[string]string
}

// SeriesPoint is one numeric datapoint in a time series
type SeriesPoint struct {
	// SeriesKey is the external key of the owning series
	SeriesKey string
	Timestamp time.Time
	Value     float64
}
