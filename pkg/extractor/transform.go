package extractor

import (
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/pkg/errors"
	"github.com/conveyorhq/conveyor/pkg/platform"
	"github.com/conveyorhq/conveyor/pkg/source"
)

// Field conventions for the source payloads. Domains that deviate carry the
// mapping in their job config; these cover the common shape.
const (
	fieldName        = "name"
	fieldDescription = "description"
	fieldStatus      = "status"
	fieldStartDate   = "startDate"
	fieldEndDate     = "endDate"
	fieldValue       = "value"
)

// toEntity maps a record to a platform entity. parentID is zero for roots.
func (j *Job) toEntity(rec source.Record, parentID int64) platform.Entity {
	name := stringField(rec.Fields, fieldName)
	if name == "" {
		name = rec.Key
	}
	return platform.Entity{
		ExternalKey: rec.Key,
		Name:        name,
		Description: stringField(rec.Fields, fieldDescription),
		ParentID:    parentID,
		Metadata:    metadataFields(rec.Fields, j.cfg.KeyField, fieldName, fieldDescription),
	}
}

// toOccurrence maps a record to a platform occurrence. A record with no
// usable start time is terminally invalid.
func (j *Job) toOccurrence(rec source.Record, entityID int64) (platform.Occurrence, error) {
	start := timeField(rec.Fields, fieldStartDate)
	if start.IsZero() {
		start = rec.LastModified
	}
	if start.IsZero() {
		return platform.Occurrence{}, errors.Newf(errors.ErrorTypeValidation,
			"record %s has no start time", rec.Key)
	}

	return platform.Occurrence{
		ExternalKey: rec.Key,
		Type:        j.cfg.Name,
		Subtype:     stringField(rec.Fields, fieldStatus),
		Description: stringField(rec.Fields, fieldDescription),
		StartTime:   start,
		EndTime:     timeField(rec.Fields, fieldEndDate),
		EntityID:    entityID,
		Metadata:    metadataFields(rec.Fields, j.cfg.KeyField, fieldStartDate, fieldEndDate),
	}, nil
}

// toPoint maps a record to one series datapoint. Records without a numeric
// value or timestamp are terminally invalid.
func (j *Job) toPoint(rec source.Record) (platform.SeriesPoint, error) {
	value, ok := numericField(rec.Fields, fieldValue)
	if !ok {
		return platform.SeriesPoint{}, errors.Newf(errors.ErrorTypeValidation,
			"record %s has no numeric value", rec.Key)
	}

	ts := rec.LastModified
	if ts.IsZero() {
		ts = timeField(rec.Fields, fieldStartDate)
	}
	if ts.IsZero() {
		return platform.SeriesPoint{}, errors.Newf(errors.ErrorTypeValidation,
			"record %s has no timestamp", rec.Key)
	}

	return platform.SeriesPoint{
		SeriesKey: rec.Key,
		Timestamp: ts,
		Value:     value,
	}, nil
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func timeField(fields map[string]interface{}, key string) time.Time {
	if s := stringField(fields, key); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func numericField(fields map[string]interface{}, key string) (float64, bool) {
	switch v := fields[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// metadataFields flattens remaining scalar fields into string metadata,
// dropping excluded keys and nested structures.
func metadataFields(fields map[string]interface{}, exclude ...string) map[string]string {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}

	out := make(map[string]string)
	for k, v := range fields {
		if skip[k] {
			continue
		}
		switch v.(type) {
		case map[string]interface{}, []interface{}, nil:
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
