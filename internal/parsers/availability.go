package parsers

import (
	"strings"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

// Accepted timestamp layouts. All of them require an explicit offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
}

// ParseAvailability normalizes one raw availability record. ObservedAt is returned in UTC.
func ParseAvailability(record map[string]any) (models.AvailabilitySample, error) {
	id, ok := firstString(record, StationIDKeys)
	if !ok {
		return models.AvailabilitySample{}, missing("station_id")
	}

	raw, ok := firstString(record, TimestampKeys)
	if !ok {
		return models.AvailabilitySample{}, missing("observed_at")
	}
	observedAt, err := ParseTimestamp(raw)
	if err != nil {
		return models.AvailabilitySample{}, err
	}

	v, _, ok := first(record, AvailableBikesKeys)
	if !ok {
		return models.AvailabilitySample{}, missing("available_bikes")
	}
	bikes, err := asCount(v)
	if err != nil {
		return models.AvailabilitySample{}, invalid("available_bikes", "%v", err)
	}

	sample := models.AvailabilitySample{
		StationID:      id,
		ObservedAt:     observedAt,
		AvailableBikes: bikes,
	}
	if v, _, ok := first(record, AvailableDocksKeys); ok {
		docks, err := asCount(v)
		if err != nil {
			return models.AvailabilitySample{}, invalid("available_docks", "%v", err)
		}
		sample.AvailableDocks = &docks
	}
	return sample, nil
}

// ParseTimestamp parses an ISO-8601 timestamp with an explicit offset and returns it in UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalid("observed_at", "%q is not an ISO-8601 timestamp with offset", raw)
}
