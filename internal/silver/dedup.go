package silver

import (
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

type stationKey struct {
	city string
	id   string
}

// DedupStations keeps the first record per (city, station_id), preserving source order.
// It returns the kept records and the ids that were seen more than once.
func DedupStations(records []models.StationRecord) ([]models.StationRecord, []string) {
	seen := make(map[stationKey]struct{}, len(records))
	reported := make(map[stationKey]struct{})
	out := make([]models.StationRecord, 0, len(records))
	var dups []string
	for _, r := range records {
		k := stationKey{city: r.City, id: r.StationID}
		if _, ok := seen[k]; ok {
			if _, done := reported[k]; !done {
				reported[k] = struct{}{}
				dups = append(dups, r.StationID)
			}
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, dups
}

type sampleKey struct {
	id string
	ts int64
}

// DedupSamples keeps the first sample per (station_id, observed_at) and reports how many were dropped.
func DedupSamples(samples []models.AvailabilitySample) ([]models.AvailabilitySample, int) {
	seen := make(map[sampleKey]struct{}, len(samples))
	out := make([]models.AvailabilitySample, 0, len(samples))
	dropped := 0
	for _, s := range samples {
		k := sampleKey{id: s.StationID, ts: s.ObservedAt.UnixNano()}
		if _, ok := seen[k]; ok {
			dropped++
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out, dropped
}
