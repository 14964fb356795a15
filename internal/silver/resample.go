package silver

import (
	"fmt"
	"sort"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

type Granularity string

const (
	Granularity15Min Granularity = "15min"
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
)

func (g Granularity) Valid() bool {
	switch g {
	case Granularity15Min, GranularityHour, GranularityDay:
		return true
	}
	return false
}

func (g Granularity) width() time.Duration {
	switch g {
	case Granularity15Min:
		return 15 * time.Minute
	case GranularityHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// BucketStart returns the UTC instant at which ts's bucket begins in loc.
// Sub-day buckets use the offset in force at ts, so the repeated hour of a DST
// fall-back stays two distinct buckets. Day buckets start at local midnight.
func BucketStart(ts time.Time, g Granularity, loc *time.Location) time.Time {
	local := ts.In(loc)
	if g == GranularityDay {
		y, m, d := local.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
	}
	_, offset := local.Zone()
	width := int64(g.width() / time.Second)
	secs := ts.Unix()
	rem := (secs + int64(offset)) % width
	if rem < 0 {
		rem += width
	}
	return time.Unix(secs-rem, 0).UTC()
}

type bucketKey struct {
	station string
	metric  string
	start   int64
}

type bucketAgg struct {
	value  float64
	lastTS time.Time
}

// Resample aggregates long-form rows into buckets: sum for counts, last-observed for gauges.
// Empty buckets are absent. Output is ordered by station, time, then metric.
func Resample(rows []models.TimeseriesRow, g Granularity, loc *time.Location) ([]models.TimeseriesRow, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("unsupported granularity %q", g)
	}
	if loc == nil {
		return nil, fmt.Errorf("resample timezone is required")
	}

	aggs := make(map[bucketKey]*bucketAgg, len(rows))
	for _, r := range rows {
		start := BucketStart(r.TS, g, loc)
		k := bucketKey{station: r.StationID, metric: r.Metric, start: start.Unix()}
		a, ok := aggs[k]
		if !ok {
			aggs[k] = &bucketAgg{value: r.Value, lastTS: r.TS}
			continue
		}
		if models.IsGauge(r.Metric) {
			if !r.TS.Before(a.lastTS) {
				a.value = r.Value
				a.lastTS = r.TS
			}
			continue
		}
		a.value += r.Value
	}

	out := make([]models.TimeseriesRow, 0, len(aggs))
	for k, a := range aggs {
		out = append(out, models.TimeseriesRow{
			StationID: k.station,
			TS:        time.Unix(k.start, 0).UTC(),
			Metric:    k.metric,
			Value:     a.value,
		})
	}
	sortRows(out)
	return out, nil
}

func sortRows(rows []models.TimeseriesRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.StationID != b.StationID {
			return a.StationID < b.StationID
		}
		if !a.TS.Equal(b.TS) {
			return a.TS.Before(b.TS)
		}
		return a.Metric < b.Metric
	})
}
