package silver

import (
	"sort"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

// DeriveProxies turns consecutive availability changes into rent/return estimates.
// A drop in available bikes is rentals, a rise is returns. Pairs further apart than
// maxGap emit nothing; maxGap <= 0 disables the cap. Output is ordered by station, then time.
func DeriveProxies(samples []models.AvailabilitySample, maxGap time.Duration) []models.ProxyMetric {
	byStation := make(map[string][]models.AvailabilitySample)
	for _, s := range samples {
		byStation[s.StationID] = append(byStation[s.StationID], s)
	}
	ids := make([]string, 0, len(byStation))
	for id := range byStation {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []models.ProxyMetric
	for _, id := range ids {
		series := byStation[id]
		sort.SliceStable(series, func(i, j int) bool { return series[i].ObservedAt.Before(series[j].ObservedAt) })
		for i := 1; i < len(series); i++ {
			prev, next := series[i-1], series[i]
			if maxGap > 0 && next.ObservedAt.Sub(prev.ObservedAt) > maxGap {
				continue
			}
			delta := next.AvailableBikes - prev.AvailableBikes
			switch {
			case delta < 0:
				out = append(out, models.ProxyMetric{StationID: id, TS: next.ObservedAt, Metric: models.MetricRentProxy, Value: float64(-delta)})
			case delta > 0:
				out = append(out, models.ProxyMetric{StationID: id, TS: next.ObservedAt, Metric: models.MetricReturnProxy, Value: float64(delta)})
			}
		}
	}
	return out
}

// gaugeRows expands samples into long-form gauge rows. Missing docks produce no row.
func gaugeRows(samples []models.AvailabilitySample) []models.TimeseriesRow {
	out := make([]models.TimeseriesRow, 0, 2*len(samples))
	for _, s := range samples {
		out = append(out, models.TimeseriesRow{StationID: s.StationID, TS: s.ObservedAt, Metric: models.MetricAvailableBikes, Value: float64(s.AvailableBikes)})
		if s.AvailableDocks != nil {
			out = append(out, models.TimeseriesRow{StationID: s.StationID, TS: s.ObservedAt, Metric: models.MetricAvailableDocks, Value: float64(*s.AvailableDocks)})
		}
	}
	return out
}

func proxyRows(proxies []models.ProxyMetric) []models.TimeseriesRow {
	out := make([]models.TimeseriesRow, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, models.TimeseriesRow(p))
	}
	return out
}
