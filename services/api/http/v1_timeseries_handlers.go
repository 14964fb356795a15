package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

const (
	defaultTimeseriesLimit = 500
	maxTimeseriesLimit     = 5000
)

type timeseriesJSON struct {
	TS     string  `json:"ts"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// handleV1Timeseries returns the resampled series of one bike station
// GET /api/v1/timeseries/:station_id?metric=rent_proxy&start=2026-01-19T00:00:00Z&end=...&page=1&limit=500
func (s *Server) handleV1Timeseries(c *gin.Context) {
	stationID := c.Param("station_id")

	metric := c.Query("metric")
	if metric != "" && !validMetric(metric) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown metric"})
		return
	}

	var startTime, endTime *time.Time
	if start := c.Query("start"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			startTime = &t
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start time format, expected RFC3339"})
			return
		}
	}
	if end := c.Query("end"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			endTime = &t
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end time format, expected RFC3339"})
			return
		}
	}
	if startTime != nil && endTime != nil && endTime.Before(*startTime) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end is before start"})
		return
	}

	page := 1
	if p := c.Query("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil && val > 0 {
			page = val
		}
	}
	limit := defaultTimeseriesLimit
	if l := c.Query("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= maxTimeseriesLimit {
			limit = val
		}
	}

	t, ok := s.currentTables(c)
	if !ok {
		return
	}

	known := false
	for _, b := range t.Bike {
		if b.StationID == stationID {
			known = true
			break
		}
	}

	var matched []models.TimeseriesRow
	for _, r := range t.Timeseries {
		if r.StationID != stationID {
			continue
		}
		known = true
		if metric != "" && r.Metric != metric {
			continue
		}
		// start inclusive, end exclusive
		if startTime != nil && r.TS.Before(*startTime) {
			continue
		}
		if endTime != nil && !r.TS.Before(*endTime) {
			continue
		}
		matched = append(matched, r)
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "bike station not found"})
		return
	}

	offset := len(matched)
	// Guarded so a huge page cannot overflow the multiplication.
	if page-1 <= len(matched)/limit {
		offset = min((page-1)*limit, len(matched))
	}
	last := min(offset+limit, len(matched))
	out := make([]timeseriesJSON, 0, last-offset)
	for _, r := range matched[offset:last] {
		out = append(out, timeseriesJSON{TS: r.TS.UTC().Format(time.RFC3339), Metric: r.Metric, Value: r.Value})
	}

	c.JSON(http.StatusOK, gin.H{
		"data": out,
		"meta": gin.H{
			"station_id": stationID,
			"build_id":   t.Meta.BuildID,
			"total":      len(matched),
			"page":       page,
			"limit":      limit,
		},
	})
}

func validMetric(m string) bool {
	switch m {
	case models.MetricAvailableBikes, models.MetricAvailableDocks, models.MetricRentProxy, models.MetricReturnProxy:
		return true
	}
	return false
}
