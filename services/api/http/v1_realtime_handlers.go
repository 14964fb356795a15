package http

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

type latestJSON struct {
	StationID      string   `json:"station_id"`
	TS             string   `json:"ts"`
	AvailableBikes *float64 `json:"available_bikes,omitempty"`
	AvailableDocks *float64 `json:"available_docks,omitempty"`
}

// handleV1RealtimeNow returns the newest gauge readings per bike station
// GET /api/v1/realtime/now?city=Taipei
func (s *Server) handleV1RealtimeNow(c *gin.Context) {
	t, ok := s.currentTables(c)
	if !ok {
		return
	}

	city := c.Query("city")
	inCity := make(map[string]bool, len(t.Bike))
	for _, b := range t.Bike {
		if city == "" || b.City == city {
			inCity[b.StationID] = true
		}
	}

	type latest struct {
		ts    time.Time
		bikes *float64
		docks *float64
	}
	byStation := make(map[string]*latest)
	for _, r := range t.Timeseries {
		if !models.IsGauge(r.Metric) || !inCity[r.StationID] {
			continue
		}
		cur, ok := byStation[r.StationID]
		if !ok || r.TS.After(cur.ts) {
			cur = &latest{ts: r.TS}
			byStation[r.StationID] = cur
		} else if r.TS.Before(cur.ts) {
			continue
		}
		v := r.Value
		if r.Metric == models.MetricAvailableBikes {
			cur.bikes = &v
		} else {
			cur.docks = &v
		}
	}

	out := make([]latestJSON, 0, len(byStation))
	var newest time.Time
	for id, l := range byStation {
		out = append(out, latestJSON{
			StationID:      id,
			TS:             l.ts.UTC().Format(time.RFC3339),
			AvailableBikes: l.bikes,
			AvailableDocks: l.docks,
		})
		if l.ts.After(newest) {
			newest = l.ts
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })

	meta := gin.H{
		"stations_count": len(out),
		"build_id":       t.Meta.BuildID,
	}
	if !newest.IsZero() {
		meta["timestamp"] = newest.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, gin.H{"data": out, "meta": meta})
}
