package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/02loveslollipop/metrobike-atlas/internal/silver"
)

type stationJSON struct {
	StationID string  `json:"station_id"`
	Name      string  `json:"name"`
	NameEn    string  `json:"name_en,omitempty"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	City      string  `json:"city"`
	System    string  `json:"system"`
	Capacity  *int    `json:"capacity,omitempty"`
}

func toStationJSON(s models.StationRecord) stationJSON {
	return stationJSON{
		StationID: s.StationID,
		Name:      s.Name,
		NameEn:    s.NameEn,
		Lat:       s.Lat,
		Lon:       s.Lon,
		City:      s.City,
		System:    s.System,
		Capacity:  s.Capacity,
	}
}

type linkJSON struct {
	BikeStationID string       `json:"bike_station_id"`
	DistanceM     float64      `json:"distance_m"`
	Method        string       `json:"method"`
	Bike          *stationJSON `json:"bike_station,omitempty"`
}

// currentTables loads the published build or writes the error response.
func (s *Server) currentTables(c *gin.Context) (*silver.Tables, bool) {
	t, err := s.tables.Current()
	if errors.Is(err, silver.ErrNoCurrentBuild) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no silver build published"})
		return nil, false
	}
	if err != nil {
		s.log.Error("api: load silver build", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return t, true
}

// handleV1Meta returns the build metadata of the published build
// GET /api/v1/meta
func (s *Server) handleV1Meta(c *gin.Context) {
	t, ok := s.currentTables(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": t.Meta})
}

// GET /api/v1/stations/metro?city=TRTC
func (s *Server) handleV1ListMetroStations(c *gin.Context) {
	t, ok := s.currentTables(c)
	if !ok {
		return
	}
	s.respondStations(c, t.Metro, t.Meta.BuildID)
}

// GET /api/v1/stations/bike?city=Taipei
func (s *Server) handleV1ListBikeStations(c *gin.Context) {
	t, ok := s.currentTables(c)
	if !ok {
		return
	}
	s.respondStations(c, t.Bike, t.Meta.BuildID)
}

func (s *Server) respondStations(c *gin.Context, stations []models.StationRecord, buildID string) {
	city := c.Query("city")
	out := make([]stationJSON, 0, len(stations))
	for _, st := range stations {
		if city != "" && st.City != city {
			continue
		}
		out = append(out, toStationJSON(st))
	}
	c.JSON(http.StatusOK, gin.H{
		"data": out,
		"meta": gin.H{
			"count":    len(out),
			"build_id": buildID,
		},
	})
}

// handleV1MetroLinks returns the bike stations associated with a metro station, nearest first
// GET /api/v1/stations/metro/:id/links
func (s *Server) handleV1MetroLinks(c *gin.Context) {
	id := c.Param("id")
	t, ok := s.currentTables(c)
	if !ok {
		return
	}

	found := false
	for _, st := range t.Metro {
		if st.StationID == id {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "metro station not found"})
		return
	}

	bikes := make(map[string]models.StationRecord, len(t.Bike))
	for _, b := range t.Bike {
		bikes[b.StationID] = b
	}

	out := make([]linkJSON, 0)
	for _, l := range t.Links {
		if l.MetroStationID != id {
			continue
		}
		item := linkJSON{BikeStationID: l.BikeStationID, DistanceM: l.DistanceM, Method: l.Method}
		if b, ok := bikes[l.BikeStationID]; ok {
			bj := toStationJSON(b)
			item.Bike = &bj
		}
		out = append(out, item)
	}

	c.JSON(http.StatusOK, gin.H{
		"data": out,
		"meta": gin.H{
			"metro_station_id": id,
			"count":            len(out),
		},
	})
}
