package silver

import (
	"fmt"
	"math"
	"sort"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/02loveslollipop/metrobike-atlas/internal/parsers"
)

const earthRadiusM = 6371008.8

// Distance methods.
const (
	DistanceHaversine = "haversine"
	DistanceProjected = "projected"
)

type SpatialConfig struct {
	// Method is models.LinkMethodBuffer or models.LinkMethodNearest.
	Method   string
	Distance string
	RadiusM  float64
	NearestK int
}

func (c SpatialConfig) validate() error {
	switch c.Method {
	case models.LinkMethodBuffer:
		if !(c.RadiusM > 0) {
			return &parsers.ValidationError{Field: "spatial.radius_m", Reason: fmt.Sprintf("must be positive for buffer joins, got %v", c.RadiusM)}
		}
	case models.LinkMethodNearest:
		if c.NearestK < 1 {
			return &parsers.ValidationError{Field: "spatial.nearest_k", Reason: fmt.Sprintf("must be at least 1, got %d", c.NearestK)}
		}
	default:
		return &parsers.ValidationError{Field: "spatial.method", Reason: fmt.Sprintf("unknown method %q", c.Method)}
	}
	switch c.Distance {
	case DistanceHaversine, DistanceProjected, "":
	default:
		return &parsers.ValidationError{Field: "spatial.distance", Reason: fmt.Sprintf("unknown distance %q", c.Distance)}
	}
	return nil
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// HaversineM is the great-circle distance in meters.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ProjectedM is the Euclidean distance on an equirectangular projection centred between the points.
func ProjectedM(lat1, lon1, lat2, lon2 float64) float64 {
	x := toRad(lon2-lon1) * math.Cos(toRad((lat1+lat2)/2))
	y := toRad(lat2 - lat1)
	return earthRadiusM * math.Hypot(x, y)
}

type candidate struct {
	id   string
	dist float64
}

// BuildLinks associates every metro station with nearby bike stations. Links of one metro
// station are ordered by distance, then bike station_id, and metro stations keep input order.
// Each (metro, bike) id pair appears once; when ids repeat across cities the first link wins.
func BuildLinks(metro, bike []models.StationRecord, cfg SpatialConfig) ([]models.StationLink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dist := HaversineM
	if cfg.Distance == DistanceProjected {
		dist = ProjectedM
	}

	var links []models.StationLink
	linked := make(map[[2]string]struct{})
	cands := make([]candidate, 0, len(bike))
	for _, m := range metro {
		cands = cands[:0]
		for _, b := range bike {
			cands = append(cands, candidate{id: b.StationID, dist: dist(m.Lat, m.Lon, b.Lat, b.Lon)})
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].dist != cands[j].dist {
				return cands[i].dist < cands[j].dist
			}
			return cands[i].id < cands[j].id
		})

		selected := cands
		if cfg.Method == models.LinkMethodBuffer {
			n := sort.Search(len(cands), func(i int) bool { return cands[i].dist > cfg.RadiusM })
			selected = cands[:n]
		} else if len(cands) > cfg.NearestK {
			selected = cands[:cfg.NearestK]
		}

		for _, c := range selected {
			pair := [2]string{m.StationID, c.id}
			if _, ok := linked[pair]; ok {
				continue
			}
			linked[pair] = struct{}{}
			links = append(links, models.StationLink{
				MetroStationID: m.StationID,
				BikeStationID:  c.id,
				DistanceM:      c.dist,
				Method:         cfg.Method,
			})
		}
	}
	return links, nil
}
