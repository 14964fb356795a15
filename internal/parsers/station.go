package parsers

import (
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

// Default system labels when a record carries no operator.
const (
	DefaultMetroSystem = "METRO"
	DefaultBikeSystem  = "BIKE"
)

// ParseStation normalizes one raw station record. System is left empty when the record has no operator.
func ParseStation(record map[string]any, city string) (models.StationRecord, error) {
	id, ok := firstString(record, StationIDKeys)
	if !ok {
		return models.StationRecord{}, missing("station_id")
	}

	// Some feeds flatten the position fields into the record itself.
	pos := record
	if v, _, ok := first(record, PositionKeys); ok {
		nested, isMap := v.(map[string]any)
		if !isMap {
			return models.StationRecord{}, invalid("position", "expected an object, got %T", v)
		}
		pos = nested
	}

	lat, err := coordinate(pos, LatKeys, "lat", 90)
	if err != nil {
		return models.StationRecord{}, err
	}
	lon, err := coordinate(pos, LonKeys, "lon", 180)
	if err != nil {
		return models.StationRecord{}, err
	}

	name, nameEn := stationName(record[NameKey], id)
	system, _ := firstString(record, SystemKeys)

	st := models.StationRecord{
		StationID: id,
		Name:      name,
		NameEn:    nameEn,
		Lat:       lat,
		Lon:       lon,
		City:      city,
		System:    system,
	}

	if v, _, ok := first(record, CapacityKeys); ok {
		capacity, err := asCount(v)
		if err != nil {
			return models.StationRecord{}, invalid("capacity", "%v", err)
		}
		st.Capacity = &capacity
	}
	return st, nil
}

// ParseMetroStation is ParseStation with the metro system default.
func ParseMetroStation(record map[string]any, city string) (models.StationRecord, error) {
	st, err := ParseStation(record, city)
	if err == nil && st.System == "" {
		st.System = DefaultMetroSystem
	}
	return st, err
}

// ParseBikeStation is ParseStation with the bike system default.
func ParseBikeStation(record map[string]any, city string) (models.StationRecord, error) {
	st, err := ParseStation(record, city)
	if err == nil && st.System == "" {
		st.System = DefaultBikeSystem
	}
	return st, err
}

func coordinate(pos map[string]any, keys []string, field string, bound float64) (float64, error) {
	v, _, ok := first(pos, keys)
	if !ok {
		return 0, missing(field)
	}
	f, err := asFloat(v)
	if err != nil {
		return 0, invalid(field, "%v", err)
	}
	if f < -bound || f > bound {
		return 0, invalid(field, "%v out of range [-%v, %v]", f, bound, bound)
	}
	return f, nil
}

// stationName prefers the Chinese name and falls back to English, then the id.
func stationName(v any, id string) (string, string) {
	switch x := v.(type) {
	case map[string]any:
		zh, _ := firstString(x, []string{"Zh_tw"})
		en, _ := firstString(x, []string{"En"})
		switch {
		case zh != "":
			return zh, en
		case en != "":
			return en, en
		}
	case string:
		if x != "" {
			return x, ""
		}
	}
	return id, ""
}
