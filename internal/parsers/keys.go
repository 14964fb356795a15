package parsers

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Key priority lists. The provider spells the same field differently across systems and cities.
var (
	StationIDKeys      = []string{"StationUID", "StationId", "StationID", "UID"}
	PositionKeys       = []string{"StationPosition", "Position"}
	LatKeys            = []string{"PositionLat", "Lat", "latitude"}
	LonKeys            = []string{"PositionLon", "Lon", "longitude"}
	NameKey            = "StationName"
	SystemKeys         = []string{"OperatorID", "Operator"}
	CapacityKeys       = []string{"BikesCapacity", "Capacity"}
	TimestampKeys      = []string{"UpdateTime", "SrcUpdateTime", "UpdateTimestamp"}
	AvailableBikesKeys = []string{"AvailableRentBikes", "AvailableBikes"}
	AvailableDocksKeys = []string{"AvailableReturnBikes", "AvailableDocks"}
)

// first returns the value of the first key that is present, non-null and not an empty string.
func first(record map[string]any, keys []string) (any, string, bool) {
	for _, k := range keys {
		v, ok := record[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, k, true
	}
	return nil, "", false
}

func firstString(record map[string]any, keys []string) (string, bool) {
	v, _, ok := first(record, keys)
	if !ok {
		return "", false
	}
	s, ok := asString(v)
	return s, ok && s != ""
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

// asFloat accepts JSON numbers and numeric strings.
func asFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, err
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite")
	}
	return f, nil
}

// asCount accepts whole non-negative numbers.
func asCount(v any) (int, error) {
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not a whole number", f)
	}
	if f < 0 {
		return 0, fmt.Errorf("%v is negative", f)
	}
	if f > math.MaxInt32 {
		return 0, fmt.Errorf("%v is out of range", f)
	}
	return int(f), nil
}
