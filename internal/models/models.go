package models

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Dataset names a Bronze partition family.
type Dataset string

const (
	DatasetMetroStations    Dataset = "metro-stations"
	DatasetBikeStations     Dataset = "bike-stations"
	DatasetBikeAvailability Dataset = "bike-availability"
)

// Datasets lists every Bronze dataset in collection order.
var Datasets = []Dataset{DatasetMetroStations, DatasetBikeStations, DatasetBikeAvailability}

// Valid reports whether d is one of the known datasets.
func (d Dataset) Valid() bool {
	switch d {
	case DatasetMetroStations, DatasetBikeStations, DatasetBikeAvailability:
		return true
	}
	return false
}

// Credentials are the client-credentials pair used against the provider token endpoint.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// String keeps the secret out of fmt output.
func (c Credentials) String() string {
	return "Credentials{ClientID:" + c.ClientID + ", ClientSecret:[redacted]}"
}

// LogValue keeps the secret out of slog output.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("client_id", c.ClientID), slog.String("client_secret", "[redacted]"))
}

// AccessToken is a bearer token with its absolute expiry.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// ExpiresWithin reports whether the token is missing or has less than margin left at now.
func (t AccessToken) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return true
	}
	return !now.Add(margin).Before(t.ExpiresAt)
}

// SnapshotRequest records the provider call that produced a snapshot.
type SnapshotRequest struct {
	Path   string            `json:"path"`
	Params map[string]string `json:"params"`
}

// RawSnapshot is the Bronze unit: one provider response wrapped with provenance.
type RawSnapshot struct {
	RetrievedAt time.Time       `json:"retrieved_at"`
	Request     SnapshotRequest `json:"request"`
	Payload     json.RawMessage `json:"payload"`
}

// Records decodes the payload into loosely-typed records.
func (s RawSnapshot) Records() ([]map[string]any, error) {
	var out []map[string]any
	if len(s.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(s.Payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StationRecord is a normalized metro or bike station.
type StationRecord struct {
	StationID string
	Name      string
	NameEn    string
	Lat       float64
	Lon       float64
	City      string
	System    string
	Capacity  *int
}

// AvailabilitySample is one station availability observation.
type AvailabilitySample struct {
	StationID      string
	ObservedAt     time.Time
	AvailableBikes int
	AvailableDocks *int
}

// Metric names used in the long-form bike time series.
const (
	MetricAvailableBikes = "available_bikes"
	MetricAvailableDocks = "available_docks"
	MetricRentProxy      = "rent_proxy"
	MetricReturnProxy    = "return_proxy"
)

// IsGauge reports whether metric is a point-in-time level rather than a count.
func IsGauge(metric string) bool {
	return metric == MetricAvailableBikes || metric == MetricAvailableDocks
}

// ProxyMetric is a derived rent/return estimate for one station at one instant.
type ProxyMetric struct {
	StationID string
	TS        time.Time
	Metric    string
	Value     float64
}

// Link methods.
const (
	LinkMethodBuffer  = "buffer"
	LinkMethodNearest = "nearest"
)

// StationLink associates a metro station with a nearby bike station.
type StationLink struct {
	MetroStationID string
	BikeStationID  string
	DistanceM      float64
	Method         string
}

// TimeseriesRow is one row of the long-form bike_timeseries table.
type TimeseriesRow struct {
	StationID string
	TS        time.Time
	Metric    string
	Value     float64
}
