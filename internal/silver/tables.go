package silver

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

// Silver table files inside a build directory.
const (
	FileMetroStations = "metro_stations.csv"
	FileBikeStations  = "bike_stations.csv"
	FileTimeseries    = "bike_timeseries.csv"
	FileLinks         = "metro_bike_links.csv"
	FileMeta          = "_build_meta.json"
)

var (
	stationHeader    = []string{"station_id", "name", "name_en", "lat", "lon", "city", "system", "capacity"}
	timeseriesHeader = []string{"station_id", "ts", "metric", "value"}
	linkHeader       = []string{"metro_station_id", "bike_station_id", "distance_m", "method"}
)

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func formatDistance(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

func writeStations(path string, stations []models.StationRecord) error {
	rows := make([][]string, 0, len(stations))
	for _, s := range stations {
		capacity := ""
		if s.Capacity != nil {
			capacity = strconv.Itoa(*s.Capacity)
		}
		rows = append(rows, []string{s.StationID, s.Name, s.NameEn, formatFloat(s.Lat), formatFloat(s.Lon), s.City, s.System, capacity})
	}
	return writeCSV(path, stationHeader, rows)
}

func writeTimeseries(path string, series []models.TimeseriesRow) error {
	rows := make([][]string, 0, len(series))
	for _, r := range series {
		rows = append(rows, []string{r.StationID, r.TS.UTC().Format(time.RFC3339), r.Metric, formatFloat(r.Value)})
	}
	return writeCSV(path, timeseriesHeader, rows)
}

func writeLinks(path string, links []models.StationLink) error {
	rows := make([][]string, 0, len(links))
	for _, l := range links {
		rows = append(rows, []string{l.MetroStationID, l.BikeStationID, formatDistance(l.DistanceM), l.Method})
	}
	return writeCSV(path, linkHeader, rows)
}

// readCSV returns data rows after checking the header matches.
func readCSV(path string, header []string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	got, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: empty file", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range header {
		if got[i] != header[i] {
			return nil, fmt.Errorf("%s: column %d is %q, want %q", path, i, got[i], header[i])
		}
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// ReadStations loads a station table.
func ReadStations(path string) ([]models.StationRecord, error) {
	rows, err := readCSV(path, stationHeader)
	if err != nil {
		return nil, err
	}
	out := make([]models.StationRecord, 0, len(rows))
	for i, row := range rows {
		lat, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: lat: %w", path, i+2, err)
		}
		lon, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: lon: %w", path, i+2, err)
		}
		st := models.StationRecord{StationID: row[0], Name: row[1], NameEn: row[2], Lat: lat, Lon: lon, City: row[5], System: row[6]}
		if row[7] != "" {
			capacity, err := strconv.Atoi(row[7])
			if err != nil {
				return nil, fmt.Errorf("%s row %d: capacity: %w", path, i+2, err)
			}
			st.Capacity = &capacity
		}
		out = append(out, st)
	}
	return out, nil
}

// ReadTimeseries loads the long-form bike time series.
func ReadTimeseries(path string) ([]models.TimeseriesRow, error) {
	rows, err := readCSV(path, timeseriesHeader)
	if err != nil {
		return nil, err
	}
	out := make([]models.TimeseriesRow, 0, len(rows))
	for i, row := range rows {
		ts, err := time.Parse(time.RFC3339, row[1])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: ts: %w", path, i+2, err)
		}
		v, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: value: %w", path, i+2, err)
		}
		out = append(out, models.TimeseriesRow{StationID: row[0], TS: ts.UTC(), Metric: row[2], Value: v})
	}
	return out, nil
}

// ReadLinks loads the metro to bike link table.
func ReadLinks(path string) ([]models.StationLink, error) {
	rows, err := readCSV(path, linkHeader)
	if err != nil {
		return nil, err
	}
	out := make([]models.StationLink, 0, len(rows))
	for i, row := range rows {
		d, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: distance_m: %w", path, i+2, err)
		}
		out = append(out, models.StationLink{MetroStationID: row[0], BikeStationID: row[1], DistanceM: d, Method: row[3]})
	}
	return out, nil
}
