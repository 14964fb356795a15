package silver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Issue levels.
const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// Issue is one finding of Validate.
type Issue struct {
	Level   string `json:"level"`
	Table   string `json:"table"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.Level, i.Table, i.Message)
}

// Errors filters issues down to errors.
func Errors(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Level == LevelError {
			out = append(out, i)
		}
	}
	return out
}

type issueList []Issue

func (l *issueList) add(level, table, format string, args ...any) {
	*l = append(*l, Issue{Level: level, Table: table, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the tables of one build directory for schema and sanity problems.
// A non-nil error means the directory itself could not be inspected.
func Validate(dir string) ([]Issue, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var issues issueList
	metroIDs := validateStations(&issues, dir, FileMetroStations)
	bikeIDs := validateStations(&issues, dir, FileBikeStations)
	validateLinks(&issues, dir, metroIDs, bikeIDs)
	validateTimeseries(&issues, dir)

	if _, err := ReadMeta(filepath.Join(dir, FileMeta)); err != nil {
		issues.add(LevelWarning, FileMeta, "unreadable build meta: %v", err)
	}
	return issues, nil
}

func load(issues *issueList, dir, table string, header []string) ([][]string, bool) {
	rows, err := readCSV(filepath.Join(dir, table), header)
	if errors.Is(err, fs.ErrNotExist) {
		issues.add(LevelError, table, "missing required file")
		return nil, false
	}
	if err != nil {
		issues.add(LevelError, table, "%v", err)
		return nil, false
	}
	return rows, true
}

func validateStations(issues *issueList, dir, table string) map[string]struct{} {
	rows, ok := load(issues, dir, table, stationHeader)
	if !ok {
		return nil
	}
	ids := make(map[string]struct{}, len(rows))
	seen := make(map[string]struct{}, len(rows))
	var empty, dups, badCoord int
	for _, row := range rows {
		id := strings.TrimSpace(row[0])
		if id == "" {
			empty++
			continue
		}
		key := row[5] + "\x00" + id
		if _, ok := seen[key]; ok {
			dups++
		}
		seen[key] = struct{}{}
		ids[id] = struct{}{}
		if !inRange(row[3], 90) || !inRange(row[4], 180) {
			badCoord++
		}
	}
	if empty > 0 {
		issues.add(LevelError, table, "%d rows with empty station_id", empty)
	}
	if dups > 0 {
		issues.add(LevelError, table, "%d duplicate (city, station_id) rows", dups)
	}
	if badCoord > 0 {
		issues.add(LevelError, table, "%d rows with missing or out-of-range coordinates", badCoord)
	}
	return ids
}

func inRange(raw string, bound float64) bool {
	v, err := strconv.ParseFloat(raw, 64)
	return err == nil && v >= -bound && v <= bound
}

func validateLinks(issues *issueList, dir string, metroIDs, bikeIDs map[string]struct{}) {
	rows, ok := load(issues, dir, FileLinks, linkHeader)
	if !ok {
		return
	}
	var badDist, unknownMetro, unknownBike, badMethod, dups int
	seen := make(map[[2]string]struct{}, len(rows))
	for _, row := range rows {
		pair := [2]string{row[0], row[1]}
		if _, ok := seen[pair]; ok {
			dups++
		}
		seen[pair] = struct{}{}
		if d, err := strconv.ParseFloat(row[2], 64); err != nil || d < 0 {
			badDist++
		}
		if metroIDs != nil {
			if _, ok := metroIDs[row[0]]; !ok {
				unknownMetro++
			}
		}
		if bikeIDs != nil {
			if _, ok := bikeIDs[row[1]]; !ok {
				unknownBike++
			}
		}
		if row[3] != "buffer" && row[3] != "nearest" {
			badMethod++
		}
	}
	if badDist > 0 {
		issues.add(LevelError, FileLinks, "%d rows with invalid or negative distance_m", badDist)
	}
	if badMethod > 0 {
		issues.add(LevelError, FileLinks, "%d rows with unknown method", badMethod)
	}
	if dups > 0 {
		issues.add(LevelError, FileLinks, "%d duplicate (metro_station_id, bike_station_id) rows", dups)
	}
	if unknownMetro > 0 {
		issues.add(LevelWarning, FileLinks, "%d rows reference unknown metro stations", unknownMetro)
	}
	if unknownBike > 0 {
		issues.add(LevelWarning, FileLinks, "%d rows reference unknown bike stations", unknownBike)
	}
}

func validateTimeseries(issues *issueList, dir string) {
	rows, ok := load(issues, dir, FileTimeseries, timeseriesHeader)
	if !ok {
		return
	}
	if len(rows) == 0 {
		issues.add(LevelWarning, FileTimeseries, "no rows (no availability snapshots?)")
		return
	}
	seen := make(map[string]struct{}, len(rows))
	var badTS, badValue, dups int
	for _, row := range rows {
		ts, err := time.Parse(time.RFC3339, row[1])
		if err != nil || !strings.HasSuffix(row[1], "Z") {
			badTS++
		} else {
			key := row[0] + "\x00" + row[2] + "\x00" + strconv.FormatInt(ts.Unix(), 10)
			if _, ok := seen[key]; ok {
				dups++
			}
			seen[key] = struct{}{}
		}
		if v, err := strconv.ParseFloat(row[3], 64); err != nil || v < 0 {
			badValue++
		}
	}
	if badTS > 0 {
		issues.add(LevelError, FileTimeseries, "%d rows with a ts that is not UTC RFC3339", badTS)
	}
	if badValue > 0 {
		issues.add(LevelError, FileTimeseries, "%d rows with invalid or negative values", badValue)
	}
	if dups > 0 {
		issues.add(LevelError, FileTimeseries, "%d duplicate (station_id, metric, ts) rows", dups)
	}
}
