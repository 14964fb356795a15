package silver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// InputSnapshot records one Bronze file consumed by a build.
type InputSnapshot struct {
	Dataset     string    `json:"dataset"`
	City        string    `json:"city"`
	File        string    `json:"file"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// BuildMeta is written next to the tables as _build_meta.json.
type BuildMeta struct {
	BuildID           string          `json:"build_id"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
	SourceTimezone    string          `json:"source_timezone"`
	Granularity       Granularity     `json:"granularity"`
	SpatialMethod     string          `json:"spatial_method"`
	SpatialDistance   string          `json:"spatial_distance"`
	MaxGap            string          `json:"max_gap"`
	InputsHash        string          `json:"inputs_hash"`
	Inputs            []InputSnapshot `json:"inputs"`
	RowCounts         map[string]int  `json:"row_counts"`
	Rejected          map[string]int  `json:"rejected"`
	DuplicateStations map[string]int  `json:"duplicate_stations"`
	DuplicateSamples  int             `json:"duplicate_samples"`
}

func hashInputs(inputs []InputSnapshot) (string, error) {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func writeMeta(path string, meta BuildMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode build meta: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadMeta loads _build_meta.json.
func ReadMeta(path string) (BuildMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BuildMeta{}, err
	}
	var meta BuildMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return BuildMeta{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return meta, nil
}
