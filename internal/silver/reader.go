package silver

import (
	"fmt"
	"path/filepath"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
)

// Tables is one fully loaded Silver build.
type Tables struct {
	Meta       BuildMeta
	Metro      []models.StationRecord
	Bike       []models.StationRecord
	Links      []models.StationLink
	Timeseries []models.TimeseriesRow
}

// Reader loads the published build from a Silver root.
type Reader struct {
	root string
}

func NewReader(root string) *Reader {
	return &Reader{root: root}
}

func (r *Reader) Root() string { return r.root }

// CurrentBuildID returns the id of the published build.
func (r *Reader) CurrentBuildID() (string, error) {
	return CurrentBuildID(r.root)
}

// Load reads every table of the published build. The current link is resolved once,
// so a publish racing the load cannot mix two builds.
func (r *Reader) Load() (*Tables, error) {
	id, err := CurrentBuildID(r.root)
	if err != nil {
		return nil, err
	}
	return r.LoadBuild(id)
}

// LoadBuild reads every table of the given build.
func (r *Reader) LoadBuild(id string) (*Tables, error) {
	dir := BuildDir(r.root, id)
	meta, err := ReadMeta(filepath.Join(dir, FileMeta))
	if err != nil {
		return nil, fmt.Errorf("load build %s: %w", id, err)
	}
	t := &Tables{Meta: meta}
	if t.Metro, err = ReadStations(filepath.Join(dir, FileMetroStations)); err != nil {
		return nil, err
	}
	if t.Bike, err = ReadStations(filepath.Join(dir, FileBikeStations)); err != nil {
		return nil, err
	}
	if t.Links, err = ReadLinks(filepath.Join(dir, FileLinks)); err != nil {
		return nil, err
	}
	if t.Timeseries, err = ReadTimeseries(filepath.Join(dir, FileTimeseries)); err != nil {
		return nil, err
	}
	return t, nil
}
