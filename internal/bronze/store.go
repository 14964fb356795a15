package bronze

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/metrics"
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/jonboulle/clockwork"
)

// FileTimeLayout names snapshot files by their UTC retrieval second.
const FileTimeLayout = "20060102T150405Z"

const cityPrefix = "city="

var (
	ErrSnapshotExists = errors.New("snapshot already exists")
	ErrNoSnapshots    = errors.New("no snapshots")
)

// SnapshotRef identifies one stored snapshot.
type SnapshotRef struct {
	Dataset     models.Dataset
	City        string
	RetrievedAt time.Time
	Path        string
}

type Config struct {
	Root     string
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Archiver Archiver
}

func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("bronze root is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// Store is the append-only Bronze snapshot store on the local filesystem.
type Store struct {
	root     string
	clock    clockwork.Clock
	log      *slog.Logger
	archiver Archiver
	// cutoff hides snapshots retrieved after it when non-zero.
	cutoff time.Time
}

func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		root:     cfg.Root,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		archiver: cfg.Archiver,
	}, nil
}

func (s *Store) Root() string { return s.root }

// AsOf returns a read view that ignores snapshots retrieved after t. File names keep
// only the retrieval second, so a snapshot is visible once its whole second lies before t.
func (s *Store) AsOf(t time.Time) *Store {
	view := *s
	if view.cutoff.IsZero() || t.Before(view.cutoff) {
		view.cutoff = t.UTC()
	}
	return &view
}

// Write persists a provider payload. An existing snapshot with the same key is never overwritten.
func (s *Store) Write(dataset models.Dataset, city string, retrievedAt time.Time, req models.SnapshotRequest, payload json.RawMessage) (SnapshotRef, error) {
	dir, err := s.cityDir(dataset, city)
	if err != nil {
		return SnapshotRef{}, err
	}
	if !json.Valid(payload) {
		return SnapshotRef{}, fmt.Errorf("write %s/%s: payload is not valid JSON", dataset, city)
	}
	if req.Params == nil {
		req.Params = map[string]string{}
	}

	retrievedAt = retrievedAt.UTC().Truncate(time.Second)
	ref := SnapshotRef{
		Dataset:     dataset,
		City:        city,
		RetrievedAt: retrievedAt,
		Path:        filepath.Join(dir, retrievedAt.Format(FileTimeLayout)+".json"),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(models.RawSnapshot{RetrievedAt: retrievedAt, Request: req, Payload: payload}); err != nil {
		return SnapshotRef{}, fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SnapshotRef{}, fmt.Errorf("create %s: %w", dir, err)
	}
	if err := writeNoClobber(dir, ref.Path, buf.Bytes()); err != nil {
		return SnapshotRef{}, err
	}

	metrics.SnapshotsWritten.WithLabelValues(string(dataset)).Inc()
	s.log.Debug("bronze snapshot written", "dataset", dataset, "city", city, "path", ref.Path, "bytes", buf.Len())
	return ref, nil
}

// writeNoClobber writes to a temp file in dir and hard-links it into place, failing if final exists.
func writeNoClobber(dir, final string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", final, ErrSnapshotExists)
		}
		return fmt.Errorf("link %s: %w", final, err)
	}
	return nil
}

// ListLatest returns the most recent snapshot for dataset and city.
func (s *Store) ListLatest(dataset models.Dataset, city string) (SnapshotRef, error) {
	refs, err := s.list(dataset, city, true)
	if err != nil {
		return SnapshotRef{}, err
	}
	if len(refs) == 0 {
		return SnapshotRef{}, fmt.Errorf("%s/%s: %w", dataset, city, ErrNoSnapshots)
	}
	return refs[len(refs)-1], nil
}

// ListRecent returns up to maxCount of the newest snapshots in chronological order. maxCount <= 0 returns all.
func (s *Store) ListRecent(dataset models.Dataset, city string, maxCount int) ([]SnapshotRef, error) {
	refs, err := s.list(dataset, city, true)
	if err != nil {
		return nil, err
	}
	if maxCount > 0 && len(refs) > maxCount {
		refs = refs[len(refs)-maxCount:]
	}
	return refs, nil
}

// Cities lists the cities that have a partition for dataset.
func (s *Store) Cities(dataset models.Dataset) ([]string, error) {
	if !dataset.Valid() {
		return nil, fmt.Errorf("unknown dataset %q", dataset)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, string(dataset)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	var cities []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), cityPrefix) {
			cities = append(cities, strings.TrimPrefix(e.Name(), cityPrefix))
		}
	}
	sort.Strings(cities)
	return cities, nil
}

// Read loads a snapshot from disk.
func (s *Store) Read(ref SnapshotRef) (models.RawSnapshot, error) {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return models.RawSnapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap models.RawSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return models.RawSnapshot{}, fmt.Errorf("decode snapshot %s: %w", ref.Path, err)
	}
	if snap.RetrievedAt.IsZero() {
		snap.RetrievedAt = ref.RetrievedAt
	}
	snap.RetrievedAt = snap.RetrievedAt.UTC()
	return snap, nil
}

func (s *Store) list(dataset models.Dataset, city string, applyCutoff bool) ([]SnapshotRef, error) {
	dir, err := s.cityDir(dataset, city)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	refs := make([]SnapshotRef, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, ok := parseFileTime(e.Name())
		if !ok {
			continue
		}
		if applyCutoff && !s.cutoff.IsZero() && ts.Add(time.Second).After(s.cutoff) {
			continue
		}
		refs = append(refs, SnapshotRef{Dataset: dataset, City: city, RetrievedAt: ts, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].RetrievedAt.Before(refs[j].RetrievedAt) })
	return refs, nil
}

func (s *Store) cityDir(dataset models.Dataset, city string) (string, error) {
	if !dataset.Valid() {
		return "", fmt.Errorf("unknown dataset %q", dataset)
	}
	if city == "" || city == "." || city == ".." || strings.ContainsAny(city, `/\`) {
		return "", fmt.Errorf("invalid city %q", city)
	}
	return filepath.Join(s.root, string(dataset), cityPrefix+city), nil
}

func parseFileTime(name string) (time.Time, bool) {
	stem, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(FileTimeLayout, stem)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
