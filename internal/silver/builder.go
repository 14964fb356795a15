package silver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/bronze"
	"github.com/02loveslollipop/metrobike-atlas/internal/metrics"
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/02loveslollipop/metrobike-atlas/internal/parsers"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultMaxAvailabilityFiles = 500
	defaultMaxGap               = 30 * time.Minute
	defaultTimezone             = "Asia/Taipei"
	defaultKeepBuilds           = 3
)

type Config struct {
	Bronze *bronze.Store
	// Dir is the Silver root holding builds/ and the current link.
	Dir         string
	MetroCities []string
	BikeCities  []string

	// MaxAvailabilityFiles caps the availability snapshots read per city.
	MaxAvailabilityFiles int
	// MaxGap is the largest spacing between samples that still yields a proxy.
	// Builds always cap the gap; zero selects the 30 minute default.
	MaxGap      time.Duration
	Spatial     SpatialConfig
	Granularity Granularity
	Timezone    string
	KeepBuilds  int

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Bronze == nil {
		return errors.New("bronze store is required")
	}
	if c.Dir == "" {
		return errors.New("silver dir is required")
	}
	if len(c.MetroCities) == 0 && len(c.BikeCities) == 0 {
		return errors.New("at least one city is required")
	}
	if c.MaxAvailabilityFiles <= 0 {
		c.MaxAvailabilityFiles = defaultMaxAvailabilityFiles
	}
	if c.MaxGap <= 0 {
		c.MaxGap = defaultMaxGap
	}
	if c.Granularity == "" {
		c.Granularity = GranularityHour
	}
	if !c.Granularity.Valid() {
		return fmt.Errorf("unsupported granularity %q", c.Granularity)
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Spatial.Distance == "" {
		c.Spatial.Distance = DistanceHaversine
	}
	if c.KeepBuilds <= 0 {
		c.KeepBuilds = defaultKeepBuilds
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// Builder turns Bronze snapshots into a published Silver build. Runs must be serialized by the caller.
type Builder struct {
	cfg Config
	log *slog.Logger
	loc *time.Location

	mu    sync.Mutex
	state State
}

type BuildResult struct {
	BuildID string
	Dir     string
	Meta    BuildMeta
}

func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid silver config: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	return &Builder{cfg: cfg, log: cfg.Logger, loc: loc}, nil
}

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// enter moves to the next state unless the run was cancelled.
func (b *Builder) enter(ctx context.Context, s State) error {
	if err := ctx.Err(); err != nil {
		return &PipelineError{Stage: s, Err: err}
	}
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.log.Debug("silver build stage", "stage", s.String())
	return nil
}

type stationSnapshot struct {
	dataset models.Dataset
	city    string
	ref     bronze.SnapshotRef
	snap    models.RawSnapshot
}

type runState struct {
	meta         BuildMeta
	stationSnaps []stationSnapshot
	availability []bronze.SnapshotRef

	metro   []models.StationRecord
	bike    []models.StationRecord
	samples []models.AvailabilitySample
	proxies []models.ProxyMetric
	links   []models.StationLink
	series  []models.TimeseriesRow
}

// Run executes one build. On any error before publishing, the staging directory is
// removed and the previously published build stays current.
func (b *Builder) Run(ctx context.Context) (res BuildResult, err error) {
	started := b.cfg.Clock.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		return res, &PipelineError{Stage: StateIdle, Err: fmt.Errorf("build id: %w", err)}
	}
	buildID := id.String()
	staging := BuildDir(b.cfg.Dir, buildID)
	log := b.log.With("build_id", buildID)

	published := false
	defer func() {
		if err != nil && !published {
			if rmErr := os.RemoveAll(staging); rmErr != nil {
				log.Error("failed to remove staging dir", "dir", staging, "error", rmErr)
			}
			metrics.BuildOutcomes.WithLabelValues("failed").Inc()
			log.Error("silver build failed", "error", err)
		}
		metrics.BuildDuration.Observe(b.cfg.Clock.Since(started).Seconds())
		b.mu.Lock()
		b.state = StateIdle
		b.mu.Unlock()
	}()

	rs := &runState{meta: BuildMeta{
		BuildID:           buildID,
		StartedAt:         started,
		SourceTimezone:    b.cfg.Timezone,
		Granularity:       b.cfg.Granularity,
		SpatialMethod:     b.cfg.Spatial.Method,
		SpatialDistance:   b.cfg.Spatial.Distance,
		MaxGap:            b.cfg.MaxGap.String(),
		RowCounts:         map[string]int{},
		Rejected:          map[string]int{},
		DuplicateStations: map[string]int{},
	}}
	log.Info("silver build started", "metro_cities", b.cfg.MetroCities, "bike_cities", b.cfg.BikeCities)

	steps := []struct {
		state State
		fn    func(context.Context, *runState) error
	}{
		{StateReadingBronze, func(_ context.Context, rs *runState) error { return b.readBronze(started, rs) }},
		{StateParsing, func(_ context.Context, rs *runState) error { return b.parse(rs) }},
		{StateDeduping, func(_ context.Context, rs *runState) error { b.dedup(rs); return nil }},
		{StateDerivingProxies, func(_ context.Context, rs *runState) error {
			rs.proxies = DeriveProxies(rs.samples, b.cfg.MaxGap)
			return nil
		}},
		{StateJoining, func(_ context.Context, rs *runState) error {
			links, err := BuildLinks(rs.metro, rs.bike, b.cfg.Spatial)
			rs.links = links
			return err
		}},
		{StateResampling, func(_ context.Context, rs *runState) error {
			rows := append(gaugeRows(rs.samples), proxyRows(rs.proxies)...)
			series, err := Resample(rows, b.cfg.Granularity, b.loc)
			rs.series = series
			return err
		}},
		{StateStagingWrite, func(_ context.Context, rs *runState) error { return b.writeStaging(staging, rs) }},
	}
	for _, step := range steps {
		if err := b.enter(ctx, step.state); err != nil {
			return res, err
		}
		if err := step.fn(ctx, rs); err != nil {
			return res, &PipelineError{Stage: step.state, Err: err}
		}
	}

	if err := b.enter(ctx, StatePublishing); err != nil {
		return res, err
	}
	if err := publish(b.cfg.Dir, buildID); err != nil {
		return res, &PipelineError{Stage: StatePublishing, Err: err}
	}
	published = true
	metrics.BuildOutcomes.WithLabelValues("published").Inc()

	if removed, err := cleanupBuilds(b.cfg.Dir, b.cfg.KeepBuilds, buildID); err != nil {
		log.Warn("failed to remove old builds", "error", err)
	} else if len(removed) > 0 {
		log.Info("removed old builds", "builds", removed)
	}

	log.Info("silver build published",
		"dir", staging,
		"metro_stations", len(rs.metro),
		"bike_stations", len(rs.bike),
		"timeseries_rows", len(rs.series),
		"links", len(rs.links),
		"rejected", rs.meta.Rejected,
	)
	return BuildResult{BuildID: buildID, Dir: staging, Meta: rs.meta}, nil
}

func (b *Builder) readBronze(started time.Time, rs *runState) error {
	// Snapshots written after the build began are never read.
	view := b.cfg.Bronze.AsOf(started)

	load := func(dataset models.Dataset, cities []string) error {
		for _, city := range cities {
			ref, err := view.ListLatest(dataset, city)
			if err != nil {
				return err
			}
			snap, err := view.Read(ref)
			if err != nil {
				return err
			}
			rs.stationSnaps = append(rs.stationSnaps, stationSnapshot{dataset: dataset, city: city, ref: ref, snap: snap})
			rs.meta.Inputs = append(rs.meta.Inputs, b.input(ref))
		}
		return nil
	}
	if err := load(models.DatasetMetroStations, b.cfg.MetroCities); err != nil {
		return err
	}
	if err := load(models.DatasetBikeStations, b.cfg.BikeCities); err != nil {
		return err
	}

	for _, city := range b.cfg.BikeCities {
		refs, err := view.ListRecent(models.DatasetBikeAvailability, city, b.cfg.MaxAvailabilityFiles)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			b.log.Warn("no availability snapshots", "city", city)
		}
		rs.availability = append(rs.availability, refs...)
		for _, ref := range refs {
			rs.meta.Inputs = append(rs.meta.Inputs, b.input(ref))
		}
	}

	hash, err := hashInputs(rs.meta.Inputs)
	if err != nil {
		return err
	}
	rs.meta.InputsHash = hash
	return nil
}

func (b *Builder) input(ref bronze.SnapshotRef) InputSnapshot {
	file, err := filepath.Rel(b.cfg.Bronze.Root(), ref.Path)
	if err != nil {
		file = ref.Path
	}
	return InputSnapshot{Dataset: string(ref.Dataset), City: ref.City, File: filepath.ToSlash(file), RetrievedAt: ref.RetrievedAt}
}

func (b *Builder) reject(rs *runState, dataset models.Dataset, city string, index int, err error) {
	rs.meta.Rejected[string(dataset)]++
	metrics.RejectedRecords.WithLabelValues(string(dataset)).Inc()
	b.log.Warn("rejected record", "dataset", dataset, "city", city, "index", index, "error", err)
}

func (b *Builder) parse(rs *runState) error {
	for _, ss := range rs.stationSnaps {
		records, err := ss.snap.Records()
		if err != nil {
			return fmt.Errorf("decode %s: %w", ss.ref.Path, err)
		}
		parse := parsers.ParseBikeStation
		if ss.dataset == models.DatasetMetroStations {
			parse = parsers.ParseMetroStation
		}
		for i, rec := range records {
			st, err := parse(rec, ss.city)
			if err != nil {
				b.reject(rs, ss.dataset, ss.city, i, err)
				continue
			}
			if ss.dataset == models.DatasetMetroStations {
				rs.metro = append(rs.metro, st)
			} else {
				rs.bike = append(rs.bike, st)
			}
		}
	}
	// Station payloads can be large; drop them once parsed.
	rs.stationSnaps = nil

	for _, ref := range rs.availability {
		snap, err := b.cfg.Bronze.Read(ref)
		if err != nil {
			return err
		}
		records, err := snap.Records()
		if err != nil {
			return fmt.Errorf("decode %s: %w", ref.Path, err)
		}
		for i, rec := range records {
			s, err := parsers.ParseAvailability(rec)
			if err != nil {
				b.reject(rs, models.DatasetBikeAvailability, ref.City, i, err)
				continue
			}
			rs.samples = append(rs.samples, s)
		}
	}
	return nil
}

func (b *Builder) dedup(rs *runState) {
	var dups []string
	rs.metro, dups = DedupStations(rs.metro)
	if len(dups) > 0 {
		rs.meta.DuplicateStations[string(models.DatasetMetroStations)] = len(dups)
		b.log.Warn("duplicate station ids in snapshot, keeping first", "dataset", models.DatasetMetroStations, "station_ids", dups)
	}
	rs.bike, dups = DedupStations(rs.bike)
	if len(dups) > 0 {
		rs.meta.DuplicateStations[string(models.DatasetBikeStations)] = len(dups)
		b.log.Warn("duplicate station ids in snapshot, keeping first", "dataset", models.DatasetBikeStations, "station_ids", dups)
	}
	var dropped int
	rs.samples, dropped = DedupSamples(rs.samples)
	rs.meta.DuplicateSamples = dropped
}

func (b *Builder) writeStaging(dir string, rs *runState) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	if err := writeStations(filepath.Join(dir, FileMetroStations), rs.metro); err != nil {
		return err
	}
	if err := writeStations(filepath.Join(dir, FileBikeStations), rs.bike); err != nil {
		return err
	}
	if err := writeTimeseries(filepath.Join(dir, FileTimeseries), rs.series); err != nil {
		return err
	}
	if err := writeLinks(filepath.Join(dir, FileLinks), rs.links); err != nil {
		return err
	}

	rs.meta.RowCounts[FileMetroStations] = len(rs.metro)
	rs.meta.RowCounts[FileBikeStations] = len(rs.bike)
	rs.meta.RowCounts[FileTimeseries] = len(rs.series)
	rs.meta.RowCounts[FileLinks] = len(rs.links)
	rs.meta.FinishedAt = b.cfg.Clock.Now().UTC()
	if err := writeMeta(filepath.Join(dir, FileMeta), rs.meta); err != nil {
		return err
	}

	issues, err := Validate(dir)
	if err != nil {
		return err
	}
	if errs := Errors(issues); len(errs) > 0 {
		return fmt.Errorf("staged build failed validation: %d error(s), first: %s", len(errs), errs[0])
	}
	for _, issue := range issues {
		b.log.Warn("silver validation warning", "table", issue.Table, "message", issue.Message)
	}
	return nil
}
