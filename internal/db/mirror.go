package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/02loveslollipop/metrobike-atlas/internal/silver"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DefaultSchema = "metrobike"

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Connect opens a pgx pool and checks it is reachable.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Mirror copies published Silver builds into Postgres, one transaction per build.
type Mirror struct {
	db     TxBeginner
	schema string
	log    *slog.Logger
}

func NewMirror(db TxBeginner, schema string, logger *slog.Logger) *Mirror {
	if schema == "" {
		schema = DefaultSchema
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mirror{db: db, schema: schema, log: logger}
}

// ReplaceResult counts the rows written by Replace.
type ReplaceResult struct {
	BuildID    string
	Stations   int
	Links      int
	Timeseries int64
}

func (m *Mirror) table(name string) string {
	return pgx.Identifier{m.schema, name}.Sanitize()
}

// EnsureSchema creates the mirror schema and tables when missing.
func (m *Mirror) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{m.schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    build_id TEXT PRIMARY KEY,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    meta JSONB NOT NULL,
    mirrored_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, m.table("builds")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    kind TEXT NOT NULL,
    city TEXT NOT NULL,
    station_id TEXT NOT NULL,
    name TEXT NOT NULL,
    name_en TEXT,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    system TEXT NOT NULL,
    capacity INTEGER,
    PRIMARY KEY (kind, city, station_id)
)`, m.table("stations")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    metro_station_id TEXT NOT NULL,
    bike_station_id TEXT NOT NULL,
    distance_m DOUBLE PRECISION NOT NULL,
    method TEXT NOT NULL,
    PRIMARY KEY (metro_station_id, bike_station_id)
)`, m.table("metro_bike_links")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    station_id TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    metric TEXT NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (station_id, metric, ts)
)`, m.table("bike_timeseries")),
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Replace swaps the mirrored tables for the contents of t in a single transaction,
// so readers see either the previous build or the new one.
func (m *Mirror) Replace(ctx context.Context, t *silver.Tables) (ReplaceResult, error) {
	if t == nil || t.Meta.BuildID == "" {
		return ReplaceResult{}, errors.New("replace: build id is required")
	}
	res := ReplaceResult{BuildID: t.Meta.BuildID}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, name := range []string{"stations", "metro_bike_links", "bike_timeseries"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+m.table(name)); err != nil {
			return res, fmt.Errorf("clear %s: %w", name, err)
		}
	}

	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return res, fmt.Errorf("encode meta: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO `+m.table("builds")+` (build_id, started_at, finished_at, meta)
VALUES ($1,$2,$3,$4)
ON CONFLICT (build_id) DO UPDATE
SET meta = EXCLUDED.meta,
    mirrored_at = NOW()`, t.Meta.BuildID, t.Meta.StartedAt, t.Meta.FinishedAt, meta)

	stationSQL := `INSERT INTO ` + m.table("stations") + ` (kind, city, station_id, name, name_en, lat, lon, system, capacity)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	queueStations := func(kind string, stations []models.StationRecord) {
		for _, s := range stations {
			batch.Queue(stationSQL, kind, s.City, s.StationID, s.Name, nullable(s.NameEn), s.Lat, s.Lon, s.System, s.Capacity)
			res.Stations++
		}
	}
	queueStations("metro", t.Metro)
	queueStations("bike", t.Bike)

	linkSQL := `INSERT INTO ` + m.table("metro_bike_links") + ` (metro_station_id, bike_station_id, distance_m, method)
VALUES ($1,$2,$3,$4)`
	for _, l := range t.Links {
		batch.Queue(linkSQL, l.MetroStationID, l.BikeStationID, l.DistanceM, l.Method)
		res.Links++
	}

	if err := execBatch(ctx, tx, batch); err != nil {
		return res, err
	}

	rows := make([][]any, 0, len(t.Timeseries))
	for _, r := range t.Timeseries {
		rows = append(rows, []any{r.StationID, r.TS, r.Metric, r.Value})
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{m.schema, "bike_timeseries"},
		[]string{"station_id", "ts", "metric", "value"}, pgx.CopyFromRows(rows))
	if err != nil {
		return res, fmt.Errorf("copy timeseries: %w", err)
	}
	res.Timeseries = n

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	m.log.Info("db: mirrored silver build", "build_id", res.BuildID, "stations", res.Stations, "links", res.Links, "timeseries", res.Timeseries)
	return res, nil
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return br.Close()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
