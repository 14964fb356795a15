package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/bronze"
	"github.com/02loveslollipop/metrobike-atlas/internal/lock"
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/02loveslollipop/metrobike-atlas/internal/tdx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 19, 9, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeFetcher) FetchAll(_ context.Context, path string, _ map[string]string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	for frag, err := range f.fail {
		if strings.Contains(path, frag) {
			return nil, err
		}
	}
	return json.RawMessage(fmt.Sprintf(`[{"path":%q}]`, path)), nil
}

func (f *fakeFetcher) setFail(frag string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, frag)
		return
	}
	f.fail[frag] = err
}

func (f *fakeFetcher) callCount(frag string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, frag) {
			n++
		}
	}
	return n
}

func testTargets() []Target {
	return []Target{
		{Dataset: models.DatasetMetroStations, Cities: []string{"TRTC"}, PathTemplate: "/v2/Rail/Metro/Station/{city}"},
		{Dataset: models.DatasetBikeStations, Cities: []string{"Taipei", "NewTaipei"}, PathTemplate: "/v2/Bike/Station/City/{city}"},
		{Dataset: models.DatasetBikeAvailability, Cities: []string{"Taipei", "NewTaipei"}, PathTemplate: "/v2/Bike/Availability/City/{city}"},
	}
}

func newTestCollector(t *testing.T, fetcher Fetcher, clock clockwork.Clock, mutate func(*Config)) (*Collector, *bronze.Store) {
	t.Helper()
	store, err := bronze.NewStore(bronze.Config{Root: t.TempDir(), Clock: clock})
	require.NoError(t, err)
	cfg := Config{
		Fetcher:              fetcher,
		Store:                store,
		Targets:              testTargets(),
		AvailabilityInterval: 5 * time.Minute,
		StationsInterval:     24 * time.Hour,
		FailureBackoffBase:   10 * time.Second,
		FailureBackoffMax:    40 * time.Second,
		Clock:                clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, store
}

func countSnapshots(t *testing.T, store *bronze.Store, dataset models.Dataset, city string) int {
	t.Helper()
	refs, err := store.ListRecent(dataset, city, 0)
	require.NoError(t, err)
	return len(refs)
}

// snapshotCount is safe to call from require.Eventually conditions.
func snapshotCount(store *bronze.Store, dataset models.Dataset, city string) int {
	refs, err := store.ListRecent(dataset, city, 0)
	if err != nil {
		return -1
	}
	return len(refs)
}

func TestCollector_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.Error(t, cfg.Validate())

	store, err := bronze.NewStore(bronze.Config{Root: t.TempDir()})
	require.NoError(t, err)
	cfg = &Config{Fetcher: &fakeFetcher{}, Store: store}
	require.Error(t, cfg.Validate())

	cfg.Targets = []Target{{Dataset: "weather", Cities: []string{"Taipei"}, PathTemplate: "/{city}"}}
	require.Error(t, cfg.Validate())

	cfg.Targets = []Target{{Dataset: models.DatasetBikeStations, Cities: []string{"Taipei"}, PathTemplate: "/v2/Bike/Station"}}
	require.Error(t, cfg.Validate())

	cfg.Targets = testTargets()
	require.NoError(t, cfg.Validate())
	require.Equal(t, map[string]string{"$format": "JSON"}, cfg.Params)
	require.Equal(t, 5*time.Minute, cfg.AvailabilityInterval)
	require.Equal(t, 10*time.Second, cfg.FailureBackoffBase)
	require.Equal(t, 5*time.Minute, cfg.FailureBackoffMax)
}

func TestCollector_OnceWritesEveryCity(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fail: map[string]error{}}
	c, store := newTestCollector(t, fetcher, clockwork.NewFakeClockAt(t0), nil)

	res, err := c.Once(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Written, 5)
	require.Zero(t, res.Failed)

	ref, err := store.ListLatest(models.DatasetBikeAvailability, "NewTaipei")
	require.NoError(t, err)
	require.Equal(t, t0, ref.RetrievedAt)

	snap, err := store.Read(ref)
	require.NoError(t, err)
	require.Equal(t, "/v2/Bike/Availability/City/NewTaipei", snap.Request.Path)
	require.Equal(t, "JSON", snap.Request.Params["$format"])
	require.JSONEq(t, `[{"path":"/v2/Bike/Availability/City/NewTaipei"}]`, string(snap.Payload))
}

func TestCollector_OnceFiltersDatasets(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fail: map[string]error{}}
	c, store := newTestCollector(t, fetcher, clockwork.NewFakeClockAt(t0), nil)

	res, err := c.Once(context.Background(), models.DatasetBikeAvailability)
	require.NoError(t, err)
	require.Len(t, res.Written, 2)
	require.Zero(t, countSnapshots(t, store, models.DatasetMetroStations, "TRTC"))
}

func TestCollector_OnceContinuesPastFailingCity(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fail: map[string]error{"Station/City/Taipei": errors.New("boom")}}
	c, store := newTestCollector(t, fetcher, clockwork.NewFakeClockAt(t0), nil)

	res, err := c.Once(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "bike-stations/Taipei")
	require.Equal(t, 1, res.Failed)
	require.Len(t, res.Written, 4)
	require.Equal(t, 1, countSnapshots(t, store, models.DatasetBikeStations, "NewTaipei"))
	require.Zero(t, countSnapshots(t, store, models.DatasetBikeStations, "Taipei"))
}

func TestCollector_OnceSkipsExistingSnapshot(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fail: map[string]error{}}
	c, _ := newTestCollector(t, fetcher, clockwork.NewFakeClockAt(t0), nil)

	_, err := c.Once(context.Background())
	require.NoError(t, err)

	// Same clock second: every key collides and nothing counts as a failure.
	res, err := c.Once(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Written)
	require.Zero(t, res.Failed)
}

func TestCollector_OnceWithProviderClient(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","expires_in":3600}`)
	})
	var srv *httptest.Server
	mux.HandleFunc("/api/v2/Bike/Availability/City/Taipei", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"value":[{"StationUID":"B2"}]}`)
			return
		}
		fmt.Fprintf(w, `{"value":[{"StationUID":"B1"}],"@odata.nextLink":%q}`, srv.URL+r.URL.Path+"?page=2")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clock := clockwork.NewFakeClockAt(t0)
	client, err := tdx.NewClient(tdx.Config{
		BaseURL:     srv.URL + "/api",
		TokenURL:    srv.URL + "/auth/token",
		Credentials: models.Credentials{ClientID: "id", ClientSecret: "secret"},
		Clock:       clock,
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)

	c, store := newTestCollector(t, client, clock, func(cfg *Config) {
		cfg.Targets = []Target{{Dataset: models.DatasetBikeAvailability, Cities: []string{"Taipei"}, PathTemplate: "/v2/Bike/Availability/City/{city}"}}
	})

	res, err := c.Once(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Written, 1)

	snap, err := store.Read(res.Written[0])
	require.NoError(t, err)
	require.JSONEq(t, `[{"StationUID":"B1"},{"StationUID":"B2"}]`, string(snap.Payload))
}

func TestCollector_TickHonoursSchedule(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fail: map[string]error{}}
	clock := clockwork.NewFakeClockAt(t0)
	c, store := newTestCollector(t, fetcher, clock, func(cfg *Config) {
		cfg.PruneInterval = time.Hour
		cfg.Retention = []bronze.RetentionPolicy{{Dataset: models.DatasetBikeAvailability, MaxFilesPerCity: 2}}
	})
	s := &schedule{due: make(map[models.Dataset]time.Time)}
	ctx := context.Background()

	res := c.tick(ctx, s)
	require.Len(t, res.Written, 5)

	for range 3 {
		clock.Advance(5 * time.Minute)
		res = c.tick(ctx, s)
		require.Len(t, res.Written, 2)
	}
	require.Equal(t, 1, fetcher.callCount("Rail/Metro/Station"))
	require.Equal(t, 4, fetcher.callCount("Availability/City/Taipei"))
	// Pruned on the first tick only; the next prune is an hour out.
	require.Equal(t, 4, countSnapshots(t, store, models.DatasetBikeAvailability, "Taipei"))

	clock.Advance(24 * time.Hour)
	res = c.tick(ctx, s)
	require.Len(t, res.Written, 5)
	require.Equal(t, 2, fetcher.callCount("Rail/Metro/Station"))
	require.Equal(t, 2, countSnapshots(t, store, models.DatasetBikeAvailability, "Taipei"))
}

func TestCollector_FailureBackoff(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fail: map[string]error{"Availability": errors.New("rate limited")}}
	clock := clockwork.NewFakeClockAt(t0)
	c, store := newTestCollector(t, fetcher, clock, nil)
	s := &schedule{due: make(map[models.Dataset]time.Time)}
	ctx := context.Background()

	res := c.tick(ctx, s)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, t0.Add(10*time.Second), c.NextAllowed(models.DatasetBikeAvailability))
	require.True(t, c.NextAllowed(models.DatasetBikeStations).IsZero())

	clock.Advance(5 * time.Second)
	res = c.tick(ctx, s)
	require.Equal(t, []models.Dataset{models.DatasetBikeAvailability}, res.Skipped)
	require.Equal(t, 2, fetcher.callCount("Availability"))

	clock.Advance(5 * time.Second)
	res = c.tick(ctx, s)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, clock.Now().Add(20*time.Second), c.NextAllowed(models.DatasetBikeAvailability))

	clock.Advance(20 * time.Second)
	c.tick(ctx, s)
	require.Equal(t, clock.Now().Add(40*time.Second), c.NextAllowed(models.DatasetBikeAvailability))

	clock.Advance(40 * time.Second)
	c.tick(ctx, s)
	// Capped at FailureBackoffMax.
	require.Equal(t, clock.Now().Add(40*time.Second), c.NextAllowed(models.DatasetBikeAvailability))

	fetcher.setFail("Availability", nil)
	clock.Advance(40 * time.Second)
	res = c.tick(ctx, s)
	require.Len(t, res.Written, 2)
	require.True(t, c.NextAllowed(models.DatasetBikeAvailability).IsZero())
	require.Equal(t, 1, countSnapshots(t, store, models.DatasetBikeAvailability, "Taipei"))
}

func TestCollector_FailedStationsRetryBeforeInterval(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fail: map[string]error{"Rail/Metro": errors.New("boom")}}
	clock := clockwork.NewFakeClockAt(t0)
	c, _ := newTestCollector(t, fetcher, clock, nil)
	s := &schedule{due: make(map[models.Dataset]time.Time)}
	ctx := context.Background()

	c.tick(ctx, s)
	fetcher.setFail("Rail/Metro", nil)
	clock.Advance(5 * time.Minute)
	res := c.tick(ctx, s)

	require.Equal(t, 2, fetcher.callCount("Rail/Metro"))
	require.Equal(t, 1, fetcher.callCount("Bike/Station/City/Taipei"))
	require.Len(t, res.Written, 3)
}

func TestCollector_RunUntilCancelled(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fail: map[string]error{}}
	clock := clockwork.NewFakeClockAt(t0)
	c, store := newTestCollector(t, fetcher, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return snapshotCount(store, models.DatasetBikeAvailability, "NewTaipei") == 1
	}, 2*time.Second, 5*time.Millisecond)

	clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		return snapshotCount(store, models.DatasetBikeAvailability, "NewTaipei") == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	require.Equal(t, 1, countSnapshots(t, store, models.DatasetMetroStations, "TRTC"))
}

func TestCollector_PruneSkippedWhileBuildHoldsLock(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "silver.lock")
	fetcher := &fakeFetcher{fail: map[string]error{}}
	clock := clockwork.NewFakeClockAt(t0)
	c, store := newTestCollector(t, fetcher, clock, func(cfg *Config) {
		cfg.Retention = []bronze.RetentionPolicy{{Dataset: models.DatasetBikeAvailability, MaxFilesPerCity: 1}}
		cfg.PruneLockPath = lockPath
	})
	ctx := context.Background()
	for range 3 {
		_, err := c.Once(ctx, models.DatasetBikeAvailability)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	held, err := lock.Acquire(lockPath)
	require.NoError(t, err)
	_, err = c.Prune(ctx)
	require.ErrorIs(t, err, lock.ErrLocked)
	require.Equal(t, 3, countSnapshots(t, store, models.DatasetBikeAvailability, "Taipei"))

	require.NoError(t, held.Release())
	res, err := c.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, res.Deleted)
	require.Equal(t, 1, countSnapshots(t, store, models.DatasetBikeAvailability, "Taipei"))
	_, err = os.Stat(lockPath)
	require.True(t, os.IsNotExist(err))
}
