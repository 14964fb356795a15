package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/bronze"
	"github.com/02loveslollipop/metrobike-atlas/internal/lock"
	"github.com/02loveslollipop/metrobike-atlas/internal/metrics"
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

const cityPlaceholder = "{city}"

// Fetcher returns every record of a provider collection as one JSON array.
type Fetcher interface {
	FetchAll(ctx context.Context, path string, params map[string]string) (json.RawMessage, error)
}

// Target is one dataset collected for a set of cities from a per-city path template.
type Target struct {
	Dataset      models.Dataset
	Cities       []string
	PathTemplate string
}

type Config struct {
	Fetcher Fetcher
	Store   *bronze.Store
	Targets []Target
	// Params are sent with every request, $format=JSON unless set.
	Params map[string]string

	AvailabilityInterval time.Duration
	StationsInterval     time.Duration
	Jitter               time.Duration
	FailureBackoffBase   time.Duration
	FailureBackoffMax    time.Duration
	// PruneInterval of zero disables pruning in Run.
	PruneInterval time.Duration
	Retention     []bronze.RetentionPolicy
	// PruneLockPath is the builder lock; pruning is skipped while a build holds it.
	PruneLockPath string

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if c.Store == nil {
		return errors.New("bronze store is required")
	}
	if len(c.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	for _, t := range c.Targets {
		if !t.Dataset.Valid() {
			return fmt.Errorf("unknown dataset %q", t.Dataset)
		}
		if !strings.Contains(t.PathTemplate, cityPlaceholder) {
			return fmt.Errorf("%s path template must contain %s", t.Dataset, cityPlaceholder)
		}
	}
	if c.Params == nil {
		c.Params = map[string]string{"$format": "JSON"}
	}
	if c.AvailabilityInterval <= 0 {
		c.AvailabilityInterval = 5 * time.Minute
	}
	if c.StationsInterval <= 0 {
		c.StationsInterval = 24 * time.Hour
	}
	if c.Jitter < 0 {
		return errors.New("jitter must be non-negative")
	}
	if c.FailureBackoffBase <= 0 {
		c.FailureBackoffBase = 10 * time.Second
	}
	if c.FailureBackoffMax < c.FailureBackoffBase {
		c.FailureBackoffMax = max(c.FailureBackoffBase, 5*time.Minute)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// Collector pulls provider collections into Bronze, once or on a schedule.
type Collector struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	failures map[models.Dataset]*failureState
}

// failureState delays a dataset after it fails, doubling up to the configured max.
type failureState struct {
	policy      *backoff.ExponentialBackOff
	nextAllowed time.Time
}

// Result summarizes one collection pass.
type Result struct {
	Written []bronze.SnapshotRef
	Failed  int
	Skipped []models.Dataset
}

func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Collector{cfg: cfg, log: cfg.Logger, failures: make(map[models.Dataset]*failureState)}
	for _, t := range cfg.Targets {
		policy := &backoff.ExponentialBackOff{
			InitialInterval: cfg.FailureBackoffBase,
			Multiplier:      2,
			MaxInterval:     cfg.FailureBackoffMax,
		}
		policy.Reset()
		c.failures[t.Dataset] = &failureState{policy: policy}
	}
	return c, nil
}

// Once collects every target for every city, regardless of schedule or failure backoff.
// Per-city failures are logged and joined into the returned error; the remaining cities still run.
func (c *Collector) Once(ctx context.Context, datasets ...models.Dataset) (Result, error) {
	var res Result
	var errs []error
	for _, t := range c.cfg.Targets {
		if len(datasets) > 0 && !slices.Contains(datasets, t.Dataset) {
			continue
		}
		if err := c.collectTarget(ctx, t, &res); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, errors.Join(errs...)
}

func (c *Collector) collectTarget(ctx context.Context, t Target, res *Result) error {
	var errs []error
	for _, city := range t.Cities {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ref, err := c.collectCity(ctx, t, city)
		switch {
		case err == nil:
			res.Written = append(res.Written, ref)
		case errors.Is(err, bronze.ErrSnapshotExists):
			c.log.Warn("collector: snapshot already exists, skipping", "dataset", t.Dataset, "city", city)
		default:
			res.Failed++
			metrics.CollectErrors.WithLabelValues(string(t.Dataset)).Inc()
			c.log.Error("collector: collection failed", "dataset", t.Dataset, "city", city, "error", err)
			errs = append(errs, fmt.Errorf("%s/%s: %w", t.Dataset, city, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Collector) collectCity(ctx context.Context, t Target, city string) (bronze.SnapshotRef, error) {
	path := strings.ReplaceAll(t.PathTemplate, cityPlaceholder, city)
	payload, err := c.cfg.Fetcher.FetchAll(ctx, path, c.cfg.Params)
	if err != nil {
		return bronze.SnapshotRef{}, err
	}
	retrievedAt := c.cfg.Clock.Now().UTC()
	req := models.SnapshotRequest{Path: path, Params: c.cfg.Params}
	ref, err := c.cfg.Store.Write(t.Dataset, city, retrievedAt, req, payload)
	if err != nil {
		return bronze.SnapshotRef{}, err
	}
	c.log.Info("collector: wrote snapshot", "dataset", t.Dataset, "city", city, "path", ref.Path)
	return ref, nil
}

// Prune applies the configured retention policies to Bronze.
func (c *Collector) Prune(ctx context.Context) (bronze.PruneResult, error) {
	if len(c.cfg.Retention) == 0 {
		return bronze.PruneResult{}, nil
	}
	if c.cfg.PruneLockPath != "" {
		l, err := lock.Acquire(c.cfg.PruneLockPath)
		if err != nil {
			c.log.Warn("collector: prune skipped, lock unavailable", "error", err)
			return bronze.PruneResult{}, err
		}
		defer l.Release()
	}
	res, err := c.cfg.Store.Prune(ctx, c.cfg.Retention...)
	if err != nil {
		c.log.Error("collector: prune failed", "error", err)
		return res, err
	}
	c.log.Info("collector: pruned bronze", "deleted", res.Deleted, "archived", res.Archived, "bundles", len(res.Bundles))
	return res, nil
}

// Run collects availability every AvailabilityInterval and stations every StationsInterval
// until ctx is cancelled. The first pass runs immediately.
func (c *Collector) Run(ctx context.Context) error {
	c.log.Info("collector: starting",
		"availabilityInterval", c.cfg.AvailabilityInterval,
		"stationsInterval", c.cfg.StationsInterval,
		"pruneInterval", c.cfg.PruneInterval,
		"targets", len(c.cfg.Targets),
	)

	ticker := c.cfg.Clock.NewTicker(c.cfg.AvailabilityInterval)
	defer ticker.Stop()

	s := &schedule{due: make(map[models.Dataset]time.Time)}
	c.tick(ctx, s)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("collector: context done, stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			if err := c.sleepJitter(ctx); err != nil {
				return nil
			}
			c.tick(ctx, s)
		}
	}
}

// schedule tracks when each dataset and pruning are next due.
type schedule struct {
	due      map[models.Dataset]time.Time
	pruneDue time.Time
}

func (c *Collector) interval(dataset models.Dataset) time.Duration {
	if dataset == models.DatasetBikeAvailability {
		return 0
	}
	return c.cfg.StationsInterval
}

func (c *Collector) tick(ctx context.Context, s *schedule) Result {
	now := c.cfg.Clock.Now()
	var res Result
	for _, t := range c.cfg.Targets {
		if ctx.Err() != nil {
			return res
		}
		if now.Before(s.due[t.Dataset]) {
			continue
		}
		if !c.ready(t.Dataset, now) {
			c.log.Warn("collector: skipping dataset in failure backoff", "dataset", t.Dataset, "until", c.NextAllowed(t.Dataset))
			res.Skipped = append(res.Skipped, t.Dataset)
			continue
		}
		failedBefore := res.Failed
		_ = c.collectTarget(ctx, t, &res)
		failed := res.Failed > failedBefore
		c.record(t.Dataset, now, failed)
		if !failed {
			s.due[t.Dataset] = now.Add(c.interval(t.Dataset))
		}
	}

	if c.cfg.PruneInterval > 0 && !now.Before(s.pruneDue) {
		_, _ = c.Prune(ctx)
		s.pruneDue = now.Add(c.cfg.PruneInterval)
	}
	return res
}

func (c *Collector) ready(dataset models.Dataset, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.failures[dataset]
	return !now.Before(f.nextAllowed)
}

func (c *Collector) record(dataset models.Dataset, now time.Time, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.failures[dataset]
	if !failed {
		f.policy.Reset()
		f.nextAllowed = time.Time{}
		return
	}
	f.nextAllowed = now.Add(f.policy.NextBackOff())
}

// NextAllowed reports when a dataset in failure backoff may run again.
func (c *Collector) NextAllowed(dataset models.Dataset) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.failures[dataset]; ok {
		return f.nextAllowed
	}
	return time.Time{}
}

func (c *Collector) sleepJitter(ctx context.Context) error {
	if c.cfg.Jitter <= 0 {
		return nil
	}
	d := rand.N(c.cfg.Jitter)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cfg.Clock.After(d):
		return nil
	}
}
