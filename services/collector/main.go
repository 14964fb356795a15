package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/02loveslollipop/metrobike-atlas/internal/bronze"
	"github.com/02loveslollipop/metrobike-atlas/internal/collector"
	"github.com/02loveslollipop/metrobike-atlas/internal/config"
	"github.com/02loveslollipop/metrobike-atlas/internal/logging"
	"github.com/02loveslollipop/metrobike-atlas/internal/metrics"
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/02loveslollipop/metrobike-atlas/internal/tdx"
)

var (
	configPath  string
	logLevel    string
	datasets    []string
	metricsAddr string

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "metrobike-collector",
	Short: "Collects TDX metro and bike snapshots into Bronze",
	Long: `metrobike-collector fetches metro stations, bike stations and bike
availability from TDX and stores every response as an immutable Bronze snapshot.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("metrobike-collector %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Collect every configured dataset once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		c, log, err := setup(ctx)
		if err != nil {
			return err
		}
		selected := make([]models.Dataset, 0, len(datasets))
		for _, d := range datasets {
			ds := models.Dataset(d)
			if !ds.Valid() {
				return fmt.Errorf("unknown dataset %q", d)
			}
			selected = append(selected, ds)
		}

		log.Info("Operation started: collect_once", "datasets", datasets)
		res, err := c.Once(ctx, selected...)
		log.Info("Operation completed: collect_once", "written", len(res.Written), "failed", res.Failed)
		return err
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collection loop (service mode)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c, log, err := setup(ctx)
		if err != nil {
			return err
		}
		metrics.BuildInfo.WithLabelValues("collector", version, commit).Set(1)
		if metricsAddr != "" {
			go serveMetrics(ctx, log, metricsAddr)
		}
		return c.Run(ctx)
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply Bronze retention once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		c, log, err := setup(ctx)
		if err != nil {
			return err
		}
		res, err := c.Prune(ctx)
		if err != nil {
			return err
		}
		log.Info("Operation completed: prune", "deleted", res.Deleted, "archived", res.Archived)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config (default $METROBIKEATLAS_CONFIG or config.yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	onceCmd.Flags().StringSliceVar(&datasets, "dataset", nil, "Restrict collection to these datasets (metro-stations, bike-stations, bike-availability)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090")

	rootCmd.AddCommand(versionCmd, onceCmd, runCmd, pruneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*collector.Collector, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log := logging.New(os.Stderr, level)

	if err := cfg.RequireCredentials(); err != nil {
		return nil, nil, err
	}
	archiver, err := newArchiver(ctx, cfg.Bronze.Archive)
	if err != nil {
		return nil, nil, err
	}
	store, err := bronze.NewStore(bronze.Config{Root: cfg.Bronze.Dir, Logger: log, Archiver: archiver})
	if err != nil {
		return nil, nil, err
	}

	clientCfg := cfg.TDX.ClientConfig()
	clientCfg.Logger = log
	client, err := tdx.NewClient(clientCfg)
	if err != nil {
		return nil, nil, err
	}

	c, err := collector.New(collector.Config{
		Fetcher:              client,
		Store:                store,
		Targets:              targets(cfg.Datasets),
		AvailabilityInterval: cfg.Collector.AvailabilityInterval,
		StationsInterval:     cfg.Collector.StationsInterval,
		Jitter:               cfg.Collector.Jitter,
		FailureBackoffBase:   cfg.Collector.FailureBackoffBase,
		FailureBackoffMax:    cfg.Collector.FailureBackoffMax,
		PruneInterval:        cfg.Collector.PruneInterval,
		Retention:            cfg.Bronze.Retention.Policies(),
		PruneLockPath:        cfg.Silver.LockPath(),
		Logger:               log,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, log, nil
}

func targets(d config.DatasetsConfig) []collector.Target {
	var out []collector.Target
	if len(d.Metro.Cities) > 0 {
		out = append(out, collector.Target{Dataset: models.DatasetMetroStations, Cities: d.Metro.Cities, PathTemplate: d.Metro.StationsPathTemplate})
	}
	if len(d.Bike.Cities) > 0 {
		out = append(out,
			collector.Target{Dataset: models.DatasetBikeStations, Cities: d.Bike.Cities, PathTemplate: d.Bike.StationsPathTemplate},
			collector.Target{Dataset: models.DatasetBikeAvailability, Cities: d.Bike.Cities, PathTemplate: d.Bike.AvailabilityPathTemplate},
		)
	}
	return out
}

// newArchiver prefers S3, then a local directory; nil means expired snapshots are deleted outright.
func newArchiver(ctx context.Context, cfg config.ArchiveConfig) (bronze.Archiver, error) {
	switch {
	case cfg.S3.Bucket != "":
		return bronze.NewS3Archiver(ctx, bronze.S3Config{
			Bucket:   cfg.S3.Bucket,
			Prefix:   cfg.S3.Prefix,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
	case cfg.Dir != "":
		return bronze.DirArchiver{Dir: cfg.Dir}, nil
	default:
		return nil, nil
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "error", err)
	}
}
