package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/02loveslollipop/metrobike-atlas/internal/bronze"
	"github.com/02loveslollipop/metrobike-atlas/internal/config"
	"github.com/02loveslollipop/metrobike-atlas/internal/db"
	"github.com/02loveslollipop/metrobike-atlas/internal/lock"
	"github.com/02loveslollipop/metrobike-atlas/internal/logging"
	"github.com/02loveslollipop/metrobike-atlas/internal/metrics"
	"github.com/02loveslollipop/metrobike-atlas/internal/silver"
)

var (
	configPath string
	logLevel   string
	wait       bool
	noLock     bool
	noMirror   bool
	buildID    string

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "metrobike-builder",
	Short: "Builds Silver tables from Bronze snapshots",
	Long: `metrobike-builder turns the Bronze snapshots into a versioned Silver build
(stations, metro to bike links and the bike time series) and publishes it atomically.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("metrobike-builder %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run one Silver build and publish it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cfg, log, err := setup()
		if err != nil {
			return err
		}
		metrics.BuildInfo.WithLabelValues("builder", version, commit).Set(1)

		if !noLock {
			l, err := acquire(ctx, cfg.Silver, log)
			if err != nil {
				return err
			}
			defer l.Release()
		}

		store, err := bronze.NewStore(bronze.Config{Root: cfg.Bronze.Dir, Logger: log})
		if err != nil {
			return err
		}
		builderCfg := cfg.BuilderConfig(store)
		builderCfg.Logger = log
		b, err := silver.NewBuilder(builderCfg)
		if err != nil {
			return err
		}

		log.Info("Operation started: build_silver", "bronze", cfg.Bronze.Dir, "silver", cfg.Silver.Dir)
		res, err := b.Run(ctx)
		if err != nil {
			log.Error("Operation failed: build_silver", "state", b.State(), "error", err)
			return err
		}
		log.Info("Operation completed: build_silver", "build_id", res.BuildID, "dir", res.Dir)

		if cfg.DatabaseURL == "" || noMirror {
			return nil
		}
		return mirror(ctx, cfg, log, res.BuildID)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the tables of the current (or a given) Silver build",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}

		dir := silver.BuildDir(cfg.Silver.Dir, buildID)
		if buildID == "" {
			if dir, err = silver.CurrentDir(cfg.Silver.Dir); err != nil {
				return err
			}
		}
		issues, err := silver.Validate(dir)
		if err != nil {
			return err
		}
		for _, issue := range issues {
			fmt.Println(issue)
		}
		if errs := silver.Errors(issues); len(errs) > 0 {
			return fmt.Errorf("%s: %d validation errors", dir, len(errs))
		}
		log.Info("Operation completed: validate_silver", "dir", dir, "warnings", len(issues))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config (default $METROBIKEATLAS_CONFIG or config.yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	buildCmd.Flags().BoolVar(&wait, "wait", false, "Wait up to silver.lock_wait for a running build instead of failing")
	buildCmd.Flags().BoolVar(&noLock, "no-lock", false, "Build without taking the builder lock")
	buildCmd.Flags().BoolVar(&noMirror, "no-mirror", false, "Skip mirroring the build into PostgreSQL even when DATABASE_URL is set")
	validateCmd.Flags().StringVar(&buildID, "build", "", "Build id to validate instead of the current one")

	rootCmd.AddCommand(versionCmd, buildCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	return cfg, logging.New(os.Stderr, level), nil
}

func acquire(ctx context.Context, cfg config.SilverConfig, log *slog.Logger) (*lock.PIDLock, error) {
	path := cfg.LockPath()
	if !wait {
		return lock.Acquire(path)
	}
	if cfg.LockWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.LockWait)
		defer cancel()
	}
	log.Info("waiting for builder lock", "path", path, "timeout", cfg.LockWait)
	return lock.AcquireWait(ctx, path, 2*time.Second)
}

func mirror(ctx context.Context, cfg config.Config, log *slog.Logger, id string) error {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	tables, err := silver.NewReader(cfg.Silver.Dir).LoadBuild(id)
	if err != nil {
		return err
	}
	m := db.NewMirror(pool, db.DefaultSchema, log)
	if err := m.EnsureSchema(ctx); err != nil {
		return err
	}
	res, err := m.Replace(ctx, tables)
	if err != nil {
		log.Error("Operation failed: mirror_silver", "build_id", id, "error", err)
		return err
	}
	log.Info("Operation completed: mirror_silver", "build_id", res.BuildID, "stations", res.Stations, "links", res.Links, "timeseries", res.Timeseries)
	return nil
}
