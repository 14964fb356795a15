package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/02loveslollipop/metrobike-atlas/internal/bronze"
	"github.com/02loveslollipop/metrobike-atlas/internal/models"
	"github.com/02loveslollipop/metrobike-atlas/internal/silver"
	"github.com/02loveslollipop/metrobike-atlas/internal/tdx"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "METROBIKEATLAS_CONFIG"
	EnvBronzeDir    = "METROBIKEATLAS_BRONZE_DIR"
	EnvSilverDir    = "METROBIKEATLAS_SILVER_DIR"
	EnvClientID     = "TDX_CLIENT_ID"
	EnvClientSecret = "TDX_CLIENT_SECRET"
	EnvDatabaseURL  = "DATABASE_URL"

	defaultConfigPath = "config.yml"
	cityPlaceholder   = "{city}"
)

// Config is the full runtime configuration shared by the collector, builder and API.
type Config struct {
	TDX       TDXConfig       `yaml:"tdx"`
	Datasets  DatasetsConfig  `yaml:"datasets"`
	Bronze    BronzeConfig    `yaml:"bronze"`
	Silver    SilverConfig    `yaml:"silver"`
	Spatial   SpatialConfig   `yaml:"spatial"`
	Temporal  TemporalConfig  `yaml:"temporal"`
	Collector CollectorConfig `yaml:"collector"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`

	// DatabaseURL enables the Postgres mirror of published builds. Env only.
	DatabaseURL string `yaml:"-"`
}

type TDXConfig struct {
	BaseURL            string        `yaml:"base_url" validate:"required,url"`
	TokenURL           string        `yaml:"token_url" validate:"required,url"`
	Timeout            time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries         int           `yaml:"max_retries" validate:"min=0"`
	BackoffInitial     time.Duration `yaml:"backoff_initial" validate:"gt=0"`
	BackoffMax         time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffInitial"`
	RefreshMargin      time.Duration `yaml:"refresh_margin" validate:"gte=0"`
	MinRequestInterval time.Duration `yaml:"min_request_interval" validate:"gte=0"`
	MaxPages           int           `yaml:"max_pages" validate:"min=1"`
	UserAgent          string        `yaml:"user_agent"`

	// Credentials come from the environment only.
	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
}

type DatasetsConfig struct {
	Metro MetroDatasets `yaml:"metro"`
	Bike  BikeDatasets  `yaml:"bike"`
}

type MetroDatasets struct {
	Cities               []string `yaml:"cities" validate:"dive,required"`
	StationsPathTemplate string   `yaml:"stations_path_template" validate:"required"`
}

type BikeDatasets struct {
	Cities                   []string `yaml:"cities" validate:"dive,required"`
	StationsPathTemplate     string   `yaml:"stations_path_template" validate:"required"`
	AvailabilityPathTemplate string   `yaml:"availability_path_template" validate:"required"`
}

type BronzeConfig struct {
	Dir       string          `yaml:"dir" validate:"required"`
	Retention RetentionConfig `yaml:"retention"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

type RetentionConfig struct {
	AvailabilityMaxAge   time.Duration `yaml:"availability_max_age" validate:"gte=0"`
	AvailabilityMaxFiles int           `yaml:"availability_max_files" validate:"min=0"`
	StationsMaxAge       time.Duration `yaml:"stations_max_age" validate:"gte=0"`
	StationsMaxFiles     int           `yaml:"stations_max_files" validate:"min=0"`
}

type ArchiveConfig struct {
	Dir string   `yaml:"dir"`
	S3  S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

type SilverConfig struct {
	Dir                  string        `yaml:"dir" validate:"required"`
	MaxAvailabilityFiles int           `yaml:"max_availability_files" validate:"min=1"`
	MaxGap               time.Duration `yaml:"max_gap" validate:"gt=0"`
	KeepBuilds           int           `yaml:"keep_builds" validate:"min=1"`
	LockFile             string        `yaml:"lock_file"`
	LockWait             time.Duration `yaml:"lock_wait" validate:"gte=0"`
}

type SpatialConfig struct {
	Method   string  `yaml:"method" validate:"oneof=buffer nearest"`
	Distance string  `yaml:"distance" validate:"oneof=haversine projected"`
	RadiusM  float64 `yaml:"radius_m" validate:"gte=0"`
	NearestK int     `yaml:"nearest_k" validate:"min=0"`
}

type TemporalConfig struct {
	Granularity string `yaml:"granularity" validate:"oneof=15min hour day"`
	Timezone    string `yaml:"timezone" validate:"required"`
}

type CollectorConfig struct {
	AvailabilityInterval time.Duration `yaml:"availability_interval" validate:"gt=0"`
	StationsInterval     time.Duration `yaml:"stations_interval" validate:"gt=0"`
	PruneInterval        time.Duration `yaml:"prune_interval" validate:"gte=0"`
	Jitter               time.Duration `yaml:"jitter" validate:"gte=0"`
	FailureBackoffBase   time.Duration `yaml:"failure_backoff_base" validate:"gt=0"`
	FailureBackoffMax    time.Duration `yaml:"failure_backoff_max" validate:"gtefield=FailureBackoffBase"`
}

type APIConfig struct {
	Port        int           `yaml:"port" validate:"min=1,max=65535"`
	BearerToken string        `yaml:"-"`
	CacheTTL    time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when no file overrides a value.
func Default() Config {
	return Config{
		TDX: TDXConfig{
			BaseURL:        "https://tdx.transportdata.tw/api/basic",
			TokenURL:       "https://tdx.transportdata.tw/auth/realms/TDXConnect/protocol/openid-connect/token",
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			BackoffInitial: time.Second,
			BackoffMax:     30 * time.Second,
			RefreshMargin:  60 * time.Second,
			MaxPages:       100,
			UserAgent:      "metrobike-atlas/1.0",
		},
		Datasets: DatasetsConfig{
			Metro: MetroDatasets{
				Cities:               []string{"TRTC"},
				StationsPathTemplate: "/v2/Rail/Metro/Station/{city}",
			},
			Bike: BikeDatasets{
				Cities:                   []string{"Taipei", "NewTaipei"},
				StationsPathTemplate:     "/v2/Bike/Station/City/{city}",
				AvailabilityPathTemplate: "/v2/Bike/Availability/City/{city}",
			},
		},
		Bronze: BronzeConfig{
			Dir: "data/bronze",
			Retention: RetentionConfig{
				AvailabilityMaxAge:   48 * time.Hour,
				AvailabilityMaxFiles: 288,
				StationsMaxFiles:     4,
			},
		},
		Silver: SilverConfig{
			Dir:                  "data/silver",
			MaxAvailabilityFiles: 500,
			MaxGap:               30 * time.Minute,
			KeepBuilds:           3,
			LockWait:             time.Hour,
		},
		Spatial: SpatialConfig{
			Method:   models.LinkMethodBuffer,
			Distance: silver.DistanceHaversine,
			RadiusM:  500,
			NearestK: 3,
		},
		Temporal: TemporalConfig{
			Granularity: string(silver.GranularityHour),
			Timezone:    "Asia/Taipei",
		},
		Collector: CollectorConfig{
			AvailabilityInterval: 5 * time.Minute,
			StationsInterval:     24 * time.Hour,
			PruneInterval:        time.Hour,
			Jitter:               10 * time.Second,
			FailureBackoffBase:   10 * time.Second,
			FailureBackoffMax:    5 * time.Minute,
		},
		API: APIConfig{
			Port:     8080,
			CacheTTL: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads .env, the YAML file at path (or $METROBIKEATLAS_CONFIG, or config.yml),
// applies environment overrides and validates the result.
// A missing file is an error only when its path was given explicitly.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")

	explicit := true
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path == "" {
		path = defaultConfigPath
		explicit = false
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvClientID)); v != "" {
		c.TDX.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvClientSecret)); v != "" {
		c.TDX.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		c.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBronzeDir)); v != "" {
		c.Bronze.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSilverDir)); v != "" {
		c.Silver.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("API_BEARER_TOKEN")); v != "" {
		c.API.BearerToken = v
	}
}

// Validate checks struct constraints and the cross-field rules tags cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	templates := map[string]string{
		"datasets.metro.stations_path_template":    c.Datasets.Metro.StationsPathTemplate,
		"datasets.bike.stations_path_template":     c.Datasets.Bike.StationsPathTemplate,
		"datasets.bike.availability_path_template": c.Datasets.Bike.AvailabilityPathTemplate,
	}
	for name, tmpl := range templates {
		if !strings.Contains(tmpl, cityPlaceholder) {
			return fmt.Errorf("invalid config: %s must contain %s", name, cityPlaceholder)
		}
	}
	if _, err := time.LoadLocation(c.Temporal.Timezone); err != nil {
		return fmt.Errorf("invalid config: temporal.timezone: %w", err)
	}
	if c.Spatial.Method == models.LinkMethodBuffer && c.Spatial.RadiusM <= 0 {
		return errors.New("invalid config: spatial.radius_m must be positive for buffer joins")
	}
	if c.Spatial.Method == models.LinkMethodNearest && c.Spatial.NearestK < 1 {
		return errors.New("invalid config: spatial.nearest_k must be at least 1 for nearest joins")
	}
	return nil
}

// RequireCredentials fails when the provider credentials are missing from the environment.
func (c Config) RequireCredentials() error {
	if c.TDX.ClientID == "" || c.TDX.ClientSecret == "" {
		return fmt.Errorf("%s and %s are required", EnvClientID, EnvClientSecret)
	}
	return nil
}

// CityPath fills the {city} placeholder of a path template.
func CityPath(template, city string) string {
	return strings.ReplaceAll(template, cityPlaceholder, city)
}

func (t TDXConfig) ClientConfig() tdx.Config {
	return tdx.Config{
		BaseURL:            t.BaseURL,
		TokenURL:           t.TokenURL,
		Credentials:        models.Credentials{ClientID: t.ClientID, ClientSecret: t.ClientSecret},
		Timeout:            t.Timeout,
		MaxRetries:         t.MaxRetries,
		BackoffInitial:     t.BackoffInitial,
		BackoffMax:         t.BackoffMax,
		RefreshMargin:      t.RefreshMargin,
		MinRequestInterval: t.MinRequestInterval,
		MaxPages:           t.MaxPages,
		UserAgent:          t.UserAgent,
	}
}

func (s SpatialConfig) Silver() silver.SpatialConfig {
	return silver.SpatialConfig{
		Method:   s.Method,
		Distance: s.Distance,
		RadiusM:  s.RadiusM,
		NearestK: s.NearestK,
	}
}

// Policies returns the Bronze retention rule for every dataset.
func (r RetentionConfig) Policies() []bronze.RetentionPolicy {
	return []bronze.RetentionPolicy{
		{Dataset: models.DatasetBikeAvailability, MaxAge: r.AvailabilityMaxAge, MaxFilesPerCity: r.AvailabilityMaxFiles},
		{Dataset: models.DatasetMetroStations, MaxAge: r.StationsMaxAge, MaxFilesPerCity: r.StationsMaxFiles},
		{Dataset: models.DatasetBikeStations, MaxAge: r.StationsMaxAge, MaxFilesPerCity: r.StationsMaxFiles},
	}
}

// BuilderConfig maps the Silver, spatial and temporal sections onto a builder config.
func (c Config) BuilderConfig(store *bronze.Store) silver.Config {
	return silver.Config{
		Bronze:               store,
		Dir:                  c.Silver.Dir,
		MetroCities:          c.Datasets.Metro.Cities,
		BikeCities:           c.Datasets.Bike.Cities,
		MaxAvailabilityFiles: c.Silver.MaxAvailabilityFiles,
		MaxGap:               c.Silver.MaxGap,
		Spatial:              c.Spatial.Silver(),
		Granularity:          silver.Granularity(c.Temporal.Granularity),
		Timezone:             c.Temporal.Timezone,
		KeepBuilds:           c.Silver.KeepBuilds,
	}
}

// LockPath is the builder lock file, next to the Silver root unless configured.
func (s SilverConfig) LockPath() string {
	if s.LockFile != "" {
		return s.LockFile
	}
	return strings.TrimRight(s.Dir, "/") + ".lock"
}
