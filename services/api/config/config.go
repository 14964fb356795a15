package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	atlasconfig "github.com/02loveslollipop/metrobike-atlas/internal/config"
)

// Config holds settings for the read-only REST API.
type Config struct {
	SilverDir   string
	Port        int
	BearerToken string
	CacheTTL    time.Duration
	LogLevel    string
}

// Load reads the shared configuration file, then the API's own environment
// variables (PORT or API_PORT, API_BEARER_TOKEN).
func Load(path string) (Config, error) {
	shared, err := atlasconfig.Load(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		SilverDir:   shared.Silver.Dir,
		Port:        shared.API.Port,
		BearerToken: shared.API.BearerToken,
		CacheTTL:    shared.API.CacheTTL,
		LogLevel:    shared.Logging.Level,
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid PORT: %s", portStr)
		}
	} else if portStr := os.Getenv("API_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid API_PORT: %s", portStr)
		}
	}

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
