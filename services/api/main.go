package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/02loveslollipop/metrobike-atlas/internal/logging"
	"github.com/02loveslollipop/metrobike-atlas/internal/metrics"
	"github.com/02loveslollipop/metrobike-atlas/services/api/config"
	httpserver "github.com/02loveslollipop/metrobike-atlas/services/api/http"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gin.SetMode(gin.ReleaseMode)
	metrics.BuildInfo.WithLabelValues("api", version, commit).Set(1)

	srv := httpserver.New(cfg, logger)
	logger.Info("REST API listening", "addr", cfg.ListenAddr(), "silver", cfg.SilverDir)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
