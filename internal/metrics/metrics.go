package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metrobikeatlas_build_info",
		Help: "Build information of the running binary",
	}, []string{"service", "version", "commit"})

	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metrobikeatlas_provider_requests_total", Help: "Provider HTTP requests by response status class.",
	}, []string{"endpoint", "status"})
	ProviderRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metrobikeatlas_provider_retries_total", Help: "Provider requests retried after a transient failure.",
	})
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metrobikeatlas_provider_token_refreshes_total", Help: "Access token exchanges by reason.",
	}, []string{"reason"})

	SnapshotsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metrobikeatlas_bronze_snapshots_written_total", Help: "Bronze snapshots written.",
	}, []string{"dataset"})
	SnapshotsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metrobikeatlas_bronze_snapshots_pruned_total", Help: "Bronze snapshots deleted by retention.",
	}, []string{"dataset"})
	CollectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metrobikeatlas_collect_errors_total", Help: "Collection failures by dataset.",
	}, []string{"dataset"})

	RejectedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metrobikeatlas_silver_rejected_records_total", Help: "Raw records rejected by validation during builds.",
	}, []string{"dataset"})
	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metrobikeatlas_silver_build_duration_seconds",
		Help:    "Duration of Silver builds.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	BuildOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metrobikeatlas_silver_builds_total", Help: "Silver build outcomes.",
	}, []string{"result"})
)
