// Package metrics exposes Prometheus collectors for recovery and backup
// observability. Collectors register on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rollcall"

var (
	RecoveryDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_detected_total",
		Help:      "Interrupted sessions surfaced for recovery.",
	}, []string{"type"})
	RecoveryExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_expired_total",
		Help:      "Recovery prompts auto-abandoned after the expiry window.",
	}, []string{"type"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backup_queue_depth",
		Help:      "Backup jobs waiting for delivery.",
	})
	JobsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backup_jobs_delivered_total",
		Help:      "Backup jobs delivered to the remote store.",
	})
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backup_jobs_failed_total",
		Help:      "Failed backup delivery attempts.",
	})
	JobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backup_jobs_dropped_total",
		Help:      "Backup jobs dropped after reaching the retry ceiling.",
	})
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_version_conflicts_total",
		Help:      "Conditional writes rejected because the remote object changed.",
	})
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backup_drain_duration_seconds",
		Help:      "Duration of backup queue drain passes.",
		Buckets:   prometheus.DefBuckets,
	})

	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connectivity_online",
		Help:      "1 when the remote store is reachable.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetOnline records the current connectivity state.
func SetOnline(online bool) {
	if online {
		Online.Set(1)
		return
	}
	Online.Set(0)
}
