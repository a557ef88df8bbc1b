// Package observability holds process-wide watermark gauges.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitfolio",
		Subsystem: "sync",
		Name:      "last_user_synced_timestamp_seconds",
		Help:      "Unix timestamp of the most recent user whose last_sync was stamped.",
	})
	lastFleetRunGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitfolio",
		Subsystem: "fleet",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed fleet run.",
	})
	fleetUsersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fitfolio",
		Subsystem: "fleet",
		Name:      "last_run_users",
		Help:      "Users attempted and succeeded in the most recent fleet run.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(lastSyncGauge, lastFleetRunGauge, fleetUsersGauge)
}

// RecordUserSynced updates the last sync watermark gauge.
func RecordUserSynced(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSyncGauge.Set(float64(ts.Unix()))
}

// RecordFleetRun stores the counts of a finished fleet run.
func RecordFleetRun(ts time.Time, attempted, succeeded int) {
	if !ts.IsZero() {
		lastFleetRunGauge.Set(float64(ts.Unix()))
	}
	fleetUsersGauge.WithLabelValues("attempted").Set(float64(attempted))
	fleetUsersGauge.WithLabelValues("succeeded").Set(float64(succeeded))
}
