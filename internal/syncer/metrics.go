package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Unfixab1e/fitfolio/internal/domain"
)

var (
	recordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "sync",
		Name:      "records_upserted_total",
		Help:      "Records written by sync units, labeled by metric and whether the row was created or updated.",
	}, []string{"metric", "outcome"})

	skippedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "sync",
		Name:      "records_skipped_total",
		Help:      "Raw records rejected by the normalizer, labeled by metric and reason.",
	}, []string{"metric", "reason"})

	stageFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "sync",
		Name:      "stage_failures_total",
		Help:      "Stages that ended early, labeled by metric and failure kind.",
	}, []string{"metric", "kind"})

	unitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "sync",
		Name:      "units_total",
		Help:      "Sync units run, labeled by outcome.",
	}, []string{"outcome"})

	unitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fitfolio",
		Subsystem: "sync",
		Name:      "unit_duration_seconds",
		Help:      "Time spent running one user's sync unit.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(recordsCounter, skippedCounter, stageFailureCounter, unitCounter, unitDuration)
}

func recordStage(stage domain.StageResult) {
	metric := string(stage.Metric)
	if stage.Created > 0 {
		recordsCounter.WithLabelValues(metric, "created").Add(float64(stage.Created))
	}
	if stage.Updated > 0 {
		recordsCounter.WithLabelValues(metric, "updated").Add(float64(stage.Updated))
	}
}

func recordSkipped(metric domain.MetricType, reason string) {
	skippedCounter.WithLabelValues(string(metric), reason).Inc()
}

func recordStageFailure(metric domain.MetricType, kind string) {
	stageFailureCounter.WithLabelValues(string(metric), kind).Inc()
}

func recordUnit(err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	unitCounter.WithLabelValues(outcome).Inc()
	unitDuration.Observe(elapsed.Seconds())
}
