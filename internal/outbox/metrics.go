package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Number of outbox events successfully published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Number of outbox events that failed to publish and routed to DLQ.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fitfolio",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Number of outbox events routed to the dead-letter queue, labeled by topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, batchDuration, dlqCounter)
}

var (
	replayRequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "outbox_dlq",
		Name:      "requeued_total",
		Help:      "Dead-lettered events moved back into the outbox.",
	}, []string{"topic"})

	replayRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "outbox_dlq",
		Name:      "retry_scheduled_total",
		Help:      "Replay attempts that failed and were rescheduled.",
	}, []string{"topic"})

	replayQuarantined = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "outbox_dlq",
		Name:      "quarantined_total",
		Help:      "Dead-lettered events quarantined after exhausting retries.",
	}, []string{"topic"})

	dlqBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitfolio",
		Subsystem: "outbox_dlq",
		Name:      "backlog",
		Help:      "Dead-lettered events still eligible for replay.",
	})
)

func init() {
	prometheus.MustRegister(replayRequeued, replayRetries, replayQuarantined, dlqBacklog)
}
