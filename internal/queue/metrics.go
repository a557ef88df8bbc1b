package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "queue",
		Name:      "requests_published_total",
		Help:      "Number of sync requests written to Kafka.",
	})

	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "queue",
		Name:      "messages_processed_total",
		Help:      "Number of sync requests successfully handled.",
	}, []string{"topic"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "queue",
		Name:      "handler_errors_total",
		Help:      "Number of handler errors grouped by topic.",
	}, []string{"topic"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "queue",
		Name:      "decode_errors_total",
		Help:      "Number of decode failures per topic.",
	}, []string{"topic"})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fitfolio",
		Subsystem: "queue",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed message per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(publishedCounter, processedCounter, handlerErrorCounter, decodeErrorCounter, lastMessageGauge)
}

func recordProcessed(msg Message) {
	processedCounter.WithLabelValues(msg.Topic).Inc()
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordHandlerError(msg Message) {
	handlerErrorCounter.WithLabelValues(msg.Topic).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}
