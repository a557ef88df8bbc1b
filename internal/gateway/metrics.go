package gateway

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Unfixab1e/fitfolio/internal/domain"
)

var (
	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitfolio",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Gateway fetch calls grouped by metric and outcome.",
	}, []string{"metric", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fitfolio",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Latency of gateway fetch calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"metric"})
)

func init() {
	prometheus.MustRegister(requestCounter, requestDuration)
}

func observeFetch(metric domain.MetricType, err error, elapsed time.Duration) {
	requestDuration.WithLabelValues(string(metric)).Observe(elapsed.Seconds())
	requestCounter.WithLabelValues(string(metric), outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		if gwErr.Timeout() {
			return "timeout"
		}
		if gwErr.Status != 0 {
			return "status_" + strconv.Itoa(gwErr.Status)
		}
	}
	return "transport_error"
}
