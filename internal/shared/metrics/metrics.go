// Package metrics holds the service's Prometheus collectors. Every label
// value comes from a closed set (phases, action kinds, error kinds, known
// intake sources, registered routes) so series counts stay bounded; callers
// must map anything caller-controlled onto such a set first.
package metrics

import (
	"bytes"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "pipeline"

var (
	registry = prometheus.NewRegistry()

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "transitions_total", Help: "History entries committed",
	}, []string{"action", "to"})
	transitionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "transition_rejections_total", Help: "Transition requests refused",
	}, []string{"kind"})
	transitionFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "transition_faults_total", Help: "Transition faults surfaced to callers",
	}, []string{"kind"})
	transitionRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "transition_retries_total", Help: "Transition units re-run",
	})
	notificationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "notifications_failed_total", Help: "Notifications that failed to deliver",
	})
	notificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "notifications_sent_total", Help: "Notifications delivered",
	}, []string{"channel"})
	workerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "worker_messages_total", Help: "Queue messages handled by the worker",
	}, []string{"outcome"})
	intakeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "intake_total", Help: "Submissions received by intake",
	}, []string{"source", "outcome"})
	httpPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_panics_total", Help: "Handler panics recovered",
	}, []string{"route"})

	transitionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transition_duration_ms",
		Help:      "Transition duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	})
)

func init() {
	registry.MustRegister(
		transitionsTotal,
		transitionRejections,
		transitionFaults,
		transitionRetries,
		notificationsFailed,
		notificationsSent,
		workerMessages,
		intakeTotal,
		httpPanics,
		transitionDuration,
	)
}

// IncTransition counts a committed history entry.
func IncTransition(action, to string) {
	transitionsTotal.WithLabelValues(action, to).Inc()
}

// IncTransitionRejected counts a request refused by validation or access checks.
func IncTransitionRejected(kind string) {
	transitionRejections.WithLabelValues(kind).Inc()
}

// IncTransitionFault counts a system fault surfaced to the caller.
func IncTransitionFault(kind string) {
	transitionFaults.WithLabelValues(kind).Inc()
}

// IncTransitionRetry counts a unit re-run after a lost race or failed commit.
func IncTransitionRetry() {
	transitionRetries.Inc()
}

// IncNotificationFailed counts a post-commit notification that could not be delivered.
func IncNotificationFailed() {
	notificationsFailed.Inc()
}

// IncNotificationSent counts a delivered notification by channel.
func IncNotificationSent(channel string) {
	notificationsSent.WithLabelValues(channel).Inc()
}

// IncWorkerMessage counts a queue message handled by the worker by outcome.
func IncWorkerMessage(outcome string) {
	workerMessages.WithLabelValues(outcome).Inc()
}

// IncIntake counts an ingested submission. source must already be a known
// source or "unknown".
func IncIntake(source, outcome string) {
	intakeTotal.WithLabelValues(source, outcome).Inc()
}

// IncPanic counts a recovered handler panic by route template.
func IncPanic(route string) {
	if route == "" {
		route = "unmatched"
	}
	httpPanics.WithLabelValues(route).Inc()
}

// ObserveTransitionDurationMs records how long one transition unit took.
func ObserveTransitionDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	transitionDuration.Observe(value)
}

// Handler exposes the registry in Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// Render returns the current registry in text format.
func Render() string {
	families, err := registry.Gather()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return buf.String()
		}
	}
	return buf.String()
}
