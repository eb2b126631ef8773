// Package metrics exposes Prometheus instrumentation for the bot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fixbot"

var (
	webhookCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by platform, event type and outcome",
		},
		[]string{"platform", "event", "outcome"},
	)

	jobCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished jobs by outcome",
		},
		[]string{"outcome"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "result"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_queue_depth",
			Help:      "Jobs waiting for a worker",
		},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed",
		},
	)
)

// knownEvents bounds the event label. Headers are caller controlled and are
// recorded before the signature check.
var knownEvents = map[string]bool{
	"issues":        true,
	"issue_comment": true,
	"Issue Hook":    true,
	"Note Hook":     true,
}

// Webhook counts one delivery. Outcome is accepted, ignored, rejected or error.
// Unknown platforms and events are counted as "other".
func Webhook(platform, event, outcome string) {
	if platform != "github" && platform != "gitcode" {
		platform = "other"
	}
	if !knownEvents[event] {
		event = "other"
	}
	webhookCounter.With(prometheus.Labels{
		"platform": platform,
		"event":    event,
		"outcome":  outcome,
	}).Inc()
}

// JobFinished counts a job that reached a terminal state.
func JobFinished(succeeded bool) {
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	jobCounter.WithLabelValues(outcome).Inc()
}

// StageDone records how long a stage took.
func StageDone(stage string, success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	stageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

// SetQueueDepth reports the current dispatcher backlog.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// JobStarted marks a job as in flight.
func JobStarted() { jobsInFlight.Inc() }

// JobDone releases an in-flight job.
func JobDone() { jobsInFlight.Dec() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
