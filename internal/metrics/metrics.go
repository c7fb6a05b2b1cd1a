package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FlowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rurallend_flow_transitions_total",
			Help: "Flow events handled, by resulting state and outcome",
		},
		[]string{"from", "event", "outcome"},
	)

	UploadsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rurallend_uploads_total",
			Help: "Artifact uploads that reached a terminal status",
		},
		[]string{"outcome"},
	)

	UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rurallend_upload_attempts_total",
			Help: "Individual upload attempts, by error code",
		},
		[]string{"error_code"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rurallend_upload_queue_depth",
			Help: "Entries currently held in the upload queue",
		},
	)

	ServiceCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rurallend_service_call_duration_seconds",
			Help:    "Duration of external service calls in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "outcome"},
	)
)

// Outcome labels a finished call for the vectors above.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
