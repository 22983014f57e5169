package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MQTTReconnectsTotal counts reconnect attempts made by the MQTT
	// transport actor's backoff loop.
	MQTTReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tedged_mqtt_reconnects_total",
			Help: "Total number of MQTT broker reconnect attempts",
		},
	)

	// MQTTPublishDuration times publishes to the local broker.
	MQTTPublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tedged_mqtt_publish_duration_seconds",
			Help:    "Time taken to publish a message to the local broker",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WorkflowOperationsTotal counts completed operation instances by
	// kind and terminal status (successful, failed).
	WorkflowOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tedged_workflow_operations_total",
			Help: "Total number of completed workflow operation instances",
		},
		[]string{"operation", "status"},
	)

	// WorkflowOperationDuration times an operation from init to a
	// terminal state.
	WorkflowOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tedged_workflow_operation_duration_seconds",
			Help:    "Time from operation init to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"operation"},
	)

	// EntitiesRegisteredTotal counts entities the entity store actor
	// auto-registers.
	EntitiesRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tedged_entities_registered_total",
			Help: "Total number of entity registration messages processed",
		},
	)

	// TransferBytesTotal counts bytes moved by the download/upload
	// actors, by direction.
	TransferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tedged_transfer_bytes_total",
			Help: "Total bytes transferred by the file transfer actors",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		MQTTReconnectsTotal,
		MQTTPublishDuration,
		WorkflowOperationsTotal,
		WorkflowOperationDuration,
		EntitiesRegisteredTotal,
		TransferBytesTotal,
	)
}

// MetricsHandler returns the Prometheus scrape endpoint handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation into a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// ObserveDuration records the elapsed time into an unlabeled histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
