package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "logrelay"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Delivery = "delivery"
	Records  = "records"
	Kafka    = "kafka"
)

// Drop reasons used as the "reason" label of records_dropped_total.
const (
	DropReasonClosed         = "closed"
	DropReasonDeliveryFailed = "delivery_failed"
	DropReasonFormatError    = "format_error"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple relay instances.
type Labels struct {
	Relay         string // Relay (handler) name
	Queue         string // Destination queue or topic name
	Backend       string // Delivery backend (e.g., "sqs", "kafka")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Relay != "" {
		labels["relay"] = l.Relay
	}
	if l.Queue != "" {
		labels["queue"] = l.Queue
	}
	if l.Backend != "" {
		labels["backend"] = l.Backend
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Producer side
	recordsEmitted prometheus.Counter
	recordsDropped *prometheus.CounterVec
	pendingRecords prometheus.Gauge

	// Batching
	batches   *prometheus.CounterVec
	batchSize prometheus.Histogram

	// Deliverer calls
	deliveryAttempts *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	deliveryInFlight prometheus.Gauge

	// Recursion guard and formatting
	recursionSkips prometheus.Counter
	formatErrors   prometheus.Counter

	// Backend errors
	errors      *prometheus.CounterVec
	kafkaErrors *prometheus.CounterVec
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., relay name), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
// This is useful when running several relays in one process and needing to filter by relay or queue.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		recordsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "emitted_total",
			Help:      "Total number of records accepted from producers",
		}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "dropped_total",
			Help:      "Total number of records dropped by reason",
		}, []string{"reason"}),
		pendingRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "pending",
			Help:      "Number of records buffered or in flight, not yet delivered or dropped",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "batches_total",
			Help:      "Total number of batches handed to the deliverer by final status",
		}, []string{"status"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "batch_size",
			Help:      "Number of messages per delivered batch",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "attempts_total",
			Help:      "Total deliverer calls by status, including retries",
		}, []string{"status"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "duration_seconds",
			Help:      "Deliverer call duration in seconds",
			// Buckets cover typical queue latencies: 1ms, 5ms, 10ms, 25ms, 50ms,
			// 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		deliveryInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "in_flight",
			Help:      "Number of deliverer calls currently in progress",
		}),
		recursionSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "recursion_skips_total",
			Help:      "Total number of deliveries skipped because another delivery held the guard",
		}),
		formatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "format_errors_total",
			Help:      "Total number of records that could not be formatted",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Kafka,
			Name:      "errors_total",
			Help:      "Total number of Kafka client errors received by severity (fatal/non_fatal)",
		}, []string{"severity"}),
	}

	err := errors.Join(
		reg.Register(m.recordsEmitted),
		reg.Register(m.recordsDropped),
		reg.Register(m.pendingRecords),
		reg.Register(m.batches),
		reg.Register(m.batchSize),
		reg.Register(m.deliveryAttempts),
		reg.Register(m.deliveryDuration),
		reg.Register(m.deliveryInFlight),
		reg.Register(m.recursionSkips),
		reg.Register(m.formatErrors),
		reg.Register(m.errors),
		reg.Register(m.kafkaErrors),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Error type constants for errors outside the delivery path.
const (
	ErrTypeDiagnosticsFull = "diagnostics_full"
	ErrTypeWorkerPanic     = "worker_panic"
	ErrTypeInput           = "input"
)

// IncError increments the error counter for the given error type.
func (m *Metrics) IncError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// IncEmitted records one record accepted by a producer-facing call.
func (m *Metrics) IncEmitted() {
	if m == nil {
		return
	}
	m.recordsEmitted.Inc()
}

// AddDropped records count records dropped for the given reason.
func (m *Metrics) AddDropped(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.recordsDropped.WithLabelValues(reason).Add(float64(count))
}

// SetPending updates the pending records gauge.
func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.pendingRecords.Set(float64(n))
}

// RecordBatch records the final outcome of one batch handed to the deliverer.
func (m *Metrics) RecordBatch(size int, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.batches.WithLabelValues(status).Inc()
	m.batchSize.Observe(float64(size))
}

// IncDeliveryInFlight increments the in-flight deliverer call gauge.
func (m *Metrics) IncDeliveryInFlight() {
	if m == nil {
		return
	}
	m.deliveryInFlight.Inc()
}

// DecDeliveryInFlight decrements the in-flight deliverer call gauge.
func (m *Metrics) DecDeliveryInFlight() {
	if m == nil {
		return
	}
	m.deliveryInFlight.Dec()
}

// RecordDeliveryAttempt records a single deliverer call outcome.
func (m *Metrics) RecordDeliveryAttempt(err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.deliveryAttempts.WithLabelValues(status).Inc()
	m.deliveryDuration.Observe(durationSeconds)
}

// IncRecursionSkip records a delivery skipped by the recursion guard.
func (m *Metrics) IncRecursionSkip() {
	if m == nil {
		return
	}
	m.recursionSkips.Inc()
}

// IncFormatError records a record that could not be formatted.
func (m *Metrics) IncFormatError() {
	if m == nil {
		return
	}
	m.formatErrors.Inc()
}

// RecordKafkaError records a Kafka error by severity.
// fatal=true for fatal errors, false for non-fatal.
func (m *Metrics) RecordKafkaError(fatal bool) {
	if m == nil {
		return
	}
	severity := "non_fatal"
	if fatal {
		severity = "fatal"
	}
	m.kafkaErrors.WithLabelValues(severity).Inc()
}
