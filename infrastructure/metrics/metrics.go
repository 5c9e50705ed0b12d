// Package metrics provides Prometheus metrics collection for the event hub.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics exposed by the service.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Publish pipeline metrics
	EventsPublishedTotal   *prometheus.CounterVec
	PublishDuration        *prometheus.HistogramVec
	SchemaValidationErrors *prometheus.CounterVec

	// Dispatcher / delivery metrics
	DeliveryAttemptsTotal *prometheus.CounterVec
	DeliveryDuration      *prometheus.HistogramVec
	ConsumersRemovedTotal *prometheus.CounterVec
	DispatcherLag         *prometheus.GaugeVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Total number of events successfully appended to the event log",
			},
			[]string{"tenant", "namespace", "topic"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "event_publish_duration_seconds",
				Help:    "Time to validate and persist a publish batch",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"tenant", "namespace", "topic"},
		),
		SchemaValidationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schema_validation_errors_total",
				Help: "Total number of events rejected by schema validation",
			},
			[]string{"tenant", "namespace", "topic", "event_type"},
		),

		DeliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_delivery_attempts_total",
				Help: "Total number of webhook delivery attempts by outcome",
			},
			[]string{"topic", "outcome"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_delivery_duration_seconds",
				Help:    "Webhook delivery round-trip duration",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"topic"},
		),
		ConsumersRemovedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consumers_removed_total",
				Help: "Total number of consumers removed after exhausting delivery retries",
			},
			[]string{"topic"},
		),
		DispatcherLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatcher_consumer_lag",
				Help: "Number of undelivered events for a consumer on its subscribed topic",
			},
			[]string{"topic", "consumer_id"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.EventsPublishedTotal,
			m.PublishDuration,
			m.SchemaValidationErrors,
			m.DeliveryAttemptsTotal,
			m.DeliveryDuration,
			m.ConsumersRemovedTotal,
			m.DispatcherLag,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordPublish records a successful publish batch.
func (m *Metrics) RecordPublish(tenant, namespace, topic string, count int, duration time.Duration) {
	m.EventsPublishedTotal.WithLabelValues(tenant, namespace, topic).Add(float64(count))
	m.PublishDuration.WithLabelValues(tenant, namespace, topic).Observe(duration.Seconds())
}

// RecordSchemaValidationError records a schema validation rejection.
func (m *Metrics) RecordSchemaValidationError(tenant, namespace, topic, eventType string) {
	m.SchemaValidationErrors.WithLabelValues(tenant, namespace, topic, eventType).Inc()
}

// RecordDeliveryAttempt records a webhook delivery attempt outcome (success|failure).
func (m *Metrics) RecordDeliveryAttempt(topic, outcome string, duration time.Duration) {
	m.DeliveryAttemptsTotal.WithLabelValues(topic, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordConsumerRemoved records a consumer removed after retry exhaustion.
func (m *Metrics) RecordConsumerRemoved(topic string) {
	m.ConsumersRemovedTotal.WithLabelValues(topic).Inc()
}

// SetDispatcherLag sets the current undelivered-event count for a consumer.
func (m *Metrics) SetDispatcherLag(topic, consumerID string, lag int) {
	m.DispatcherLag.WithLabelValues(topic, consumerID).Set(float64(lag))
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return environment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
