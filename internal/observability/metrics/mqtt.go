package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains all Prometheus metrics related to MQTT operations.
type MQTTMetrics struct {
	ConnectionStatus prometheus.Gauge
	Publishes        *prometheus.CounterVec
	Errors           prometheus.Counter
	LastConnectTime  prometheus.Gauge
	MessageSize      prometheus.Histogram
	PublishLatency   prometheus.Histogram
}

// NewMQTTMetrics creates a new instance of MQTTMetrics.
// It returns an error if metric registration fails.
func NewMQTTMetrics(registry prometheus.Registerer) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_connection_status",
			Help: "Current MQTT connection status (1 for connected, 0 for disconnected)",
		}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_publishes_total",
			Help: "Status publications, by result",
		}, []string{"result"}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_errors_total",
			Help: "Total number of MQTT errors encountered",
		}),
		LastConnectTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_last_connect_time_seconds",
			Help: "Timestamp of the last successful MQTT connection",
		}),
		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqtt_message_size_bytes",
			Help:    "Size of MQTT messages in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqtt_publish_latency_seconds",
			Help:    "Latency of MQTT publish operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register MQTT metrics: %w", err)
	}
	return m, nil
}

// UpdateConnectionStatus updates the MQTT connection status and last connect time.
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ConnectionStatus.Set(1)
		m.LastConnectTime.SetToCurrentTime()
	} else {
		m.ConnectionStatus.Set(0)
	}
}

// RecordPublish counts a publication with its result.
func (m *MQTTMetrics) RecordPublish(result string) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(result).Inc()
	if result == ResultError {
		m.Errors.Inc()
	}
}

// IncrementErrors increments the count of MQTT errors.
func (m *MQTTMetrics) IncrementErrors() {
	if m == nil {
		return
	}
	m.Errors.Inc()
}

// ObserveMessageSize records the size of an MQTT message.
func (m *MQTTMetrics) ObserveMessageSize(sizeBytes int) {
	if m == nil {
		return
	}
	m.MessageSize.Observe(float64(sizeBytes))
}

// StartPublishTimer starts a timer for measuring publish latency.
func (m *MQTTMetrics) StartPublishTimer() *PublishTimer {
	return &PublishTimer{startTime: time.Now(), metrics: m}
}

// PublishTimer is a helper struct for measuring publish latency.
type PublishTimer struct {
	startTime time.Time
	metrics   *MQTTMetrics
}

// ObserveDuration stops the timer and records the duration.
func (pt *PublishTimer) ObserveDuration() {
	if pt.metrics == nil {
		return
	}
	pt.metrics.PublishLatency.Observe(time.Since(pt.startTime).Seconds())
}

// Collect implements the prometheus.Collector interface.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ConnectionStatus.Collect(ch)
	m.Publishes.Collect(ch)
	m.Errors.Collect(ch)
	m.LastConnectTime.Collect(ch)
	m.MessageSize.Collect(ch)
	m.PublishLatency.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ConnectionStatus.Describe(ch)
	m.Publishes.Describe(ch)
	m.Errors.Describe(ch)
	m.LastConnectTime.Describe(ch)
	m.MessageSize.Describe(ch)
	m.PublishLatency.Describe(ch)
}
