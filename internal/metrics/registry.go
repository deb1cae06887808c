// Package metrics provides Prometheus metrics for the inverter fleet service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Connection metrics
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionErrors  *prometheus.CounterVec
	ConnectionLatency prometheus.Histogram

	// Read-cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CyclesSkipped prometheus.Counter // Reentrancy-guard skips
	CyclesAborted prometheus.Counter // Systemic-timeout aborts
	CycleDuration prometheus.Histogram
	DeviceReads   *prometheus.CounterVec
	RegisterReads *prometheus.CounterVec
	ReadRetries   *prometheus.CounterVec

	// Write metrics
	WritesTotal     *prometheus.CounterVec
	QuirkSuppressed *prometheus.CounterVec // Malformed responses classified as success
	PowerSetpoint   *prometheus.GaugeVec
	WriteLatency    prometheus.Histogram

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTReconnects        prometheus.Counter

	// Fleet metrics
	DevicesConfigured prometheus.Gauge
	DevicesConnected  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Total number of Modbus connection attempts",
		}, []string{"device_id"}),
		ConnectionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "modbus",
			Name:      "connection_errors_total",
			Help:      "Total number of Modbus connection errors",
		}, []string{"device_id"}),
		ConnectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "cycle",
			Name:      "cycles_total",
			Help:      "Total number of fleet read cycles",
		}, []string{"status"}),
		CyclesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "cycle",
			Name:      "cycles_skipped_total",
			Help:      "Read cycles skipped because a previous cycle was still running",
		}),
		CyclesAborted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "cycle",
			Name:      "cycles_aborted_total",
			Help:      "Read cycles aborted by the overall cycle timeout",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Fleet read cycle duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}),
		DeviceReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "cycle",
			Name:      "device_reads_total",
			Help:      "Per-device read outcomes within read cycles",
		}, []string{"device_id", "status"}),
		RegisterReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "modbus",
			Name:      "register_reads_total",
			Help:      "Register read outcomes",
		}, []string{"device_id", "status"}),
		ReadRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "modbus",
			Name:      "read_retries_total",
			Help:      "Register read retry attempts",
		}, []string{"device_id"}),

		WritesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "modbus",
			Name:      "writes_total",
			Help:      "Register write outcomes",
		}, []string{"device_id", "status"}),
		QuirkSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "modbus",
			Name:      "quirk_suppressed_total",
			Help:      "Writes with malformed device responses classified as success",
		}, []string{"device_id"}),
		PowerSetpoint: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "control",
			Name:      "power_setpoint_watts",
			Help:      "Last nominal power setpoint written per device",
		}, []string{"device_id"}),
		WriteLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "modbus",
			Name:      "write_latency_seconds",
			Help:      "Register write latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		MQTTMessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		MQTTReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnection attempts",
		}),

		DevicesConfigured: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "devices",
			Name:      "configured",
			Help:      "Number of configured devices",
		}),
		DevicesConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "devices",
			Name:      "connected",
			Help:      "Number of currently connected devices",
		}),
	}

	return r
}

// RecordCycle records the outcome of a full fleet read cycle.
func (r *Registry) RecordCycle(status string, duration float64) {
	r.CyclesTotal.WithLabelValues(status).Inc()
	r.CycleDuration.Observe(duration)
}

// RecordCycleSkipped records a cycle skipped by the reentrancy guard.
func (r *Registry) RecordCycleSkipped() {
	r.CyclesSkipped.Inc()
}

// RecordCycleAborted records a cycle aborted by the overall timeout.
func (r *Registry) RecordCycleAborted() {
	r.CyclesAborted.Inc()
}

// RecordDeviceRead records a per-device read outcome within a cycle.
func (r *Registry) RecordDeviceRead(deviceID string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.DeviceReads.WithLabelValues(deviceID, status).Inc()
}

// RecordRegisterRead records a single register read outcome.
func (r *Registry) RecordRegisterRead(deviceID string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.RegisterReads.WithLabelValues(deviceID, status).Inc()
}

// RecordReadRetry records a register read retry attempt.
func (r *Registry) RecordReadRetry(deviceID string) {
	r.ReadRetries.WithLabelValues(deviceID).Inc()
}

// RecordWrite records a register write outcome.
func (r *Registry) RecordWrite(deviceID string, success bool, latency float64) {
	status := "success"
	if !success {
		status = "error"
	}
	r.WritesTotal.WithLabelValues(deviceID, status).Inc()
	r.WriteLatency.Observe(latency)
}

// RecordQuirkSuppressed records a malformed write response treated as success.
func (r *Registry) RecordQuirkSuppressed(deviceID string) {
	r.QuirkSuppressed.WithLabelValues(deviceID).Inc()
}

// RecordPowerSetpoint records the last written power setpoint.
func (r *Registry) RecordPowerSetpoint(deviceID string, watts float64) {
	r.PowerSetpoint.WithLabelValues(deviceID).Set(watts)
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordConnection records a connection attempt for a device.
func (r *Registry) RecordConnection(deviceID string, success bool, latency float64) {
	r.ConnectionsTotal.WithLabelValues(deviceID).Inc()
	if !success {
		r.ConnectionErrors.WithLabelValues(deviceID).Inc()
	}
	r.ConnectionLatency.Observe(latency)
}

// UpdateDeviceCount updates the fleet device gauges.
func (r *Registry) UpdateDeviceCount(configured, connected int) {
	r.DevicesConfigured.Set(float64(configured))
	r.DevicesConnected.Set(float64(connected))
}
