// Package metrics provides Prometheus metrics for the VXI-11 gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// RPC metrics
	RPCRequestsTotal *prometheus.CounterVec
	RPCErrorsTotal   *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec

	// Link metrics
	ActiveLinks   prometheus.Gauge
	LinksTotal    *prometheus.CounterVec
	LinkErrors    *prometheus.CounterVec
	LinkLifetime  prometheus.Histogram

	// Lock/arbitration metrics
	LockWaitDuration *prometheus.HistogramVec
	LockTimeouts     *prometheus.CounterVec
	LocksHeld        prometheus.Gauge

	// Adapter I/O metrics
	AdapterIODuration *prometheus.HistogramVec
	AdapterIOErrors   *prometheus.CounterVec
	BytesWritten      *prometheus.CounterVec
	BytesRead         *prometheus.CounterVec

	// Device metrics
	DevicesRegistered prometheus.Gauge
	DevicesOnline     prometheus.Gauge

	// Portmapper metrics
	PortmapperRequestsTotal *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		RPCRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxi11gw",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total number of DEVICE_CORE/DEVICE_ASYNC procedure calls",
		}, []string{"procedure"}),
		RPCErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxi11gw",
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Total number of procedure calls that returned a non-zero VXI-11 error code",
		}, []string{"procedure", "error_code"}),
		RPCDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vxi11gw",
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "Procedure call handling latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"procedure"}),

		ActiveLinks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "vxi11gw",
			Subsystem: "link",
			Name:      "active",
			Help:      "Number of currently open VXI-11 links",
		}),
		LinksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxi11gw",
			Subsystem: "link",
			Name:      "created_total",
			Help:      "Total number of create_link calls by outcome",
		}, []string{"device", "status"}),
		LinkErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxi11gw",
			Subsystem: "link",
			Name:      "errors_total",
			Help:      "Total link-level errors by device and error type",
		}, []string{"device", "error_type"}),
		LinkLifetime: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vxi11gw",
			Subsystem: "link",
			Name:      "lifetime_seconds",
			Help:      "Duration a link stayed open between create_link and destroy_link",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 300, 900, 3600},
		}),

		LockWaitDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vxi11gw",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting to acquire a device lock",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"device"}),
		LockTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxi11gw",
			Subsystem: "lock",
			Name:      "timeouts_total",
			Help:      "Total number of device_lock calls that timed out",
		}, []string{"device"}),
		LocksHeld: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "vxi11gw",
			Subsystem: "lock",
			Name:      "held",
			Help:      "Number of devices currently exclusively locked",
		}),

		AdapterIODuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vxi11gw",
			Subsystem: "adapter",
			Name:      "io_duration_seconds",
			Help:      "Backend adapter write+read round-trip latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"device", "type"}),
		AdapterIOErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxi11gw",
			Subsystem: "adapter",
			Name:      "io_errors_total",
			Help:      "Total adapter I/O errors by device, adapter type and error class",
		}, []string{"device", "type", "error_type"}),
		BytesWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxi11gw",
			Subsystem: "adapter",
			Name:      "bytes_written_total",
			Help:      "Total bytes written to backend instruments",
		}, []string{"device"}),
		BytesRead: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxi11gw",
			Subsystem: "adapter",
			Name:      "bytes_read_total",
			Help:      "Total bytes read from backend instruments",
		}, []string{"device"}),

		DevicesRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "vxi11gw",
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Number of devices defined in the loaded devices document",
		}),
		DevicesOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "vxi11gw",
			Subsystem: "devices",
			Name:      "online",
			Help:      "Number of devices with at least one successful adapter connection",
		}),

		PortmapperRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxi11gw",
			Subsystem: "portmapper",
			Name:      "requests_total",
			Help:      "Total portmapper procedure calls by procedure and outcome",
		}, []string{"procedure", "status"}),

		GoroutineCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "vxi11gw",
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of running goroutines",
		}),
	}

	return r
}

// RecordRPC records one procedure call's outcome and latency.
func (r *Registry) RecordRPC(procedure string, duration float64, errorCode int32) {
	r.RPCRequestsTotal.WithLabelValues(procedure).Inc()
	r.RPCDuration.WithLabelValues(procedure).Observe(duration)
	if errorCode != 0 {
		r.RPCErrorsTotal.WithLabelValues(procedure, errorCodeLabel(errorCode)).Inc()
	}
}

// RecordLinkCreated records a create_link attempt's outcome.
func (r *Registry) RecordLinkCreated(device string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.LinksTotal.WithLabelValues(device, status).Inc()
}

// RecordLinkClosed records a link's total lifetime on destroy_link.
func (r *Registry) RecordLinkClosed(lifetimeSeconds float64) {
	r.LinkLifetime.Observe(lifetimeSeconds)
}

// RecordLockWait records how long a device_lock call waited before it
// acquired the lock, timed out, or failed outright.
func (r *Registry) RecordLockWait(device string, waitSeconds float64, timedOut bool) {
	r.LockWaitDuration.WithLabelValues(device).Observe(waitSeconds)
	if timedOut {
		r.LockTimeouts.WithLabelValues(device).Inc()
	}
}

// RecordAdapterIO records one adapter write+read cycle.
func (r *Registry) RecordAdapterIO(device, adapterType string, duration float64, bytesWritten, bytesRead int, errorType string) {
	r.AdapterIODuration.WithLabelValues(device, adapterType).Observe(duration)
	r.BytesWritten.WithLabelValues(device).Add(float64(bytesWritten))
	r.BytesRead.WithLabelValues(device).Add(float64(bytesRead))
	if errorType != "" {
		r.AdapterIOErrors.WithLabelValues(device, adapterType, errorType).Inc()
	}
}

// UpdateActiveLinks updates the active-links gauge.
func (r *Registry) UpdateActiveLinks(count int) {
	r.ActiveLinks.Set(float64(count))
}

// UpdateLocksHeld updates the held-locks gauge.
func (r *Registry) UpdateLocksHeld(count int) {
	r.LocksHeld.Set(float64(count))
}

// UpdateDeviceCount updates the device count gauges.
func (r *Registry) UpdateDeviceCount(registered, online int) {
	r.DevicesRegistered.Set(float64(registered))
	r.DevicesOnline.Set(float64(online))
}

// RecordPortmapperRequest records a portmapper procedure call's outcome.
func (r *Registry) RecordPortmapperRequest(procedure string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.PortmapperRequestsTotal.WithLabelValues(procedure, status).Inc()
}

func errorCodeLabel(code int32) string {
	switch code {
	case 1:
		return "syntax_error"
	case 3:
		return "device_not_accessible"
	case 4:
		return "invalid_link_identifier"
	case 5:
		return "parameter_error"
	case 6:
		return "channel_not_established"
	case 8:
		return "operation_not_supported"
	case 9:
		return "out_of_resources"
	case 11:
		return "device_locked_by_another_link"
	case 12:
		return "no_lock_held_by_this_link"
	case 15:
		return "io_timeout"
	case 17:
		return "io_error"
	case 23:
		return "abort"
	default:
		return "unknown"
	}
}
