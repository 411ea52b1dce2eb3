// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-hsm.
//
// go-hsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for go-hsm.
// It exposes token and asset operation counters, latency histograms,
// device lock and power-constraint gauges, and process resource gauges.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all go-hsm metrics
	Namespace = "hsm"

	// Label names
	LabelOperation  = "operation"
	LabelDevice     = "device"
	LabelStatus     = "status"
	LabelErrorType  = "error_type"
	LabelMode       = "mode"
	LabelProtocol   = "protocol"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusCanceled = "canceled"

	// Operation names
	OpAllocate      = "allocate"
	OpFree          = "free"
	OpLoadPlaintext = "load_plaintext"
	OpLoadRandom    = "load_random"
	OpLoadDerive    = "load_derive"
	OpLoadImport    = "load_import"
	OpLoadExport    = "load_export"
	OpSearch        = "search"
	OpRootKey       = "root_key"
	OpPublicData    = "public_data"
	OpCounter       = "counter"
	OpInfo          = "info"
	OpHashUpdate    = "hash_update"
	OpHashFinal     = "hash_final"
	OpHashOneShot   = "hash_oneshot"
	OpHMACSetup     = "hmac_setup"
)

var (
	// OperationsTotal tracks the total number of operations by type, device, and status.
	// Use RecordOperation to increment this counter with the appropriate labels.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of engine operations by type, device, and status",
		},
		[]string{LabelOperation, LabelDevice, LabelStatus},
	)

	// OperationDuration tracks the duration of operations in seconds, lock wait included.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{LabelOperation, LabelDevice},
	)

	// ErrorsTotal tracks the total number of errors by operation, device, and error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, device, and error type",
		},
		[]string{LabelOperation, LabelDevice, LabelErrorType},
	)

	// TokensTotal tracks submitted tokens by opcode and completion mode.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "token",
			Name:      "submitted_total",
			Help:      "Total number of tokens submitted by opcode and completion mode",
		},
		[]string{LabelOperation, LabelMode},
	)

	// TokensInFlight is 1 while a token is outstanding on a device.
	TokensInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "token",
			Name:      "in_flight",
			Help:      "Number of tokens outstanding per device",
		},
		[]string{LabelDevice},
	)

	// LockWaitDuration tracks time spent acquiring the device lock.
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the device lock",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelDevice},
	)

	// LockTimeoutsTotal counts acquisitions that timed out.
	LockTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "lock",
			Name:      "timeouts_total",
			Help:      "Total number of device lock acquisitions that timed out",
		},
		[]string{LabelDevice},
	)

	// PowerConstraints is the current power constraint reference count.
	PowerConstraints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "power_constraints",
			Help:      "Number of active low-power-state constraints",
		},
		[]string{LabelDevice},
	)

	// AssetsLive tracks volatile assets held by the engine.
	AssetsLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "assets_live",
			Help:      "Number of allocated volatile assets",
		},
		[]string{LabelDevice},
	)

	// ActiveConnections tracks the number of active connections by protocol.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of active connections by protocol",
		},
		[]string{LabelProtocol},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// Goroutines tracks the current number of goroutines.
	// Updated periodically by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// ServerUptime tracks the daemon uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records an operation with its duration and status.
//
// Example:
//
//	start := time.Now()
//	id, err := store.Allocate(ctx, params)
//	status := metrics.StatusSuccess
//	if err != nil {
//	    status = metrics.StatusError
//	}
//	metrics.RecordOperation(metrics.OpAllocate, "sim0", status, time.Since(start).Seconds())
func RecordOperation(operation, device, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, device, status).Inc()
	OperationDuration.WithLabelValues(operation, device).Observe(duration)
}

// RecordError records an error event with its classified kind.
func RecordError(operation, device, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, device, errorType).Inc()
}

// RecordToken records a token submission.
func RecordToken(opcode, mode string) {
	if !enabled.Load() {
		return
	}
	TokensTotal.WithLabelValues(opcode, mode).Inc()
}

// SetTokenInFlight sets the in-flight gauge for a device.
func SetTokenInFlight(device string, inFlight bool) {
	if !enabled.Load() {
		return
	}
	v := 0.0
	if inFlight {
		v = 1.0
	}
	TokensInFlight.WithLabelValues(device).Set(v)
}

// RecordLockWait records the time spent acquiring the device lock.
func RecordLockWait(device string, seconds float64, timedOut bool) {
	if !enabled.Load() {
		return
	}
	LockWaitDuration.WithLabelValues(device).Observe(seconds)
	if timedOut {
		LockTimeoutsTotal.WithLabelValues(device).Inc()
	}
}

// SetPowerConstraints sets the power constraint gauge.
func SetPowerConstraints(device string, count int) {
	if !enabled.Load() {
		return
	}
	PowerConstraints.WithLabelValues(device).Set(float64(count))
}

// SetAssetsLive sets the number of live volatile assets.
func SetAssetsLive(device string, count int) {
	if !enabled.Load() {
		return
	}
	AssetsLive.WithLabelValues(device).Set(float64(count))
}

// RecordHTTPRequest records an HTTP request with its duration and status.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// IncrementActiveConnections increments the active connection count for a protocol.
func IncrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Inc()
}

// DecrementActiveConnections decrements the active connection count for a protocol.
func DecrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
