// Package metrics defines the Prometheus collectors of objectstore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// Outcome label values of OperationsTotal.
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Direction label values of BytesTransferredTotal.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Storage client metrics.
var (
	// OperationsTotal counts client operations by provider, operation and outcome.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_operations_total",
			Help: "Storage client operations by provider, operation and outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)

	// OperationDuration observes operation latency in seconds.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objstore_operation_duration_seconds",
			Help:    "Storage client operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// BytesTransferredTotal counts payload bytes moved to or from a provider.
	BytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_bytes_transferred_total",
			Help: "Payload bytes uploaded to or downloaded from a provider",
		},
		[]string{"provider", "direction"},
	)

	// VerificationFailuresTotal counts downloads whose digest did not match.
	VerificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_verification_failures_total",
			Help: "Verified reads that failed content validation",
		},
		[]string{"provider"},
	)
)

// Gateway HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objstore_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objstore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OperationsTotal,
			OperationDuration,
			BytesTransferredTotal,
			VerificationFailuresTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
		)
	})
}

// NormalizePath maps gateway request paths to templates suitable for use
// as metric labels, so object keys never become label values.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi.json", "/objects":
		return path
	case "/objects/":
		return "/objects"
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	// Stoplight Elements assets.
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if key, ok := strings.CutPrefix(path, "/objects/"); ok {
		if strings.HasSuffix(key, "/metadata") && len(key) > len("/metadata") {
			return "/objects/{key}/metadata"
		}
		return "/objects/{key}"
	}
	return "/other"
}
