package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/objects", "/objects"},
		{"/objects/", "/objects"},
		{"/objects/my-key", "/objects/{key}"},
		{"/objects/path/to/object", "/objects/{key}"},
		{"/objects/path/to/object/metadata", "/objects/{key}/metadata"},
		{"/objects/metadata", "/objects/{key}"},
		{"/elsewhere/x", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	// A second call must not panic on duplicate registration.
	Register()

	OperationsTotal.WithLabelValues("Memory", "get", OutcomeSuccess).Inc()
	OperationDuration.WithLabelValues("Memory", "get").Observe(0.001)
	BytesTransferredTotal.WithLabelValues("Memory", DirectionDownload).Add(1024)
	VerificationFailuresTotal.WithLabelValues("Memory").Inc()
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("PUT", "/objects/{key}").Observe(1024)
	HTTPResponseSize.WithLabelValues("GET", "/objects/{key}").Observe(2048)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := make(map[string]bool)
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"objstore_operations_total",
		"objstore_operation_duration_seconds",
		"objstore_bytes_transferred_total",
		"objstore_verification_failures_total",
		"objstore_http_requests_total",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
