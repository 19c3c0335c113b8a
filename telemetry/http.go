package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TracingMiddlewareConfig configures the tracing middleware behavior.
type TracingMiddlewareConfig struct {
	// ExcludedPaths lists URL paths to exclude from tracing, e.g. /health.
	ExcludedPaths []string

	// SpanNameFormatter customizes how span names are generated. If nil,
	// uses "HTTP {method} {path}".
	SpanNameFormatter func(operation string, r *http.Request) string
}

// TracingMiddleware wraps an http.Handler so every request gets a span,
// extracting W3C trace-context headers from the incoming request. Safe to
// apply even when the Provider is a no-op.
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	return TracingMiddlewareWithConfig(serviceName, nil)
}

// TracingMiddlewareWithConfig is TracingMiddleware with path exclusions and a
// custom span-name formatter.
func TracingMiddlewareWithConfig(serviceName string, config *TracingMiddlewareConfig) func(http.Handler) http.Handler {
	var opts []otelhttp.Option

	if config != nil && len(config.ExcludedPaths) > 0 {
		pathSet := make(map[string]bool)
		for _, path := range config.ExcludedPaths {
			pathSet[path] = true
		}
		opts = append(opts, otelhttp.WithFilter(func(r *http.Request) bool {
			return !pathSet[r.URL.Path]
		}))
	}

	if config != nil && config.SpanNameFormatter != nil {
		opts = append(opts, otelhttp.WithSpanNameFormatter(config.SpanNameFormatter))
	} else {
		opts = append(opts, otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Path
		}))
	}

	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName, opts...)
	}
}
