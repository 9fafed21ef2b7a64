package status

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler returns the /metrics endpoint for m's registry, grounded
// on the teacher's pkg/metrics/endpoint.go's promhttp.HandlerFor(registry,
// ...) call — narrowed to the plain handler, since this surface has no
// need for that package's per-client rate limiting/response caching.
func MetricsHandler(m *Metrics) http.Handler {
	return promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
}
