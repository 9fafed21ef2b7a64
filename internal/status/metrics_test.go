package status_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-provd/provd/internal/status"
)

func TestMetricsHandlerServesRegisteredCollectors(t *testing.T) {
	m := status.NewMetrics()
	m.EventsTotal.WithLabelValues(status.EventDeviceAdded).Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	status.MetricsHandler(m).ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "provd_status_events_total")
}

func TestNewMetricsDoesNotPanicOnMultipleInstances(t *testing.T) {
	assert.NotPanics(t, func() {
		status.NewMetrics()
		status.NewMetrics()
	})
}
