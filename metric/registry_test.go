package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "Test counter",
	})

	err := registry.RegisterCounter("warming", "test_counter_total", counter)
	require.NoError(t, err)

	// Duplicate registration is rejected
	err = registry.RegisterCounter("warming", "test_counter_total", counter)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterGauge_SeparateServices(t *testing.T) {
	registry := NewMetricsRegistry()

	gaugeA := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth_a", Help: "a"})
	gaugeB := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth_b", Help: "b"})

	require.NoError(t, registry.RegisterGauge("enrich", "depth_a", gaugeA))
	require.NoError(t, registry.RegisterGauge("archive", "depth_b", gaugeB))
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "removable_total",
		Help: "Test counter",
	})

	require.NoError(t, registry.RegisterCounter("cache", "removable_total", counter))
	assert.True(t, registry.Unregister("cache", "removable_total"))
	assert.False(t, registry.Unregister("cache", "removable_total"))

	// Re-registration succeeds after unregister
	require.NoError(t, registry.RegisterCounter("cache", "removable_total", counter))
}

func TestHandler_ServesExposition(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordNATSStatus(true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "bookstream_nats_connected 1")
}
