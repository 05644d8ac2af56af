package services_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/benmeehan/sensor-hub/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMetricsExporterService tests scraping /metrics and the lifecycle errors.
func TestMetricsExporterService(t *testing.T) {
	// Setup
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "sensor_hub_test_total", Help: "Test counter."})
	reg.MustRegister(counter)
	counter.Add(3)

	exporter := services.NewMetricsExporterService("127.0.0.1:0", reg, zerolog.Nop())
	assert.Nil(t, exporter.Addr())

	// Execute
	require.NoError(t, exporter.Start())
	assert.Error(t, exporter.Start())

	resp, err := http.Get("http://" + exporter.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	// Assert
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sensor_hub_test_total 3")

	require.NoError(t, exporter.Stop())
	assert.Error(t, exporter.Stop())
	assert.Nil(t, exporter.Addr())
}

// TestMetricsExporterService_BindFailure tests that Start reports an unusable address.
func TestMetricsExporterService_BindFailure(t *testing.T) {
	exporter := services.NewMetricsExporterService("256.0.0.1:0", prometheus.NewRegistry(), zerolog.Nop())

	assert.Error(t, exporter.Start())
	assert.Error(t, exporter.Stop())
}
