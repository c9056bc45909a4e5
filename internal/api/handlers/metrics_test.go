package handlers

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetricsHandler(g prometheus.Gatherer) *MetricsHandler {
	return &MetricsHandler{
		gatherer: g,
		timeout:  time.Second,
		maxBytes: 1 << 20,
		logger:   slog.Default(),
	}
}

func TestMetricsHandlerServesRegisteredSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reload_test_events_total",
		Help: "test counter",
	})
	reg.MustRegister(counter)
	counter.Add(3)

	h := newTestMetricsHandler(reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")

	body := rr.Body.String()
	assert.Contains(t, body, "reload_test_events_total 3")
	assert.Contains(t, body, "# HELP reload_test_events_total test counter")
}

func TestMetricsHandlerEmptyRegistry(t *testing.T) {
	h := newTestMetricsHandler(prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, strings.TrimSpace(rr.Body.String()))
}

func TestMetricsHandlerSizeLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reload_test_big_total",
		Help: "test counter",
	})
	reg.MustRegister(counter)

	h := newTestMetricsHandler(reg)
	h.maxBytes = 1 // everything is over this bound

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "too large")
}
