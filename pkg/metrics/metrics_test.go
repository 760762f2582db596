package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Routed("ameo.design", "versioned", "proxy")
	m.Routed("ameo.design", "versioned", "proxy")
	m.Routed("ameo.design", "", "static")
	m.UpstreamFailure(FailureTimeout)
	m.ConfigReload(true)
	m.ConfigReload(false)
	m.ConfigReload(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.routed.WithLabelValues("ameo.design", "versioned", "proxy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routed.WithLabelValues("ameo.design", "", "static")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamFailures.WithLabelValues(FailureTimeout)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.configReloads.WithLabelValues("failure")))
}

func TestWebsocketGauge(t *testing.T) {
	m := New()

	closeA := m.WebsocketOpened()
	closeB := m.WebsocketOpened()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeWebsockets))
	closeA()
	closeB()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeWebsockets))
}

func TestHandlerExposesLatency(t *testing.T) {
	m := New()

	app := m.WithLatencyTracking(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	app.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `vhost_router_request_duration_seconds_count{code="418",method="get"} 1`), string(body))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	m.Routed("a", "b", "proxy")
	m.UpstreamFailure(FailureConnect)
	m.ConfigReload(true)
	m.WebsocketOpened()()
	assert.Nil(t, m.Registry())

	called := false
	h := m.WithLatencyTracking(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
