package metric

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/health"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	r := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "suppressed_events_total", Help: "h"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "accumulator_keys", Help: "h"})
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "flush_seconds", Help: "h"})
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flushes_total", Help: "h"}, []string{"mode"})

	require.NoError(t, r.RegisterCounter("aggregate", "suppressed", counter))
	require.NoError(t, r.RegisterGauge("aggregate", "keys", gauge))
	require.NoError(t, r.RegisterHistogram("aggregate", "flush", hist))
	require.NoError(t, r.RegisterCounterVec("aggregate", "flushes", vec))

	counter.Inc()
	gauge.Set(3)
	hist.Observe(0.1)
	vec.WithLabelValues("moving").Inc()

	names := gatheredNames(t, r)
	for _, n := range []string{"suppressed_events_total", "accumulator_keys", "flush_seconds", "flushes_total"} {
		assert.True(t, names[n], n)
	}
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	r := NewMetricsRegistry()
	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "h"})

	require.NoError(t, r.RegisterCounter("svc", "dup", c1))

	err := r.RegisterCounter("svc", "dup", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = r.RegisterCounter("other", "dup", c2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	r := NewMetricsRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "temp_gauge", Help: "h"})
	require.NoError(t, r.RegisterGauge("svc", "temp", g))

	assert.True(t, r.Unregister("svc", "temp"))
	assert.False(t, r.Unregister("svc", "temp"))
	assert.False(t, gatheredNames(t, r)["temp_gauge"])

	require.NoError(t, r.RegisterGauge("svc", "temp", g))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	r := NewMetricsRegistry()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_%d_total", i), Help: "h",
			})
			errs <- r.RegisterCounter("svc", fmt.Sprintf("c%d", i), c)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMetrics_RecordMethods(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()

	m.RecordReceived("telemetry")
	m.RecordReceived("telemetry")
	m.RecordProcessed("telemetry", "ok")
	m.RecordDropped("no_provider")
	m.RecordQueueDepth(4)
	m.RecordTransformError("TelemetryProvider")
	m.RecordActionDuration("TelemetryProvider", 10*time.Millisecond)
	m.RecordWorkItem("done")
	m.RecordStreamReconnect("events")
	m.RecordPublish("ucs_ras_event", true)
	m.RecordPublish("ucs_ras_event", false)
	m.RecordStoreOperation("raw", 3)
	m.RecordAdapterState(2)
	m.RecordNATSStatus(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("telemetry")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("ucs_ras_event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("ucs_ras_event")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("raw")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AdapterState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordReceived("x")
		m.RecordPublish("t", false)
		m.RecordStoreOperation("raw", 1)
		m.RecordActionDuration("p", time.Second)
	})
}

func TestServer_Handler(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().RecordReceived("telemetry")

	mon := health.NewMonitor()
	mon.UpdateHealthy("stream.telemetry", "listening")

	srv := NewServer(0, "", r, mon, "netlistener")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	require.NoError(t, err)
	received := families["netlistener_messages_received_total"]
	require.NotNil(t, received, "received counter should be exported")
	assert.Equal(t, dto.MetricType_COUNTER, received.GetType())
	require.Len(t, received.GetMetric(), 1)
	assert.Equal(t, 1.0, received.GetMetric()[0].GetCounter().GetValue())

	hresp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer hresp.Body.Close()
	assert.Equal(t, http.StatusOK, hresp.StatusCode)

	mon.UpdateUnhealthy("stream.telemetry", "connection refused")
	hresp2, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer hresp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, hresp2.StatusCode)

	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())
}
