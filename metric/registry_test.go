package metric

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func gathered(t *testing.T, r *MetricsRegistry) map[string]bool {
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
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "h"})
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_counter_vec", Help: "cv"}, []string{"l"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "gv"}, []string{"l"})
	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_histogram_vec", Help: "hv"}, []string{"l"})

	require.NoError(t, registry.RegisterCounter("svc", "counter", counter))
	require.NoError(t, registry.RegisterGauge("svc", "gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("svc", "histogram", histogram))
	require.NoError(t, registry.RegisterCounterVec("svc", "counter_vec", counterVec))
	require.NoError(t, registry.RegisterGaugeVec("svc", "gauge_vec", gaugeVec))
	require.NoError(t, registry.RegisterHistogramVec("svc", "histogram_vec", histogramVec))

	counter.Inc()
	gauge.Set(3)
	histogram.Observe(0.1)
	counterVec.WithLabelValues("a").Inc()
	gaugeVec.WithLabelValues("a").Set(1)
	histogramVec.WithLabelValues("a").Observe(0.2)

	names := gathered(t, registry)
	for _, n := range []string{"test_counter", "test_gauge", "test_histogram", "test_counter_vec", "test_gauge_vec", "test_histogram_vec"} {
		assert.True(t, names[n], n)
	}
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "d"})
	require.NoError(t, registry.RegisterCounter("svc", "dup", first))

	err := registry.RegisterCounter("svc", "dup", first)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// same prometheus name under a different key is a prometheus conflict
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "d"})
	err = registry.RegisterCounter("svc", "dup_other", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "temp_gauge", Help: "t"})
	require.NoError(t, registry.RegisterGauge("svc", "temp", gauge))

	assert.True(t, registry.Unregister("svc", "temp"))
	assert.False(t, registry.Unregister("svc", "temp"))
	require.NoError(t, registry.RegisterGauge("svc", "temp", gauge))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: fmt.Sprintf("concurrent_%d", i), Help: "c"})
			errs <- registry.RegisterCounter("svc", fmt.Sprintf("c%d", i), c)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMetricsRegistrar_Interface(t *testing.T) {
	var _ MetricsRegistrar = NewMetricsRegistry()
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()
	require.NotNil(t, m)

	m.RecordPublished("client")
	m.RecordPublished("client")
	m.RecordReceived("router")
	m.RecordDropped("router", "slow_consumer")
	m.RecordRequest("timeout", 5*time.Millisecond)
	m.RecordConnectionState(2)
	m.RecordReconnect()
	m.RecordOutbound(4)
	m.RecordOutboundOverflow()
	m.RecordStreamAppend("ORDERS", 10, 512)
	m.RecordDelivered("ORDERS", "proc", true)
	m.RecordAcked("ORDERS", "proc")
	m.RecordDeadLettered("ORDERS", "proc")
	m.RecordAckPending("ORDERS", "proc", 3)

	assert.Equal(t, 2.0, counterValue(t, m.MessagesPublished.WithLabelValues("client")))
	assert.Equal(t, 1.0, counterValue(t, m.MessagesDropped.WithLabelValues("router", "slow_consumer")))
	assert.Equal(t, 2.0, gaugeValue(t, m.ConnectionState))
	assert.Equal(t, 1.0, counterValue(t, m.Reconnects))
	assert.Equal(t, 4.0, gaugeValue(t, m.OutboundBuffered))
	assert.Equal(t, 10.0, gaugeValue(t, m.StreamMessages.WithLabelValues("ORDERS")))
	assert.Equal(t, 512.0, gaugeValue(t, m.StreamBytes.WithLabelValues("ORDERS")))
	assert.Equal(t, 1.0, counterValue(t, m.ConsumerRedelivered.WithLabelValues("ORDERS", "proc")))
	assert.Equal(t, 3.0, gaugeValue(t, m.ConsumerAckPending.WithLabelValues("ORDERS", "proc")))

	names := gathered(t, registry)
	for _, n := range []string{
		"streambus_messages_published_total",
		"streambus_connection_state",
		"streambus_connection_reconnects_total",
		"streambus_stream_appends_total",
		"streambus_consumer_dead_lettered_total",
		"streambus_requests_duration_seconds",
		"go_goroutines",
	} {
		assert.True(t, names[n], n)
	}
}

func TestCoreMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPublished("x")
		m.RecordRequest("ok", time.Second)
		m.RecordStreamAppend("S", 1, 1)
		m.RecordDelivered("S", "c", false)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestServer_Serve(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordPublished("client")

	srv := NewServer("127.0.0.1:0", "", registry)
	require.NoError(t, srv.Start())
	defer func() { _ = srv.Stop(context.Background()) }()

	assert.Error(t, srv.Start(), "second start must fail")

	resp, err := http.Get(srv.Address())
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "streambus_messages_published_total")

	require.NoError(t, srv.Stop(context.Background()))
	assert.NoError(t, srv.Stop(context.Background()))
}
