package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/config"
	"github.com/johnayoung/go-market-aggregator/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCollector struct {
	metrics []Metric
	err     error
}

func (s *stubCollector) CollectMetrics(ctx context.Context) ([]Metric, error) {
	return s.metrics, s.err
}

func (s *stubCollector) GetMetricNames() []string { return []string{"stub"} }

type stubHealth struct {
	mu  sync.Mutex
	err error
}

func (s *stubHealth) set(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubHealth) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stubHealth) GetHealthStatus() HealthStatus {
	status := "healthy"
	if s.HealthCheck(context.Background()) != nil {
		status = "unhealthy"
	}
	return HealthStatus{Status: status, Timestamp: time.Now(), Details: map[string]string{"binance": "connected"}}
}

func newCollector(t *testing.T) *MetricsCollector {
	t.Helper()
	lm, err := logger.NewLoggerManager(config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	cfg := config.DefaultConfig().Metrics
	cfg.Port = 0
	return NewMetricsCollector(cfg, lm)
}

func TestSeriesKey(t *testing.T) {
	assert.Equal(t, "reconnects", SeriesKey("reconnects", nil))
	assert.Equal(t, "reconnects{symbol=BTC-USDT,venue=Binance}",
		SeriesKey("reconnects", map[string]string{"venue": "Binance", "symbol": "BTC-USDT"}))
}

func TestRecordMetrics(t *testing.T) {
	mc := newCollector(t)
	binance := map[string]string{"venue": "Binance"}
	kraken := map[string]string{"venue": "Kraken"}

	mc.RecordCounter(FramesReceived, "decoded", binance)
	mc.RecordCounter(FramesReceived, "decoded", binance)
	mc.RecordCounter(FramesReceived, "decoded", kraken)
	mc.RecordGauge(ConnectionState, 1, "state", binance)
	mc.RecordGauge(ConnectionState, 3, "state", binance)
	mc.RecordError(DecodeFailures, "rejected", kraken)
	mc.RecordDuration(SnapshotDuration, 1500*time.Microsecond, "snapshot", binance)

	v, ok := mc.Value(FramesReceived, binance)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, _ = mc.Value(FramesReceived, kraken)
	assert.Equal(t, 1.0, v)

	v, _ = mc.Value(ConnectionState, binance)
	assert.Equal(t, 3.0, v)

	v, _ = mc.Value(SnapshotDuration, binance)
	assert.InDelta(t, 1.5, v, 0.0001)

	_, ok = mc.Value(Reconnects, nil)
	assert.False(t, ok)

	snapshot := mc.GetSnapshot()
	assert.Equal(t, int64(4), snapshot.RecordCount)
	assert.Equal(t, int64(1), snapshot.ErrorCount)
	assert.Len(t, snapshot.Metrics, 5)
}

func TestCollectAll(t *testing.T) {
	mc := newCollector(t)
	mc.RegisterCollector(&stubCollector{metrics: []Metric{
		{Name: ActiveSubscriptions, Type: MetricTypeGauge, Value: 7},
	}})
	mc.RegisterCollector(&stubCollector{err: errors.New("unavailable")})

	mc.collectAll(context.Background())

	v, ok := mc.Value(ActiveSubscriptions, nil)
	require.True(t, ok)
	assert.Equal(t, 7.0, v)
	_, ok = mc.Value("system_goroutines", nil)
	assert.True(t, ok)
}

func TestHTTPEndpoints(t *testing.T) {
	mc := newCollector(t)
	health := &stubHealth{}
	mc.RegisterHealthChecker(health)
	mc.RecordCounter(Reconnects, "reconnects", map[string]string{"venue": "Kraken"})

	srv := httptest.NewServer(mc.Handler())
	defer srv.Close()

	t.Run("ready_before_collection", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("ready_after_collection", func(t *testing.T) {
		mc.collectAll(context.Background())
		resp, err := http.Get(srv.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body map[string]map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		series, ok := body["reconnects_total{venue=Kraken}"]
		require.True(t, ok)
		assert.Equal(t, 1.0, series["value"])
	})

	t.Run("healthy", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unhealthy", func(t *testing.T) {
		health.set(errors.New("no venue connected"))
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "no venue connected", body["error"])
	})
}

func TestStartStop(t *testing.T) {
	mc := newCollector(t)
	mc.config.UpdateInterval = "10ms"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mc.Start(ctx))
	require.NoError(t, mc.Stop(ctx))
	require.NoError(t, mc.Stop(ctx))

	snapshot := mc.GetSnapshot()
	assert.Contains(t, snapshot.Metrics, "system_goroutines")
}

func TestStart_InvalidInterval(t *testing.T) {
	mc := newCollector(t)
	mc.config.UpdateInterval = "often"
	assert.Error(t, mc.Start(context.Background()))
}
