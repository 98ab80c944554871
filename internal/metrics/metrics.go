// Package metrics collects counters, gauges and timings for the aggregator and
// serves them, together with health and readiness probes, over HTTP.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/config"
	"github.com/johnayoung/go-market-aggregator/internal/logger"
)

// Metric names recorded by the aggregator components.
const (
	FramesReceived      = "frames_received_total"
	DecodeFailures      = "decode_failures_total"
	EventsDispatched    = "events_dispatched_total"
	Reconnects          = "reconnects_total"
	SnapshotFailures    = "snapshot_failures_total"
	SnapshotDuration    = "snapshot_fetch_duration_ms"
	SubscriberPanics    = "subscriber_panics_total"
	CandlesRejected     = "candles_rejected_total"
	PublisherDropped    = "publisher_dropped_total"
	PublishFailures     = "publish_failures_total"
	WebsocketDropped    = "ws_client_dropped_total"
	ConnectionState     = "connection_state"
	ActiveSubscriptions = "subscriptions_active"
)

// MetricsCollector manages application metrics and health monitoring
type MetricsCollector struct {
	config        config.MetricsConfig
	logger        *logger.ComponentLogger
	server        *http.Server
	mu            sync.RWMutex
	metrics       map[string]Metric
	healthChecker HealthChecker
	startTime     time.Time
	collectors    []MetricCollector

	recordCount    int64
	errorCount     int64
	lastUpdateNano int64
	stopOnce       sync.Once
	stopChan       chan struct{}
}

// Metric represents a single metric series
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricCollector is implemented by components that report metrics on each collection tick.
type MetricCollector interface {
	CollectMetrics(ctx context.Context) ([]Metric, error)
	GetMetricNames() []string
}

// HealthChecker is implemented by components that report health status.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	GetHealthStatus() HealthStatus
}

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// MetricsSnapshot represents a snapshot of all metrics at a point in time
type MetricsSnapshot struct {
	Timestamp     time.Time         `json:"timestamp"`
	Uptime        time.Duration     `json:"uptime"`
	Metrics       map[string]Metric `json:"metrics"`
	SystemMetrics SystemMetrics     `json:"system_metrics"`
	HealthStatus  *HealthStatus     `json:"health_status,omitempty"`
	RecordCount   int64             `json:"record_count"`
	ErrorCount    int64             `json:"error_count"`
}

// SystemMetrics represents runtime metrics
type SystemMetrics struct {
	GoroutineCount int    `json:"goroutine_count"`
	NumGC          uint32 `json:"num_gc"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapInuse      uint64 `json:"heap_inuse"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg config.MetricsConfig, loggerMgr *logger.LoggerManager) *MetricsCollector {
	return &MetricsCollector{
		config:    cfg,
		logger:    loggerMgr.GetComponentLogger("metrics"),
		metrics:   make(map[string]Metric),
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}
}

// Start begins periodic collection and, when a port is configured, the HTTP server.
func (mc *MetricsCollector) Start(ctx context.Context) error {
	if !mc.config.Enabled {
		mc.logger.Info("metrics collection disabled")
		return nil
	}

	updateInterval, err := time.ParseDuration(mc.config.UpdateInterval)
	if err != nil {
		return fmt.Errorf("invalid update interval: %w", err)
	}

	mc.logger.Info("starting metrics collector",
		"port", mc.config.Port,
		"path", mc.config.Path,
		"update_interval", updateInterval)

	mc.collectAll(ctx)
	go mc.collectLoop(ctx, updateInterval)

	if mc.config.Port > 0 {
		mc.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", mc.config.Port),
			Handler:           mc.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			mc.logger.Info("metrics HTTP server starting", "addr", mc.server.Addr)
			if err := mc.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				mc.logger.Error("metrics HTTP server failed", "error", err)
			}
		}()
	}

	return nil
}

// Stop halts collection and shuts down the HTTP server. Safe to call more than once.
func (mc *MetricsCollector) Stop(ctx context.Context) error {
	var err error
	mc.stopOnce.Do(func() {
		close(mc.stopChan)
		if mc.server != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			err = mc.server.Shutdown(shutdownCtx)
		}
		mc.logger.Info("metrics collector stopped")
	})
	return err
}

// RegisterCollector registers a metric collector component
func (mc *MetricsCollector) RegisterCollector(collector MetricCollector) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.collectors = append(mc.collectors, collector)
	mc.logger.Debug("registered metric collector", "metric_names", collector.GetMetricNames())
}

// RegisterHealthChecker registers the health checker consulted by /health
func (mc *MetricsCollector) RegisterHealthChecker(checker HealthChecker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.healthChecker = checker
}

// RecordCounter increments a counter metric
func (mc *MetricsCollector) RecordCounter(name, description string, labels map[string]string) {
	mc.recordMetric(name, MetricTypeCounter, 1, description, labels)
	atomic.AddInt64(&mc.recordCount, 1)
}

// RecordGauge sets a gauge metric value
func (mc *MetricsCollector) RecordGauge(name string, value float64, description string, labels map[string]string) {
	mc.recordMetric(name, MetricTypeGauge, value, description, labels)
}

// RecordError increments a counter metric and the global error count
func (mc *MetricsCollector) RecordError(name, description string, labels map[string]string) {
	mc.recordMetric(name, MetricTypeCounter, 1, description, labels)
	atomic.AddInt64(&mc.recordCount, 1)
	atomic.AddInt64(&mc.errorCount, 1)
}

// RecordDuration records a duration metric in milliseconds
func (mc *MetricsCollector) RecordDuration(name string, duration time.Duration, description string, labels map[string]string) {
	ms := float64(duration.Nanoseconds()) / float64(time.Millisecond)
	mc.recordMetric(name, MetricTypeHistogram, ms, description, labels)
}

// SeriesKey identifies a series by name and sorted labels, e.g. name{a=1,b=2}.
func SeriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func (mc *MetricsCollector) recordMetric(name string, metricType MetricType, value float64, description string, labels map[string]string) {
	key := SeriesKey(name, labels)
	now := time.Now()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	existing, exists := mc.metrics[key]
	if exists && metricType == MetricTypeCounter {
		value += existing.Value
	}
	mc.metrics[key] = Metric{
		Name:        name,
		Type:        metricType,
		Value:       value,
		Labels:      labels,
		Description: description,
		UpdatedAt:   now,
	}
}

// Value returns the current value of a series, if recorded.
func (mc *MetricsCollector) Value(name string, labels map[string]string) (float64, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	m, ok := mc.metrics[SeriesKey(name, labels)]
	return m.Value, ok
}

func (mc *MetricsCollector) collectLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.collectAll(ctx)
		case <-mc.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// collectAll polls every registered collector and the runtime.
func (mc *MetricsCollector) collectAll(ctx context.Context) {
	mc.mu.RLock()
	collectors := make([]MetricCollector, len(mc.collectors))
	copy(collectors, mc.collectors)
	mc.mu.RUnlock()

	mc.RecordGauge("system_goroutines", float64(runtime.NumGoroutine()), "Number of goroutines", nil)

	for _, collector := range collectors {
		collected, err := collector.CollectMetrics(ctx)
		if err != nil {
			mc.logger.ErrorWithContext(ctx, "collector failed to provide metrics", err)
			continue
		}

		mc.mu.Lock()
		for _, metric := range collected {
			mc.metrics[SeriesKey(metric.Name, metric.Labels)] = metric
		}
		mc.mu.Unlock()
	}

	atomic.StoreInt64(&mc.lastUpdateNano, time.Now().UnixNano())
}

// GetSnapshot returns a snapshot of all current metrics
func (mc *MetricsCollector) GetSnapshot() MetricsSnapshot {
	mc.mu.RLock()
	metricsCopy := make(map[string]Metric, len(mc.metrics))
	for k, v := range mc.metrics {
		metricsCopy[k] = v
	}
	checker := mc.healthChecker
	mc.mu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snapshot := MetricsSnapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(mc.startTime),
		Metrics:   metricsCopy,
		SystemMetrics: SystemMetrics{
			GoroutineCount: runtime.NumGoroutine(),
			NumGC:          m.NumGC,
			HeapAlloc:      m.HeapAlloc,
			HeapInuse:      m.HeapInuse,
		},
		RecordCount: atomic.LoadInt64(&mc.recordCount),
		ErrorCount:  atomic.LoadInt64(&mc.errorCount),
	}
	if checker != nil {
		status := checker.GetHealthStatus()
		snapshot.HealthStatus = &status
	}
	return snapshot
}

// Handler returns the HTTP handler serving the metrics path, /health and /ready.
func (mc *MetricsCollector) Handler() http.Handler {
	path := mc.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, mc.handleMetrics)
	mux.HandleFunc("/health", mc.handleHealth)
	mux.HandleFunc("/ready", mc.handleReadiness)
	mux.HandleFunc("/debug/metrics", mc.handleDebugMetrics)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (mc *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := mc.GetSnapshot()

	output := make(map[string]interface{}, len(snapshot.Metrics))
	for key, metric := range snapshot.Metrics {
		output[key] = map[string]interface{}{
			"value":       metric.Value,
			"type":        metric.Type,
			"description": metric.Description,
			"labels":      metric.Labels,
			"updated_at":  metric.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, output)
}

func (mc *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	mc.mu.RLock()
	checker := mc.healthChecker
	mc.mu.RUnlock()

	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(mc.startTime).String(),
	}
	code := http.StatusOK

	if checker != nil {
		if err := checker.HealthCheck(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		status["details"] = checker.GetHealthStatus().Details
	}

	writeJSON(w, code, status)
}

func (mc *MetricsCollector) handleReadiness(w http.ResponseWriter, r *http.Request) {
	last := atomic.LoadInt64(&mc.lastUpdateNano)
	if last == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no metrics collected yet",
		})
		return
	}

	lastUpdate := time.Unix(0, last)
	if time.Since(lastUpdate) > 5*time.Minute {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "metrics collection stalled",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ready",
		"timestamp":   time.Now(),
		"last_update": lastUpdate,
	})
}

func (mc *MetricsCollector) handleDebugMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mc.GetSnapshot())
}
