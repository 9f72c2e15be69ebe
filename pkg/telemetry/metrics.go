package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for telemetry.
var (
	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_telemetry_alerts_total",
		Help: "Total alerts raised by level",
	}, []string{"level"})

	capturedErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_telemetry_errors_total",
		Help: "Total captured errors by type",
	}, []string{"type"})

	heapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_telemetry_heap_bytes",
		Help: "Last sampled heap usage in bytes",
	})

	ttfbSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketplace_telemetry_ttfb_seconds",
		Help:    "Time to first response byte of outbound requests",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	downloadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketplace_telemetry_download_seconds",
		Help:    "Time from first response byte to body close of outbound requests",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// PerformanceMetrics is a point-in-time snapshot.
type PerformanceMetrics struct {
	Timestamp         time.Time     `json:"timestamp"`
	ResponseTime      time.Duration `json:"response_time"`
	ErrorRate         float64       `json:"error_rate"`
	ActiveUsers       int           `json:"active_users"`
	CacheHitRate      float64       `json:"cache_hit_rate"`
	MemoryUsage       uint64        `json:"memory_usage"`
	RequestsPerMinute int           `json:"requests_per_minute"`
	Uptime            time.Duration `json:"uptime"`
	BundleSize        int64         `json:"bundle_size"`
	RenderTime        time.Duration `json:"render_time"`
	NetworkLatency    time.Duration `json:"network_latency"`
}

// PerformanceMetrics builds a snapshot and appends it to the history.
func (m *Manager) PerformanceMetrics() PerformanceMetrics {
	snapshot := m.snapshot()

	m.mu.Lock()
	m.history.push(snapshot)
	m.mu.Unlock()

	return snapshot
}

// History returns recorded snapshots, oldest first.
func (m *Manager) History() []PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.all()
}

func (m *Manager) snapshot() PerformanceMetrics {
	now := m.now()
	memory := m.memorySampler()

	m.mu.Lock()
	m.pruneWindowsLocked(now)

	requests := countAfter(m.requestTimes, now.Add(-m.config.ErrorRateWindow))
	errorRate := 0.0
	if requests > 0 {
		errorRate = min(float64(len(m.httpErrorTimes))/float64(requests)*100, 100)
	}
	perMinute := countAfter(m.requestTimes, now.Add(-time.Minute))

	metrics := PerformanceMetrics{
		Timestamp:         now,
		ResponseTime:      average(m.durations.all()),
		ErrorRate:         errorRate,
		MemoryUsage:       memory,
		RequestsPerMinute: perMinute,
		Uptime:            now.Sub(m.createdAt),
		BundleSize:        m.bundleSize,
		RenderTime:        m.renderTime,
		NetworkLatency:    average(m.ttfbs.all()),
	}

	caches := make([]Cache, 0, len(m.caches))
	for _, c := range m.caches {
		caches = append(caches, c)
	}
	activeUsers := m.activeUsers
	m.mu.Unlock()

	if activeUsers != nil {
		metrics.ActiveUsers = activeUsers()
	}

	if len(caches) > 0 {
		var total float64
		for _, c := range caches {
			total += c.Stats().HitRate
		}
		metrics.CacheHitRate = total / float64(len(caches))
	}

	return metrics
}

func average(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}

func countAfter(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
