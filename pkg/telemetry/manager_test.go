package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/marketplace-client/pkg/cache"
	"github.com/Sternrassler/marketplace-client/pkg/store"
	"github.com/rs/zerolog"
)

// alertRecorder collects alerts from the watch goroutines.
type alertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *alertRecorder) record(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *alertRecorder) find(metric string) (Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.Metric == metric {
			return a, true
		}
	}
	return Alert{}, false
}

func waitForAlert(t *testing.T, r *alertRecorder, metric string) Alert {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a, ok := r.find(metric); ok {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s alert raised", metric)
	return Alert{}
}

func TestNewManager_Defaults(t *testing.T) {
	m := newTestManager(t, Config{})
	cfg := m.Config()

	if cfg.MemoryInterval != 30*time.Second {
		t.Errorf("MemoryInterval = %v, want 30s", cfg.MemoryInterval)
	}
	if cfg.MemoryThreshold != 150*1024*1024 {
		t.Errorf("MemoryThreshold = %d, want 150MB", cfg.MemoryThreshold)
	}
	if cfg.ObjectThreshold != 10000 {
		t.Errorf("ObjectThreshold = %d, want 10000", cfg.ObjectThreshold)
	}
	if cfg.LongTaskThreshold != 50*time.Millisecond {
		t.Errorf("LongTaskThreshold = %v, want 50ms", cfg.LongTaskThreshold)
	}
	if cfg.ErrorBufferSize != 1000 || cfg.PersistedErrors != 100 || cfg.HistorySize != 100 {
		t.Errorf("buffers = %d/%d/%d, want 1000/100/100", cfg.ErrorBufferSize, cfg.PersistedErrors, cfg.HistorySize)
	}
}

func TestStart_GuardsDoubleStart(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !m.Monitoring() {
		t.Error("Monitoring() = false after Start")
	}

	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	m.Shutdown()
	if m.Monitoring() {
		t.Error("Monitoring() = true after Shutdown")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start() after Shutdown error = %v", err)
	}
}

func TestStart_EstimatesBundleSize(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), WithBundleSizer(func() (int64, error) { return 4096, nil }))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for m.PerformanceMetrics().BundleSize != 4096 {
		if time.Now().After(deadline) {
			t.Fatal("BundleSize never reached 4096")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryWatch(t *testing.T) {
	tests := []struct {
		name  string
		usage uint64
		level AlertLevel
	}{
		{"above threshold", 200 * 1024 * 1024, LevelWarning},
		{"above twice the threshold", 400 * 1024 * 1024, LevelCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MemoryInterval = 10 * time.Millisecond

			m := newTestManager(t, cfg, WithMemorySampler(func() uint64 { return tt.usage }))

			recorder := &alertRecorder{}
			m.OnAlert(recorder.record)

			if err := m.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			alert := waitForAlert(t, recorder, "memory_usage")
			if alert.Level != tt.level {
				t.Errorf("Level = %q, want %q", alert.Level, tt.level)
			}
			if alert.Value != float64(tt.usage) {
				t.Errorf("Value = %v, want %d", alert.Value, tt.usage)
			}
		})
	}
}

func TestMemoryWatch_BelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryInterval = 5 * time.Millisecond

	m := newTestManager(t, cfg, WithMemorySampler(func() uint64 { return 1024 }))
	recorder := &alertRecorder{}
	m.OnAlert(recorder.record)

	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	if _, ok := recorder.find("memory_usage"); ok {
		t.Error("memory alert raised below threshold")
	}
}

func TestObjectWatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ObjectInterval = 10 * time.Millisecond

	m := newTestManager(t, cfg, WithObjectCounter(func() int { return 12000 }))
	recorder := &alertRecorder{}
	m.OnAlert(recorder.record)

	m.Start(context.Background())

	alert := waitForAlert(t, recorder, "object_count")
	if alert.Level != LevelWarning || alert.Value != 12000 || alert.Threshold != 10000 {
		t.Errorf("alert = %+v, want warning 12000/10000", alert)
	}
}

func TestCleanup(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	// A stale blob, a fresh blob and an unrelated key
	stale := []byte(`{"timestamp": "2020-01-01T00:00:00Z", "data": {}}`)
	mem.Set(ctx, store.CacheBlobPrefix+"old", stale, 0)
	store.PutBlob(ctx, mem, store.CacheBlobPrefix+"fresh", map[string]int{"n": 1}, 0)
	mem.Set(ctx, "settings", []byte(`{}`), 0)

	m := newTestManager(t, DefaultConfig(), WithStore(mem))

	c := cache.New[string](cache.Config{Name: "products", TTL: 10 * time.Millisecond}, zerolog.Nop())
	defer c.Close()
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3", time.Hour)
	time.Sleep(20 * time.Millisecond)

	m.RegisterCache("products", c)
	m.RegisterReleaser(func() int { return 4 })

	result := m.Cleanup(ctx)

	if result.ExpiredEntries != 2 {
		t.Errorf("ExpiredEntries = %d, want 2", result.ExpiredEntries)
	}
	if result.Released != 4 {
		t.Errorf("Released = %d, want 4", result.Released)
	}
	if result.StaleBlobs != 1 {
		t.Errorf("StaleBlobs = %d, want 1", result.StaleBlobs)
	}

	keys, _ := mem.Keys(ctx, "")
	if len(keys) != 2 {
		t.Errorf("remaining keys = %v, want fresh blob and settings", keys)
	}
	if c.Size() != 1 {
		t.Errorf("cache size = %d, want 1", c.Size())
	}
}

func TestPerformanceMetrics_History(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	m := newTestManager(t, cfg)

	for i := 0; i < 5; i++ {
		m.PerformanceMetrics()
	}

	if got := len(m.History()); got != 3 {
		t.Errorf("len(History()) = %d, want 3", got)
	}

	// SystemStatus does not append
	m.SystemStatus()
	if got := len(m.History()); got != 3 {
		t.Errorf("len(History()) after SystemStatus = %d, want 3", got)
	}
}

func TestPerformanceMetrics_Hooks(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), WithMemorySampler(func() uint64 { return 64 * 1024 * 1024 }))

	m.SetActiveUsersFunc(func() int { return 17 })

	hot := cache.New[int](cache.DefaultConfig("hot"), zerolog.Nop())
	defer hot.Close()
	hot.Set("k", 1)
	hot.Get("k") // 1 hit, 1 entry: 50%

	cold := cache.New[int](cache.DefaultConfig("cold"), zerolog.Nop())
	defer cold.Close()

	m.RegisterCache("hot", hot)
	m.RegisterCache("cold", cold)

	metrics := m.PerformanceMetrics()

	if metrics.ActiveUsers != 17 {
		t.Errorf("ActiveUsers = %d, want 17", metrics.ActiveUsers)
	}
	if metrics.CacheHitRate != 25 {
		t.Errorf("CacheHitRate = %v, want 25 (mean of 50 and 0)", metrics.CacheHitRate)
	}
	if metrics.MemoryUsage != 64*1024*1024 {
		t.Errorf("MemoryUsage = %d, want 64MB", metrics.MemoryUsage)
	}
	if metrics.Uptime < 0 {
		t.Errorf("Uptime = %v, want >= 0", metrics.Uptime)
	}
}

func TestSystemStatus(t *testing.T) {
	tests := []struct {
		name   string
		memory uint64
		setup  func(m *Manager)
		want   HealthStatus
	}{
		{
			name:   "healthy",
			memory: 1024,
			setup:  func(m *Manager) {},
			want:   StatusHealthy,
		},
		{
			name:   "degraded by memory",
			memory: 200 * 1024 * 1024,
			setup:  func(m *Manager) {},
			want:   StatusDegraded,
		},
		{
			name:   "degraded by error alert",
			memory: 1024,
			setup: func(m *Manager) {
				m.raiseAlert(LevelError, "http_error", 500, 500, "Server error")
			},
			want: StatusDegraded,
		},
		{
			name:   "critical by error rate",
			memory: 1024,
			setup: func(m *Manager) {
				m.RecordNavigation(NetworkTiming{StatusCode: 404, Total: time.Millisecond})
				m.RecordNavigation(NetworkTiming{StatusCode: 200, Total: time.Millisecond})
			},
			want: StatusCritical,
		},
		{
			name:   "critical by alert",
			memory: 1024,
			setup: func(m *Manager) {
				m.raiseAlert(LevelCritical, "memory_usage", 1, 0, "Memory exhausted")
			},
			want: StatusCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, DefaultConfig(), WithMemorySampler(func() uint64 { return tt.memory }))
			tt.setup(m)

			status := m.SystemStatus()
			if status.Status != tt.want {
				t.Errorf("Status = %q, want %q", status.Status, tt.want)
			}
			if status.Monitoring {
				t.Error("Monitoring = true before Start")
			}
		})
	}
}

func TestShutdown_ClearsBuffers(t *testing.T) {
	m := newTestManager(t, DefaultConfig())

	calls := 0
	m.OnAlert(func(Alert) { calls++ })

	m.Start(context.Background())
	m.CaptureError(context.Background(), errors.New("boom"), ErrorTypeApplication, nil)
	m.RecordNavigation(NetworkTiming{StatusCode: 200, Total: time.Millisecond})
	m.Observe(PerformanceEntry{Type: EntryLayoutShift, Value: 0.3})
	m.PerformanceMetrics()

	m.Shutdown()

	if got := len(m.Errors()); got != 0 {
		t.Errorf("len(Errors()) = %d, want 0", got)
	}
	if got := len(m.History()); got != 0 {
		t.Errorf("len(History()) = %d, want 0", got)
	}
	if got := m.LayoutShift(); got != 0 {
		t.Errorf("LayoutShift() = %v, want 0", got)
	}
	if got := m.PerformanceMetrics().RequestsPerMinute; got != 0 {
		t.Errorf("RequestsPerMinute = %d, want 0", got)
	}

	// Listeners survive shutdown
	m.raiseAlert(LevelInfo, "test", 0, 0, "after shutdown")
	if calls != 1 {
		t.Errorf("listener calls = %d, want 1", calls)
	}
}
