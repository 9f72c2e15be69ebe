// Package telemetry observes runtime performance signals, captures errors and
// raises threshold alerts. It also drives memory-pressure cleanup of
// registered caches and persisted cache blobs.
package telemetry

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/Sternrassler/marketplace-client/pkg/cache"
	"github.com/Sternrassler/marketplace-client/pkg/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Cache is a cache the manager can sweep and read hit rates from.
type Cache interface {
	Sweep() int
	Stats() cache.Stats
}

// HealthStatus summarizes the system state.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
)

// SystemStatus is the overall monitoring view.
type SystemStatus struct {
	Status       HealthStatus       `json:"status"`
	Monitoring   bool               `json:"monitoring"`
	Uptime       time.Duration      `json:"uptime"`
	RecentAlerts []Alert            `json:"recent_alerts"`
	Errors       int                `json:"errors"`
	Metrics      PerformanceMetrics `json:"metrics"`
}

// CleanupResult reports what a cleanup pass removed.
type CleanupResult struct {
	ExpiredEntries int `json:"expired_entries"`
	Released       int `json:"released"`
	StaleBlobs     int `json:"stale_blobs"`
}

// recentAlertCount is the number of alerts included in SystemStatus.
const recentAlertCount = 10

// Manager is the telemetry and alert manager. Create one per process and
// pass it to the components it observes.
type Manager struct {
	config Config
	logger zerolog.Logger
	store  store.Store
	now    func() time.Time

	memorySampler func() uint64
	objectCounter func() int
	bundleSizer   func() (int64, error)

	mu             sync.Mutex
	monitoring     bool
	cancel         context.CancelFunc
	createdAt      time.Time
	errors         *ring[ErrorRecord]
	alerts         *ring[Alert]
	history        *ring[PerformanceMetrics]
	durations      *ring[time.Duration]
	ttfbs          *ring[time.Duration]
	requestTimes   []time.Time
	httpErrorTimes []time.Time
	cls            float64
	renderTime     time.Duration
	bundleSize     int64
	caches         map[string]Cache
	releasers      []func() int
	activeUsers    func() int

	listenerMu   sync.Mutex
	listeners    []listener
	nextListener uint64

	totalRequests *atomic.Int64
	totalErrors   *atomic.Int64

	persistMu      sync.Mutex
	persistPending *atomic.Bool
	persistWG      sync.WaitGroup

	wg sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger replaces the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithStore enables error persistence and stale blob cleanup.
func WithStore(s store.Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithMemorySampler replaces the heap usage sampler.
func WithMemorySampler(fn func() uint64) Option {
	return func(m *Manager) {
		m.memorySampler = fn
	}
}

// WithObjectCounter replaces the live object counter.
func WithObjectCounter(fn func() int) Option {
	return func(m *Manager) {
		m.objectCounter = fn
	}
}

// WithBundleSizer replaces the binary size estimate.
func WithBundleSizer(fn func() (int64, error)) Option {
	return func(m *Manager) {
		m.bundleSizer = fn
	}
}

// NewManager creates a manager. Monitoring loops start with Start.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()

	m := &Manager{
		config:        cfg,
		logger:        log.With().Str("component", "telemetry").Logger(),
		now:           time.Now,
		memorySampler: heapAlloc,
		objectCounter: runtime.NumGoroutine,
		bundleSizer:   executableSize,
		errors:        newRing[ErrorRecord](cfg.ErrorBufferSize),
		alerts:        newRing[Alert](cfg.AlertBufferSize),
		history:       newRing[PerformanceMetrics](cfg.HistorySize),
		durations:     newRing[time.Duration](cfg.TimingSamples),
		ttfbs:         newRing[time.Duration](cfg.TimingSamples),
		caches:        make(map[string]Cache),
		totalRequests: atomic.NewInt64(0),
		totalErrors:   atomic.NewInt64(0),

		persistPending: atomic.NewBool(false),
	}

	for _, opt := range opts {
		opt(m)
	}
	m.createdAt = m.now()

	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// RegisterCache adds a cache to cleanup sweeps and hit rate reporting.
func (m *Manager) RegisterCache(name string, c Cache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches[name] = c
}

// RegisterReleaser adds a hook run during cleanup. It returns how many
// resources it released.
func (m *Manager) RegisterReleaser(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releasers = append(m.releasers, fn)
}

// SetActiveUsersFunc sets the source of the active user count.
func (m *Manager) SetActiveUsersFunc(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeUsers = fn
}

// Start begins the memory and object-count watches and estimates the binary size.
// It returns ErrAlreadyStarted if monitoring is running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.monitoring = true
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(3)
	go m.watch(ctx, m.config.MemoryInterval, m.checkMemory)
	go m.watch(ctx, m.config.ObjectInterval, m.checkObjects)
	go func() {
		defer m.wg.Done()
		m.estimateBundleSize()
	}()

	m.logger.Info().
		Dur("memory_interval", m.config.MemoryInterval).
		Uint64("memory_threshold", m.config.MemoryThreshold).
		Dur("object_interval", m.config.ObjectInterval).
		Int("object_threshold", m.config.ObjectThreshold).
		Msg("Monitoring started")

	return nil
}

// Monitoring reports whether the watches are running.
func (m *Manager) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

// Shutdown stops the watches and clears all in-memory buffers.
// Alert listeners stay registered.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel := m.cancel
	m.monitoring = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.persistWG.Wait()

	m.mu.Lock()
	m.errors.clear()
	m.alerts.clear()
	m.history.clear()
	m.durations.clear()
	m.ttfbs.clear()
	m.requestTimes = nil
	m.httpErrorTimes = nil
	m.cls = 0
	m.renderTime = 0
	m.mu.Unlock()

	m.logger.Info().Msg("Monitoring stopped")
}

func (m *Manager) watch(ctx context.Context, interval time.Duration, check func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check(ctx)
		}
	}
}

// checkMemory cleans up and raises an alert when heap usage is above the threshold.
// Usage above twice the threshold is critical.
func (m *Manager) checkMemory(ctx context.Context) {
	usage := m.memorySampler()
	heapBytes.Set(float64(usage))

	threshold := m.config.MemoryThreshold
	if usage <= threshold {
		return
	}

	result := m.Cleanup(ctx)

	level := LevelWarning
	if usage > 2*threshold {
		level = LevelCritical
	}

	m.raiseAlert(level, "memory_usage", float64(usage), float64(threshold),
		"High memory usage: %d MB (threshold %d MB), cleaned %d entries and %d blobs",
		usage/(1024*1024), threshold/(1024*1024), result.ExpiredEntries, result.StaleBlobs)
}

// checkObjects raises a warning when the live object count is above the threshold.
func (m *Manager) checkObjects(context.Context) {
	count := m.objectCounter()
	if count <= m.config.ObjectThreshold {
		return
	}

	m.raiseAlert(LevelWarning, "object_count", float64(count), float64(m.config.ObjectThreshold),
		"High object count: %d (threshold %d)", count, m.config.ObjectThreshold)
}

// Cleanup sweeps every registered cache, runs release hooks and deletes
// persisted cache blobs older than the stale age.
func (m *Manager) Cleanup(ctx context.Context) CleanupResult {
	m.mu.Lock()
	caches := make(map[string]Cache, len(m.caches))
	for name, c := range m.caches {
		caches[name] = c
	}
	releasers := append([]func() int(nil), m.releasers...)
	m.mu.Unlock()

	var result CleanupResult
	for name, c := range caches {
		removed := c.Sweep()
		result.ExpiredEntries += removed
		if removed > 0 {
			m.logger.Debug().Str("cache", name).Int("removed", removed).Msg("Swept cache")
		}
	}

	for _, release := range releasers {
		result.Released += release()
	}

	if m.store != nil {
		deleted, err := store.DeleteStaleBlobs(ctx, m.store, store.CacheBlobPrefix, m.config.StaleBlobAge)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to delete stale cache blobs")
		}
		result.StaleBlobs = deleted
	}

	m.logger.Info().
		Int("expired_entries", result.ExpiredEntries).
		Int("released", result.Released).
		Int("stale_blobs", result.StaleBlobs).
		Msg("Cleanup completed")

	return result
}

func (m *Manager) estimateBundleSize() {
	size, err := m.bundleSizer()
	if err != nil {
		m.logger.Debug().Err(err).Msg("Failed to estimate binary size")
		return
	}

	m.mu.Lock()
	m.bundleSize = size
	m.mu.Unlock()
}

// SystemStatus reports the overall state without appending to the history.
func (m *Manager) SystemStatus() SystemStatus {
	metrics := m.snapshot()

	m.mu.Lock()
	status := SystemStatus{
		Monitoring:   m.monitoring,
		Uptime:       metrics.Uptime,
		RecentAlerts: m.alerts.last(recentAlertCount),
		Errors:       m.errors.len(),
		Metrics:      metrics,
	}
	m.mu.Unlock()

	status.Status = StatusHealthy
	switch {
	case metrics.ErrorRate >= 10 || hasLevel(status.RecentAlerts, LevelCritical):
		status.Status = StatusCritical
	case metrics.ErrorRate >= 5 || metrics.MemoryUsage > m.config.MemoryThreshold || hasLevel(status.RecentAlerts, LevelError):
		status.Status = StatusDegraded
	}

	return status
}

// Totals returns lifetime request and error counts.
func (m *Manager) Totals() (requests, errors int64) {
	return m.totalRequests.Load(), m.totalErrors.Load()
}

func hasLevel(alerts []Alert, level AlertLevel) bool {
	for _, a := range alerts {
		if a.Level == level {
			return true
		}
	}
	return false
}

// pruneWindowsLocked drops request and error timestamps outside the window.
// Must be called with the mutex held.
func (m *Manager) pruneWindowsLocked(now time.Time) {
	window := m.config.ErrorRateWindow
	if window < time.Minute {
		window = time.Minute
	}
	cutoff := now.Add(-window)
	m.requestTimes = pruneBefore(m.requestTimes, cutoff)

	errCutoff := now.Add(-m.config.ErrorRateWindow)
	m.httpErrorTimes = pruneBefore(m.httpErrorTimes, errCutoff)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

func executableSize() (int64, error) {
	path, err := os.Executable()
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
