package telemetry

import "time"

// Config holds thresholds, intervals and buffer sizes for the manager.
type Config struct {
	// Memory watch
	MemoryInterval  time.Duration `mapstructure:"memory_interval"`
	MemoryThreshold uint64        `mapstructure:"memory_threshold"` // bytes

	// Object-count watch
	ObjectInterval  time.Duration `mapstructure:"object_interval"`
	ObjectThreshold int           `mapstructure:"object_threshold"`

	// Entry observation
	LongTaskThreshold    time.Duration `mapstructure:"long_task_threshold"`
	LayoutShiftThreshold float64       `mapstructure:"layout_shift_threshold"`

	// Network timing
	TTFBThreshold        time.Duration `mapstructure:"ttfb_threshold"`
	SlowRequestThreshold time.Duration `mapstructure:"slow_request_threshold"`

	// Cleanup
	StaleBlobAge time.Duration `mapstructure:"stale_blob_age"`

	// Buffers
	ErrorBufferSize int `mapstructure:"error_buffer_size"`
	PersistedErrors int `mapstructure:"persisted_errors"`
	HistorySize     int `mapstructure:"history_size"`
	AlertBufferSize int `mapstructure:"alert_buffer_size"`
	TimingSamples   int `mapstructure:"timing_samples"`

	// ErrorRateWindow is the trailing window for error rate and request counts
	ErrorRateWindow time.Duration `mapstructure:"error_rate_window"`
}

// DefaultConfig returns the default monitoring configuration.
func DefaultConfig() Config {
	return Config{
		MemoryInterval:       30 * time.Second,
		MemoryThreshold:      150 * 1024 * 1024,
		ObjectInterval:       60 * time.Second,
		ObjectThreshold:      10000,
		LongTaskThreshold:    50 * time.Millisecond,
		LayoutShiftThreshold: 0.1,
		TTFBThreshold:        1000 * time.Millisecond,
		SlowRequestThreshold: 2000 * time.Millisecond,
		StaleBlobAge:         10 * time.Minute,
		ErrorBufferSize:      1000,
		PersistedErrors:      100,
		HistorySize:          100,
		AlertBufferSize:      100,
		TimingSamples:        100,
		ErrorRateWindow:      60 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.MemoryInterval <= 0 {
		c.MemoryInterval = def.MemoryInterval
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = def.MemoryThreshold
	}
	if c.ObjectInterval <= 0 {
		c.ObjectInterval = def.ObjectInterval
	}
	if c.ObjectThreshold <= 0 {
		c.ObjectThreshold = def.ObjectThreshold
	}
	if c.LongTaskThreshold <= 0 {
		c.LongTaskThreshold = def.LongTaskThreshold
	}
	if c.LayoutShiftThreshold <= 0 {
		c.LayoutShiftThreshold = def.LayoutShiftThreshold
	}
	if c.TTFBThreshold <= 0 {
		c.TTFBThreshold = def.TTFBThreshold
	}
	if c.SlowRequestThreshold <= 0 {
		c.SlowRequestThreshold = def.SlowRequestThreshold
	}
	if c.StaleBlobAge <= 0 {
		c.StaleBlobAge = def.StaleBlobAge
	}
	if c.ErrorBufferSize <= 0 {
		c.ErrorBufferSize = def.ErrorBufferSize
	}
	if c.PersistedErrors <= 0 {
		c.PersistedErrors = def.PersistedErrors
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.AlertBufferSize <= 0 {
		c.AlertBufferSize = def.AlertBufferSize
	}
	if c.TimingSamples <= 0 {
		c.TimingSamples = def.TimingSamples
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = def.ErrorRateWindow
	}
	return c
}
