package telemetry

import (
	"context"
	"fmt"
	"time"
)

// EntryType identifies a performance entry.
type EntryType string

const (
	EntryLongTask     EntryType = "long_task"
	EntryLayoutShift  EntryType = "layout_shift"
	EntryContentPaint EntryType = "largest_contentful_paint"
)

// PerformanceEntry is one observed performance event.
type PerformanceEntry struct {
	Type      EntryType
	Name      string
	StartTime time.Time
	Duration  time.Duration

	// Value carries the layout shift score
	Value float64
}

// Observe processes a performance entry. Long tasks above the threshold are
// recorded as performance errors; cumulative layout shift above the threshold
// logs a warning; content paint entries update the render time.
func (m *Manager) Observe(entry PerformanceEntry) {
	switch entry.Type {
	case EntryLongTask:
		if entry.Duration <= m.config.LongTaskThreshold {
			return
		}
		m.recordError(context.Background(), ErrorRecord{
			Type:    ErrorTypePerformance,
			Message: fmt.Sprintf("long task %q took %v", entry.Name, entry.Duration),
			Context: map[string]any{
				"duration_ms":  entry.Duration.Milliseconds(),
				"threshold_ms": m.config.LongTaskThreshold.Milliseconds(),
			},
		})

	case EntryLayoutShift:
		m.mu.Lock()
		m.cls += entry.Value
		cls := m.cls
		m.mu.Unlock()

		if cls > m.config.LayoutShiftThreshold {
			m.logger.Warn().
				Float64("cls", cls).
				Float64("threshold", m.config.LayoutShiftThreshold).
				Msg("Cumulative layout shift above threshold")
		}

	case EntryContentPaint:
		m.mu.Lock()
		m.renderTime = entry.Duration
		m.mu.Unlock()

	default:
		m.logger.Debug().Str("type", string(entry.Type)).Msg("Ignoring unknown performance entry")
	}
}

// TrackTask measures a unit of work and observes it as a long task candidate.
// Call the returned function when the work is done.
func (m *Manager) TrackTask(name string) (done func()) {
	start := m.now()
	return func() {
		m.Observe(PerformanceEntry{
			Type:      EntryLongTask,
			Name:      name,
			StartTime: start,
			Duration:  m.now().Sub(start),
		})
	}
}

// LayoutShift returns the cumulative layout shift score.
func (m *Manager) LayoutShift() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cls
}
