package telemetry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelError    AlertLevel = "error"
	LevelCritical AlertLevel = "critical"
)

// Alert is an immutable threshold notification.
type Alert struct {
	ID        string     `json:"id"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Metric    string     `json:"metric"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
}

type listener struct {
	id uint64
	fn func(Alert)
}

// OnAlert registers fn for every alert raised after this call and returns a
// function that removes it. Listeners run synchronously in registration order.
func (m *Manager) OnAlert(fn func(Alert)) (unsubscribe func()) {
	m.listenerMu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.listenerMu.Unlock()

	return func() {
		m.listenerMu.Lock()
		defer m.listenerMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// raiseAlert records an alert and notifies listeners.
func (m *Manager) raiseAlert(level AlertLevel, metric string, value, threshold float64, format string, args ...any) Alert {
	alert := Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		Timestamp: m.now(),
	}

	m.mu.Lock()
	m.alerts.push(alert)
	m.mu.Unlock()

	alertsTotal.WithLabelValues(string(level)).Inc()

	m.notifyAlert(alert)
	return alert
}

// notifyAlert calls every listener. A panicking listener is logged and
// does not prevent the remaining listeners from running.
func (m *Manager) notifyAlert(alert Alert) {
	m.listenerMu.Lock()
	listeners := make([]listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.Unlock()

	for _, l := range listeners {
		m.callListener(l, alert)
	}
}

func (m *Manager) callListener(l listener, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Uint64("listener", l.id).
				Str("alert", alert.Metric).
				Msg("Alert listener panicked")
		}
	}()
	l.fn(alert)
}
