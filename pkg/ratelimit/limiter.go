package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limiting.
var (
	rateLimitAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_rate_limit_admitted_total",
		Help: "Total number of requests admitted by the rate limiter",
	})

	rateLimitDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_rate_limit_denied_total",
		Help: "Total number of requests denied by the rate limiter",
	})

	rateLimitWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_rate_limit_windows",
		Help: "Number of identifiers with a tracked rate limit window",
	})
)

// Limiter tracks admission timestamps per identifier and gates requests.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	logger  zerolog.Logger

	// maxWindow is the longest rule window seen by Allow
	maxWindow time.Duration

	now     func() time.Time
}

// NewLimiter creates a new sliding-window limiter.
func NewLimiter(logger zerolog.Logger) *Limiter {
	return &Limiter{
		windows: make(map[string][]time.Time),
		logger:  logger,
		now:     time.Now,
	}
}

// Allow checks whether a request for id is admitted under rule.
// Timestamps older than the window are pruned first; an admission records the current time.
func (l *Limiter) Allow(id string, rule Rule) bool {
	if !rule.Valid() {
		l.logger.Warn().
			Str("identifier", id).
			Int("max_requests", rule.MaxRequests).
			Dur("window", rule.Window).
			Msg("Invalid rate limit rule, denying request")
		rateLimitDeniedTotal.Inc()
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rule.Window > l.maxWindow {
		l.maxWindow = rule.Window
	}

	now := l.now()
	timestamps := prune(l.windows[id], now.Add(-rule.Window))

	if len(timestamps) >= rule.MaxRequests {
		l.windows[id] = timestamps
		rateLimitDeniedTotal.Inc()

		l.logger.Warn().
			Str("identifier", id).
			Int("count", len(timestamps)).
			Int("max_requests", rule.MaxRequests).
			Msg("Rate limit exceeded - denying request")
		return false
	}

	l.windows[id] = append(timestamps, now)
	rateLimitAdmittedTotal.Inc()
	rateLimitWindows.Set(float64(len(l.windows)))

	return true
}

// State returns the current window state for id under rule without admitting anything.
func (l *Limiter) State(id string, rule Rule) WindowState {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	timestamps := prune(l.windows[id], now.Add(-rule.Window))

	state := WindowState{
		Identifier: id,
		Count:      len(timestamps),
		Remaining:  rule.MaxRequests - len(timestamps),
	}
	if state.Remaining < 0 {
		state.Remaining = 0
	}
	if len(timestamps) > 0 {
		state.ResetIn = timestamps[0].Add(rule.Window).Sub(now)
	}

	return state
}

// Prune drops identifiers whose timestamps are all older than maxWindow.
// Returns the number of identifiers removed.
func (l *Limiter) Prune(maxWindow time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(maxWindow)
}

// PruneIdle drops identifiers with no admission inside the longest window
// any rule has used so far.
func (l *Limiter) PruneIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.windows) == 0 {
		return 0
	}
	return l.pruneLocked(l.maxWindow)
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) pruneLocked(maxWindow time.Duration) int {
	cutoff := l.now().Add(-maxWindow)
	removed := 0
	for id, timestamps := range l.windows {
		if len(prune(timestamps, cutoff)) == 0 {
			delete(l.windows, id)
			removed++
		}
	}

	rateLimitWindows.Set(float64(len(l.windows)))
	return removed
}

// Reset forgets all windows.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.windows = make(map[string][]time.Time)
	l.maxWindow = 0
	rateLimitWindows.Set(0)
}

// prune drops timestamps at or before cutoff. Timestamps are in admission order.
func prune(timestamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && !timestamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append(timestamps[:0:0], timestamps[i:]...)
}
