package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"
)

// NetworkTiming is the timing breakdown of one outbound request.
type NetworkTiming struct {
	Method     string
	URL        string
	StatusCode int
	Start      time.Time

	DNS      time.Duration
	Connect  time.Duration
	TLS      time.Duration
	TTFB     time.Duration
	Download time.Duration
	Total    time.Duration
}

// Transport wraps base so every round trip is timed and checked against the
// TTFB and slow request thresholds. Non-successful statuses and transport
// failures are captured as http errors.
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &instrumentedTransport{base: base, manager: m}
}

type instrumentedTransport struct {
	base    http.RoundTripper
	manager *Manager
}

// traceTimes collects httptrace callbacks, which may fire concurrently.
type traceTimes struct {
	mu           sync.Mutex
	dnsStart     time.Time
	dns          time.Duration
	connectStart time.Time
	connect      time.Duration
	tlsStart     time.Time
	tls          time.Duration
	firstByte    time.Time
}

func (t *traceTimes) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			t.mu.Lock()
			t.dnsStart = time.Now()
			t.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			t.mu.Lock()
			t.dns = time.Since(t.dnsStart)
			t.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			t.mu.Lock()
			if t.connectStart.IsZero() {
				t.connectStart = time.Now()
			}
			t.mu.Unlock()
		},
		ConnectDone: func(string, string, error) {
			t.mu.Lock()
			t.connect = time.Since(t.connectStart)
			t.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			t.mu.Lock()
			t.tlsStart = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			t.mu.Lock()
			t.tls = time.Since(t.tlsStart)
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			t.firstByte = time.Now()
			t.mu.Unlock()
		},
	}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	times := &traceTimes{}
	start := time.Now()

	traced := req.WithContext(httptrace.WithClientTrace(req.Context(), times.clientTrace()))
	resp, err := t.base.RoundTrip(traced)

	total := time.Since(start)

	times.mu.Lock()
	timing := NetworkTiming{
		Method:  req.Method,
		URL:     req.URL.String(),
		Start:   start,
		DNS:     times.dns,
		Connect: times.connect,
		TLS:     times.tls,
		Total:   total,
	}
	if !times.firstByte.IsZero() {
		timing.TTFB = times.firstByte.Sub(start)
	}
	firstByte := times.firstByte
	times.mu.Unlock()

	if err != nil {
		t.manager.recordRequest(req.Context(), timing, err)
		return nil, err
	}

	timing.StatusCode = resp.StatusCode
	t.manager.recordRequest(req.Context(), timing, nil)

	if !firstByte.IsZero() {
		resp.Body = &timedBody{ReadCloser: resp.Body, firstByte: firstByte}
	}
	return resp, nil
}

// timedBody observes the download phase when the body is closed.
type timedBody struct {
	io.ReadCloser
	firstByte time.Time
	once      sync.Once
}

func (b *timedBody) Close() error {
	b.once.Do(func() {
		downloadSeconds.Observe(time.Since(b.firstByte).Seconds())
	})
	return b.ReadCloser.Close()
}

// RecordNavigation records a timing breakdown and raises alerts for slow
// first bytes and slow requests.
func (m *Manager) RecordNavigation(timing NetworkTiming) {
	m.recordRequest(context.Background(), timing, nil)
}

func (m *Manager) recordRequest(ctx context.Context, timing NetworkTiming, err error) {
	now := m.now()

	m.mu.Lock()
	m.requestTimes = append(m.requestTimes, now)
	m.durations.push(timing.Total)
	if timing.TTFB > 0 {
		m.ttfbs.push(timing.TTFB)
	}
	m.pruneWindowsLocked(now)
	m.mu.Unlock()

	m.totalRequests.Inc()

	if timing.TTFB > 0 {
		ttfbSeconds.Observe(timing.TTFB.Seconds())
	}

	if timing.TTFB > m.config.TTFBThreshold {
		m.raiseAlert(LevelWarning, "ttfb", float64(timing.TTFB.Milliseconds()), float64(m.config.TTFBThreshold.Milliseconds()),
			"Slow time to first byte: %v for %s", timing.TTFB, timing.URL)
	}

	if timing.Total > m.config.SlowRequestThreshold {
		m.logger.Warn().
			Str("method", timing.Method).
			Str("url", timing.URL).
			Dur("duration", timing.Total).
			Msg("Slow request")
		m.raiseAlert(LevelWarning, "request_duration", float64(timing.Total.Milliseconds()), float64(m.config.SlowRequestThreshold.Milliseconds()),
			"Slow request: %s %s took %v", timing.Method, timing.URL, timing.Total)
	}

	switch {
	case err != nil:
		m.recordError(ctx, ErrorRecord{
			Type:    ErrorTypeHTTP,
			Message: fmt.Sprintf("%s %s: %v", timing.Method, timing.URL, err),
			Context: map[string]any{"method": timing.Method, "url": timing.URL},
		})
	case timing.StatusCode >= 400:
		m.recordError(ctx, ErrorRecord{
			Type:    ErrorTypeHTTP,
			Message: fmt.Sprintf("HTTP %d %s %s", timing.StatusCode, timing.Method, timing.URL),
			Context: map[string]any{"method": timing.Method, "url": timing.URL, "status": timing.StatusCode},
		})
	}
}
