package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/marketplace-client/pkg/client"
	"github.com/Sternrassler/marketplace-client/pkg/config"
	"github.com/Sternrassler/marketplace-client/pkg/logging"
	"github.com/Sternrassler/marketplace-client/pkg/metrics"
	"github.com/Sternrassler/marketplace-client/pkg/ratelimit"
	"github.com/Sternrassler/marketplace-client/pkg/store"
	"github.com/Sternrassler/marketplace-client/pkg/telemetry"
	"github.com/rs/zerolog"
)

// apiPrefix is stripped from proxied paths: /api/v1/items -> /v1/items.
const apiPrefix = "/api"

// maxBodyBytes caps request bodies forwarded upstream.
const maxBodyBytes = 1 << 20

// forwardedHeaders are copied from the incoming request to the upstream request.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Authorization", "Content-Type"}

// pinger is implemented by stores with a remote backend.
type pinger interface {
	Ping(ctx context.Context) error
}

type proxy struct {
	client    *client.Client
	telemetry *telemetry.Manager
	store     store.Store
	rateLimit *ratelimit.Rule
	timeout   time.Duration
	logger    zerolog.Logger
}

func newProxy(c *client.Client, mgr *telemetry.Manager, st store.Store, cfg *config.Config, logger zerolog.Logger) *proxy {
	return &proxy{
		client:    c,
		telemetry: mgr,
		store:     st,
		rateLimit: cfg.ProxyRateLimit(),
		timeout:   cfg.Server.ProxyTimeout,
		logger:    logger,
	}
}

func (p *proxy) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", p.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/status", p.statusHandler)
	mux.HandleFunc("/queue", p.queueHandler)
	mux.HandleFunc(apiPrefix+"/", p.proxyHandler)

	return logging.RequestLogger(p.logger)(p.telemetry.Middleware(mux))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports ready when the store answers and the upstream health check passes.
func (p *proxy) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s, ok := p.store.(pinger); ok {
		if err := s.Ping(r.Context()); err != nil {
			p.logger.Warn().Err(err).Msg("Store not reachable")
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	if !p.client.HealthCheck(r.Context()) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (p *proxy) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := p.telemetry.SystemStatus()

	code := http.StatusOK
	if status.Status == telemetry.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (p *proxy) queueHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.client.QueueStatus())
}

// proxyHandler forwards /api/* to the upstream API through the client.
// Upstream 4xx answers are relayed as-is; local failures map to 429, 503 or 502.
func (p *proxy) proxyHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, apiPrefix)
	if endpoint == "" || endpoint == "/" {
		http.Error(w, "missing endpoint", http.StatusNotFound)
		return
	}
	if r.URL.RawQuery != "" {
		endpoint += "?" + r.URL.RawQuery
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	header := make(http.Header)
	for _, key := range forwardedHeaders {
		if v := r.Header.Get(key); v != "" {
			header.Set(key, v)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	resp, err := p.client.Request(ctx, client.Request{
		Method: r.Method,
		URL:    endpoint,
		Header: header,
		Body:   body,
		Config: client.RequestConfig{
			NoCache:   r.Header.Get("Cache-Control") == "no-cache",
			RateLimit: p.rateLimit,
		},
	})
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Msg("Failed to write response")
	}
}

func (p *proxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.FromContext(r.Context())

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		logger.Error().Err(err).Msg("Upstream request failed")
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		return
	}

	switch apiErr.ErrorClass {
	case client.ErrorClassClient:
		w.WriteHeader(apiErr.StatusCode)
		w.Write(apiErr.Body)
		return
	case client.ErrorClassRateLimit:
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	case client.ErrorClassQueue, client.ErrorClassCircuitOpen:
		logger.Warn().Err(err).Str("error_class", string(apiErr.ErrorClass)).Msg("Request shed")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	logger.Error().Err(err).Str("error_class", string(apiErr.ErrorClass)).Msg("Upstream request failed")
	http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
}

// logAlert returns an alert listener that mirrors alerts into the log.
func logAlert(logger zerolog.Logger) func(telemetry.Alert) {
	return func(a telemetry.Alert) {
		var event *zerolog.Event
		switch a.Level {
		case telemetry.LevelCritical, telemetry.LevelError:
			event = logger.Error()
		case telemetry.LevelWarning:
			event = logger.Warn()
		default:
			event = logger.Info()
		}

		event.
			Str("alert_id", a.ID).
			Str("alert_level", string(a.Level)).
			Str("metric", a.Metric).
			Float64("value", a.Value).
			Float64("threshold", a.Threshold).
			Msg(a.Message)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
