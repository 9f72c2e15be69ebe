// Package client provides the queued marketplace HTTP client with bounded
// concurrency, retry with backoff, local rate limiting and response caching.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/marketplace-client/pkg/cache"
	"github.com/Sternrassler/marketplace-client/pkg/ratelimit"
	"github.com/Sternrassler/marketplace-client/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_requests_total",
		Help: "Total API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_queue_depth",
		Help: "Number of requests waiting for a concurrency slot",
	})

	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_active_requests",
		Help: "Number of requests currently executing",
	})

	queueOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_queue_overflow_total",
		Help: "Total requests failed by queue overflow by policy",
	}, []string{"policy"})
)

const tracerName = "github.com/Sternrassler/marketplace-client/pkg/client"

// Client is the queued API client.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *ratelimit.Limiter
	cache      *cache.Cache[*Response]
	store      store.Store
	queue      *requestQueue
	baseURL    string
	config     Config
	logger     zerolog.Logger
	tracer     trace.Tracer

	closed   *atomic.Bool
	stop     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is prefixed to relative request URLs
	BaseURL string

	// UserAgent is sent with every request
	UserAgent string

	// Queue
	MaxConcurrentRequests int            // Max requests executing at once
	MaxQueueLength        int            // Max pending requests (0 = unbounded)
	OverflowPolicy        OverflowPolicy // reject | drop_oldest
	DrainInterval         time.Duration  // Fixed drain tick

	// Execution
	Timeout time.Duration   // Per-attempt timeout
	Retries int             // Additional attempts for 5xx/network errors (<0 disables)
	Backoff []time.Duration // Backoff schedule indexed by attempt

	// Caching
	CacheTTL      time.Duration
	CacheSize     int
	CacheStrategy cache.Strategy

	// Health
	HealthPath    string
	HealthTimeout time.Duration

	// PruneInterval is the period at which idle rate limit windows are dropped
	PruneInterval time.Duration

	// CircuitBreaker enables a breaker around every attempt when non-nil
	CircuitBreaker *gobreaker.Settings
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:               baseURL,
		UserAgent:             "marketplace-client/1.0",
		MaxConcurrentRequests: 6,
		MaxQueueLength:        1000,
		OverflowPolicy:        OverflowReject,
		DrainInterval:         100 * time.Millisecond,
		Timeout:               10 * time.Second,
		Retries:               3,
		Backoff:               DefaultBackoff,
		CacheTTL:              5 * time.Minute,
		CacheSize:             100,
		CacheStrategy:         cache.StrategyLRU,
		HealthPath:            "/health",
		HealthTimeout:         5 * time.Second,
		PruneInterval:         time.Minute,
	}
}

// RequestConfig holds per-request overrides. Zero values use the client configuration.
type RequestConfig struct {
	NoCache   bool
	CacheTTL  time.Duration
	Timeout   time.Duration
	Retries   int // <0 disables retries, 0 uses the client default
	RateLimit *ratelimit.Rule
}

// Request describes one API call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Config RequestConfig
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTransport sets the round tripper, e.g. an instrumented transport.
// The installed HTTP client is copied, so a client passed to WithHTTPClient
// is never modified.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Transport = rt
		c.httpClient = &hc
	}
}

// WithLogger replaces the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithStore persists successful responses as cache blobs and consults them on cache misses.
func WithStore(s store.Store) Option {
	return func(c *Client) {
		c.store = s
	}
}

// New creates a new client and starts its drain loop.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()

	if cfg.MaxConcurrentRequests < 1 {
		return nil, fmt.Errorf("max_concurrent_requests must be >= 1 (got %d)", cfg.MaxConcurrentRequests)
	}

	if cfg.MaxQueueLength < 0 {
		return nil, fmt.Errorf("max_queue_length must be >= 0 (got %d)", cfg.MaxQueueLength)
	}

	switch cfg.OverflowPolicy {
	case OverflowReject, OverflowDropOldest:
	default:
		return nil, fmt.Errorf("unknown overflow policy %q", cfg.OverflowPolicy)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
		}
	}

	c := &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		config:     cfg,
		logger:     log.With().Str("component", "api-client").Logger(),
		tracer:     otel.Tracer(tracerName),
		closed:     atomic.NewBool(false),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		queue:      newRequestQueue(cfg.MaxConcurrentRequests, cfg.MaxQueueLength, cfg.OverflowPolicy),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.limiter = ratelimit.NewLimiter(c.logger)
	c.cache = cache.New[*Response](cache.Config{
		Name:     "api-client",
		TTL:      cfg.CacheTTL,
		MaxSize:  cfg.CacheSize,
		Strategy: cfg.CacheStrategy,
	}, c.logger)

	if cfg.CircuitBreaker != nil {
		settings := *cfg.CircuitBreaker
		if settings.Name == "" {
			settings.Name = "api-client"
		}
		logger := c.logger
		onChange := settings.OnStateChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if onChange != nil {
				onChange(name, from, to)
			}
		}
		c.breaker = gobreaker.NewCircuitBreaker(settings)
	}

	go c.drainLoop()

	return c, nil
}

// withDefaults fills zero values from DefaultConfig.
func (cfg Config) withDefaults() Config {
	def := DefaultConfig(cfg.BaseURL)

	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = def.MaxConcurrentRequests
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = def.OverflowPolicy
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = def.Retries
	} else if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheStrategy == "" {
		cfg.CacheStrategy = def.CacheStrategy
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = def.HealthPath
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	return cfg
}

// Config returns the effective client configuration.
func (c *Client) Config() Config {
	return c.config
}

// Cache returns the response cache.
func (c *Client) Cache() *cache.Cache[*Response] {
	return c.cache
}

// Request executes req through the cache, the rate limiter and the request queue.
func (c *Client) Request(ctx context.Context, req Request) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := c.tracer.Start(ctx, "client.Request", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", req.URL),
	))
	defer span.End()

	resp, err := c.request(ctx, method, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (c *Client) request(ctx context.Context, method string, req Request) (*Response, error) {
	target, err := c.resolveURL(req.URL)
	if err != nil {
		return nil, err
	}

	endpoint := target.Path
	cacheKey := cache.RequestKey{Method: method, URL: target.String(), Body: string(req.Body)}.String()

	// Step 1: cache
	if !req.Config.NoCache {
		if cached, ok := c.cache.Get(cacheKey); ok {
			requestsTotal.WithLabelValues(endpoint, "cache_hit").Inc()
			trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("cache.hit", true))
			c.logger.Debug().Str("endpoint", endpoint).Msg("Serving response from cache")
			return cached, nil
		}
		if persisted, ok := c.loadPersisted(ctx, cacheKey, req.Config); ok {
			requestsTotal.WithLabelValues(endpoint, "store_hit").Inc()
			return persisted, nil
		}
	}

	// Step 2: rate limit
	if rule := req.Config.RateLimit; rule != nil {
		id := ratelimit.Identifier(target)
		if !c.limiter.Allow(id, *rule) {
			errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
			requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
			return nil, &APIError{
				ErrorClass: ErrorClassRateLimit,
				Message:    fmt.Sprintf("rate limit exceeded for %s", id),
				Err:        ErrRateLimited,
			}
		}
	}

	// Step 3: queue
	job := &queuedRequest{
		ctx:      ctx,
		method:   method,
		url:      target.String(),
		header:   req.Header,
		body:     req.Body,
		config:   req.Config,
		cacheKey: cacheKey,
		endpoint: endpoint,
		enqueued: time.Now(),
		done:     make(chan result, 1),
	}

	dropped, err := c.queue.push(job)
	if errors.Is(err, ErrClientClosed) {
		return nil, ErrClientClosed
	}
	if err != nil {
		queueOverflowTotal.WithLabelValues(string(c.config.OverflowPolicy)).Inc()
		errorsTotal.WithLabelValues(string(ErrorClassQueue)).Inc()
		return nil, &APIError{ErrorClass: ErrorClassQueue, Message: "request queue full", Err: err}
	}
	if dropped != nil {
		queueOverflowTotal.WithLabelValues(string(c.config.OverflowPolicy)).Inc()
		errorsTotal.WithLabelValues(string(ErrorClassQueue)).Inc()
		dropped.settle(nil, &APIError{ErrorClass: ErrorClassQueue, Message: "dropped from full queue", Err: ErrQueueFull})
		c.logger.Warn().Str("endpoint", dropped.endpoint).Msg("Dropped oldest queued request")
	}

	select {
	case res := <-job.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchRequest executes all requests concurrently. The first failure cancels
// the remaining requests and is returned. Results are in input order.
func (c *Client) BatchRequest(ctx context.Context, reqs []Request) ([]*Response, error) {
	results := make([]*Response, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, err := c.Request(gctx, req)
			if err != nil {
				return fmt.Errorf("batch request %d (%s): %w", i, req.URL, err)
			}
			results[i] = resp
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// HealthCheck reports whether the upstream health endpoint answers successfully.
// It bypasses the cache, does not retry and never returns an error.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.Request(ctx, Request{
		Method: http.MethodGet,
		URL:    c.config.HealthPath,
		Config: RequestConfig{
			NoCache: true,
			Timeout: c.config.HealthTimeout,
			Retries: -1,
		},
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("Health check failed")
		return false
	}
	return true
}

// QueueStatus returns a snapshot of the request queue.
func (c *Client) QueueStatus() QueueStatus {
	queued, active := c.queue.status()
	return QueueStatus{
		Queued:       queued,
		Active:       active,
		CacheHitRate: c.cache.Stats().HitRate,
	}
}

// Close stops the drain loop, fails pending requests with ErrClientClosed and
// stops the cache sweep. In-flight requests complete normally.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stop)
	<-c.loopDone

	for _, job := range c.queue.drainAll() {
		job.settle(nil, ErrClientClosed)
	}

	c.cache.Close()
	c.inflight.Wait()

	c.logger.Info().Msg("Client closed")
	return nil
}

// drainLoop starts queued requests on every tick and whenever the queue signals.
func (c *Client) drainLoop() {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.config.DrainInterval)
	defer ticker.Stop()

	pruneTicker := time.NewTicker(c.config.PruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-pruneTicker.C:
			if removed := c.limiter.PruneIdle(); removed > 0 {
				c.logger.Debug().Int("removed", removed).Msg("Pruned idle rate limit windows")
			}
			continue
		case <-ticker.C:
		case <-c.queue.wake:
		}
		c.drain()
	}
}

func (c *Client) drain() {
	for {
		job := c.queue.next()
		if job == nil {
			return
		}
		c.inflight.Add(1)
		go c.execute(job)
	}
}

func (c *Client) execute(job *queuedRequest) {
	defer c.inflight.Done()
	defer c.queue.release()

	// Caller went away while queued
	if err := job.ctx.Err(); err != nil {
		job.settle(nil, err)
		return
	}

	start := time.Now()
	resp, err := c.executeWithRetry(job)
	requestDuration.WithLabelValues(job.endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("method", job.method).
			Str("endpoint", job.endpoint).
			Dur("queued", start.Sub(job.enqueued)).
			Msg("Request failed")
		job.settle(nil, err)
		return
	}

	requestsTotal.WithLabelValues(job.endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if !job.config.NoCache && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ttl := job.config.CacheTTL
		if ttl <= 0 {
			ttl = c.config.CacheTTL
		}
		c.cache.Set(job.cacheKey, resp, ttl)
		c.persist(job.ctx, job.cacheKey, resp, ttl)
	}

	job.settle(resp, nil)
}

func (c *Client) executeWithRetry(job *queuedRequest) (*Response, error) {
	policy := RetryPolicy{Retries: c.config.Retries, Backoff: c.config.Backoff}
	switch {
	case job.config.Retries < 0:
		policy.Retries = 0
	case job.config.Retries > 0:
		policy.Retries = job.config.Retries
	}

	var resp *Response
	err := retryWithBackoff(job.ctx, policy, c.logger, func(attempt int) (ErrorClass, error) {
		r, errorClass, err := c.attempt(job)
		if err != nil {
			errorsTotal.WithLabelValues(string(errorClass)).Inc()
			return errorClass, err
		}
		resp = r
		return "", nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// attempt performs a single HTTP exchange with its own timeout.
func (c *Client) attempt(job *queuedRequest) (*Response, ErrorClass, error) {
	timeout := job.config.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	ctx, cancel := context.WithTimeout(job.ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(job.body) > 0 {
		body = bytes.NewReader(job.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, job.method, job.url, body)
	if err != nil {
		return nil, ErrorClassClient, &APIError{ErrorClass: ErrorClassClient, Message: "build request", Err: err}
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	if len(job.body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, values := range job.header {
		httpReq.Header.Del(key)
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	c.logger.Debug().
		Str("method", job.method).
		Str("url", job.url).
		Msg("Executing request")

	httpResp, err := c.send(httpReq)
	if err != nil {
		errorClass := c.classifyError(job.ctx, err)
		return nil, errorClass, &APIError{ErrorClass: errorClass, Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		errorClass := c.classifyError(job.ctx, err)
		return nil, errorClass, &APIError{
			StatusCode: httpResp.StatusCode,
			ErrorClass: errorClass,
			Message:    "read body",
			Err:        err,
		}
	}

	switch {
	case httpResp.StatusCode >= 500:
		return nil, ErrorClassServer, &APIError{
			StatusCode: httpResp.StatusCode,
			ErrorClass: ErrorClassServer,
			Message:    http.StatusText(httpResp.StatusCode),
			Body:       data,
		}
	case httpResp.StatusCode >= 400:
		return nil, ErrorClassClient, &APIError{
			StatusCode: httpResp.StatusCode,
			ErrorClass: ErrorClassClient,
			Message:    http.StatusText(httpResp.StatusCode),
			Body:       data,
		}
	}

	resp, err := parseResponse(httpResp, data)
	if err != nil {
		return nil, ErrorClassDecode, err
	}

	return resp, ErrorClass(""), nil
}

// errUpstreamStatus marks 5xx answers as breaker failures without losing the response.
var errUpstreamStatus = errors.New("upstream server error")

// send performs the round trip, through the circuit breaker when configured.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	case errors.Is(err, errUpstreamStatus):
		return result.(*http.Response), nil
	case err != nil:
		return nil, err
	}

	return result.(*http.Response), nil
}

// classifyError classifies transport failures.
func (c *Client) classifyError(callerCtx context.Context, err error) ErrorClass {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorClassCircuitOpen
	case callerCtx.Err() != nil:
		// The caller cancelled; the per-attempt timeout is not involved
		return ErrorClassCancelled
	default:
		c.logger.Debug().Err(err).Msg("Network error")
		return ErrorClassNetwork
	}
}

// resolveURL prefixes relative URLs with the base URL.
func (c *Client) resolveURL(raw string) (*url.URL, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return url.Parse(raw)
	}

	if c.baseURL == "" {
		return nil, fmt.Errorf("relative url %q without base url", raw)
	}

	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	return u, nil
}

// persist writes a successful response to the store with the entry's TTL.
// Failures are logged only.
func (c *Client) persist(ctx context.Context, cacheKey string, resp *Response, ttl time.Duration) {
	if c.store == nil {
		return
	}

	if err := store.PutBlob(context.WithoutCancel(ctx), c.store, store.CacheBlobPrefix+cacheKey, resp, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", cacheKey).Msg("Failed to persist response")
	}
}

// loadPersisted returns a stored response younger than the cache TTL and
// promotes it into the in-memory cache.
func (c *Client) loadPersisted(ctx context.Context, cacheKey string, cfg RequestConfig) (*Response, bool) {
	if c.store == nil {
		return nil, false
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = c.config.CacheTTL
	}

	blob, err := store.GetBlob(ctx, c.store, store.CacheBlobPrefix+cacheKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Debug().Err(err).Str("key", cacheKey).Msg("Failed to load persisted response")
		}
		return nil, false
	}

	remaining := ttl - time.Since(blob.Timestamp)
	if remaining <= 0 {
		return nil, false
	}

	var resp Response
	if err := json.Unmarshal(blob.Data, &resp); err != nil {
		c.logger.Debug().Err(err).Str("key", cacheKey).Msg("Failed to decode persisted response")
		return nil, false
	}

	c.cache.Set(cacheKey, &resp, remaining)
	return &resp, true
}
