package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Strategy selects which entry is evicted when a full cache receives a new key.
type Strategy string

const (
	// StrategyLRU evicts the least recently used key.
	StrategyLRU Strategy = "lru"

	// StrategyFIFO evicts the oldest inserted key. Reads do not change the order.
	StrategyFIFO Strategy = "fifo"

	// StrategyTTL evicts the entry with the oldest timestamp (closest to expiry).
	StrategyTTL Strategy = "ttl"
)

// Default configuration values.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultMaxSize       = 100
	DefaultSweepInterval = 60 * time.Second
)

// Config holds the cache configuration. It is copied at construction
// and cannot be changed afterwards.
type Config struct {
	// Name labels metrics and logs
	Name string

	// TTL is the default entry lifetime
	TTL time.Duration

	// MaxSize is the maximum number of entries
	MaxSize int

	// Strategy is the eviction strategy used at capacity
	Strategy Strategy

	// SweepInterval is the period of the background expiry sweep
	SweepInterval time.Duration
}

// DefaultConfig returns the default configuration for a named cache.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		TTL:           DefaultTTL,
		MaxSize:       DefaultMaxSize,
		Strategy:      StrategyLRU,
		SweepInterval: DefaultSweepInterval,
	}
}

// Cache is a thread-safe key/value store with per-entry TTL, bounded size
// and a configurable eviction strategy.
type Cache[V any] struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*CacheEntry[V]

	// order holds keys, most recently touched at the back
	order *list.List

	// memoryUsage is the sum of entry sizes
	memoryUsage int64

	logger zerolog.Logger
	now    func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background sweep.
// Call Close to stop the sweep.
func New[V any](cfg Config, logger zerolog.Logger) *Cache[V] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	switch cfg.Strategy {
	case StrategyLRU, StrategyFIFO, StrategyTTL:
	case "":
		cfg.Strategy = StrategyLRU
	default:
		logger.Warn().
			Str("cache", cfg.Name).
			Str("strategy", string(cfg.Strategy)).
			Msg("Unknown eviction strategy, falling back to LRU")
		cfg.Strategy = StrategyLRU
	}

	c := &Cache[V]{
		config:  cfg,
		entries: make(map[string]*CacheEntry[V], cfg.MaxSize),
		order:   list.New(),
		logger:  logger.With().Str("cache", cfg.Name).Logger(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go c.sweepLoop(cfg.SweepInterval)

	return c
}

// Config returns a copy of the cache configuration.
func (c *Cache[V]) Config() Config {
	return c.config
}

// Set inserts or replaces an entry. The optional ttl overrides the configured TTL.
// When the cache is full and key is new, one entry is evicted first.
func (c *Cache[V]) Set(key string, value V, ttl ...time.Duration) {
	entryTTL := c.config.TTL
	if len(ttl) > 0 && ttl[0] > 0 {
		entryTTL = ttl[0]
	}
	size := entrySize(key, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if entry, exists := c.entries[key]; exists {
		entry.Data = value
		entry.Timestamp = now
		entry.Hits = 0
		entry.TTL = entryTTL
		c.memoryUsage += size - entry.size
		entry.size = size
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.config.MaxSize {
		c.evictLocked()
	}

	entry := &CacheEntry[V]{
		Data:      value,
		Timestamp: now,
		TTL:       entryTTL,
		size:      size,
	}
	entry.element = c.order.PushBack(key)
	c.entries[key] = entry
	c.memoryUsage += size

	CacheEntries.WithLabelValues(c.config.Name).Set(float64(len(c.entries)))
}

// Get returns the value for key. Expired entries are deleted and reported as absent.
// A hit increments the entry's hit count and, except under FIFO, marks it most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

// Has reports whether key holds a live entry.
// It shares Get's side effects: expired entries are removed and a hit is recorded.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.getLocked(key)
	return ok
}

// Peek returns the value for key without recording a hit, reordering, or deleting.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || entry.IsExpired(c.now()) {
		var zero V
		return zero, false
	}
	return entry.Data, true
}

// Delete removes an entry. Returns true if it existed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		return false
	}
	c.removeLocked(key)
	return true
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*CacheEntry[V], c.config.MaxSize)
	c.order.Init()
	c.memoryUsage = 0
	CacheEntries.WithLabelValues(c.config.Name).Set(0)
}

// Size returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns all keys in access order, least recently touched first.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(string))
	}
	return keys
}

// Sweep deletes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	for key, entry := range c.entries {
		if entry.IsExpired(now) {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		c.removeLocked(key)
		CacheEvictions.WithLabelValues(c.config.Name, "expired").Inc()
	}

	return len(expired)
}

// Close stops the background sweep. The cache remains usable.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug().Int("removed", removed).Msg("Swept expired cache entries")
			}
		}
	}
}

// getLocked must be called with the mutex held.
func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V

	entry, exists := c.entries[key]
	if !exists {
		CacheMisses.WithLabelValues(c.config.Name).Inc()
		return zero, false
	}

	if entry.IsExpired(c.now()) {
		c.removeLocked(key)
		CacheEvictions.WithLabelValues(c.config.Name, "expired").Inc()
		CacheMisses.WithLabelValues(c.config.Name).Inc()
		return zero, false
	}

	entry.Hits++
	if c.config.Strategy != StrategyFIFO {
		c.order.MoveToBack(entry.element)
	}

	CacheHits.WithLabelValues(c.config.Name).Inc()
	return entry.Data, true
}

// evictLocked removes one entry according to the strategy.
// Must be called with the mutex held.
func (c *Cache[V]) evictLocked() {
	var victim string
	found := false

	switch c.config.Strategy {
	case StrategyTTL:
		var oldest time.Time
		for element := c.order.Front(); element != nil; element = element.Next() {
			key := element.Value.(string)
			entry := c.entries[key]
			if !found || entry.Timestamp.Before(oldest) {
				victim = key
				oldest = entry.Timestamp
				found = true
			}
		}
	default:
		if front := c.order.Front(); front != nil {
			victim = front.Value.(string)
			found = true
		}
	}

	if !found {
		return
	}

	c.removeLocked(victim)
	CacheEvictions.WithLabelValues(c.config.Name, "capacity").Inc()

	c.logger.Debug().
		Str("key", victim).
		Str("strategy", string(c.config.Strategy)).
		Msg("Evicted cache entry")
}

// removeLocked removes an entry from both the map and the access order.
// Must be called with the mutex held.
func (c *Cache[V]) removeLocked(key string) {
	entry := c.entries[key]
	c.order.Remove(entry.element)
	delete(c.entries, key)
	c.memoryUsage -= entry.size
	CacheEntries.WithLabelValues(c.config.Name).Set(float64(len(c.entries)))
}
