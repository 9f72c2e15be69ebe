package cache

import (
	"fmt"
	"time"
)

// Stats is a point-in-time summary of a cache.
type Stats struct {
	// Size is the number of stored entries
	Size int `json:"size"`

	// HitRate is totalHits / (totalHits + entries) * 100
	HitRate float64 `json:"hit_rate"`

	// MemoryUsage approximates the serialized size of keys and values in bytes
	MemoryUsage int64 `json:"memory_usage"`

	// OldestEntry is the age of the entry with the smallest timestamp
	OldestEntry time.Duration `json:"oldest_entry"`
}

// HitRatePercent renders the hit rate as a percentage string, e.g. "66.67%".
func (s Stats) HitRatePercent() string {
	return fmt.Sprintf("%.2f%%", s.HitRate)
}

// Stats computes the current cache statistics.
// Hits are summed over live entries, so evicted or rewritten entries no longer contribute.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stats := Stats{Size: len(c.entries), MemoryUsage: c.memoryUsage}

	totalHits := 0
	var oldest time.Time
	for _, entry := range c.entries {
		totalHits += entry.Hits

		if oldest.IsZero() || entry.Timestamp.Before(oldest) {
			oldest = entry.Timestamp
		}
	}

	if denominator := totalHits + len(c.entries); denominator > 0 {
		stats.HitRate = float64(totalHits) / float64(denominator) * 100
	}
	if !oldest.IsZero() {
		stats.OldestEntry = now.Sub(oldest)
	}

	return stats
}
