package cache

import (
	"container/list"
	"encoding/json"
	"time"
)

// CacheEntry represents a single cached value.
// It is owned by exactly one Cache and only mutated under that cache's lock.
type CacheEntry[V any] struct {
	// Data is the cached value
	Data V `json:"data"`

	// Timestamp is when the entry was (re)written
	Timestamp time.Time `json:"timestamp"`

	// Hits counts successful reads since the last write
	Hits int `json:"hits"`

	// TTL is the lifetime of this entry, measured from Timestamp
	TTL time.Duration `json:"ttl"`

	// element is the entry's slot in the access-order list
	element *list.Element

	// size is the approximate footprint in bytes, fixed at write time
	size int64
}

// entrySize approximates the footprint of key and value as the key length
// plus the JSON encoding length of value. Values that fail to encode count
// for their key only.
func entrySize[V any](key string, value V) int64 {
	size := int64(len(key))
	if data, err := json.Marshal(value); err == nil {
		size += int64(len(data))
	}
	return size
}

// IsExpired returns true once the entry is older than its TTL.
func (e *CacheEntry[V]) IsExpired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// Age returns how long ago the entry was written.
func (e *CacheEntry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Remaining returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry[V]) Remaining(now time.Time) time.Duration {
	ttl := e.TTL - e.Age(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
