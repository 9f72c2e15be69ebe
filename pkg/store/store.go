// Package store provides the local persistence boundary: a small key/value store
// for persisted error records and stale cache blobs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the requested key does not exist
	ErrNotFound = errors.New("key not found")

	// ErrInvalidBlob indicates a stored value is not a valid Blob
	ErrInvalidBlob = errors.New("invalid blob")
)

// Well-known keys and prefixes.
const (
	// CacheBlobPrefix prefixes persisted cache blobs eligible for stale cleanup
	CacheBlobPrefix = "cache_"

	// ErrorsKey holds the persisted error list
	ErrorsKey = "enterprise_errors"
)

// Store is a minimal key/value persistence interface.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl of 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Keys lists all keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Blob is the JSON shape of persisted cache blobs.
type Blob struct {
	// Timestamp is when the blob was written
	Timestamp time.Time `json:"timestamp"`

	// Data is the blob payload
	Data json.RawMessage `json:"data,omitempty"`
}

// PutBlob marshals data into a timestamped Blob and stores it.
// A ttl of 0 keeps the blob until it is deleted.
func PutBlob(ctx context.Context, s Store, key string, data any, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal blob data: %w", err)
	}

	raw, err := json.Marshal(Blob{Timestamp: time.Now(), Data: payload})
	if err != nil {
		return fmt.Errorf("marshal blob: %w", err)
	}

	return s.Set(ctx, key, raw, ttl)
}

// GetBlob loads and decodes a Blob.
func GetBlob(ctx context.Context, s Store, key string) (*Blob, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var blob Blob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}

	return &blob, nil
}

// DeleteStaleBlobs removes blobs under prefix whose timestamp is older than maxAge.
// Values that cannot be decoded as a Blob are removed as well.
// Returns the number of deleted keys.
func DeleteStaleBlobs(ctx context.Context, s Store, prefix string, maxAge time.Duration) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, key := range keys {
		blob, err := GetBlob(ctx, s, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidBlob) {
			return 0, fmt.Errorf("get blob %s: %w", key, err)
		}
		if blob == nil || blob.Timestamp.Before(cutoff) {
			stale = append(stale, key)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.Delete(ctx, stale...); err != nil {
		return 0, fmt.Errorf("delete stale blobs: %w", err)
	}

	return len(stale), nil
}
