package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPutBlobAndGetBlob(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	before := time.Now()
	if err := PutBlob(ctx, s, "cache_products", map[string]int{"count": 3}, 0); err != nil {
		t.Fatalf("PutBlob() error = %v", err)
	}

	blob, err := GetBlob(ctx, s, "cache_products")
	if err != nil {
		t.Fatalf("GetBlob() error = %v", err)
	}
	if blob.Timestamp.Before(before) {
		t.Errorf("Timestamp = %v, want >= %v", blob.Timestamp, before)
	}

	var data map[string]int
	if err := json.Unmarshal(blob.Data, &data); err != nil {
		t.Fatalf("Unmarshal(Data) error = %v", err)
	}
	if data["count"] != 3 {
		t.Errorf("Data[count] = %d, want 3", data["count"])
	}
}

func TestGetBlob_Invalid(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	s.Set(ctx, "cache_broken", []byte("not json"), 0)

	if _, err := GetBlob(ctx, s, "cache_broken"); !errors.Is(err, ErrInvalidBlob) {
		t.Errorf("GetBlob() error = %v, want ErrInvalidBlob", err)
	}
	if _, err := GetBlob(ctx, s, "cache_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBlob(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteStaleBlobs(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	writeBlob := func(key string, ts time.Time) {
		raw, _ := json.Marshal(Blob{Timestamp: ts})
		s.Set(ctx, key, raw, 0)
	}

	writeBlob("cache_old", time.Now().Add(-20*time.Minute))
	writeBlob("cache_fresh", time.Now().Add(-time.Minute))
	writeBlob("other_old", time.Now().Add(-time.Hour))
	s.Set(ctx, "cache_garbage", []byte("garbage"), 0)

	removed, err := DeleteStaleBlobs(ctx, s, CacheBlobPrefix, 10*time.Minute)
	if err != nil {
		t.Fatalf("DeleteStaleBlobs() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	keys, _ := s.Keys(ctx, "")
	want := map[string]bool{"cache_fresh": true, "other_old": true}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for _, key := range keys {
		if !want[key] {
			t.Errorf("unexpected key %q survived", key)
		}
	}
}

func TestDeleteStaleBlobs_Empty(t *testing.T) {
	removed, err := DeleteStaleBlobs(context.Background(), NewMemory(), CacheBlobPrefix, time.Minute)
	if err != nil {
		t.Fatalf("DeleteStaleBlobs() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestPutBlob_TTL(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := PutBlob(ctx, s, "cache_short", map[string]int{"n": 1}, 20*time.Millisecond); err != nil {
		t.Fatalf("PutBlob() error = %v", err)
	}
	if _, err := GetBlob(ctx, s, "cache_short"); err != nil {
		t.Fatalf("GetBlob() before expiry error = %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := GetBlob(ctx, s, "cache_short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBlob() after expiry error = %v, want ErrNotFound", err)
	}
	if n := s.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}
