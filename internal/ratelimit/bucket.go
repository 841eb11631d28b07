// Package ratelimit implements durable token buckets, one per marketplace API
// category, shared by every dispatcher using the same store.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Bucket is the persisted state of one token bucket. Rate is tokens per second.
type Bucket struct {
	Key        string    `json:"key"`
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
	Burst      float64   `json:"burst"`
	Rate       float64   `json:"rate"`
}

// refill adds tokens for the time elapsed since LastRefill, capped at Burst.
func (b *Bucket) refill(now time.Time) {
	if elapsed := now.Sub(b.LastRefill).Seconds(); elapsed > 0 {
		b.Tokens = math.Min(b.Burst, b.Tokens+elapsed*b.Rate)
		b.LastRefill = now
	}
}

// BucketStore persists buckets.
type BucketStore interface {
	// LoadBucket returns nil, nil when key has never been saved.
	LoadBucket(ctx context.Context, key string) (*Bucket, error)
	SaveBucket(ctx context.Context, b Bucket) error
}

// MemoryStore is a process-local BucketStore.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]Bucket
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]Bucket)}
}

// LoadBucket implements BucketStore.
func (m *MemoryStore) LoadBucket(_ context.Context, key string) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// SaveBucket implements BucketStore.
func (m *MemoryStore) SaveBucket(_ context.Context, b Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[b.Key] = b
	return nil
}
