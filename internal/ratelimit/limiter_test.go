package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	sleepE error
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if c.sleepE != nil {
		return c.sleepE
	}
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func newTestLimiter(store BucketStore, clock *fakeClock, lim Limit) *Limiter {
	return NewLimiter(store, Options{
		Limits: map[string]Limit{"inventory": lim},
		Now:    clock.Now,
		Sleep:  clock.Sleep,
	})
}

func TestLimiter_BurstThenWait(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(NewMemoryStore(), clock, Limit{Rate: 2, Burst: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx, "inventory"))
	}
	assert.Empty(t, clock.slept, "burst is served without waiting")

	require.NoError(t, l.Wait(ctx, "inventory"))
	require.Len(t, clock.slept, 1)
	assert.Equal(t, 500*time.Millisecond, clock.slept[0], "sleeps exactly the deficit")
}

func TestLimiter_RefillCappedAtBurst(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	l := newTestLimiter(store, clock, Limit{Rate: 1, Burst: 2})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "inventory"))
	clock.now = clock.now.Add(time.Hour)

	b, err := l.Snapshot(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, 2.0, b.Tokens)
}

func TestLimiter_PersistsAfterConsume(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	l := newTestLimiter(store, clock, Limit{Rate: 1, Burst: 5})

	require.NoError(t, l.Wait(context.Background(), "inventory"))

	b, err := store.LoadBucket(context.Background(), "inventory")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 4.0, b.Tokens)
	assert.Equal(t, 5.0, b.Burst)
	assert.Equal(t, 1.0, b.Rate)
	assert.True(t, b.LastRefill.Equal(clock.now))
}

func TestLimiter_ResumesFromStoredState(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	require.NoError(t, store.SaveBucket(context.Background(), Bucket{
		Key: "inventory", Tokens: 0, LastRefill: clock.now, Burst: 5, Rate: 1,
	}))

	l := newTestLimiter(store, clock, Limit{Rate: 1, Burst: 5})
	require.NoError(t, l.Wait(context.Background(), "inventory"))
	require.Len(t, clock.slept, 1)
	assert.Equal(t, time.Second, clock.slept[0])
}

func TestLimiter_FlushReloads(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	l := newTestLimiter(store, clock, Limit{Rate: 1, Burst: 5})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "inventory"))

	// Another process drains the shared bucket.
	require.NoError(t, store.SaveBucket(ctx, Bucket{Key: "inventory", Tokens: 0, LastRefill: clock.now, Burst: 5, Rate: 1}))

	cached, err := l.Snapshot(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, 4.0, cached.Tokens, "cached bucket is served until flushed")

	l.Flush()
	require.NoError(t, l.Wait(ctx, "inventory"))
	assert.Len(t, clock.slept, 1)
}

func TestLimiter_TTLReloads(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	l := NewLimiter(store, Options{
		Limits:   map[string]Limit{"inventory": {Rate: 0.001, Burst: 5}},
		CacheTTL: time.Second,
		Now:      clock.Now,
		Sleep:    clock.Sleep,
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "inventory"))
	require.NoError(t, store.SaveBucket(ctx, Bucket{Key: "inventory", Tokens: 0, LastRefill: clock.now, Burst: 5, Rate: 0.001}))

	clock.now = clock.now.Add(2 * time.Second)
	require.NoError(t, l.Wait(ctx, "inventory"))
	assert.Len(t, clock.slept, 1, "expired cache entry is reloaded from the store")
}

func TestLimiter_CategoriesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(NewMemoryStore(), Options{
		Limits:  map[string]Limit{"inventory": {Rate: 1, Burst: 1}},
		Default: Limit{Rate: 1, Burst: 1},
		Now:     clock.Now,
		Sleep:   clock.Sleep,
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "inventory"))
	require.NoError(t, l.Wait(ctx, "pricing"))
	assert.Empty(t, clock.slept)
}

func TestLimiter_CancelledWaitRefunds(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	l := newTestLimiter(store, clock, Limit{Rate: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "inventory"))

	clock.sleepE = context.Canceled
	err := l.Wait(ctx, "inventory")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	b, err := store.LoadBucket(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Tokens)
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) SaveBucket(context.Context, Bucket) error { return errors.New("disk full") }

func TestLimiter_SaveError(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(&failingStore{MemoryStore: NewMemoryStore()}, clock, Limit{Rate: 1, Burst: 1})
	err := l.Wait(context.Background(), "inventory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save bucket")
}

func TestPebbleStore_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "buckets")
	ps, err := NewPebbleStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	missing, err := ps.LoadBucket(ctx, "inventory")
	require.NoError(t, err)
	assert.Nil(t, missing)

	when := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, ps.SaveBucket(ctx, Bucket{Key: "inventory", Tokens: 2.5, LastRefill: when, Burst: 5, Rate: 1}))
	require.NoError(t, ps.Close())

	ps, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer ps.Close()

	b, err := ps.LoadBucket(ctx, "inventory")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 2.5, b.Tokens)
	assert.True(t, b.LastRefill.Equal(when))
}
