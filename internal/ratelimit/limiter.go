package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Limit is the configured rate and burst of one category.
type Limit struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

func (l Limit) valid() bool { return l.Rate > 0 && l.Burst >= 1 }

// DefaultLimit allows one request per second with a burst of five.
var DefaultLimit = Limit{Rate: 1, Burst: 5}

// DefaultCacheTTL bounds how long a bucket is trusted before it is reloaded.
const DefaultCacheTTL = 30 * time.Second

type cachedBucket struct {
	bucket   Bucket
	loadedAt time.Time
}

// Options configures a Limiter.
type Options struct {
	Limits   map[string]Limit
	Default  Limit
	CacheTTL time.Duration

	// Now and Sleep are test seams.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// OnWait observes every non-zero wait.
	OnWait func(category string, d time.Duration)
}

// Limiter hands out tokens from durable per-category buckets.
type Limiter struct {
	store BucketStore
	opts  Options

	mu    sync.Mutex
	cache map[string]*cachedBucket
}

// NewLimiter creates a Limiter over store.
func NewLimiter(store BucketStore, opts Options) *Limiter {
	if !opts.Default.valid() {
		opts.Default = DefaultLimit
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Limiter{store: store, opts: opts, cache: make(map[string]*cachedBucket)}
}

// limit returns the configured limit for category.
func (l *Limiter) limit(category string) Limit {
	if lim, ok := l.opts.Limits[category]; ok && lim.valid() {
		return lim
	}
	return l.opts.Default
}

// Wait blocks until a token for category is available and consumes it. The
// token is reserved up front and the caller sleeps exactly the deficit; a
// cancelled wait returns the token.
func (l *Limiter) Wait(ctx context.Context, category string) error {
	wait, err := l.reserve(ctx, category)
	if err != nil {
		return err
	}
	if wait <= 0 {
		return nil
	}
	if l.opts.OnWait != nil {
		l.opts.OnWait(category, wait)
	}
	zap.L().Debug("ratelimit: waiting for token",
		zap.String("category", category),
		zap.Duration("wait", wait),
	)
	if err := l.opts.Sleep(ctx, wait); err != nil {
		l.refund(context.WithoutCancel(ctx), category)
		return eris.Wrapf(err, "ratelimit: wait for %s", category)
	}
	return nil
}

func (l *Limiter) reserve(ctx context.Context, category string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.Now()
	c, err := l.load(ctx, category, now)
	if err != nil {
		return 0, err
	}
	c.bucket.refill(now)
	c.bucket.Tokens--

	var wait time.Duration
	if c.bucket.Tokens < 0 {
		wait = time.Duration(-c.bucket.Tokens / c.bucket.Rate * float64(time.Second))
	}
	if err := l.store.SaveBucket(ctx, c.bucket); err != nil {
		c.bucket.Tokens++
		return 0, eris.Wrapf(err, "ratelimit: save bucket %s", category)
	}
	return wait, nil
}

func (l *Limiter) refund(ctx context.Context, category string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.cache[category]
	if !ok {
		return
	}
	c.bucket.Tokens = min(c.bucket.Tokens+1, c.bucket.Burst)
	if err := l.store.SaveBucket(ctx, c.bucket); err != nil {
		zap.L().Warn("ratelimit: refund token", zap.String("category", category), zap.Error(err))
	}
}

// load returns the cached bucket, reading it from the store when missing or
// older than the TTL. Configured limits override persisted rate and burst.
// Caller holds l.mu.
func (l *Limiter) load(ctx context.Context, category string, now time.Time) (*cachedBucket, error) {
	if c, ok := l.cache[category]; ok && now.Sub(c.loadedAt) < l.opts.CacheTTL {
		return c, nil
	}

	lim := l.limit(category)
	stored, err := l.store.LoadBucket(ctx, category)
	if err != nil {
		return nil, eris.Wrapf(err, "ratelimit: load bucket %s", category)
	}
	b := Bucket{Key: category, Tokens: float64(lim.Burst), LastRefill: now}
	if stored != nil {
		b = *stored
		b.Key = category
		b.Tokens = min(b.Tokens, float64(lim.Burst))
	}
	b.Rate = lim.Rate
	b.Burst = float64(lim.Burst)

	c := &cachedBucket{bucket: b, loadedAt: now}
	l.cache[category] = c
	return c, nil
}

// Flush drops every cached bucket so the next Wait reads from the store.
func (l *Limiter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*cachedBucket)
}

// Snapshot returns the current state of category without consuming a token.
func (l *Limiter) Snapshot(ctx context.Context, category string) (Bucket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.Now()
	c, err := l.load(ctx, category, now)
	if err != nil {
		return Bucket{}, err
	}
	b := c.bucket
	b.refill(now)
	return b, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
