package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/allocation"
	"github.com/sells-group/stockpool/internal/audit"
	"github.com/sells-group/stockpool/internal/config"
	"github.com/sells-group/stockpool/internal/demand"
	"github.com/sells-group/stockpool/internal/dispatch"
	"github.com/sells-group/stockpool/internal/metrics"
	"github.com/sells-group/stockpool/internal/pool"
	"github.com/sells-group/stockpool/internal/ratelimit"
	"github.com/sells-group/stockpool/internal/resilience"
	"github.com/sells-group/stockpool/internal/store"
	"github.com/sells-group/stockpool/pkg/marketplace"
)

// appEnv holds the store and services shared by the serve, pools, preview and
// apply commands.
type appEnv struct {
	Store    store.Store
	Metrics  *metrics.Registry
	Pools    *pool.Service
	Engine   *allocation.Engine
	Applier  *allocation.Applier
	Limiter  *ratelimit.Limiter
	Breakers *resilience.Breakers

	closers []io.Closer
}

// Close flushes the limiter and releases every resource the environment opened.
func (e *appEnv) Close() {
	if e.Limiter != nil {
		e.Limiter.Flush()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// deps are the externally constructed pieces of an appEnv.
type deps struct {
	Store   store.Store
	Buckets ratelimit.BucketStore
	Client  marketplace.Client
	Audit   allocation.AuditSink
	Model   *demand.Model
}

// initStore opens the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "stockpool.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates cfg for mode, opens the store and external clients, and
// assembles the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var closers []io.Closer
	fail := func(err error) (*appEnv, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		_ = st.Close()
		return nil, err
	}

	var buckets ratelimit.BucketStore = st
	switch cfg.RateLimit.Backend {
	case "pebble":
		ps, err := ratelimit.NewPebbleStore(cfg.RateLimit.PebbleDir)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, ps)
		buckets = ps
	case "memory":
		buckets = ratelimit.NewMemoryStore()
	}

	var sink allocation.AuditSink
	switch cfg.Audit.Sink {
	case "kafka":
		ks, err := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, cfg.Audit.Timeout)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, ks)
		sink = ks
	case "none":
	default:
		sink = audit.NewLogSink()
	}

	m, err := loadModel(cfg.Demand.ModelPath)
	if err != nil {
		return fail(err)
	}

	client := marketplace.NewClient(cfg.Marketplace.Token,
		marketplace.WithBaseURL(cfg.Marketplace.BaseURL),
		marketplace.WithSellerID(cfg.Marketplace.SellerID),
		marketplace.WithHTTPClient(&http.Client{Timeout: cfg.Marketplace.Timeout}),
	)

	env := buildEnv(cfg, deps{Store: st, Buckets: buckets, Client: client, Audit: sink, Model: m})
	env.closers = closers
	return env, nil
}

// loadModel reads the demand model at path. A missing path or file leaves
// the blender on internal history and the fallback floor.
func loadModel(path string) (*demand.Model, error) {
	if path == "" {
		zap.L().Info("demand: no model configured, using internal history and fallback")
		return nil, nil
	}
	m, err := demand.LoadModel(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			zap.L().Warn("demand: model file not found, using internal history and fallback", zap.String("path", path))
			return nil, nil
		}
		return nil, err
	}
	zap.L().Info("demand: model loaded",
		zap.String("version", m.Version),
		zap.Float64("holdout_mae", m.Metrics.MAE),
	)
	return m, nil
}

// buildEnv wires the services from c and d without touching the network.
func buildEnv(c *config.Config, d deps) *appEnv {
	reg := metrics.NewRegistry()

	limits := make(map[string]ratelimit.Limit, len(c.RateLimit.Limits))
	for category, l := range c.RateLimit.Limits {
		limits[category] = ratelimit.Limit{Rate: l.Rate, Burst: l.Burst}
	}
	limiter := ratelimit.NewLimiter(d.Buckets, ratelimit.Options{
		Limits:   limits,
		Default:  ratelimit.Limit{Rate: c.RateLimit.Default.Rate, Burst: c.RateLimit.Default.Burst},
		CacheTTL: c.RateLimit.CacheTTL,
		OnWait:   reg.ObserveWait,
	})

	breakers := resilience.NewBreakers(resilience.FromCircuitConfig(
		c.Dispatch.Circuit.FailureThreshold, c.Dispatch.Circuit.ResetTimeout,
	))
	r := c.Dispatch.Retry
	dispatcher := dispatch.New(d.Client, limiter, dispatch.Config{
		Workers:     c.Dispatch.Workers,
		MinInterval: c.Dispatch.MinInterval,
		Category:    dispatch.CategoryInventory,
		Retry:       resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoff, r.MaxBackoff, r.Multiplier, r.Jitter),
	}, dispatch.WithObserver(reg), dispatch.WithBreakers(breakers))

	blender := demand.NewBlender(demand.BlendConfig{
		TrustedUnits30d:     c.Demand.TrustedUnits30d,
		ModelConfidence:     c.Demand.ModelConfidence,
		FallbackUnitsPerDay: c.Demand.FallbackUnitsPerDay,
	}, d.Model)

	engineOpts := []allocation.EngineOption{
		allocation.WithTracker(allocation.NewTracker(c.Allocation.TrackerLimit)),
		allocation.WithRecorder(reg),
	}
	if c.Allocation.SpanPct > 0 {
		engineOpts = append(engineOpts, allocation.WithBonusCurve(allocation.BonusCurve{
			MaxBonus: c.Allocation.MaxBonus,
			SpanPct:  c.Allocation.SpanPct,
		}))
	}
	if c.Allocation.DiminishingFactor > 0 {
		engineOpts = append(engineOpts, allocation.WithDiminishingFactor(c.Allocation.DiminishingFactor))
	}
	engine := allocation.NewEngine(d.Store, blender, engineOpts...)

	var applierOpts []allocation.ApplierOption
	if d.Audit != nil {
		applierOpts = append(applierOpts, allocation.WithAuditSink(d.Audit))
	}
	applier := allocation.NewApplier(engine, dispatcher, d.Store, allocation.ApplierConfig{
		StaleAfter:               c.Allocation.StaleAfter,
		LargeAllocationThreshold: c.Allocation.LargeThreshold,
		Reverify:                 c.Allocation.Reverify,
		Timeout:                  c.Allocation.ApplyTimeout,
	}, applierOpts...)

	return &appEnv{
		Store:    d.Store,
		Metrics:  reg,
		Pools:    pool.NewService(d.Store),
		Engine:   engine,
		Applier:  applier,
		Limiter:  limiter,
		Breakers: breakers,
	}
}
