// Package dispatch sends external quantity updates through a bounded worker
// pool, gated by request spacing, durable token buckets and retries.
package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/stockpool/internal/resilience"
	"github.com/sells-group/stockpool/pkg/marketplace"
)

// CategoryInventory is the API category for quantity updates.
const CategoryInventory = "inventory"

// Update is one listing quantity to send.
type Update struct {
	ListingID string
	SellerSKU string
	Quantity  int
	// Verify, when set, runs just before the first attempt and returns the
	// quantity to actually send.
	Verify func(ctx context.Context, qty int) (int, error)
}

// Outcome is the result of one update.
type Outcome struct {
	ListingID string
	SellerSKU string
	Requested int
	Quantity  int
	Attempts  int
	Err       error
}

// Adjusted reports whether re-verification changed the quantity.
func (o Outcome) Adjusted() bool { return o.Quantity != o.Requested }

// TokenWaiter blocks until a category token is available.
type TokenWaiter interface {
	Wait(ctx context.Context, category string) error
}

// Observer receives dispatch metrics.
type Observer interface {
	ObserveDispatch(outcome string, attempts int)
}

type nopObserver struct{}

func (nopObserver) ObserveDispatch(string, int) {}

// Config tunes the dispatcher.
type Config struct {
	Workers     int
	MinInterval time.Duration
	Category    string
	Retry       resilience.RetryConfig
}

// DefaultConfig returns three workers spaced 200ms apart.
func DefaultConfig() Config {
	return Config{
		Workers:     3,
		MinInterval: 200 * time.Millisecond,
		Category:    CategoryInventory,
		Retry:       resilience.DefaultRetryConfig(),
	}
}

// Dispatcher sends updates to the marketplace.
type Dispatcher struct {
	client   marketplace.Client
	tokens   TokenWaiter
	breakers *resilience.Breakers
	spacing  *rate.Limiter
	cfg      Config
	observer Observer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithBreakers shares a breaker registry.
func WithBreakers(b *resilience.Breakers) Option {
	return func(d *Dispatcher) { d.breakers = b }
}

// New creates a Dispatcher.
func New(client marketplace.Client, tokens TokenWaiter, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.Category == "" {
		cfg.Category = def.Category
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("marketplace", "set_quantity")
	}

	spacing := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		spacing = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	d := &Dispatcher{
		client:   client,
		tokens:   tokens,
		breakers: resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
		spacing:  spacing,
		cfg:      cfg,
		observer: nopObserver{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch sends every update and returns one outcome per update, in input
// order. A failed update never stops the others.
func (d *Dispatcher) Dispatch(ctx context.Context, updates []Update) []Outcome {
	outcomes := make([]Outcome, len(updates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)

	for i, u := range updates {
		g.Go(func() error {
			outcomes[i] = d.send(gctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) send(ctx context.Context, u Update) Outcome {
	out := Outcome{ListingID: u.ListingID, SellerSKU: u.SellerSKU, Requested: u.Quantity, Quantity: u.Quantity}
	log := zap.L().With(zap.String("listing", u.ListingID), zap.String("sku", u.SellerSKU))

	if u.Verify != nil {
		qty, err := u.Verify(ctx, u.Quantity)
		if err != nil {
			out.Err = eris.Wrapf(err, "dispatch: verify %s", u.SellerSKU)
			d.observer.ObserveDispatch("failed", 0)
			return out
		}
		if qty != u.Quantity {
			log.Info("dispatch: quantity clamped to current stock",
				zap.Int("requested", u.Quantity),
				zap.Int("quantity", qty),
			)
		}
		out.Quantity = qty
	}

	breaker := d.breakers.Get(d.cfg.Category)
	attempts, err := resilience.Do(ctx, d.cfg.Retry, func(ctx context.Context) error {
		if err := d.spacing.Wait(ctx); err != nil {
			return eris.Wrap(err, "dispatch: request spacing")
		}
		if err := d.tokens.Wait(ctx, d.cfg.Category); err != nil {
			return err
		}
		return breaker.Execute(ctx, func(ctx context.Context) error {
			return d.client.SetQuantity(ctx, u.SellerSKU, out.Quantity)
		})
	})
	out.Attempts = attempts
	if err != nil {
		out.Err = err
		d.observer.ObserveDispatch("failed", attempts)
		log.Warn("dispatch: update failed", zap.Int("attempts", attempts), zap.Error(err))
		return out
	}
	d.observer.ObserveDispatch("succeeded", attempts)
	log.Debug("dispatch: update sent", zap.Int("quantity", out.Quantity), zap.Int("attempts", attempts))
	return out
}
