// Package store persists the catalog, rate-limit buckets and apply records
// in Postgres or SQLite.
package store

import (
	"context"

	"github.com/sells-group/stockpool/internal/model"
	"github.com/sells-group/stockpool/internal/ratelimit"
)

// Store is the persistence interface for the allocation engine.
type Store interface {
	// Catalog reads
	ListBundles(ctx context.Context) ([]model.Bundle, error)
	ListStock(ctx context.Context, location string) ([]model.Component, error)
	// ListListings returns listings for bundleSKUs, or every listing when empty.
	ListListings(ctx context.Context, bundleSKUs []string) ([]model.Listing, error)

	// Catalog writes. Components carrying a location also upsert their stock row.
	UpsertComponents(ctx context.Context, components []model.Component) error
	// UpsertBundles replaces the lines of every bundle written.
	UpsertBundles(ctx context.Context, bundles []model.Bundle) error
	UpsertListings(ctx context.Context, listings []model.Listing) error

	// Rate-limit buckets
	LoadBucket(ctx context.Context, key string) (*ratelimit.Bucket, error)
	SaveBucket(ctx context.Context, b ratelimit.Bucket) error

	// Apply records
	GetApplyRecord(ctx context.Context, key string) (*model.ApplyRecord, error)
	ReserveApplyRecord(ctx context.Context, rec model.ApplyRecord) (bool, error)
	CompleteApplyRecord(ctx context.Context, key string, result *model.ApplyResult) error
	DeleteApplyRecord(ctx context.Context, key string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
