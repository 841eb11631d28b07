// Package pool finds components that are shared by several active bundles.
package pool

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/model"
)

// ErrUnknownPool is returned when a component is not pooled at a location.
var ErrUnknownPool = eris.New("pool: unknown pool")

// minPoolBundles is the smallest bundle count that forms a pool.
const minPoolBundles = 2

// CatalogReader is the read-only catalog view pool discovery needs.
type CatalogReader interface {
	ListBundles(ctx context.Context) ([]model.Bundle, error)
	ListStock(ctx context.Context, location string) ([]model.Component, error)
}

// Discover returns every component referenced by at least max(2, minBomCount)
// active bundles, with stock aggregated from the location's component rows.
// Pools with zero stock are kept. Pools are ordered by bundle count
// descending, then component SKU; members by bundle SKU.
func Discover(bundles []model.Bundle, stock []model.Component, location string, minBomCount int) []model.Pool {
	threshold := max(minPoolBundles, minBomCount)

	// component -> bundle SKU -> member
	index := make(map[string]map[string]model.PoolMember)
	for _, b := range bundles {
		if !b.Active {
			continue
		}
		for _, l := range b.Lines {
			if l.QtyRequired <= 0 || l.ComponentSKU == "" {
				continue
			}
			members, ok := index[l.ComponentSKU]
			if !ok {
				members = make(map[string]model.PoolMember)
				index[l.ComponentSKU] = members
			}
			if _, seen := members[b.SKU]; seen {
				continue
			}
			members[b.SKU] = model.PoolMember{
				BundleSKU:   b.SKU,
				Description: b.Description,
				QtyRequired: b.QtyOf(l.ComponentSKU),
			}
		}
	}

	available := make(map[string]int)
	descriptions := make(map[string]string)
	for _, c := range stock {
		if c.Location != "" && c.Location != location {
			continue
		}
		available[c.SKU] += c.Available
		if _, ok := descriptions[c.SKU]; !ok {
			descriptions[c.SKU] = c.Description
		}
	}

	var pools []model.Pool
	for sku, members := range index {
		if len(members) < threshold {
			continue
		}
		p := model.Pool{
			ComponentSKU: sku,
			Description:  descriptions[sku],
			Location:     location,
			Available:    max(available[sku], 0),
			BundleCount:  len(members),
			Members:      make([]model.PoolMember, 0, len(members)),
		}
		for _, m := range members {
			p.Members = append(p.Members, m)
		}
		sort.Slice(p.Members, func(i, j int) bool {
			return p.Members[i].BundleSKU < p.Members[j].BundleSKU
		})
		pools = append(pools, p)
	}

	sort.Slice(pools, func(i, j int) bool {
		if pools[i].BundleCount != pools[j].BundleCount {
			return pools[i].BundleCount > pools[j].BundleCount
		}
		return pools[i].ComponentSKU < pools[j].ComponentSKU
	})
	return pools
}

// Service serves pool queries from a catalog.
type Service struct {
	catalog CatalogReader
}

// NewService creates a Service backed by catalog.
func NewService(catalog CatalogReader) *Service {
	return &Service{catalog: catalog}
}

// List discovers the pools at location.
func (s *Service) List(ctx context.Context, location string, minBomCount int) ([]model.Pool, error) {
	if location == "" {
		return nil, eris.New("pool: location is required")
	}
	bundles, err := s.catalog.ListBundles(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pool: list bundles")
	}
	stock, err := s.catalog.ListStock(ctx, location)
	if err != nil {
		return nil, eris.Wrapf(err, "pool: list stock at %s", location)
	}
	pools := Discover(bundles, stock, location, minBomCount)
	zap.L().Debug("pool: discovered pools",
		zap.String("location", location),
		zap.Int("bundles", len(bundles)),
		zap.Int("pools", len(pools)),
	)
	return pools, nil
}

// Get returns the pool for componentSKU at location, or ErrUnknownPool.
func (s *Service) Get(ctx context.Context, location, componentSKU string) (*model.Pool, error) {
	pools, err := s.List(ctx, location, minPoolBundles)
	if err != nil {
		return nil, err
	}
	for i := range pools {
		if pools[i].ComponentSKU == componentSKU {
			return &pools[i], nil
		}
	}
	return nil, eris.Wrapf(ErrUnknownPool, "%s at %s", componentSKU, location)
}
