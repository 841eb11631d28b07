package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stockpool/internal/model"
)

func line(sku string, qty int) model.BOMLine {
	return model.BOMLine{ComponentSKU: sku, QtyRequired: qty}
}

func testBundles() []model.Bundle {
	return []model.Bundle{
		{SKU: "KIT-A", Active: true, Lines: []model.BOMLine{line("BAT", 2), line("DRILL", 1)}},
		{SKU: "KIT-B", Active: true, Lines: []model.BOMLine{line("BAT", 1), line("CHARGER", 1)}},
		{SKU: "KIT-C", Active: true, Lines: []model.BOMLine{line("BAT", 1), line("BAT", 1), line("CHARGER", 1)}},
		{SKU: "KIT-D", Active: false, Lines: []model.BOMLine{line("DRILL", 1)}},
		{SKU: "KIT-E", Active: true, Lines: []model.BOMLine{line("DRILL", 0), line("CASE", 1)}},
	}
}

func testStock() []model.Component {
	return []model.Component{
		{SKU: "BAT", Description: "18V battery", Location: "MAIN", Available: 7},
		{SKU: "BAT", Location: "MAIN", Available: 3},
		{SKU: "BAT", Location: "OVERFLOW", Available: 100},
		{SKU: "DRILL", Location: "MAIN", Available: 4},
	}
}

func TestDiscover(t *testing.T) {
	pools := Discover(testBundles(), testStock(), "MAIN", 0)
	require.Len(t, pools, 2)

	bat := pools[0]
	assert.Equal(t, "BAT", bat.ComponentSKU)
	assert.Equal(t, "18V battery", bat.Description)
	assert.Equal(t, 3, bat.BundleCount)
	assert.Equal(t, 10, bat.Available)
	assert.Equal(t, "MAIN", bat.Location)
	require.Len(t, bat.Members, 3)
	assert.Equal(t, "KIT-A", bat.Members[0].BundleSKU)
	assert.Equal(t, 2, bat.Members[0].QtyRequired)
	assert.Equal(t, "KIT-C", bat.Members[2].BundleSKU)
	assert.Equal(t, 2, bat.Members[2].QtyRequired, "duplicate lines sum per bundle")

	charger := pools[1]
	assert.Equal(t, "CHARGER", charger.ComponentSKU)
	assert.Equal(t, 2, charger.BundleCount)
	assert.Equal(t, 0, charger.Available, "zero-stock pools are kept")
}

func TestDiscover_IgnoresInactiveAndZeroQty(t *testing.T) {
	pools := Discover(testBundles(), testStock(), "MAIN", 2)
	for _, p := range pools {
		assert.NotEqual(t, "DRILL", p.ComponentSKU)
	}
}

func TestDiscover_MinBomCount(t *testing.T) {
	pools := Discover(testBundles(), testStock(), "MAIN", 3)
	require.Len(t, pools, 1)
	assert.Equal(t, "BAT", pools[0].ComponentSKU)

	assert.Empty(t, Discover(testBundles(), testStock(), "MAIN", 4))
}

func TestDiscover_Empty(t *testing.T) {
	assert.Empty(t, Discover(nil, nil, "MAIN", 2))
}

type fakeCatalog struct {
	bundles  []model.Bundle
	stock    []model.Component
	err      error
	location string
}

func (f *fakeCatalog) ListBundles(_ context.Context) ([]model.Bundle, error) {
	return f.bundles, f.err
}

func (f *fakeCatalog) ListStock(_ context.Context, location string) ([]model.Component, error) {
	f.location = location
	var out []model.Component
	for _, c := range f.stock {
		if c.Location == location {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestService_List(t *testing.T) {
	cat := &fakeCatalog{bundles: testBundles(), stock: testStock()}
	svc := NewService(cat)

	pools, err := svc.List(context.Background(), "OVERFLOW", 2)
	require.NoError(t, err)
	assert.Equal(t, "OVERFLOW", cat.location)
	require.Len(t, pools, 2)
	assert.Equal(t, 100, pools[0].Available)
}

func TestService_ListErrors(t *testing.T) {
	svc := NewService(&fakeCatalog{err: errors.New("boom")})

	_, err := svc.List(context.Background(), "", 2)
	require.Error(t, err)

	_, err = svc.List(context.Background(), "MAIN", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list bundles")
}

func TestService_Get(t *testing.T) {
	svc := NewService(&fakeCatalog{bundles: testBundles(), stock: testStock()})

	p, err := svc.Get(context.Background(), "MAIN", "CHARGER")
	require.NoError(t, err)
	assert.Equal(t, 2, p.BundleCount)

	_, err = svc.Get(context.Background(), "MAIN", "DRILL")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPool))
}
