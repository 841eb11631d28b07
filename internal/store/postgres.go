package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/stockpool/internal/db"
	"github.com/sells-group/stockpool/internal/model"
	"github.com/sells-group/stockpool/internal/ratelimit"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection; they sit on the
// dispatch and apply hot paths.
var preparedStatements = map[string]string{
	"load_bucket":      sqlLoadBucket,
	"save_bucket":      sqlSaveBucket,
	"get_apply_record": sqlGetApplyRecord,
	"reserve_apply":    sqlReserveApply,
	"complete_apply":   sqlCompleteApply,
	"list_stock":       sqlListStock,
}

const (
	sqlLoadBucket = `SELECT tokens, last_refill, burst, rate FROM rate_limit_buckets WHERE key = $1`
	sqlSaveBucket = `INSERT INTO rate_limit_buckets (key, tokens, last_refill, burst, rate) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET tokens = EXCLUDED.tokens, last_refill = EXCLUDED.last_refill, burst = EXCLUDED.burst, rate = EXCLUDED.rate`
	sqlGetApplyRecord = `SELECT fingerprint, status, result, created_at, updated_at FROM apply_records WHERE idempotency_key = $1`
	sqlReserveApply   = `INSERT INTO apply_records (idempotency_key, fingerprint, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`
	sqlCompleteApply = `UPDATE apply_records SET status = $1, result = $2, updated_at = $3 WHERE idempotency_key = $4`
	sqlListStock     = `SELECT c.sku, c.description, c.brand, c.cost_pence, COALESCE(s.available, 0)
		FROM components c LEFT JOIN component_stock s ON s.component_sku = c.sku AND s.location = $1
		ORDER BY c.sku`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns, minConns := int32(10), int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS components (
	sku         TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	brand       TEXT NOT NULL DEFAULT '',
	cost_pence  BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS component_stock (
	component_sku TEXT NOT NULL REFERENCES components(sku),
	location      TEXT NOT NULL,
	available     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (component_sku, location)
);

CREATE TABLE IF NOT EXISTS bundles (
	sku         TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	active      BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS bundle_lines (
	bundle_sku    TEXT NOT NULL REFERENCES bundles(sku) ON DELETE CASCADE,
	line_no       INTEGER NOT NULL,
	component_sku TEXT NOT NULL,
	qty_required  INTEGER NOT NULL,
	PRIMARY KEY (bundle_sku, line_no)
);

CREATE TABLE IF NOT EXISTS listings (
	id          TEXT PRIMARY KEY,
	asin        TEXT NOT NULL DEFAULT '',
	seller_sku  TEXT NOT NULL DEFAULT '',
	bundle_sku  TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	price_pence BIGINT NOT NULL DEFAULT 0,
	fees_pence  BIGINT NOT NULL DEFAULT 0,
	sales_rank  INTEGER,
	offer_count INTEGER,
	units_30d   INTEGER
);

CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	key         TEXT PRIMARY KEY,
	tokens      DOUBLE PRECISION NOT NULL,
	last_refill TIMESTAMPTZ NOT NULL,
	burst       DOUBLE PRECISION NOT NULL,
	rate        DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS apply_records (
	idempotency_key TEXT PRIMARY KEY,
	fingerprint     TEXT NOT NULL,
	status          TEXT NOT NULL,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_component_stock_location ON component_stock(location);
CREATE INDEX IF NOT EXISTS idx_listings_bundle_sku ON listings(bundle_sku);
CREATE INDEX IF NOT EXISTS idx_bundle_lines_component ON bundle_lines(component_sku);
`

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// ListBundles implements Store.
func (s *PostgresStore) ListBundles(ctx context.Context) ([]model.Bundle, error) {
	rows, err := s.pool.Query(ctx, `SELECT sku, description, active FROM bundles ORDER BY sku`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bundles")
	}
	var bundles []model.Bundle
	index := make(map[string]int)
	for rows.Next() {
		var b model.Bundle
		if err := rows.Scan(&b.SKU, &b.Description, &b.Active); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan bundle")
		}
		index[b.SKU] = len(bundles)
		bundles = append(bundles, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate bundles")
	}

	lines, err := s.pool.Query(ctx, `SELECT bundle_sku, component_sku, qty_required FROM bundle_lines ORDER BY bundle_sku, line_no`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bundle lines")
	}
	defer lines.Close()
	for lines.Next() {
		var bundleSKU string
		var l model.BOMLine
		if err := lines.Scan(&bundleSKU, &l.ComponentSKU, &l.QtyRequired); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bundle line")
		}
		if i, ok := index[bundleSKU]; ok {
			bundles[i].Lines = append(bundles[i].Lines, l)
		}
	}
	return bundles, eris.Wrap(lines.Err(), "postgres: iterate bundle lines")
}

// ListStock implements Store. Every component is returned; those without a
// stock row at location have zero available.
func (s *PostgresStore) ListStock(ctx context.Context, location string) ([]model.Component, error) {
	rows, err := s.pool.Query(ctx, sqlListStock, location)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stock at %s", location)
	}
	defer rows.Close()

	var out []model.Component
	for rows.Next() {
		c := model.Component{Location: location}
		if err := rows.Scan(&c.SKU, &c.Description, &c.Brand, &c.CostPence, &c.Available); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stock")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate stock")
}

const listingColumns = `id, asin, seller_sku, bundle_sku, title, price_pence, fees_pence, sales_rank, offer_count, units_30d`

// ListListings implements Store.
func (s *PostgresStore) ListListings(ctx context.Context, bundleSKUs []string) ([]model.Listing, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(bundleSKUs) == 0 {
		rows, err = s.pool.Query(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY id`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+listingColumns+` FROM listings WHERE bundle_sku = ANY($1) ORDER BY id`, bundleSKUs)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list listings")
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan listing")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate listings")
}

// UpsertComponents implements Store.
func (s *PostgresStore) UpsertComponents(ctx context.Context, components []model.Component) error {
	var compRows, stockRows [][]any
	for _, c := range components {
		compRows = append(compRows, []any{c.SKU, c.Description, c.Brand, c.CostPence})
		if c.Location != "" {
			stockRows = append(stockRows, []any{c.SKU, c.Location, c.Available})
		}
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "components",
		Columns:      []string{"sku", "description", "brand", "cost_pence"},
		ConflictKeys: []string{"sku"},
	}, compRows); err != nil {
		return eris.Wrap(err, "postgres: upsert components")
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "component_stock",
		Columns:      []string{"component_sku", "location", "available"},
		ConflictKeys: []string{"component_sku", "location"},
	}, stockRows); err != nil {
		return eris.Wrap(err, "postgres: upsert stock")
	}
	return nil
}

// UpsertBundles implements Store.
func (s *PostgresStore) UpsertBundles(ctx context.Context, bundles []model.Bundle) error {
	if len(bundles) == 0 {
		return nil
	}
	var bundleRows, lineRows [][]any
	skus := make([]string, 0, len(bundles))
	for _, b := range bundles {
		skus = append(skus, b.SKU)
		bundleRows = append(bundleRows, []any{b.SKU, b.Description, b.Active})
		for i, l := range b.Lines {
			lineRows = append(lineRows, []any{b.SKU, i, l.ComponentSKU, l.QtyRequired})
		}
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "bundles",
		Columns:      []string{"sku", "description", "active"},
		ConflictKeys: []string{"sku"},
	}, bundleRows); err != nil {
		return eris.Wrap(err, "postgres: upsert bundles")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin bundle lines")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM bundle_lines WHERE bundle_sku = ANY($1)`, skus); err != nil {
		return eris.Wrap(err, "postgres: clear bundle lines")
	}
	if _, err := db.CopyFrom(ctx, tx, "bundle_lines", []string{"bundle_sku", "line_no", "component_sku", "qty_required"}, lineRows); err != nil {
		return eris.Wrap(err, "postgres: copy bundle lines")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit bundle lines")
}

// UpsertListings implements Store.
func (s *PostgresStore) UpsertListings(ctx context.Context, listings []model.Listing) error {
	rows := make([][]any, 0, len(listings))
	for _, l := range listings {
		rows = append(rows, []any{
			l.ID, l.ASIN, l.SellerSKU, l.BundleSKU, l.Title, l.PricePence, l.FeesPence,
			l.SalesRank, l.OfferCount, l.Units30d,
		})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "listings",
		Columns: []string{
			"id", "asin", "seller_sku", "bundle_sku", "title", "price_pence", "fees_pence",
			"sales_rank", "offer_count", "units_30d",
		},
		ConflictKeys: []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert listings")
}

// LoadBucket implements ratelimit.BucketStore.
func (s *PostgresStore) LoadBucket(ctx context.Context, key string) (*ratelimit.Bucket, error) {
	b := ratelimit.Bucket{Key: key}
	err := s.pool.QueryRow(ctx, sqlLoadBucket, key).Scan(&b.Tokens, &b.LastRefill, &b.Burst, &b.Rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: load bucket %s", key)
	}
	return &b, nil
}

// SaveBucket implements ratelimit.BucketStore.
func (s *PostgresStore) SaveBucket(ctx context.Context, b ratelimit.Bucket) error {
	_, err := s.pool.Exec(ctx, sqlSaveBucket, b.Key, b.Tokens, b.LastRefill.UTC(), b.Burst, b.Rate)
	return eris.Wrapf(err, "postgres: save bucket %s", b.Key)
}

// GetApplyRecord implements allocation.RecordStore.
func (s *PostgresStore) GetApplyRecord(ctx context.Context, key string) (*model.ApplyRecord, error) {
	rec := model.ApplyRecord{IdempotencyKey: key}
	var result []byte
	err := s.pool.QueryRow(ctx, sqlGetApplyRecord, key).Scan(&rec.Fingerprint, &rec.Status, &result, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get apply record %s", key)
	}
	if len(result) > 0 {
		rec.Result = &model.ApplyResult{}
		if err := json.Unmarshal(result, rec.Result); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal apply result %s", key)
		}
	}
	return &rec, nil
}

// ReserveApplyRecord implements allocation.RecordStore.
func (s *PostgresStore) ReserveApplyRecord(ctx context.Context, rec model.ApplyRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, sqlReserveApply,
		rec.IdempotencyKey, rec.Fingerprint, string(rec.Status), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reserve apply record %s", rec.IdempotencyKey)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteApplyRecord implements allocation.RecordStore.
func (s *PostgresStore) CompleteApplyRecord(ctx context.Context, key string, result *model.ApplyResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal apply result")
	}
	tag, err := s.pool.Exec(ctx, sqlCompleteApply, string(model.ApplyCompleted), data, time.Now().UTC(), key)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete apply record %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: apply record not found: %s", key)
	}
	return nil
}

// DeleteApplyRecord implements allocation.RecordStore.
func (s *PostgresStore) DeleteApplyRecord(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM apply_records WHERE idempotency_key = $1`, key)
	return eris.Wrapf(err, "postgres: delete apply record %s", key)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanListing(row scannable) (model.Listing, error) {
	var l model.Listing
	err := row.Scan(&l.ID, &l.ASIN, &l.SellerSKU, &l.BundleSKU, &l.Title, &l.PricePence, &l.FeesPence,
		&l.SalesRank, &l.OfferCount, &l.Units30d)
	return l, err
}
