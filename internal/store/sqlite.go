package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/stockpool/internal/model"
	"github.com/sells-group/stockpool/internal/ratelimit"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS components (
	sku         TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	brand       TEXT NOT NULL DEFAULT '',
	cost_pence  INTEGER NOT NULL DEFAULT 0
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
	active      INTEGER NOT NULL DEFAULT 1
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
	price_pence INTEGER NOT NULL DEFAULT 0,
	fees_pence  INTEGER NOT NULL DEFAULT 0,
	sales_rank  INTEGER,
	offer_count INTEGER,
	units_30d   INTEGER
);

CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	key         TEXT PRIMARY KEY,
	tokens      REAL NOT NULL,
	last_refill TEXT NOT NULL,
	burst       REAL NOT NULL,
	rate        REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS apply_records (
	idempotency_key TEXT PRIMARY KEY,
	fingerprint     TEXT NOT NULL,
	status          TEXT NOT NULL,
	result          TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_component_stock_location ON component_stock(location);
CREATE INDEX IF NOT EXISTS idx_listings_bundle_sku ON listings(bundle_sku);
CREATE INDEX IF NOT EXISTS idx_bundle_lines_component ON bundle_lines(component_sku);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListBundles implements Store.
func (s *SQLiteStore) ListBundles(ctx context.Context) ([]model.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sku, description, active FROM bundles ORDER BY sku`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bundles")
	}
	var bundles []model.Bundle
	index := make(map[string]int)
	for rows.Next() {
		var b model.Bundle
		if err := rows.Scan(&b.SKU, &b.Description, &b.Active); err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan bundle")
		}
		index[b.SKU] = len(bundles)
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: iterate bundles")
	}
	rows.Close() //nolint:errcheck

	lines, err := s.db.QueryContext(ctx, `SELECT bundle_sku, component_sku, qty_required FROM bundle_lines ORDER BY bundle_sku, line_no`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bundle lines")
	}
	defer lines.Close() //nolint:errcheck
	for lines.Next() {
		var bundleSKU string
		var l model.BOMLine
		if err := lines.Scan(&bundleSKU, &l.ComponentSKU, &l.QtyRequired); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bundle line")
		}
		if i, ok := index[bundleSKU]; ok {
			bundles[i].Lines = append(bundles[i].Lines, l)
		}
	}
	return bundles, eris.Wrap(lines.Err(), "sqlite: iterate bundle lines")
}

// ListStock implements Store.
func (s *SQLiteStore) ListStock(ctx context.Context, location string) ([]model.Component, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.sku, c.description, c.brand, c.cost_pence, COALESCE(s.available, 0)
		FROM components c LEFT JOIN component_stock s ON s.component_sku = c.sku AND s.location = ?
		ORDER BY c.sku`, location)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stock at %s", location)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Component
	for rows.Next() {
		c := model.Component{Location: location}
		if err := rows.Scan(&c.SKU, &c.Description, &c.Brand, &c.CostPence, &c.Available); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stock")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate stock")
}

// ListListings implements Store.
func (s *SQLiteStore) ListListings(ctx context.Context, bundleSKUs []string) ([]model.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings`
	args := make([]any, 0, len(bundleSKUs))
	if len(bundleSKUs) > 0 {
		query += ` WHERE bundle_sku IN (` + placeholders(len(bundleSKUs)) + `)`
		for _, sku := range bundleSKUs {
			args = append(args, sku)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list listings")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan listing")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate listings")
}

// UpsertComponents implements Store.
func (s *SQLiteStore) UpsertComponents(ctx context.Context, components []model.Component) error {
	return s.inTx(ctx, "upsert components", func(tx *sql.Tx) error {
		for _, c := range components {
			if _, err := tx.ExecContext(ctx, `INSERT INTO components (sku, description, brand, cost_pence) VALUES (?, ?, ?, ?)
				ON CONFLICT (sku) DO UPDATE SET description = excluded.description, brand = excluded.brand, cost_pence = excluded.cost_pence`,
				c.SKU, c.Description, c.Brand, c.CostPence); err != nil {
				return eris.Wrapf(err, "component %s", c.SKU)
			}
			if c.Location == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO component_stock (component_sku, location, available) VALUES (?, ?, ?)
				ON CONFLICT (component_sku, location) DO UPDATE SET available = excluded.available`,
				c.SKU, c.Location, c.Available); err != nil {
				return eris.Wrapf(err, "stock %s@%s", c.SKU, c.Location)
			}
		}
		return nil
	})
}

// UpsertBundles implements Store.
func (s *SQLiteStore) UpsertBundles(ctx context.Context, bundles []model.Bundle) error {
	return s.inTx(ctx, "upsert bundles", func(tx *sql.Tx) error {
		for _, b := range bundles {
			if _, err := tx.ExecContext(ctx, `INSERT INTO bundles (sku, description, active) VALUES (?, ?, ?)
				ON CONFLICT (sku) DO UPDATE SET description = excluded.description, active = excluded.active`,
				b.SKU, b.Description, b.Active); err != nil {
				return eris.Wrapf(err, "bundle %s", b.SKU)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM bundle_lines WHERE bundle_sku = ?`, b.SKU); err != nil {
				return eris.Wrapf(err, "clear lines %s", b.SKU)
			}
			for i, l := range b.Lines {
				if _, err := tx.ExecContext(ctx, `INSERT INTO bundle_lines (bundle_sku, line_no, component_sku, qty_required) VALUES (?, ?, ?, ?)`,
					b.SKU, i, l.ComponentSKU, l.QtyRequired); err != nil {
					return eris.Wrapf(err, "line %s/%d", b.SKU, i)
				}
			}
		}
		return nil
	})
}

// UpsertListings implements Store.
func (s *SQLiteStore) UpsertListings(ctx context.Context, listings []model.Listing) error {
	return s.inTx(ctx, "upsert listings", func(tx *sql.Tx) error {
		for _, l := range listings {
			if _, err := tx.ExecContext(ctx, `INSERT INTO listings (`+listingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET asin = excluded.asin, seller_sku = excluded.seller_sku,
					bundle_sku = excluded.bundle_sku, title = excluded.title, price_pence = excluded.price_pence,
					fees_pence = excluded.fees_pence, sales_rank = excluded.sales_rank,
					offer_count = excluded.offer_count, units_30d = excluded.units_30d`,
				l.ID, l.ASIN, l.SellerSKU, l.BundleSKU, l.Title, l.PricePence, l.FeesPence,
				l.SalesRank, l.OfferCount, l.Units30d); err != nil {
				return eris.Wrapf(err, "listing %s", l.ID)
			}
		}
		return nil
	})
}

// LoadBucket implements ratelimit.BucketStore.
func (s *SQLiteStore) LoadBucket(ctx context.Context, key string) (*ratelimit.Bucket, error) {
	b := ratelimit.Bucket{Key: key}
	var lastRefill string
	err := s.db.QueryRowContext(ctx, `SELECT tokens, last_refill, burst, rate FROM rate_limit_buckets WHERE key = ?`, key).
		Scan(&b.Tokens, &lastRefill, &b.Burst, &b.Rate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load bucket %s", key)
	}
	if b.LastRefill, err = time.Parse(time.RFC3339Nano, lastRefill); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse bucket refill %s", key)
	}
	return &b, nil
}

// SaveBucket implements ratelimit.BucketStore.
func (s *SQLiteStore) SaveBucket(ctx context.Context, b ratelimit.Bucket) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rate_limit_buckets (key, tokens, last_refill, burst, rate) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET tokens = excluded.tokens, last_refill = excluded.last_refill, burst = excluded.burst, rate = excluded.rate`,
		b.Key, b.Tokens, b.LastRefill.UTC().Format(time.RFC3339Nano), b.Burst, b.Rate)
	return eris.Wrapf(err, "sqlite: save bucket %s", b.Key)
}

// GetApplyRecord implements allocation.RecordStore.
func (s *SQLiteStore) GetApplyRecord(ctx context.Context, key string) (*model.ApplyRecord, error) {
	rec := model.ApplyRecord{IdempotencyKey: key}
	var (
		result             sql.NullString
		createdAt, updated string
	)
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint, status, result, created_at, updated_at FROM apply_records WHERE idempotency_key = ?`, key).
		Scan(&rec.Fingerprint, &rec.Status, &result, &createdAt, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get apply record %s", key)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if result.Valid && result.String != "" {
		rec.Result = &model.ApplyResult{}
		if err := json.Unmarshal([]byte(result.String), rec.Result); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal apply result %s", key)
		}
	}
	return &rec, nil
}

// ReserveApplyRecord implements allocation.RecordStore.
func (s *SQLiteStore) ReserveApplyRecord(ctx context.Context, rec model.ApplyRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO apply_records (idempotency_key, fingerprint, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.IdempotencyKey, rec.Fingerprint, string(rec.Status),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: reserve apply record %s", rec.IdempotencyKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// CompleteApplyRecord implements allocation.RecordStore.
func (s *SQLiteStore) CompleteApplyRecord(ctx context.Context, key string, result *model.ApplyResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal apply result")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE apply_records SET status = ?, result = ?, updated_at = ? WHERE idempotency_key = ?`,
		string(model.ApplyCompleted), string(data), time.Now().UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete apply record %s", key)
	}
	return checkRowsAffected(res, "apply record", key)
}

// DeleteApplyRecord implements allocation.RecordStore.
func (s *SQLiteStore) DeleteApplyRecord(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM apply_records WHERE idempotency_key = ?`, key)
	return eris.Wrapf(err, "sqlite: delete apply record %s", key)
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s", op)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return eris.Wrapf(err, "sqlite: %s", op)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", op)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: %s not found: %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
