package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/rotisserie/eris"
)

const pebbleKeyPrefix = "ratelimit/"

// PebbleStore keeps buckets in an embedded Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a Pebble database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, eris.Wrapf(err, "ratelimit: open pebble %s", dir)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the database.
func (p *PebbleStore) Close() error { return p.db.Close() }

// LoadBucket implements BucketStore.
func (p *PebbleStore) LoadBucket(_ context.Context, key string) (*Bucket, error) {
	v, closer, err := p.db.Get([]byte(pebbleKeyPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ratelimit: get %s", key)
	}
	defer closer.Close()

	var b Bucket
	if err := json.Unmarshal(v, &b); err != nil {
		return nil, eris.Wrapf(err, "ratelimit: decode %s", key)
	}
	return &b, nil
}

// SaveBucket implements BucketStore. Writes are synced so bucket state
// survives a crash.
func (p *PebbleStore) SaveBucket(_ context.Context, b Bucket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return eris.Wrapf(err, "ratelimit: encode %s", b.Key)
	}
	if err := p.db.Set([]byte(pebbleKeyPrefix+b.Key), data, pebble.Sync); err != nil {
		return eris.Wrapf(err, "ratelimit: set %s", b.Key)
	}
	return nil
}
