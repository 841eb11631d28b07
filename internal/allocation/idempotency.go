package allocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stockpool/internal/model"
)

// RecordStore persists apply records keyed by idempotency key.
type RecordStore interface {
	// GetApplyRecord returns nil, nil when no record exists.
	GetApplyRecord(ctx context.Context, key string) (*model.ApplyRecord, error)
	// ReserveApplyRecord inserts rec if its key is unused and reports whether it did.
	ReserveApplyRecord(ctx context.Context, rec model.ApplyRecord) (bool, error)
	CompleteApplyRecord(ctx context.Context, key string, result *model.ApplyResult) error
	DeleteApplyRecord(ctx context.Context, key string) error
}

// Fingerprint identifies the payload of an apply request. Force and
// confirmation flags are not part of it, so a forced retry reuses its key.
func Fingerprint(pool, location string, c model.Constraints, generatedAt time.Time) string {
	payload := fmt.Sprintf("%s|%s|%g|%g|%d|%s",
		pool, location, c.MinMarginPct, c.TargetMarginPct, c.BufferUnits,
		generatedAt.UTC().Format(time.RFC3339Nano),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// MemoryRecords is an in-process RecordStore.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[string]model.ApplyRecord
	now     func() time.Time
}

// NewMemoryRecords creates an empty MemoryRecords.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]model.ApplyRecord), now: time.Now}
}

// GetApplyRecord implements RecordStore.
func (m *MemoryRecords) GetApplyRecord(_ context.Context, key string) (*model.ApplyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ReserveApplyRecord implements RecordStore.
func (m *MemoryRecords) ReserveApplyRecord(_ context.Context, rec model.ApplyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.IdempotencyKey]; ok {
		return false, nil
	}
	m.records[rec.IdempotencyKey] = rec
	return true, nil
}

// CompleteApplyRecord implements RecordStore.
func (m *MemoryRecords) CompleteApplyRecord(_ context.Context, key string, result *model.ApplyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return eris.Errorf("allocation: no apply record for %s", key)
	}
	rec.Status = model.ApplyCompleted
	rec.Result = result
	rec.UpdatedAt = m.now().UTC()
	m.records[key] = rec
	return nil
}

// DeleteApplyRecord implements RecordStore.
func (m *MemoryRecords) DeleteApplyRecord(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}
