package demand

import (
	"crypto/sha256"
	"encoding/binary"
)

// holdoutPercent is the share of ids reserved for evaluation.
const holdoutPercent = 20

// IsHoldout reports whether id belongs to the evaluation partition. It depends
// only on id, so training and evaluation always agree.
func IsHoldout(id string) bool {
	sum := sha256.Sum256([]byte(id))
	return binary.BigEndian.Uint64(sum[:8])%100 < holdoutPercent
}
