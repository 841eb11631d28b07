package model

import (
	"github.com/rotisserie/eris"
)

// DemandSource tags where a demand estimate came from.
type DemandSource int

const (
	// DemandInternal means internal sales history was sufficient on its own.
	DemandInternal DemandSource = iota + 1
	// DemandBlended mixes partial internal history with a model prediction.
	DemandBlended
	// DemandKeepaModel means only the catalog-signal model was usable.
	DemandKeepaModel
	// DemandFallback means no signal was usable and a conservative floor applies.
	DemandFallback
)

func (s DemandSource) String() string {
	switch s {
	case DemandInternal:
		return "INTERNAL"
	case DemandBlended:
		return "BLENDED"
	case DemandKeepaModel:
		return "KEEPA_MODEL"
	case DemandFallback:
		return "FALLBACK"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether s is one of the four defined tags.
func (s DemandSource) Valid() bool {
	switch s {
	case DemandInternal, DemandBlended, DemandKeepaModel, DemandFallback:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s DemandSource) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, eris.Errorf("model: invalid demand source %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *DemandSource) UnmarshalText(b []byte) error {
	switch string(b) {
	case "INTERNAL":
		*s = DemandInternal
	case "BLENDED":
		*s = DemandBlended
	case "KEEPA_MODEL":
		*s = DemandKeepaModel
	case "FALLBACK":
		*s = DemandFallback
	default:
		return eris.Errorf("model: unknown demand source %q", string(b))
	}
	return nil
}

// DemandEstimate is a per-listing demand figure with its provenance.
type DemandEstimate struct {
	UnitsPerDay float64      `json:"units_per_day"`
	Source      DemandSource `json:"source"`
	Confidence  float64      `json:"confidence"`
}
