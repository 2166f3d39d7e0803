package model

import "time"

// MappingSource records how a mapping came to exist.
type MappingSource string

// Mapping sources.
const (
	MappingIdentity MappingSource = "identity"
	MappingHint     MappingSource = "hint"
	MappingManual   MappingSource = "manual"
)

// SkuMapping maps a raw SKU spelling to its canonical SKU within a store.
type SkuMapping struct {
	StoreID      string
	RawSKU       string
	CanonicalSKU string
	Source       MappingSource
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RemapResult describes the consequences of an administrative mapping edit.
// The edit never triggers a run; RequiresRerun tells the caller one is needed.
type RemapResult struct {
	StoreID       string
	RawSKU        string
	OldCanonical  string // empty when the raw SKU was unmapped
	NewCanonical  string
	AffectedSKUs  []string
	StaleRows     int
	Range         DateRange // span of stale rows; zero when none
	RequiresRerun bool
}
