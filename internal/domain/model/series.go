package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UncategorizedCategory is used when no product category is known.
const UncategorizedCategory = "Uncategorized"

// NormalizedSeries is one (store, canonical SKU, category, day) point.
type NormalizedSeries struct {
	StoreID          string
	CanonicalSKU     string
	Category         string
	SeriesDate       Date
	Quantity         float64
	Revenue          decimal.Decimal
	WasInterpolated  bool
	WasOutlierCapped bool
	WasRefundClamped bool
	Stale            bool   // a mapping edit invalidated this row
	RunID            string // run that last wrote the row
	UpdatedAt        time.Time
}

// SeriesKey groups series rows into one time series.
type SeriesKey struct {
	CanonicalSKU string
	Category     string
}

// Key returns the series the row belongs to.
func (s NormalizedSeries) Key() SeriesKey {
	return SeriesKey{CanonicalSKU: s.CanonicalSKU, Category: s.Category}
}

// SeriesQuery selects normalized rows. SKU and Category are optional filters.
type SeriesQuery struct {
	StoreID  string
	SKU      string
	Category string
	Range    DateRange
	Limit    int
}
