package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Platform tags the origin of raw records.
type Platform string

// Known platforms.
const (
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformManual      Platform = "manual"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformShopify, PlatformWooCommerce, PlatformManual:
		return true
	}
	return false
}

// StoreConfig parameterizes normalization for one store.
type StoreConfig struct {
	StoreID      string
	TimeZone     string // IANA name, e.g. "America/New_York"
	BaseCurrency string // ISO 4217
	Platform     Platform
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExchangeRate converts one unit of Currency into BaseCurrency.
// A rate applies from EffectiveDate (UTC) until a later rate supersedes it.
type ExchangeRate struct {
	Currency      string
	BaseCurrency  string
	EffectiveDate Date
	Rate          decimal.Decimal
}
