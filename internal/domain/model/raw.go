package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RawOrder is one order line as reported by the platform.
// Natural key: (StoreID, ExternalOrderID, LineIndex).
type RawOrder struct {
	StoreID         string
	ExternalOrderID string
	LineIndex       int
	RawSKU          string
	ProductID       string
	VariantID       string
	Quantity        int64
	UnitPrice       decimal.Decimal
	LineTotal       decimal.Decimal // zero means quantity * unit price
	Currency        string
	OrderTimestamp  string // RFC 3339 with offset, or naive store-local wall time
	Platform        Platform
	IngestedAt      time.Time
}

// Ref identifies the order line in row errors.
func (o RawOrder) Ref() string {
	return fmt.Sprintf("order:%s#%d", o.ExternalOrderID, o.LineIndex)
}

// Amount returns the line amount in the order's own currency.
func (o RawOrder) Amount() decimal.Decimal {
	if !o.LineTotal.IsZero() {
		return o.LineTotal
	}
	return o.UnitPrice.Mul(decimal.NewFromInt(o.Quantity))
}

// RawRefund is one refunded line (or a whole-order refund when RawSKU is empty).
// Natural key: (StoreID, ExternalRefundID, LineIndex).
type RawRefund struct {
	StoreID          string
	ExternalRefundID string
	ExternalOrderID  string
	LineIndex        int
	RawSKU           string
	Quantity         int64
	Amount           decimal.Decimal
	Currency         string
	RefundTimestamp  string
	Platform         Platform
	IngestedAt       time.Time
}

// Ref identifies the refund line in row errors.
func (r RawRefund) Ref() string {
	return fmt.Sprintf("refund:%s#%d", r.ExternalRefundID, r.LineIndex)
}

// RawProduct carries catalog context for a raw SKU.
// Natural key: (StoreID, RawSKU).
type RawProduct struct {
	StoreID          string
	RawSKU           string
	Category         string
	CanonicalSKUHint string
	Metadata         json.RawMessage
	UpdatedAt        time.Time
}
