package pipelinectl

import (
	"encoding/json"
	"time"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Dataset is the file format read by "ingest" and written by "generate".
type Dataset struct {
	Orders   []Order   `json:"orders,omitempty"`
	Refunds  []Refund  `json:"refunds,omitempty"`
	Products []Product `json:"products,omitempty"`
}

// Order is one order line on the wire.
type Order struct {
	StoreID   string          `json:"store_id"`
	OrderID   string          `json:"order_id"`
	LineIndex int             `json:"line_index"`
	SKU       string          `json:"sku"`
	ProductID string          `json:"product_id,omitempty"`
	VariantID string          `json:"variant_id,omitempty"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total,omitzero"`
	Currency  string          `json:"currency,omitempty"`
	Timestamp string          `json:"timestamp"`
	Platform  string          `json:"platform,omitempty"`
}

// Refund is one refund line on the wire. An empty SKU refunds the whole order.
type Refund struct {
	StoreID   string          `json:"store_id"`
	RefundID  string          `json:"refund_id"`
	OrderID   string          `json:"order_id"`
	LineIndex int             `json:"line_index"`
	SKU       string          `json:"sku,omitempty"`
	Quantity  int64           `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	Timestamp string          `json:"timestamp"`
	Platform  string          `json:"platform,omitempty"`
}

// Product is one catalog row on the wire.
type Product struct {
	StoreID      string          `json:"store_id"`
	SKU          string          `json:"sku"`
	Category     string          `json:"category,omitempty"`
	CanonicalSKU string          `json:"canonical_sku,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// withStore fills records that omit store_id.
func (d *Dataset) withStore(storeID string) {
	if storeID == "" {
		return
	}
	for i := range d.Orders {
		if d.Orders[i].StoreID == "" {
			d.Orders[i].StoreID = storeID
		}
	}
	for i := range d.Refunds {
		if d.Refunds[i].StoreID == "" {
			d.Refunds[i].StoreID = storeID
		}
	}
	for i := range d.Products {
		if d.Products[i].StoreID == "" {
			d.Products[i].StoreID = storeID
		}
	}
}

func (o Order) model() model.RawOrder {
	return model.RawOrder{
		StoreID:         o.StoreID,
		ExternalOrderID: o.OrderID,
		LineIndex:       o.LineIndex,
		RawSKU:          o.SKU,
		ProductID:       o.ProductID,
		VariantID:       o.VariantID,
		Quantity:        o.Quantity,
		UnitPrice:       o.UnitPrice,
		LineTotal:       o.LineTotal,
		Currency:        o.Currency,
		OrderTimestamp:  o.Timestamp,
		Platform:        model.Platform(o.Platform),
	}
}

func (r Refund) model() model.RawRefund {
	return model.RawRefund{
		StoreID:          r.StoreID,
		ExternalRefundID: r.RefundID,
		ExternalOrderID:  r.OrderID,
		LineIndex:        r.LineIndex,
		RawSKU:           r.SKU,
		Quantity:         r.Quantity,
		Amount:           r.Amount,
		Currency:         r.Currency,
		RefundTimestamp:  r.Timestamp,
		Platform:         model.Platform(r.Platform),
	}
}

func (p Product) model() model.RawProduct {
	return model.RawProduct{
		StoreID:          p.StoreID,
		RawSKU:           p.SKU,
		Category:         p.Category,
		CanonicalSKUHint: p.CanonicalSKU,
		Metadata:         p.Metadata,
	}
}

// SeriesRow is one normalized row in command output.
type SeriesRow struct {
	StoreID      string          `json:"store_id"`
	SKU          string          `json:"sku"`
	Category     string          `json:"category"`
	Date         model.Date      `json:"date"`
	Quantity     float64         `json:"quantity"`
	Revenue      decimal.Decimal `json:"revenue"`
	Interpolated bool            `json:"interpolated,omitempty"`
	OutlierCap   bool            `json:"outlier_capped,omitempty"`
	RefundClamp  bool            `json:"refund_clamped,omitempty"`
	Stale        bool            `json:"stale,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
}

func seriesRows(in []model.NormalizedSeries) []SeriesRow {
	out := make([]SeriesRow, 0, len(in))
	for _, r := range in {
		out = append(out, SeriesRow{
			StoreID: r.StoreID, SKU: r.CanonicalSKU, Category: r.Category, Date: r.SeriesDate,
			Quantity: r.Quantity, Revenue: r.Revenue,
			Interpolated: r.WasInterpolated, OutlierCap: r.WasOutlierCapped, RefundClamp: r.WasRefundClamped,
			Stale: r.Stale, RunID: r.RunID,
		})
	}
	return out
}

// RunSummary is a run in command output.
type RunSummary struct {
	ID            string         `json:"id"`
	StoreID       string         `json:"store_id"`
	From          model.Date     `json:"from"`
	To            model.Date     `json:"to"`
	Trigger       string         `json:"trigger"`
	Status        string         `json:"status"`
	RowsProcessed int            `json:"rows_processed"`
	RowsWritten   int            `json:"rows_written"`
	RowsSkipped   int            `json:"rows_skipped"`
	Skipped       map[string]int `json:"skipped_by_reason,omitempty"`
	Stages        []StageSummary `json:"stages,omitempty"`
	Error         string         `json:"error,omitempty"`
	Started       time.Time      `json:"started_at,omitzero"`
	Finished      time.Time      `json:"finished_at,omitzero"`
}

// StageSummary is one checkpoint in command output.
type StageSummary struct {
	Stage     string         `json:"stage"`
	RowsIn    int            `json:"rows_in"`
	RowsOut   int            `json:"rows_out"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Errors    map[string]int `json:"errors,omitempty"`
	Anomalies map[string]int `json:"anomalies,omitempty"`
	Filtered  map[string]int `json:"filtered,omitempty"`
}

func runSummary(r model.PipelineRun) RunSummary {
	s := RunSummary{
		ID: r.ID, StoreID: r.StoreID, From: r.Range.From, To: r.Range.To,
		Trigger: string(r.Trigger), Status: string(r.Status),
		RowsProcessed: r.RowsProcessed, RowsWritten: r.RowsWritten, RowsSkipped: r.RowsSkipped(),
		Error: r.Error, Started: r.StartedAt, Finished: r.FinishedAt,
	}
	if skipped := r.SkippedByReason(); len(skipped) > 0 {
		s.Skipped = skipped
	}
	for _, c := range r.Checkpoints {
		s.Stages = append(s.Stages, StageSummary{
			Stage: c.Stage, RowsIn: c.RowsIn, RowsOut: c.RowsOut, ElapsedMS: c.Elapsed.Milliseconds(),
			Errors: c.Errors, Anomalies: c.Anomalies, Filtered: c.Filtered,
		})
	}
	return s
}
