package stages

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Kind distinguishes order lines from refund lines.
type Kind int

// Record kinds.
const (
	KindOrder Kind = iota
	KindRefund
)

func (k Kind) String() string {
	if k == KindRefund {
		return "refund"
	}
	return "order"
}

// Record is one raw row as it travels through the per-row stages.
// Fields below the blank line are filled in by successive stages.
type Record struct {
	Kind            Kind
	Ref             string
	ExternalOrderID string
	RawSKU          string
	Quantity        float64
	Amount          decimal.Decimal // in Currency
	Currency        string
	Timestamp       string

	Instant      time.Time       // timezone
	SeriesDate   model.Date      // timezone
	BaseAmount   decimal.Decimal // currency
	CanonicalSKU string          // sku_dedup
	Category     string          // sku_dedup
}

// FromOrders converts raw order lines into records.
func FromOrders(orders []model.RawOrder) []Record {
	out := make([]Record, 0, len(orders))
	for _, o := range orders {
		out = append(out, Record{
			Kind:            KindOrder,
			Ref:             o.Ref(),
			ExternalOrderID: o.ExternalOrderID,
			RawSKU:          strings.TrimSpace(o.RawSKU),
			Quantity:        float64(o.Quantity),
			Amount:          o.Amount(),
			Currency:        o.Currency,
			Timestamp:       o.OrderTimestamp,
		})
	}
	return out
}

// FromRefunds converts raw refund lines into records. Platforms report
// refunds with either sign; quantity and amount are taken as magnitudes.
func FromRefunds(refunds []model.RawRefund) []Record {
	out := make([]Record, 0, len(refunds))
	for _, r := range refunds {
		out = append(out, Record{
			Kind:            KindRefund,
			Ref:             r.Ref(),
			ExternalOrderID: r.ExternalOrderID,
			RawSKU:          strings.TrimSpace(r.RawSKU),
			Quantity:        math.Abs(float64(r.Quantity)),
			Amount:          r.Amount.Abs(),
			Currency:        r.Currency,
			Timestamp:       r.RefundTimestamp,
		})
	}
	return out
}

// Batch is the intermediate data set passed from stage to stage.
// Records holds per-row data until rollup; Buckets holds daily series points
// from rollup on. Mappings collects mappings the dedup stage created.
type Batch struct {
	Records  []Record
	Buckets  []model.NormalizedSeries
	Mappings []model.SkuMapping
}

// Len counts the rows in the batch.
func (b Batch) Len() int { return len(b.Records) + len(b.Buckets) }

type bucketKey struct {
	sku      string
	category string
	date     model.Date
}

func keyOf(s model.NormalizedSeries) bucketKey {
	return bucketKey{sku: s.CanonicalSKU, category: s.Category, date: s.SeriesDate}
}

// sortBuckets orders by canonical SKU, category, then day.
func sortBuckets(b []model.NormalizedSeries) {
	sort.Slice(b, func(i, j int) bool {
		if b[i].CanonicalSKU != b[j].CanonicalSKU {
			return b[i].CanonicalSKU < b[j].CanonicalSKU
		}
		if b[i].Category != b[j].Category {
			return b[i].Category < b[j].Category
		}
		return b[i].SeriesDate.Before(b[j].SeriesDate)
	})
}

// groupSeries splits sorted buckets into per-series slices sharing the
// backing array, in key order.
func groupSeries(b []model.NormalizedSeries) [][]model.NormalizedSeries {
	var groups [][]model.NormalizedSeries
	start := 0
	for i := 1; i <= len(b); i++ {
		if i == len(b) || b[i].Key() != b[start].Key() {
			groups = append(groups, b[start:i])
			start = i
		}
	}
	return groups
}

func cloneBuckets(b []model.NormalizedSeries) []model.NormalizedSeries {
	out := make([]model.NormalizedSeries, len(b))
	copy(out, b)
	return out
}
