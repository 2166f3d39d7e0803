package stages

import (
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Rollup sums order records into one bucket per (canonical SKU, category, day).
// Refund records pass through untouched for the refund stage.
type Rollup struct{}

// Name implements Stage.
func (Rollup) Name() string { return NameRollup }

// Apply implements Stage.
func (Rollup) Apply(in Batch, p Params) (Batch, Report, error) {
	rep := newReport(NameRollup, in)
	if len(in.Buckets) > 0 {
		return Batch{}, rep, ErrUnexpectedRows
	}

	index := map[bucketKey]int{}
	out := Batch{Mappings: in.Mappings}
	for _, r := range in.Records {
		if r.Kind == KindRefund {
			out.Records = append(out.Records, r)
			continue
		}
		k := bucketKey{sku: r.CanonicalSKU, category: r.Category, date: r.SeriesDate}
		i, ok := index[k]
		if !ok {
			i = len(out.Buckets)
			index[k] = i
			out.Buckets = append(out.Buckets, model.NormalizedSeries{
				StoreID:      p.StoreID,
				CanonicalSKU: r.CanonicalSKU,
				Category:     r.Category,
				SeriesDate:   r.SeriesDate,
				Revenue:      decimal.Zero,
			})
		}
		b := &out.Buckets[i]
		b.Quantity += r.Quantity
		b.Revenue = b.Revenue.Add(r.BaseAmount)
	}
	// Currency rejects negative rows; this floor keeps the series non-negative
	// when a batch did not come through it.
	for i := range out.Buckets {
		b := &out.Buckets[i]
		if b.Quantity < 0 || b.Revenue.IsNegative() {
			b.Quantity = max(b.Quantity, 0)
			if b.Revenue.IsNegative() {
				b.Revenue = decimal.Zero
			}
			rep.Anomalies[AnomalyNegativeFloor]++
		}
	}
	sortBuckets(out.Buckets)

	rep.RowsOut = out.Len()
	return out, rep, nil
}
