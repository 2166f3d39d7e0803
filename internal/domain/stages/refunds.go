package stages

import (
	"fmt"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
)

// RefundAdjust subtracts refunds from the bucket of the refund's own day.
//
// Buckets never go below zero: they clamp, get WasRefundClamped and count as
// an anomaly. A refund whose quantity overshoots the bucket by more than the
// clamp tolerance is also reported as a row error; the clamped bucket stays.
type RefundAdjust struct{}

// Name implements Stage.
func (RefundAdjust) Name() string { return NameRefundAdjust }

// Apply implements Stage.
func (RefundAdjust) Apply(in Batch, p Params) (Batch, Report, error) {
	rep := newReport(NameRefundAdjust, in)

	out := Batch{Buckets: cloneBuckets(in.Buckets), Mappings: in.Mappings}
	index := make(map[bucketKey]int, len(out.Buckets))
	for i, b := range out.Buckets {
		index[keyOf(b)] = i
	}

	for _, r := range in.Records {
		if r.Kind != KindRefund {
			return Batch{}, rep, fmt.Errorf("%w: order %s after rollup", ErrUnexpectedRows, r.Ref)
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

		qty := b.Quantity - r.Quantity
		rev := b.Revenue.Sub(r.BaseAmount)
		clamped := false
		if qty < 0 {
			if -qty > p.RefundClampTolerance {
				rep.rowError(ReasonRefundExceedsBucket, r.Ref,
					fmt.Sprintf("refund of %g exceeds %g sold on %s", r.Quantity, b.Quantity, r.SeriesDate))
			}
			qty = 0
			clamped = true
		}
		if rev.IsNegative() {
			rev = decimal.Zero
			clamped = true
		}
		if clamped {
			b.WasRefundClamped = true
			rep.Anomalies[AnomalyRefundClamped]++
		}
		b.Quantity = qty
		b.Revenue = rev
	}
	sortBuckets(out.Buckets)

	rep.RowsOut = out.Len()
	return out, rep, nil
}
