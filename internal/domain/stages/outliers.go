package stages

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Quantile returns the q-quantile of values using linear interpolation
// between closest ranks. values need not be sorted; it is not modified.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
}

// Bounds returns the IQR fences Q1 - k*IQR and Q3 + k*IQR, and the IQR.
func Bounds(values []float64, k float64) (low, high, iqr float64) {
	q1 := Quantile(values, 0.25)
	q3 := Quantile(values, 0.75)
	iqr = q3 - q1
	return q1 - k*iqr, q3 + k*iqr, iqr
}

// Outliers caps daily quantity to the IQR fences of its own series.
//
// Series shorter than OutlierMinPoints, or with zero spread, pass through.
// Revenue of a capped day scales by the same factor as its quantity.
// With the flag strategy days beyond the fences are only marked
// WasOutlierCapped; with none the stage passes everything through.
// Series are independent and processed concurrently.
type Outliers struct{}

// Name implements Stage.
func (Outliers) Name() string { return NameOutliers }

// Apply implements Stage.
func (Outliers) Apply(in Batch, p Params) (Batch, Report, error) {
	rep := newReport(NameOutliers, in)
	if len(in.Records) > 0 {
		return Batch{}, rep, ErrUnexpectedRows
	}

	out := Batch{Buckets: cloneBuckets(in.Buckets), Mappings: in.Mappings}
	sortBuckets(out.Buckets)
	if p.OutlierStrategy == OutlierNone {
		rep.RowsOut = out.Len()
		return out, rep, nil
	}
	flagOnly := p.OutlierStrategy == OutlierFlag

	var capped atomic.Int64
	var g errgroup.Group
	g.SetLimit(max(p.Parallelism, 1))
	for _, series := range groupSeries(out.Buckets) {
		if len(series) < p.OutlierMinPoints {
			continue
		}
		g.Go(func() error {
			capped.Add(int64(capSeries(series, p.OutlierMultiplier, flagOnly)))
			return nil
		})
	}
	_ = g.Wait()

	if n := capped.Load(); n > 0 {
		kind := AnomalyOutlierCapped
		if flagOnly {
			kind = AnomalyOutlierFlagged
		}
		rep.Anomalies[kind] = int(n)
	}
	rep.RowsOut = out.Len()
	return out, rep, nil
}

// capSeries caps one series in place and returns the number of days beyond
// the fences. flagOnly marks those days without changing their values.
func capSeries(series []model.NormalizedSeries, k float64, flagOnly bool) int {
	values := make([]float64, len(series))
	for i, s := range series {
		values[i] = s.Quantity
	}
	low, high, iqr := Bounds(values, k)
	if iqr == 0 {
		return 0
	}

	n := 0
	for i := range series {
		s := &series[i]
		var bound float64
		switch {
		case s.Quantity > high:
			bound = high
		case s.Quantity < low:
			bound = low
		default:
			continue
		}
		n++
		s.WasOutlierCapped = true
		if flagOnly {
			continue
		}
		if s.Quantity > 0 {
			factor := decimal.NewFromFloat(bound / s.Quantity)
			s.Revenue = s.Revenue.Mul(factor).Round(RevenuePlaces)
		}
		s.Quantity = bound
	}
	return n
}
