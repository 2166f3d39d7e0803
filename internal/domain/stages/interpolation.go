package stages

import (
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Gaps makes every series continuous over the run range.
//
// Missing days get zero, or in linear mode the straight line between the
// nearest known days on both sides. Days before the first or after the last
// known day have only one anchor and are always zero-filled.
type Gaps struct{}

// Name implements Stage.
func (Gaps) Name() string { return NameGaps }

// Apply implements Stage.
func (Gaps) Apply(in Batch, p Params) (Batch, Report, error) {
	rep := newReport(NameGaps, in)
	if len(in.Records) > 0 {
		return Batch{}, rep, ErrUnexpectedRows
	}
	if err := p.Range.Validate(); err != nil {
		return Batch{}, rep, err
	}

	sorted := cloneBuckets(in.Buckets)
	sortBuckets(sorted)
	groups := groupSeries(sorted)
	filled := make([][]model.NormalizedSeries, len(groups))
	fills := make([]int, len(groups))

	var g errgroup.Group
	g.SetLimit(max(p.Parallelism, 1))
	for i, series := range groups {
		g.Go(func() error {
			filled[i], fills[i] = fillSeries(series, p)
			return nil
		})
	}
	_ = g.Wait()

	out := Batch{Mappings: in.Mappings}
	total := 0
	for i := range filled {
		out.Buckets = append(out.Buckets, filled[i]...)
		total += fills[i]
	}
	if total > 0 {
		rep.Anomalies[AnomalyGapFilled] = total
	}
	rep.RowsOut = out.Len()
	return out, rep, nil
}

// fillSeries returns one row per day of the range for a single series.
func fillSeries(series []model.NormalizedSeries, p Params) ([]model.NormalizedSeries, int) {
	known := make(map[model.Date]model.NormalizedSeries, len(series))
	for _, s := range series {
		if p.Range.Contains(s.SeriesDate) {
			known[s.SeriesDate] = s
		}
	}
	days := p.Range.Each()
	out := make([]model.NormalizedSeries, 0, len(days))
	proto := series[0]

	prev := -1 // index into out of the last known day
	n := 0
	for i, d := range days {
		if s, ok := known[d]; ok {
			if p.Interpolation == FillLinear && prev >= 0 && i-prev > 1 {
				interpolate(out[prev:], s)
			}
			out = append(out, s)
			prev = i
			continue
		}
		out = append(out, model.NormalizedSeries{
			StoreID:         p.StoreID,
			CanonicalSKU:    proto.CanonicalSKU,
			Category:        proto.Category,
			SeriesDate:      d,
			Revenue:         decimal.Zero,
			WasInterpolated: true,
		})
		n++
	}
	return out, n
}

// interpolate fills span[1:] (all gap rows) on the line from span[0] to next.
func interpolate(span []model.NormalizedSeries, next model.NormalizedSeries) {
	start := span[0]
	steps := len(span)
	dq := next.Quantity - start.Quantity
	dr := next.Revenue.Sub(start.Revenue)
	den := decimal.NewFromInt(int64(steps))
	for j := 1; j < steps; j++ {
		span[j].Quantity = start.Quantity + dq*float64(j)/float64(steps)
		span[j].Revenue = start.Revenue.Add(dr.Mul(decimal.NewFromInt(int64(j))).Div(den)).Round(RevenuePlaces)
	}
}
