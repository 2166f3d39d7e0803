// Package stages holds the seven normalization stages.
//
// Stages are pure: Apply reads its input batch and params and returns a new
// batch plus a Report. They never touch storage; the orchestrator persists
// checkpoints, mappings and the final series.
package stages

import (
	"time"

	"github.com/okian/demandseries/internal/domain/model"
)

// Stage names, in run order. They appear in checkpoints and metrics.
const (
	NameTimezone     = "timezone"
	NameCurrency     = "currency"
	NameSkuDedup     = "sku_dedup"
	NameRollup       = "rollup"
	NameRefundAdjust = "refund_adjust"
	NameOutliers     = "outliers"
	NameGaps         = "gaps"
)

// Row error reasons. Values are stable; they are persisted and exported.
const (
	ReasonUnparseableTimestamp = "unparseable_timestamp"
	ReasonNoExchangeRate       = "no_exchange_rate"
	ReasonInvalidCurrency      = "invalid_currency"
	ReasonMissingSKU           = "missing_sku"
	ReasonUnallocatableRefund  = "unallocatable_refund"
	ReasonRefundExceedsBucket  = "refund_exceeds_bucket"
	ReasonNegativeQuantity     = "negative_quantity"
	ReasonNegativeAmount       = "negative_amount"
)

// Anomaly and filter reasons; rows are kept (anomaly) or dropped silently (filter).
const (
	AnomalyRefundClamped  = "refund_clamped"
	AnomalyOutlierCapped  = "outlier_capped"
	AnomalyOutlierFlagged = "outlier_flagged"
	AnomalyGapFilled      = "gap_filled"
	AnomalyRefundAlloc    = "refund_allocated"
	AnomalyNegativeFloor  = "negative_floored"
	FilterOutOfRange      = "out_of_range"
)

// RevenuePlaces is the scale derived money amounts are rounded to.
const RevenuePlaces = 4

// Stage is one pure transformation step.
type Stage interface {
	Name() string
	Apply(in Batch, p Params) (Batch, Report, error)
}

// Default returns the stages in their fixed run order.
func Default() []Stage {
	return []Stage{
		Timezone{},
		Currency{},
		SkuDedup{},
		Rollup{},
		RefundAdjust{},
		Outliers{},
		Gaps{},
	}
}

// Report is what a stage tells the orchestrator about one Apply.
type Report struct {
	Stage     string
	RowsIn    int
	RowsOut   int
	Errors    []model.RowError
	Anomalies map[string]int
	Filtered  map[string]int
}

func newReport(stage string, in Batch) Report {
	return Report{
		Stage:     stage,
		RowsIn:    in.Len(),
		Anomalies: map[string]int{},
		Filtered:  map[string]int{},
	}
}

func (r *Report) rowError(reason, ref, msg string) {
	r.Errors = append(r.Errors, model.RowError{Stage: r.Stage, Reason: reason, Ref: ref, Message: msg})
}

// ErrorCounts groups row errors by reason.
func (r Report) ErrorCounts() map[string]int {
	out := make(map[string]int, len(r.Errors))
	for _, e := range r.Errors {
		out[e.Reason]++
	}
	return out
}

// Checkpoint converts the report into its persisted form.
func (r Report) Checkpoint(elapsed time.Duration) model.StageCheckpoint {
	return model.StageCheckpoint{
		Stage:     r.Stage,
		RowsIn:    r.RowsIn,
		RowsOut:   r.RowsOut,
		Elapsed:   elapsed,
		Errors:    r.ErrorCounts(),
		Anomalies: nonEmpty(r.Anomalies),
		Filtered:  nonEmpty(r.Filtered),
	}
}

func nonEmpty(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// Chain applies stages in order, stopping at the first fatal error.
// It is the checkpoint-free form of a run, used for previews and tests.
func Chain(in Batch, p Params, list ...Stage) (Batch, []Report, error) {
	if len(list) == 0 {
		list = Default()
	}
	reports := make([]Report, 0, len(list))
	for _, s := range list {
		out, rep, err := s.Apply(in, p)
		reports = append(reports, rep)
		if err != nil {
			return Batch{}, reports, err
		}
		in = out
	}
	return in, reports, nil
}
