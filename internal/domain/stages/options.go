package stages

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/okian/demandseries/internal/domain/model"
)

// Interpolation modes for the gap stage.
const (
	FillZero   = "zero"
	FillLinear = "linear"
)

// Outlier strategies. Cap clamps days to the fences, flag only marks them
// and none skips detection.
const (
	OutlierCap  = "cap"
	OutlierFlag = "flag"
	OutlierNone = "none"
)

// Defaults.
const (
	DefaultOutlierMinPoints     = 14
	DefaultOutlierMultiplier    = 1.5
	DefaultRefundClampTolerance = 0.5
)

// Params is everything a stage may read besides its input batch.
// One Params value is built per run and shared read-only by all stages.
type Params struct {
	StoreID      string
	Location     *time.Location
	BaseCurrency string
	Range        model.DateRange
	Rates        *RateTable
	Mappings     map[string]model.SkuMapping // by raw SKU
	Products     map[string]model.RawProduct // by raw SKU
	OrderLines   map[string][]model.RawOrder // by external order id, for refund allocation
	Now          time.Time

	OutlierStrategy      string
	OutlierMinPoints     int
	OutlierMultiplier    float64
	Interpolation        string
	RefundClampTolerance float64
	Parallelism          int
}

// Option adjusts Params.
type Option func(*Params)

// NewParams builds Params for one store run.
func NewParams(cfg model.StoreConfig, loc *time.Location, rng model.DateRange, opts ...Option) Params {
	p := Params{
		StoreID:              cfg.StoreID,
		Location:             loc,
		BaseCurrency:         strings.ToUpper(cfg.BaseCurrency),
		Range:                rng,
		Mappings:             map[string]model.SkuMapping{},
		Products:             map[string]model.RawProduct{},
		OrderLines:           map[string][]model.RawOrder{},
		OutlierStrategy:      OutlierCap,
		OutlierMinPoints:     DefaultOutlierMinPoints,
		OutlierMultiplier:    DefaultOutlierMultiplier,
		Interpolation:        FillZero,
		RefundClampTolerance: DefaultRefundClampTolerance,
		Parallelism:          runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.Rates == nil {
		p.Rates = NewRateTable(p.BaseCurrency, nil)
	}
	return p
}

// WithRates sets the exchange rates valid for the store's base currency.
func WithRates(rates []model.ExchangeRate) Option {
	return func(p *Params) {
		p.Rates = NewRateTable(p.BaseCurrency, rates)
	}
}

// WithMappings sets the mapping snapshot.
func WithMappings(mappings []model.SkuMapping) Option {
	return func(p *Params) {
		for _, m := range mappings {
			p.Mappings[m.RawSKU] = m
		}
	}
}

// WithProducts sets the product catalog.
func WithProducts(products []model.RawProduct) Option {
	return func(p *Params) {
		for _, pr := range products {
			p.Products[pr.RawSKU] = pr
		}
	}
}

// WithOrderLines indexes all known order lines of the store for refund allocation.
func WithOrderLines(orders []model.RawOrder) Option {
	return func(p *Params) {
		for _, o := range orders {
			p.OrderLines[o.ExternalOrderID] = append(p.OrderLines[o.ExternalOrderID], o)
		}
	}
}

// WithOutliers sets minimum series length and IQR multiplier. Non-positive values are ignored.
func WithOutliers(minPoints int, multiplier float64) Option {
	return func(p *Params) {
		if minPoints > 0 {
			p.OutlierMinPoints = minPoints
		}
		if multiplier > 0 {
			p.OutlierMultiplier = multiplier
		}
	}
}

// WithOutlierStrategy selects cap, flag or none. Empty keeps the default.
func WithOutlierStrategy(strategy string) Option {
	return func(p *Params) {
		if strategy != "" {
			p.OutlierStrategy = strategy
		}
	}
}

// WithInterpolation sets the gap fill mode.
func WithInterpolation(mode string) Option {
	return func(p *Params) {
		if mode != "" {
			p.Interpolation = mode
		}
	}
}

// WithRefundClampTolerance sets how far a refund may exceed its bucket before it is a row error.
func WithRefundClampTolerance(tol float64) Option {
	return func(p *Params) {
		if tol >= 0 {
			p.RefundClampTolerance = tol
		}
	}
}

// WithParallelism bounds concurrent series groups in grouping stages.
func WithParallelism(n int) Option {
	return func(p *Params) {
		if n > 0 {
			p.Parallelism = n
		}
	}
}

// WithNow sets the timestamp stamped on created mappings.
func WithNow(now time.Time) Option {
	return func(p *Params) {
		p.Now = now
	}
}

// Validate checks params that would make every row fail.
func (p Params) Validate() error {
	if p.Location == nil {
		return ErrNoLocation
	}
	if p.BaseCurrency == "" {
		return ErrNoBaseCurrency
	}
	if err := p.Range.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	switch p.Interpolation {
	case FillZero, FillLinear:
	default:
		return fmt.Errorf("%w: interpolation %q", ErrInvalidParams, p.Interpolation)
	}
	switch p.OutlierStrategy {
	case OutlierCap, OutlierFlag, OutlierNone:
	default:
		return fmt.Errorf("%w: outlier strategy %q", ErrInvalidParams, p.OutlierStrategy)
	}
	return nil
}
