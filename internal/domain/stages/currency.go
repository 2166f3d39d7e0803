package stages

import (
	"sort"
	"strings"
	"time"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
)

// RateTable answers "rate for currency X at instant t" for one base currency.
type RateTable struct {
	base  string
	rates map[string][]model.ExchangeRate // ascending by effective date
}

// NewRateTable indexes rates; rates quoted against another base are ignored.
func NewRateTable(base string, rates []model.ExchangeRate) *RateTable {
	t := &RateTable{base: strings.ToUpper(base), rates: map[string][]model.ExchangeRate{}}
	for _, r := range rates {
		if !strings.EqualFold(r.BaseCurrency, t.base) {
			continue
		}
		c := strings.ToUpper(r.Currency)
		t.rates[c] = append(t.rates[c], r)
	}
	for c := range t.rates {
		list := t.rates[c]
		sort.Slice(list, func(i, j int) bool { return list[i].EffectiveDate.Before(list[j].EffectiveDate) })
	}
	return t
}

// Lookup returns the rate with the latest effective date on or before the
// UTC day of at. Base currency always converts at 1.
func (t *RateTable) Lookup(currency string, at time.Time) (decimal.Decimal, bool) {
	currency = strings.ToUpper(currency)
	if currency == t.base {
		return decimal.NewFromInt(1), true
	}
	list := t.rates[currency]
	day := model.DateOf(at.UTC())
	i := sort.Search(len(list), func(i int) bool { return list[i].EffectiveDate.After(day) })
	if i == 0 {
		return decimal.Decimal{}, false
	}
	return list[i-1].Rate, true
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Currency converts each record's amount into the store's base currency
// at the rate valid at the record's instant. Records with a negative
// quantity or amount are row errors.
type Currency struct{}

// Name implements Stage.
func (Currency) Name() string { return NameCurrency }

// Apply implements Stage.
func (Currency) Apply(in Batch, p Params) (Batch, Report, error) {
	rep := newReport(NameCurrency, in)
	if p.BaseCurrency == "" {
		return Batch{}, rep, ErrNoBaseCurrency
	}
	if len(in.Buckets) > 0 {
		return Batch{}, rep, ErrUnexpectedRows
	}
	rates := p.Rates
	if rates == nil {
		rates = NewRateTable(p.BaseCurrency, nil)
	}

	out := Batch{Records: make([]Record, 0, len(in.Records)), Mappings: in.Mappings}
	for _, r := range in.Records {
		// Order lines must not subtract demand; refunds are magnitudes already.
		if r.Quantity < 0 {
			rep.rowError(ReasonNegativeQuantity, r.Ref, "negative quantity")
			continue
		}
		if r.Amount.IsNegative() {
			rep.rowError(ReasonNegativeAmount, r.Ref, "negative amount "+r.Amount.String())
			continue
		}
		cur := strings.ToUpper(strings.TrimSpace(r.Currency))
		if cur == "" {
			cur = p.BaseCurrency
		}
		if !validCurrency(cur) {
			rep.rowError(ReasonInvalidCurrency, r.Ref, "malformed currency "+quote(r.Currency))
			continue
		}
		rate, ok := rates.Lookup(cur, r.Instant)
		if !ok {
			rep.rowError(ReasonNoExchangeRate, r.Ref,
				"no "+cur+"/"+p.BaseCurrency+" rate on or before "+model.DateOf(r.Instant.UTC()).String())
			continue
		}
		r.Currency = cur
		r.BaseAmount = r.Amount.Mul(rate).Round(RevenuePlaces)
		out.Records = append(out.Records, r)
	}
	rep.RowsOut = out.Len()
	return out, rep, nil
}
