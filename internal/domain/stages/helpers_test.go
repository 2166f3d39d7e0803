package stages_test

import (
	"time"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/internal/domain/stages"
	"github.com/shopspring/decimal"
)

func mustLoc(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func dateRange(from, to string) model.DateRange {
	return model.DateRange{From: model.MustParseDate(from), To: model.MustParseDate(to)}
}

func testParams(tz, from, to string, opts ...stages.Option) stages.Params {
	cfg := model.StoreConfig{StoreID: "store-1", TimeZone: tz, BaseCurrency: "USD"}
	return stages.NewParams(cfg, mustLoc(tz), dateRange(from, to), opts...)
}

func order(id string, line int, sku string, qty int64, price, ts string) model.RawOrder {
	return model.RawOrder{
		StoreID:         "store-1",
		ExternalOrderID: id,
		LineIndex:       line,
		RawSKU:          sku,
		Quantity:        qty,
		UnitPrice:       decimal.RequireFromString(price),
		Currency:        "USD",
		OrderTimestamp:  ts,
	}
}

func refund(id, orderID string, sku string, qty int64, amount, ts string) model.RawRefund {
	return model.RawRefund{
		StoreID:          "store-1",
		ExternalRefundID: id,
		ExternalOrderID:  orderID,
		RawSKU:           sku,
		Quantity:         qty,
		Amount:           decimal.RequireFromString(amount),
		Currency:         "USD",
		RefundTimestamp:  ts,
	}
}

// resolved builds a record as it looks after the per-row stages.
func resolved(kind stages.Kind, sku, day string, qty float64, amount string) stages.Record {
	return stages.Record{
		Kind:         kind,
		Ref:          kind.String() + ":" + sku + "@" + day,
		RawSKU:       sku,
		CanonicalSKU: sku,
		Category:     model.UncategorizedCategory,
		SeriesDate:   model.MustParseDate(day),
		Quantity:     qty,
		BaseAmount:   decimal.RequireFromString(amount),
	}
}

func bucket(sku, day string, qty float64, revenue string) model.NormalizedSeries {
	return model.NormalizedSeries{
		StoreID:      "store-1",
		CanonicalSKU: sku,
		Category:     model.UncategorizedCategory,
		SeriesDate:   model.MustParseDate(day),
		Quantity:     qty,
		Revenue:      decimal.RequireFromString(revenue),
	}
}

func byDate(rows []model.NormalizedSeries) map[string]model.NormalizedSeries {
	out := make(map[string]model.NormalizedSeries, len(rows))
	for _, r := range rows {
		out[r.CanonicalSKU+"@"+r.SeriesDate.String()] = r
	}
	return out
}
