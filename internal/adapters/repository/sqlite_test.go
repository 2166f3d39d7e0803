package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/okian/demandseries/internal/adapters/repository"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *clock { return &clock{t: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)} }
func day(s string) model.Date { return model.MustParseDate(s) }
func span(from, to string) model.DateRange { return model.DateRange{From: day(from), To: day(to)} }

func openStore(t *testing.T, c *clock) *repository.SQLiteStore {
	t.Helper()
	s, err := repository.Open(context.Background(), ":memory:", repository.WithClock(c.now), repository.WithBatchSize(3))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seriesRow(sku, d string, qty float64) model.NormalizedSeries {
	return model.NormalizedSeries{
		StoreID:      "s1",
		CanonicalSKU: sku,
		Category:     "Shoes",
		SeriesDate:   day(d),
		Quantity:     qty,
		Revenue:      decimal.NewFromFloat(qty * 2.5),
	}
}

// commitRows claims, starts and commits a run writing rows over rng.
func commitRows(ctx context.Context, s *repository.SQLiteStore, c *clock, id string, rng model.DateRange, rows []model.NormalizedSeries) error {
	run, err := s.ClaimRun(ctx, model.PipelineRun{ID: id, StoreID: "s1", Range: rng, LeaseExpiresAt: c.now().Add(time.Minute)})
	if err != nil {
		return err
	}
	if err := s.StartRun(ctx, id, c.now().Add(time.Minute)); err != nil {
		return err
	}
	run.Status = model.RunSucceeded
	run.RowsWritten = len(rows)
	return s.CommitRun(ctx, repository.Commit{Run: run, Rows: rows})
}

func TestStoreConfigs(t *testing.T) {
	convey.Convey("Given an empty store", t, func() {
		ctx := context.Background()
		c := newClock()
		s := openStore(t, c)

		convey.Convey("When reading a missing config", func() {
			_, err := s.GetStoreConfig(ctx, "nope")

			convey.Convey("Then it should be ErrNotFound", func() {
				convey.So(errors.Is(err, repository.ErrNotFound), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When a config is written twice", func() {
			first, err := s.PutStoreConfig(ctx, model.StoreConfig{StoreID: "s1", TimeZone: "UTC", BaseCurrency: "USD"})
			convey.So(err, convey.ShouldBeNil)
			c.advance(time.Hour)
			second, err := s.PutStoreConfig(ctx, model.StoreConfig{StoreID: "s1", TimeZone: "Europe/Berlin", BaseCurrency: "EUR", Platform: model.PlatformShopify})
			convey.So(err, convey.ShouldBeNil)

			convey.Convey("Then there should be one config with the original creation time", func() {
				convey.So(first.Platform, convey.ShouldEqual, model.PlatformManual)
				convey.So(second.TimeZone, convey.ShouldEqual, "Europe/Berlin")
				convey.So(second.CreatedAt.Equal(first.CreatedAt), convey.ShouldBeTrue)
				convey.So(second.UpdatedAt.After(first.UpdatedAt), convey.ShouldBeTrue)
				all, err := s.ListStoreConfigs(ctx)
				convey.So(err, convey.ShouldBeNil)
				convey.So(len(all), convey.ShouldEqual, 1)
			})
		})
	})
}

func TestRawRecords(t *testing.T) {
	convey.Convey("Given raw records", t, func() {
		ctx := context.Background()
		s := openStore(t, newClock())
		orders := []model.RawOrder{
			{StoreID: "s1", ExternalOrderID: "o1", LineIndex: 0, RawSKU: "A", Quantity: 2, UnitPrice: decimal.RequireFromString("9.99"), Currency: "usd", OrderTimestamp: "2024-03-01T10:00:00Z"},
			{StoreID: "s1", ExternalOrderID: "o1", LineIndex: 1, RawSKU: "B", Quantity: 1, UnitPrice: decimal.RequireFromString("5"), OrderTimestamp: "2024-03-01T10:00:00Z"},
			{StoreID: "s1", ExternalOrderID: "o2", LineIndex: 0, RawSKU: "A", Quantity: 1, UnitPrice: decimal.RequireFromString("9.99"), OrderTimestamp: "2024-03-02"},
			{StoreID: "s2", ExternalOrderID: "o1", LineIndex: 0, RawSKU: "Z", Quantity: 7, UnitPrice: decimal.RequireFromString("1"), OrderTimestamp: "2024-03-02"},
		}

		convey.Convey("When orders are ingested twice with a correction", func() {
			n, err := s.UpsertOrders(ctx, orders)
			convey.So(err, convey.ShouldBeNil)
			convey.So(n, convey.ShouldEqual, 4)
			orders[0].Quantity = 3
			_, err = s.UpsertOrders(ctx, orders)
			convey.So(err, convey.ShouldBeNil)

			got, err := s.ListOrders(ctx, "s1")

			convey.Convey("Then the natural key should upsert, not duplicate", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(len(got), convey.ShouldEqual, 3)
				convey.So(got[0].Quantity, convey.ShouldEqual, int64(3))
				convey.So(got[0].Currency, convey.ShouldEqual, "USD")
				convey.So(got[0].UnitPrice.String(), convey.ShouldEqual, "9.99")
				convey.So(got[0].Platform, convey.ShouldEqual, model.PlatformManual)
				convey.So(got[1].ExternalOrderID, convey.ShouldEqual, "o1")
				convey.So(got[1].LineIndex, convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When refunds and products are ingested", func() {
			_, err := s.UpsertRefunds(ctx, []model.RawRefund{
				{StoreID: "s1", ExternalRefundID: "r1", ExternalOrderID: "o1", Quantity: 1, Amount: decimal.RequireFromString("5"), RefundTimestamp: "2024-03-03T00:00:00Z"},
			})
			convey.So(err, convey.ShouldBeNil)
			_, err = s.UpsertProducts(ctx, []model.RawProduct{
				{StoreID: "s1", RawSKU: "A", Category: "Shoes", CanonicalSKUHint: "SHOE", Metadata: json.RawMessage(`{"color":"red"}`)},
			})
			convey.So(err, convey.ShouldBeNil)

			refunds, err := s.ListRefunds(ctx, "s1")
			convey.So(err, convey.ShouldBeNil)
			products, err := s.ListProducts(ctx, "s1")
			convey.So(err, convey.ShouldBeNil)

			convey.Convey("Then they should read back intact", func() {
				convey.So(len(refunds), convey.ShouldEqual, 1)
				convey.So(refunds[0].RawSKU, convey.ShouldEqual, "")
				convey.So(refunds[0].Amount.String(), convey.ShouldEqual, "5")
				convey.So(len(products), convey.ShouldEqual, 1)
				convey.So(products[0].CanonicalSKUHint, convey.ShouldEqual, "SHOE")
				convey.So(string(products[0].Metadata), convey.ShouldEqual, `{"color":"red"}`)
			})
		})

		convey.Convey("When records miss their natural key or carry bad metadata", func() {
			_, errOrder := s.UpsertOrders(ctx, []model.RawOrder{{StoreID: "s1", LineIndex: 0}})
			_, errRefund := s.UpsertRefunds(ctx, []model.RawRefund{{StoreID: "s1", ExternalRefundID: "r"}})
			_, errProduct := s.UpsertProducts(ctx, []model.RawProduct{{StoreID: "s1", RawSKU: "A", Metadata: json.RawMessage(`{`)}})

			convey.Convey("Then they should be rejected as invalid", func() {
				convey.So(errors.Is(errOrder, repository.ErrInvalidRecord), convey.ShouldBeTrue)
				convey.So(errors.Is(errRefund, repository.ErrInvalidRecord), convey.ShouldBeTrue)
				convey.So(errors.Is(errProduct, repository.ErrInvalidRecord), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When an order line carries a negative quantity or price", func() {
			_, errQty := s.UpsertOrders(ctx, []model.RawOrder{{StoreID: "s1", ExternalOrderID: "n1", RawSKU: "A",
				Quantity: -5, UnitPrice: decimal.NewFromInt(10), Currency: "USD", OrderTimestamp: "2024-03-02T12:00:00Z"}})
			_, errPrice := s.UpsertOrders(ctx, []model.RawOrder{{StoreID: "s1", ExternalOrderID: "n2", RawSKU: "A",
				Quantity: 1, UnitPrice: decimal.NewFromInt(10), LineTotal: decimal.NewFromInt(-10), Currency: "USD", OrderTimestamp: "2024-03-02T12:00:00Z"}})

			convey.Convey("Then nothing should be stored", func() {
				convey.So(errors.Is(errQty, repository.ErrInvalidRecord), convey.ShouldBeTrue)
				convey.So(errors.Is(errPrice, repository.ErrInvalidRecord), convey.ShouldBeTrue)
				orders, err := s.ListOrders(ctx, "s1")
				convey.So(err, convey.ShouldBeNil)
				for _, o := range orders {
					convey.So(o.ExternalOrderID, convey.ShouldNotBeIn, "n1", "n2")
				}
			})
		})
	})
}

func TestExchangeRates(t *testing.T) {
	convey.Convey("Given exchange rates", t, func() {
		ctx := context.Background()
		s := openStore(t, newClock())
		put := func(cur, base, d, rate string) error {
			return s.PutExchangeRate(ctx, model.ExchangeRate{Currency: cur, BaseCurrency: base, EffectiveDate: day(d), Rate: decimal.RequireFromString(rate)})
		}
		convey.So(put("eur", "usd", "2024-03-01", "1.1"), convey.ShouldBeNil)
		convey.So(put("EUR", "USD", "2024-03-01", "1.2"), convey.ShouldBeNil)
		convey.So(put("GBP", "USD", "2024-02-01", "1.3"), convey.ShouldBeNil)
		convey.So(put("USD", "EUR", "2024-02-01", "0.9"), convey.ShouldBeNil)

		convey.Convey("Then rates should upsert by key and filter by base", func() {
			rates, err := s.ListExchangeRates(ctx, "usd")
			convey.So(err, convey.ShouldBeNil)
			convey.So(len(rates), convey.ShouldEqual, 2)
			convey.So(rates[0].Currency, convey.ShouldEqual, "EUR")
			convey.So(rates[0].Rate.String(), convey.ShouldEqual, "1.2")
			convey.So(rates[1].EffectiveDate.String(), convey.ShouldEqual, "2024-02-01")
		})

		convey.Convey("Then non-positive rates should be rejected", func() {
			err := put("EUR", "USD", "2024-03-02", "0")
			convey.So(errors.Is(err, repository.ErrInvalidRecord), convey.ShouldBeTrue)
		})
	})
}
