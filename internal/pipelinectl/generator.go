package pipelinectl

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/pkg/logger"
	"github.com/shopspring/decimal"
)

// Generation defaults.
const (
	defaultGenDays         = 60
	defaultGenSKUs         = 5
	defaultGenVariants     = 2
	defaultGenOrdersPerDay = 8
	defaultRefundEvery     = 25
	spikeEvery             = 97
	spikeFactor            = 20
	maxLineQuantity        = 4
	minutesPerDay          = 24 * 60
)

var categories = []string{"Shoes", "Shirts", "Bags", "Hats", "Socks"}

// orderNamespace makes generated ids stable across invocations.
var orderNamespace = uuid.MustParse("6f1c1f7e-6a53-4c39-9d1e-2a1b8e5b7c10")

// GenerateConfig drives synthetic dataset generation.
type GenerateConfig struct {
	StoreID      string
	From         model.Date
	Days         int
	SKUs         int
	Variants     int // raw spellings per canonical SKU
	OrdersPerDay int
	RefundEvery  int // every n-th order line gets a one unit refund; 0 disables
	Currency     string
	Seed         uint64
}

func (c *GenerateConfig) defaults() {
	if c.Days <= 0 {
		c.Days = defaultGenDays
	}
	if c.SKUs <= 0 {
		c.SKUs = defaultGenSKUs
	}
	if c.Variants <= 0 {
		c.Variants = defaultGenVariants
	}
	if c.OrdersPerDay <= 0 {
		c.OrdersPerDay = defaultGenOrdersPerDay
	}
	if c.RefundEvery < 0 {
		c.RefundEvery = 0
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
}

// Generate builds a deterministic dataset for one store: a catalog whose
// variants share a canonical SKU, daily orders with occasional spikes and
// quiet days, and periodic refunds. The same config always yields the same
// dataset.
func Generate(ctx context.Context, cfg GenerateConfig) (Dataset, error) {
	cfg.defaults()
	if cfg.StoreID == "" {
		return Dataset{}, fmt.Errorf("%w: store id required", ErrUsage)
	}
	if cfg.From.IsZero() {
		return Dataset{}, fmt.Errorf("%w: start date required", ErrUsage)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	var ds Dataset
	prices := make([]decimal.Decimal, cfg.SKUs)
	for i := 0; i < cfg.SKUs; i++ {
		canonical := "SKU-" + strconv.Itoa(i+1)
		prices[i] = decimal.NewFromInt(int64(5 + rng.IntN(95)))
		for v := 0; v < cfg.Variants; v++ {
			ds.Products = append(ds.Products, Product{
				StoreID:      cfg.StoreID,
				SKU:          variantSKU(canonical, v),
				Category:     categories[i%len(categories)],
				CanonicalSKU: canonical,
			})
		}
	}

	line := 0
	for day := 0; day < cfg.Days; day++ {
		if err := ctx.Err(); err != nil {
			return Dataset{}, fmt.Errorf("generation cancelled: %w", err)
		}
		date := cfg.From.AddDays(day)
		// Roughly one day in seven has no orders, which the gap stage fills.
		if rng.IntN(7) == 0 {
			continue
		}
		for n := 0; n < cfg.OrdersPerDay; n++ {
			line++
			sku := rng.IntN(cfg.SKUs)
			qty := int64(1 + rng.IntN(maxLineQuantity))
			if line%spikeEvery == 0 {
				qty *= spikeFactor
			}
			at := date.Time().Add(time.Duration(rng.IntN(minutesPerDay)) * time.Minute)
			orderID := uuid.NewSHA1(orderNamespace, []byte(cfg.StoreID+"/"+strconv.Itoa(line))).String()
			ds.Orders = append(ds.Orders, Order{
				StoreID:   cfg.StoreID,
				OrderID:   orderID,
				SKU:       variantSKU("SKU-"+strconv.Itoa(sku+1), rng.IntN(cfg.Variants)),
				Quantity:  qty,
				UnitPrice: prices[sku],
				Currency:  cfg.Currency,
				Timestamp: at.UTC().Format(time.RFC3339),
			})
			if cfg.RefundEvery > 0 && line%cfg.RefundEvery == 0 {
				o := ds.Orders[len(ds.Orders)-1]
				ds.Refunds = append(ds.Refunds, Refund{
					StoreID:   cfg.StoreID,
					RefundID:  "r-" + orderID,
					OrderID:   orderID,
					SKU:       o.SKU,
					Quantity:  1,
					Amount:    o.UnitPrice,
					Currency:  cfg.Currency,
					Timestamp: at.Add(2 * time.Hour).UTC().Format(time.RFC3339),
				})
			}
		}
	}

	logger.Get().Info(ctx, "generated dataset",
		logger.String("store_id", cfg.StoreID),
		logger.Int("products", len(ds.Products)),
		logger.Int("orders", len(ds.Orders)),
		logger.Int("refunds", len(ds.Refunds)),
	)
	return ds, nil
}

func variantSKU(canonical string, v int) string {
	if v == 0 {
		return canonical
	}
	return canonical + "-v" + strconv.Itoa(v)
}
