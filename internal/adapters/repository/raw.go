package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
)

const orderUpsertSuffix = `ON CONFLICT (store_id, external_order_id, line_index) DO UPDATE SET
    raw_sku = excluded.raw_sku, product_id = excluded.product_id, variant_id = excluded.variant_id,
    quantity = excluded.quantity, unit_price = excluded.unit_price, line_total = excluded.line_total,
    currency = excluded.currency, order_timestamp = excluded.order_timestamp,
    platform = excluded.platform, ingested_at = excluded.ingested_at`

// UpsertOrders writes order lines keyed by (store, order id, line index).
// Lines with a negative quantity, unit price or line total are rejected;
// returns arrive as refunds.
func (s *SQLiteStore) UpsertOrders(ctx context.Context, orders []model.RawOrder) (int, error) {
	for _, o := range orders {
		if o.StoreID == "" || o.ExternalOrderID == "" || o.LineIndex < 0 {
			return 0, fmt.Errorf("%w: order %q needs store, id and line index", ErrInvalidRecord, o.ExternalOrderID)
		}
		if o.Quantity < 0 || o.UnitPrice.IsNegative() || o.LineTotal.IsNegative() {
			return 0, fmt.Errorf("%w: order %q line %d has a negative quantity or price", ErrInvalidRecord, o.ExternalOrderID, o.LineIndex)
		}
	}
	now := fmtTime(s.now())
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, w := range chunks(len(orders), s.batchSize) {
			ins := s.sb.Insert("raw_orders").Columns(
				"store_id", "external_order_id", "line_index", "raw_sku", "product_id", "variant_id",
				"quantity", "unit_price", "line_total", "currency", "order_timestamp", "platform", "ingested_at")
			for _, o := range orders[w[0]:w[1]] {
				ins = ins.Values(o.StoreID, o.ExternalOrderID, o.LineIndex, o.RawSKU, o.ProductID, o.VariantID,
					o.Quantity, o.UnitPrice.String(), o.LineTotal.String(), strings.ToUpper(o.Currency),
					o.OrderTimestamp, platformOrManual(o.Platform), now)
			}
			if err := execBuilder(ctx, tx, ins.Suffix(orderUpsertSuffix)); err != nil {
				return fmt.Errorf("sqlite: upsert orders: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(orders), nil
}

const refundUpsertSuffix = `ON CONFLICT (store_id, external_refund_id, line_index) DO UPDATE SET
    external_order_id = excluded.external_order_id, raw_sku = excluded.raw_sku,
    quantity = excluded.quantity, amount = excluded.amount, currency = excluded.currency,
    refund_timestamp = excluded.refund_timestamp, platform = excluded.platform,
    ingested_at = excluded.ingested_at`

// UpsertRefunds writes refund lines keyed by (store, refund id, line index).
func (s *SQLiteStore) UpsertRefunds(ctx context.Context, refunds []model.RawRefund) (int, error) {
	for _, r := range refunds {
		if r.StoreID == "" || r.ExternalRefundID == "" || r.ExternalOrderID == "" || r.LineIndex < 0 {
			return 0, fmt.Errorf("%w: refund %q needs store, id, order id and line index", ErrInvalidRecord, r.ExternalRefundID)
		}
	}
	now := fmtTime(s.now())
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, w := range chunks(len(refunds), s.batchSize) {
			ins := s.sb.Insert("raw_refunds").Columns(
				"store_id", "external_refund_id", "line_index", "external_order_id", "raw_sku",
				"quantity", "amount", "currency", "refund_timestamp", "platform", "ingested_at")
			for _, r := range refunds[w[0]:w[1]] {
				ins = ins.Values(r.StoreID, r.ExternalRefundID, r.LineIndex, r.ExternalOrderID, r.RawSKU,
					r.Quantity, r.Amount.String(), strings.ToUpper(r.Currency), r.RefundTimestamp,
					platformOrManual(r.Platform), now)
			}
			if err := execBuilder(ctx, tx, ins.Suffix(refundUpsertSuffix)); err != nil {
				return fmt.Errorf("sqlite: upsert refunds: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(refunds), nil
}

// UpsertProducts writes catalog rows keyed by (store, raw SKU).
func (s *SQLiteStore) UpsertProducts(ctx context.Context, products []model.RawProduct) (int, error) {
	for _, p := range products {
		if p.StoreID == "" || strings.TrimSpace(p.RawSKU) == "" {
			return 0, fmt.Errorf("%w: product needs store and raw sku", ErrInvalidRecord)
		}
		if len(p.Metadata) > 0 && !json.Valid(p.Metadata) {
			return 0, fmt.Errorf("%w: product %q metadata is not JSON", ErrInvalidRecord, p.RawSKU)
		}
	}
	now := fmtTime(s.now())
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, w := range chunks(len(products), s.batchSize) {
			ins := s.sb.Insert("raw_products").Columns(
				"store_id", "raw_sku", "category", "canonical_sku_hint", "metadata", "updated_at")
			for _, p := range products[w[0]:w[1]] {
				meta := string(p.Metadata)
				if meta == "" {
					meta = "{}"
				}
				ins = ins.Values(p.StoreID, p.RawSKU, p.Category, p.CanonicalSKUHint, meta, now)
			}
			ins = ins.Suffix(`ON CONFLICT (store_id, raw_sku) DO UPDATE SET
    category = excluded.category, canonical_sku_hint = excluded.canonical_sku_hint,
    metadata = excluded.metadata, updated_at = excluded.updated_at`)
			if err := execBuilder(ctx, tx, ins); err != nil {
				return fmt.Errorf("sqlite: upsert products: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(products), nil
}

// ListOrders returns all order lines of a store in natural key order.
func (s *SQLiteStore) ListOrders(ctx context.Context, storeID string) ([]model.RawOrder, error) {
	const q = `
SELECT store_id, external_order_id, line_index, raw_sku, product_id, variant_id, quantity,
       unit_price, line_total, currency, order_timestamp, platform, ingested_at
FROM raw_orders WHERE store_id = ? ORDER BY external_order_id, line_index`
	rows, err := s.db.QueryContext(ctx, q, storeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders: %w", err)
	}
	defer rows.Close()
	var out []model.RawOrder
	for rows.Next() {
		var (
			o                                model.RawOrder
			price, total, platform, ingested string
		)
		if err := rows.Scan(&o.StoreID, &o.ExternalOrderID, &o.LineIndex, &o.RawSKU, &o.ProductID, &o.VariantID,
			&o.Quantity, &price, &total, &o.Currency, &o.OrderTimestamp, &platform, &ingested); err != nil {
			return nil, fmt.Errorf("sqlite: scan order: %w", err)
		}
		if o.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("sqlite: scan order price: %w", err)
		}
		if o.LineTotal, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("sqlite: scan order total: %w", err)
		}
		o.Platform = model.Platform(platform)
		if o.IngestedAt, err = parseTime(ingested); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter orders: %w", err)
	}
	return out, nil
}

// ListRefunds returns all refund lines of a store in natural key order.
func (s *SQLiteStore) ListRefunds(ctx context.Context, storeID string) ([]model.RawRefund, error) {
	const q = `
SELECT store_id, external_refund_id, line_index, external_order_id, raw_sku, quantity,
       amount, currency, refund_timestamp, platform, ingested_at
FROM raw_refunds WHERE store_id = ? ORDER BY external_refund_id, line_index`
	rows, err := s.db.QueryContext(ctx, q, storeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list refunds: %w", err)
	}
	defer rows.Close()
	var out []model.RawRefund
	for rows.Next() {
		var (
			r                          model.RawRefund
			amount, platform, ingested string
		)
		if err := rows.Scan(&r.StoreID, &r.ExternalRefundID, &r.LineIndex, &r.ExternalOrderID, &r.RawSKU,
			&r.Quantity, &amount, &r.Currency, &r.RefundTimestamp, &platform, &ingested); err != nil {
			return nil, fmt.Errorf("sqlite: scan refund: %w", err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("sqlite: scan refund amount: %w", err)
		}
		r.Platform = model.Platform(platform)
		if r.IngestedAt, err = parseTime(ingested); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter refunds: %w", err)
	}
	return out, nil
}

// ListProducts returns the store's catalog ordered by raw SKU.
func (s *SQLiteStore) ListProducts(ctx context.Context, storeID string) ([]model.RawProduct, error) {
	const q = `
SELECT store_id, raw_sku, category, canonical_sku_hint, metadata, updated_at
FROM raw_products WHERE store_id = ? ORDER BY raw_sku`
	rows, err := s.db.QueryContext(ctx, q, storeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list products: %w", err)
	}
	defer rows.Close()
	var out []model.RawProduct
	for rows.Next() {
		var (
			p             model.RawProduct
			meta, updated string
		)
		if err := rows.Scan(&p.StoreID, &p.RawSKU, &p.Category, &p.CanonicalSKUHint, &meta, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan product: %w", err)
		}
		p.Metadata = json.RawMessage(meta)
		if p.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter products: %w", err)
	}
	return out, nil
}

func platformOrManual(p model.Platform) string {
	if p == "" {
		return string(model.PlatformManual)
	}
	return string(p)
}

type sqlizer interface {
	ToSql() (string, []any, error)
}

func execBuilder(ctx context.Context, tx *sql.Tx, b sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}
