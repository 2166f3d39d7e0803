package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
)

var seriesCols = []string{
	"store_id", "canonical_sku", "category", "series_date", "quantity", "revenue",
	"was_interpolated", "was_outlier_capped", "was_refund_clamped", "stale", "run_id", "updated_at",
}

// QuerySeries returns rows ordered by day, then canonical SKU, then category.
// run_id and updated_at record the run that last wrote a row, so re-runs over
// unchanged inputs are identical in content but not in those two columns.
func (s *SQLiteStore) QuerySeries(ctx context.Context, q model.SeriesQuery) ([]model.NormalizedSeries, error) {
	if q.StoreID == "" {
		return nil, fmt.Errorf("%w: store id required", ErrInvalidRecord)
	}
	if err := q.Range.Validate(); err != nil {
		return nil, err
	}
	b := s.sb.Select(seriesCols...).
		From("normalized_series").
		Where(sq.Eq{"store_id": q.StoreID}).
		Where("series_date BETWEEN ? AND ?", q.Range.From.String(), q.Range.To.String()).
		OrderBy("series_date", "canonical_sku", "category")
	if q.SKU != "" {
		b = b.Where(sq.Eq{"canonical_sku": q.SKU})
	}
	if q.Category != "" {
		b = b.Where(sq.Eq{"category": q.Category})
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build series query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query series: %w", err)
	}
	defer rows.Close()
	var out []model.NormalizedSeries
	for rows.Next() {
		var (
			r                           model.NormalizedSeries
			day, revenue, updated       string
			interp, capped, clamped, st int
		)
		if err := rows.Scan(&r.StoreID, &r.CanonicalSKU, &r.Category, &day, &r.Quantity, &revenue,
			&interp, &capped, &clamped, &st, &r.RunID, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan series: %w", err)
		}
		if r.SeriesDate, err = model.ParseDate(day); err != nil {
			return nil, fmt.Errorf("sqlite: scan series: %w", err)
		}
		if r.Revenue, err = decimal.NewFromString(revenue); err != nil {
			return nil, fmt.Errorf("sqlite: scan series revenue: %w", err)
		}
		if r.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		r.WasInterpolated, r.WasOutlierCapped, r.WasRefundClamped, r.Stale = interp == 1, capped == 1, clamped == 1, st == 1
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter series: %w", err)
	}
	return out, nil
}

// CountSeries returns the number of series rows and stale rows of a store.
func (s *SQLiteStore) CountSeries(ctx context.Context, storeID string) (int, int, error) {
	var total, stale int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(stale), 0) FROM normalized_series WHERE store_id = ?`, storeID,
	).Scan(&total, &stale)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: count series: %w", err)
	}
	return total, stale, nil
}

// replaceSeries deletes the store's rows inside rng and upserts rows.
func (s *SQLiteStore) replaceSeries(ctx context.Context, tx *sql.Tx, storeID string, rng model.DateRange, runID string, rows []model.NormalizedSeries) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM normalized_series WHERE store_id = ? AND series_date BETWEEN ? AND ?`,
		storeID, rng.From.String(), rng.To.String(),
	); err != nil {
		return fmt.Errorf("sqlite: clear series range: %w", err)
	}

	now := fmtTime(s.now())
	for _, w := range chunks(len(rows), s.batchSize) {
		ins := s.sb.Insert("normalized_series").Columns(seriesCols...)
		for _, r := range rows[w[0]:w[1]] {
			if r.StoreID != storeID || !rng.Contains(r.SeriesDate) {
				return fmt.Errorf("%w: series row %s/%s outside %s %s", ErrInvalidRecord, r.CanonicalSKU, r.SeriesDate, storeID, rng)
			}
			ins = ins.Values(r.StoreID, r.CanonicalSKU, r.Category, r.SeriesDate.String(), r.Quantity,
				r.Revenue.String(), boolInt(r.WasInterpolated), boolInt(r.WasOutlierCapped),
				boolInt(r.WasRefundClamped), 0, runID, now)
		}
		ins = ins.Suffix(`ON CONFLICT (store_id, canonical_sku, category, series_date) DO UPDATE SET
    quantity = excluded.quantity, revenue = excluded.revenue,
    was_interpolated = excluded.was_interpolated, was_outlier_capped = excluded.was_outlier_capped,
    was_refund_clamped = excluded.was_refund_clamped, stale = 0,
    run_id = excluded.run_id, updated_at = excluded.updated_at`)
		if err := execBuilder(ctx, tx, ins); err != nil {
			return fmt.Errorf("sqlite: upsert series: %w", err)
		}
	}
	return nil
}
