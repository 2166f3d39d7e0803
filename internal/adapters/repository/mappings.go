package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/okian/demandseries/internal/domain/model"
)

// ListMappings returns the store's mappings ordered by raw SKU.
func (s *SQLiteStore) ListMappings(ctx context.Context, storeID string) ([]model.SkuMapping, error) {
	const q = `
SELECT store_id, raw_sku, canonical_sku, source, created_at, updated_at
FROM sku_mappings WHERE store_id = ? ORDER BY raw_sku`
	rows, err := s.db.QueryContext(ctx, q, storeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list mappings: %w", err)
	}
	defer rows.Close()
	var out []model.SkuMapping
	for rows.Next() {
		var (
			m                        model.SkuMapping
			source, created, updated string
		)
		if err := rows.Scan(&m.StoreID, &m.RawSKU, &m.CanonicalSKU, &source, &created, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan mapping: %w", err)
		}
		m.Source = model.MappingSource(source)
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter mappings: %w", err)
	}
	return out, nil
}

// insertMappings adds mappings that do not exist yet; existing ones win.
func (s *SQLiteStore) insertMappings(ctx context.Context, tx *sql.Tx, mappings []model.SkuMapping) error {
	now := s.now()
	for _, w := range chunks(len(mappings), s.batchSize) {
		ins := s.sb.Insert("sku_mappings").Columns(
			"store_id", "raw_sku", "canonical_sku", "source", "created_at", "updated_at")
		for _, m := range mappings[w[0]:w[1]] {
			created := m.CreatedAt
			if created.IsZero() {
				created = now
			}
			ins = ins.Values(m.StoreID, m.RawSKU, m.CanonicalSKU, string(m.Source), fmtTime(created), fmtTime(created))
		}
		if err := execBuilder(ctx, tx, ins.Suffix("ON CONFLICT (store_id, raw_sku) DO NOTHING")); err != nil {
			return fmt.Errorf("sqlite: insert mappings: %w", err)
		}
	}
	return nil
}

// RemapSku points rawSKU at canonicalSKU (source manual) and flags every
// series row of the previous and new canonical SKU stale. It never runs the
// pipeline; RequiresRerun and Range tell the caller what to recompute.
// While the store has a run with a live lease it fails with ErrRunInProgress.
func (s *SQLiteStore) RemapSku(ctx context.Context, storeID, rawSKU, canonicalSKU string) (model.RemapResult, error) {
	rawSKU, canonicalSKU = strings.TrimSpace(rawSKU), strings.TrimSpace(canonicalSKU)
	if storeID == "" || rawSKU == "" || canonicalSKU == "" {
		return model.RemapResult{}, fmt.Errorf("%w: store, raw sku and canonical sku required", ErrInvalidRecord)
	}
	res := model.RemapResult{StoreID: storeID, RawSKU: rawSKU, NewCanonical: canonicalSKU}
	now := fmtTime(s.now())

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// A live run already loaded the old mapping and would overwrite the
		// stale flags on commit.
		if err := s.expireActiveRun(ctx, tx, storeID, "superseded by remap of "+rawSKU); err != nil {
			return err
		}

		err := tx.QueryRowContext(ctx,
			`SELECT canonical_sku FROM sku_mappings WHERE store_id = ? AND raw_sku = ?`, storeID, rawSKU,
		).Scan(&res.OldCanonical)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: read mapping: %w", err)
		}

		const upsert = `
INSERT INTO sku_mappings (store_id, raw_sku, canonical_sku, source, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (store_id, raw_sku) DO UPDATE SET
    canonical_sku = excluded.canonical_sku, source = excluded.source, updated_at = excluded.updated_at`
		if _, err := tx.ExecContext(ctx, upsert,
			storeID, rawSKU, canonicalSKU, string(model.MappingManual), now, now); err != nil {
			return fmt.Errorf("sqlite: upsert mapping: %w", err)
		}
		if res.OldCanonical == canonicalSKU {
			return nil
		}

		res.AffectedSKUs = []string{canonicalSKU}
		if res.OldCanonical != "" {
			res.AffectedSKUs = []string{res.OldCanonical, canonicalSKU}
		}
		where := sq.And{sq.Eq{"store_id": storeID}, sq.Eq{"canonical_sku": res.AffectedSKUs}}

		query, args, err := s.sb.Update("normalized_series").Set("stale", 1).Where(where).ToSql()
		if err != nil {
			return fmt.Errorf("sqlite: build mark stale: %w", err)
		}
		tag, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("sqlite: mark stale: %w", err)
		}
		n, err := tag.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: rows affected (mark stale): %w", err)
		}
		res.StaleRows = int(n)
		if n == 0 {
			return nil
		}

		query, args, err = s.sb.Select("MIN(series_date)", "MAX(series_date)").
			From("normalized_series").Where(where).ToSql()
		if err != nil {
			return fmt.Errorf("sqlite: build stale span: %w", err)
		}
		var from, to string
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&from, &to); err != nil {
			return fmt.Errorf("sqlite: stale span: %w", err)
		}
		if res.Range.From, err = model.ParseDate(from); err != nil {
			return err
		}
		if res.Range.To, err = model.ParseDate(to); err != nil {
			return err
		}
		res.RequiresRerun = true
		return nil
	})
	if err != nil {
		return model.RemapResult{}, err
	}
	return res, nil
}
