package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/okian/demandseries/internal/domain/model"
)

// PutStoreConfig inserts or replaces a store's configuration, keeping the
// original created_at.
func (s *SQLiteStore) PutStoreConfig(ctx context.Context, cfg model.StoreConfig) (model.StoreConfig, error) {
	if strings.TrimSpace(cfg.StoreID) == "" {
		return model.StoreConfig{}, fmt.Errorf("%w: store id required", ErrInvalidRecord)
	}
	now := s.now().UTC()
	if cfg.Platform == "" {
		cfg.Platform = model.PlatformManual
	}
	const q = `
INSERT INTO store_configs (store_id, time_zone, base_currency, platform, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (store_id) DO UPDATE SET
    time_zone     = excluded.time_zone,
    base_currency = excluded.base_currency,
    platform      = excluded.platform,
    updated_at    = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q,
		cfg.StoreID, cfg.TimeZone, cfg.BaseCurrency, string(cfg.Platform), fmtTime(now), fmtTime(now),
	); err != nil {
		return model.StoreConfig{}, fmt.Errorf("sqlite: put store config: %w", err)
	}
	return s.GetStoreConfig(ctx, cfg.StoreID)
}

const storeConfigCols = `store_id, time_zone, base_currency, platform, created_at, updated_at`

// GetStoreConfig returns ErrNotFound when the store is not configured.
func (s *SQLiteStore) GetStoreConfig(ctx context.Context, storeID string) (model.StoreConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+storeConfigCols+` FROM store_configs WHERE store_id = ?`, storeID)
	cfg, err := scanStoreConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StoreConfig{}, fmt.Errorf("store config %q: %w", storeID, ErrNotFound)
		}
		return model.StoreConfig{}, fmt.Errorf("sqlite: get store config: %w", err)
	}
	return cfg, nil
}

// ListStoreConfigs returns all configured stores ordered by id.
func (s *SQLiteStore) ListStoreConfigs(ctx context.Context) ([]model.StoreConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+storeConfigCols+` FROM store_configs ORDER BY store_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list store configs: %w", err)
	}
	defer rows.Close()
	var out []model.StoreConfig
	for rows.Next() {
		cfg, err := scanStoreConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan store config: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter store configs: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStoreConfig(r scanner) (model.StoreConfig, error) {
	var (
		cfg                  model.StoreConfig
		platform             string
		createdAt, updatedAt string
	)
	if err := r.Scan(&cfg.StoreID, &cfg.TimeZone, &cfg.BaseCurrency, &platform, &createdAt, &updatedAt); err != nil {
		return model.StoreConfig{}, err
	}
	cfg.Platform = model.Platform(platform)
	var err error
	if cfg.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.StoreConfig{}, err
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.StoreConfig{}, err
	}
	return cfg, nil
}
