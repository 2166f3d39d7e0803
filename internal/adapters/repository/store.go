// Package repository persists store configuration, raw records, SKU
// mappings, exchange rates, the normalized series and pipeline runs.
package repository

import (
	"context"
	"time"

	"github.com/okian/demandseries/internal/domain/model"
)

// ConfigStore holds one configuration per store.
type ConfigStore interface {
	PutStoreConfig(ctx context.Context, cfg model.StoreConfig) (model.StoreConfig, error)
	// GetStoreConfig returns ErrNotFound when the store has no configuration.
	GetStoreConfig(ctx context.Context, storeID string) (model.StoreConfig, error)
	ListStoreConfigs(ctx context.Context) ([]model.StoreConfig, error)
}

// RawStore holds ingested platform records. Writes upsert by natural key.
type RawStore interface {
	UpsertOrders(ctx context.Context, orders []model.RawOrder) (int, error)
	UpsertRefunds(ctx context.Context, refunds []model.RawRefund) (int, error)
	UpsertProducts(ctx context.Context, products []model.RawProduct) (int, error)
	ListOrders(ctx context.Context, storeID string) ([]model.RawOrder, error)
	ListRefunds(ctx context.Context, storeID string) ([]model.RawRefund, error)
	ListProducts(ctx context.Context, storeID string) ([]model.RawProduct, error)
}

// MappingStore holds the raw SKU -> canonical SKU table.
type MappingStore interface {
	ListMappings(ctx context.Context, storeID string) ([]model.SkuMapping, error)
	// RemapSku changes one mapping and marks series rows of the old and new
	// canonical SKUs stale, atomically.
	RemapSku(ctx context.Context, storeID, rawSKU, canonicalSKU string) (model.RemapResult, error)
}

// RateStore holds exchange rates.
type RateStore interface {
	PutExchangeRate(ctx context.Context, rate model.ExchangeRate) error
	ListExchangeRates(ctx context.Context, baseCurrency string) ([]model.ExchangeRate, error)
}

// SeriesStore reads the normalized output.
type SeriesStore interface {
	QuerySeries(ctx context.Context, q model.SeriesQuery) ([]model.NormalizedSeries, error)
	CountSeries(ctx context.Context, storeID string) (total int, stale int, err error)
}

// Commit is everything a successful run writes, applied in one transaction.
type Commit struct {
	Run      model.PipelineRun // terminal status, counts and finish time set
	Rows     []model.NormalizedSeries
	Mappings []model.SkuMapping // insert-if-absent
}

// RunStore owns pipeline run state and the per-store run claim.
type RunStore interface {
	// ClaimRun inserts a pending run. It fails with ErrRunInProgress while the
	// store has an active run whose lease has not expired; an expired claim is
	// marked failed and superseded.
	ClaimRun(ctx context.Context, run model.PipelineRun) (model.PipelineRun, error)
	StartRun(ctx context.Context, runID string, leaseUntil time.Time) error
	// SaveCheckpoint appends a checkpoint, renews the lease and reports
	// whether cancellation was requested.
	SaveCheckpoint(ctx context.Context, runID string, cp model.StageCheckpoint, leaseUntil time.Time) (bool, error)
	// FinishRun moves an active run to a terminal status without writing series.
	FinishRun(ctx context.Context, run model.PipelineRun) error
	// CommitRun replaces the store's series inside the run range, inserts new
	// mappings and finishes the run, atomically.
	CommitRun(ctx context.Context, c Commit) error
	RequestCancel(ctx context.Context, runID string) (model.PipelineRun, error)
	GetRun(ctx context.Context, runID string) (model.PipelineRun, error)
	ListRuns(ctx context.Context, storeID string, limit int) ([]model.PipelineRun, error)
}

// Store is the full persistence surface.
type Store interface {
	ConfigStore
	RawStore
	MappingStore
	RateStore
	SeriesStore
	RunStore
	Close() error
}
