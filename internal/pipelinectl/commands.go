package pipelinectl

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	service "github.com/okian/demandseries/internal/app"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/pkg/logger"
	"github.com/shopspring/decimal"
)

const outputFilePermission = 0o600

func commands() map[string]command {
	return map[string]command{
		"set-config":  {summary: "Create or update a store's time zone, base currency and platform", run: setConfigCmd},
		"show-config": {summary: "Print a store's configuration", run: showConfigCmd},
		"set-rate":    {summary: "Record an exchange rate effective from a date", run: setRateCmd},
		"ingest":      {summary: "Load orders, refunds and products from a dataset file", run: ingestCmd},
		"run":         {summary: "Normalize a store's date range and write the series", run: runCmd},
		"preview":     {summary: "Show what a run would write, without writing", run: previewCmd},
		"query":       {summary: "Read normalized series rows", run: queryCmd},
		"remap":       {summary: "Point a raw SKU at a canonical SKU; marks affected rows stale", run: remapCmd},
		"mappings":    {summary: "List a store's raw to canonical SKU mappings", run: mappingsCmd},
		"cancel":      {summary: "Request cancellation of a run", run: cancelCmd},
		"runs":        {summary: "List recent runs, newest first", run: runsCmd},
		"show-run":    {summary: "Print one run with its stage checkpoints", run: showRunCmd},
		"stats":       {summary: "Print store and series counts", run: statsCmd},
		"generate":    {summary: "Write a synthetic dataset for a store", offline: true, run: generateCmd},
	}
}

type rangeFlags struct {
	from, to string
}

func addRangeFlags(fs *flag.FlagSet) *rangeFlags {
	r := &rangeFlags{}
	fs.StringVar(&r.from, "from", "", "First day, YYYY-MM-DD (store-local)")
	fs.StringVar(&r.to, "to", "", "Last day, YYYY-MM-DD (store-local, inclusive)")
	return r
}

func (r *rangeFlags) parse() (model.DateRange, error) {
	from, err := model.ParseDate(r.from)
	if err != nil {
		return model.DateRange{}, fmt.Errorf("%w: -from: %w", ErrUsage, err)
	}
	to, err := model.ParseDate(r.to)
	if err != nil {
		return model.DateRange{}, fmt.Errorf("%w: -to: %w", ErrUsage, err)
	}
	rng, err := model.NewDateRange(from, to)
	if err != nil {
		return model.DateRange{}, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	return rng, nil
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: -%s is required", ErrUsage, name)
	}
	return nil
}

// StoreConfigOutput is a store configuration in command output.
type StoreConfigOutput struct {
	StoreID      string    `json:"store_id"`
	TimeZone     string    `json:"time_zone"`
	BaseCurrency string    `json:"base_currency"`
	Platform     string    `json:"platform"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

func storeConfigOutput(c model.StoreConfig) StoreConfigOutput {
	return StoreConfigOutput{
		StoreID: c.StoreID, TimeZone: c.TimeZone, BaseCurrency: c.BaseCurrency,
		Platform: string(c.Platform), UpdatedAt: c.UpdatedAt,
	}
}

func setConfigCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("set-config", e)
	store := fs.String("store", "", "Store id")
	tz := fs.String("tz", "", "IANA time zone, e.g. America/New_York")
	currency := fs.String("currency", "", "Base currency, ISO 4217")
	platform := fs.String("platform", "", "shopify, woocommerce or manual (default manual)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := e.svc.SetStoreConfig(ctx, model.StoreConfig{
		StoreID:      *store,
		TimeZone:     *tz,
		BaseCurrency: *currency,
		Platform:     model.Platform(*platform),
	})
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, storeConfigOutput(cfg))
}

func showConfigCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("show-config", e)
	store := fs.String("store", "", "Store id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := e.svc.GetStoreConfig(ctx, *store)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, storeConfigOutput(cfg))
}

// RateOutput is an exchange rate in command output.
type RateOutput struct {
	Currency      string          `json:"currency"`
	BaseCurrency  string          `json:"base_currency"`
	EffectiveDate model.Date      `json:"effective_date"`
	Rate          decimal.Decimal `json:"rate"`
}

func setRateCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("set-rate", e)
	currency := fs.String("currency", "", "Source currency")
	base := fs.String("base", "", "Base currency the rate converts into")
	date := fs.String("date", "", "Effective date, YYYY-MM-DD (UTC)")
	rate := fs.String("rate", "", "Units of base currency per unit of source currency")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	day, err := model.ParseDate(*date)
	if err != nil {
		return fmt.Errorf("%w: -date: %w", ErrUsage, err)
	}
	r, err := decimal.NewFromString(*rate)
	if err != nil {
		return fmt.Errorf("%w: -rate: %w", ErrUsage, err)
	}
	er := model.ExchangeRate{
		Currency:      strings.ToUpper(strings.TrimSpace(*currency)),
		BaseCurrency:  strings.ToUpper(strings.TrimSpace(*base)),
		EffectiveDate: day,
		Rate:          r,
	}
	if err := e.svc.SetExchangeRate(ctx, er); err != nil {
		return err
	}
	return writeJSON(e.stdout, RateOutput(er))
}

// IngestOutput counts the records written by "ingest".
type IngestOutput struct {
	Products int `json:"products"`
	Orders   int `json:"orders"`
	Refunds  int `json:"refunds"`
}

func ingestCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("ingest", e)
	path := fs.String("file", "", `Dataset JSON file, "-" for stdin`)
	store := fs.String("store", "", "Store id for records that omit one")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("file", *path); err != nil {
		return err
	}
	ds, err := readDataset(*path, e.stdin)
	if err != nil {
		return err
	}
	ds.withStore(*store)

	var out IngestOutput
	// Products first so their canonical hints are in place before any run.
	if len(ds.Products) > 0 {
		products := make([]model.RawProduct, 0, len(ds.Products))
		for _, p := range ds.Products {
			products = append(products, p.model())
		}
		if out.Products, err = e.svc.IngestProducts(ctx, products); err != nil {
			return err
		}
	}
	if len(ds.Orders) > 0 {
		orders := make([]model.RawOrder, 0, len(ds.Orders))
		for _, o := range ds.Orders {
			orders = append(orders, o.model())
		}
		if out.Orders, err = e.svc.IngestOrders(ctx, orders); err != nil {
			return err
		}
	}
	if len(ds.Refunds) > 0 {
		refunds := make([]model.RawRefund, 0, len(ds.Refunds))
		for _, r := range ds.Refunds {
			refunds = append(refunds, r.model())
		}
		if out.Refunds, err = e.svc.IngestRefunds(ctx, refunds); err != nil {
			return err
		}
	}
	logger.Get().Info(ctx, "dataset ingested",
		logger.String("file", *path),
		logger.Int("products", out.Products),
		logger.Int("orders", out.Orders),
		logger.Int("refunds", out.Refunds),
	)
	return writeJSON(e.stdout, out)
}

func readDataset(path string, stdin io.Reader) (Dataset, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return Dataset{}, fmt.Errorf("open dataset: %w", err)
		}
		defer f.Close()
		r = f
	}
	var ds Dataset
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ds); err != nil {
		return Dataset{}, fmt.Errorf("decode dataset %s: %w", path, err)
	}
	return ds, nil
}

func runCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("run", e)
	store := fs.String("store", "", "Store id")
	rf := addRangeFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	rng, err := rf.parse()
	if err != nil {
		return err
	}
	run, err := e.svc.RunPipeline(ctx, *store, rng, service.WithTrigger(model.TriggerManual))
	if run.ID != "" {
		if werr := writeJSON(e.stdout, runSummary(run)); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// PreviewOutput is what "preview" prints.
type PreviewOutput struct {
	Series []SeriesRow     `json:"series"`
	Stages []PreviewReport `json:"stages"`
}

// PreviewReport summarizes one stage of a preview.
type PreviewReport struct {
	Stage     string         `json:"stage"`
	RowsIn    int            `json:"rows_in"`
	RowsOut   int            `json:"rows_out"`
	Errors    map[string]int `json:"errors,omitempty"`
	Anomalies map[string]int `json:"anomalies,omitempty"`
	Filtered  map[string]int `json:"filtered,omitempty"`
}

func previewCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("preview", e)
	store := fs.String("store", "", "Store id")
	rf := addRangeFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	rng, err := rf.parse()
	if err != nil {
		return err
	}
	rows, reports, err := e.svc.Preview(ctx, *store, rng)
	if err != nil {
		return err
	}
	out := PreviewOutput{Series: seriesRows(rows)}
	for _, r := range reports {
		pr := PreviewReport{Stage: r.Stage, RowsIn: r.RowsIn, RowsOut: r.RowsOut}
		for _, re := range r.Errors {
			if pr.Errors == nil {
				pr.Errors = map[string]int{}
			}
			pr.Errors[re.Reason]++
		}
		if len(r.Anomalies) > 0 {
			pr.Anomalies = r.Anomalies
		}
		if len(r.Filtered) > 0 {
			pr.Filtered = r.Filtered
		}
		out.Stages = append(out.Stages, pr)
	}
	return writeJSON(e.stdout, out)
}

func queryCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("query", e)
	store := fs.String("store", "", "Store id")
	sku := fs.String("sku", "", "Canonical SKU filter")
	category := fs.String("category", "", "Category filter")
	limit := fs.Int("limit", 0, "Maximum rows (0 = all)")
	rf := addRangeFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	rng, err := rf.parse()
	if err != nil {
		return err
	}
	rows, err := e.svc.QuerySeries(ctx, model.SeriesQuery{
		StoreID: *store, SKU: *sku, Category: *category, Range: rng, Limit: *limit,
	})
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, seriesRows(rows))
}

// RemapOutput is what "remap" prints.
type RemapOutput struct {
	StoreID       string   `json:"store_id"`
	RawSKU        string   `json:"raw_sku"`
	OldCanonical  string   `json:"old_canonical,omitempty"`
	NewCanonical  string   `json:"new_canonical"`
	AffectedSKUs  []string `json:"affected_skus,omitempty"`
	StaleRows     int      `json:"stale_rows"`
	StaleFrom     string   `json:"stale_from,omitempty"`
	StaleTo       string   `json:"stale_to,omitempty"`
	RequiresRerun bool     `json:"requires_rerun"`
}

func remapCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("remap", e)
	store := fs.String("store", "", "Store id")
	raw := fs.String("raw", "", "Raw SKU as it appears in orders")
	canonical := fs.String("canonical", "", "Canonical SKU to aggregate it under")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	res, err := e.svc.UpdateSkuMapping(ctx, *store, *raw, *canonical)
	if err != nil {
		return err
	}
	out := RemapOutput{
		StoreID: res.StoreID, RawSKU: res.RawSKU, OldCanonical: res.OldCanonical,
		NewCanonical: res.NewCanonical, AffectedSKUs: res.AffectedSKUs,
		StaleRows: res.StaleRows, RequiresRerun: res.RequiresRerun,
	}
	if !res.Range.From.IsZero() {
		out.StaleFrom, out.StaleTo = res.Range.From.String(), res.Range.To.String()
	}
	return writeJSON(e.stdout, out)
}

// MappingOutput is one SKU mapping in command output.
type MappingOutput struct {
	RawSKU       string    `json:"raw_sku"`
	CanonicalSKU string    `json:"canonical_sku"`
	Source       string    `json:"source"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

func mappingsCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("mappings", e)
	store := fs.String("store", "", "Store id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("store", *store); err != nil {
		return err
	}
	ms, err := e.svc.ListMappings(ctx, *store)
	if err != nil {
		return err
	}
	out := make([]MappingOutput, 0, len(ms))
	for _, m := range ms {
		out = append(out, MappingOutput{
			RawSKU: m.RawSKU, CanonicalSKU: m.CanonicalSKU, Source: string(m.Source), UpdatedAt: m.UpdatedAt,
		})
	}
	return writeJSON(e.stdout, out)
}

func cancelCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("cancel", e)
	id := fs.String("id", "", "Run id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("id", *id); err != nil {
		return err
	}
	run, err := e.svc.CancelRun(ctx, *id)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, runSummary(run))
}

func runsCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("runs", e)
	store := fs.String("store", "", "Store id (empty lists every store)")
	limit := fs.Int("limit", 0, "Maximum runs (default 50)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	runs, err := e.svc.ListRuns(ctx, *store, *limit)
	if err != nil {
		return err
	}
	out := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, runSummary(r))
	}
	return writeJSON(e.stdout, out)
}

func showRunCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("show-run", e)
	id := fs.String("id", "", "Run id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("id", *id); err != nil {
		return err
	}
	run, err := e.svc.GetRun(ctx, *id)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, runSummary(run))
}

// StatsOutput is what "stats" prints.
type StatsOutput struct {
	Stores     int `json:"stores"`
	SeriesRows int `json:"series_rows"`
	StaleRows  int `json:"stale_rows"`
}

func statsCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("stats", e)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	st, err := e.svc.GetStats(ctx)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, StatsOutput{Stores: st.Stores, SeriesRows: st.SeriesRows, StaleRows: st.StaleRows})
}

func generateCmd(ctx context.Context, e *env, args []string) error {
	fs := newFlags("generate", e)
	var (
		cfg  GenerateConfig
		from string
		out  string
	)
	fs.StringVar(&cfg.StoreID, "store", "", "Store id")
	fs.StringVar(&from, "from", "", "First day, YYYY-MM-DD")
	fs.IntVar(&cfg.Days, "days", defaultGenDays, "Number of days")
	fs.IntVar(&cfg.SKUs, "skus", defaultGenSKUs, "Number of canonical SKUs")
	fs.IntVar(&cfg.Variants, "variants", defaultGenVariants, "Raw spellings per canonical SKU")
	fs.IntVar(&cfg.OrdersPerDay, "orders", defaultGenOrdersPerDay, "Order lines per active day")
	fs.IntVar(&cfg.RefundEvery, "refund-every", defaultRefundEvery, "Refund every n-th order line (0 disables)")
	fs.StringVar(&cfg.Currency, "currency", "USD", "Order currency")
	fs.Uint64Var(&cfg.Seed, "seed", 1, "Random seed")
	fs.StringVar(&out, "out", "", "Output file (default stdout)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	day, err := model.ParseDate(from)
	if err != nil {
		return fmt.Errorf("%w: -from: %w", ErrUsage, err)
	}
	cfg.From = day

	ds, err := Generate(ctx, cfg)
	if err != nil {
		return err
	}
	if out == "" {
		return writeJSON(e.stdout, ds)
	}
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, outputFilePermission)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := writeJSON(f, ds); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
