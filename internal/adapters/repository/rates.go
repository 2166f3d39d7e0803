package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
)

// PutExchangeRate upserts a rate by (currency, base, effective date).
func (s *SQLiteStore) PutExchangeRate(ctx context.Context, rate model.ExchangeRate) error {
	if rate.EffectiveDate.IsZero() || !rate.Rate.IsPositive() {
		return fmt.Errorf("%w: exchange rate needs a date and a positive rate", ErrInvalidRecord)
	}
	const q = `
INSERT INTO exchange_rates (currency, base_currency, effective_date, rate)
VALUES (?, ?, ?, ?)
ON CONFLICT (currency, base_currency, effective_date) DO UPDATE SET rate = excluded.rate`
	if _, err := s.db.ExecContext(ctx, q,
		strings.ToUpper(rate.Currency), strings.ToUpper(rate.BaseCurrency), rate.EffectiveDate.String(), rate.Rate.String(),
	); err != nil {
		return fmt.Errorf("sqlite: put exchange rate: %w", err)
	}
	return nil
}

// ListExchangeRates returns every rate quoted in baseCurrency.
func (s *SQLiteStore) ListExchangeRates(ctx context.Context, baseCurrency string) ([]model.ExchangeRate, error) {
	query, args, err := s.sb.
		Select("currency", "base_currency", "effective_date", "rate").
		From("exchange_rates").
		Where("base_currency = ?", strings.ToUpper(baseCurrency)).
		OrderBy("currency", "effective_date").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build list rates: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rates: %w", err)
	}
	defer rows.Close()
	var out []model.ExchangeRate
	for rows.Next() {
		var (
			r          model.ExchangeRate
			day, value string
		)
		if err := rows.Scan(&r.Currency, &r.BaseCurrency, &day, &value); err != nil {
			return nil, fmt.Errorf("sqlite: scan rate: %w", err)
		}
		if r.EffectiveDate, err = model.ParseDate(day); err != nil {
			return nil, fmt.Errorf("sqlite: scan rate: %w", err)
		}
		if r.Rate, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("sqlite: scan rate: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter rates: %w", err)
	}
	return out, nil
}
