package stages

import (
	"fmt"
	"sort"
	"strings"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
)

// SkuDedup resolves raw SKUs to canonical SKUs and attaches categories.
//
// Existing mappings are authoritative and never rewritten here. Unmapped raw
// SKUs map to the product's canonical hint when present, else to themselves;
// those new mappings are emitted in Batch.Mappings for insert-if-absent.
// Refunds without a SKU are first split across the referenced order's lines.
type SkuDedup struct{}

// Name implements Stage.
func (SkuDedup) Name() string { return NameSkuDedup }

// Apply implements Stage.
func (SkuDedup) Apply(in Batch, p Params) (Batch, Report, error) {
	rep := newReport(NameSkuDedup, in)
	if len(in.Buckets) > 0 {
		return Batch{}, rep, ErrUnexpectedRows
	}

	created := map[string]model.SkuMapping{}
	for _, m := range in.Mappings {
		created[m.RawSKU] = m
	}
	resolve := func(raw string) model.SkuMapping {
		if m, ok := p.Mappings[raw]; ok {
			return m
		}
		if m, ok := created[raw]; ok {
			return m
		}
		m := model.SkuMapping{
			StoreID:      p.StoreID,
			RawSKU:       raw,
			CanonicalSKU: raw,
			Source:       model.MappingIdentity,
			CreatedAt:    p.Now,
			UpdatedAt:    p.Now,
		}
		if hint := strings.TrimSpace(p.Products[raw].CanonicalSKUHint); hint != "" {
			m.CanonicalSKU = hint
			m.Source = model.MappingHint
		}
		created[raw] = m
		return m
	}

	out := Batch{Records: make([]Record, 0, len(in.Records))}
	for _, r := range in.Records {
		rows := []Record{r}
		if r.RawSKU == "" {
			if r.Kind != KindRefund {
				rep.rowError(ReasonMissingSKU, r.Ref, "order line has no SKU")
				continue
			}
			var err error
			rows, err = allocateRefund(r, p.OrderLines[r.ExternalOrderID])
			if err != nil {
				rep.rowError(ReasonUnallocatableRefund, r.Ref, err.Error())
				continue
			}
			rep.Anomalies[AnomalyRefundAlloc]++
		}
		for _, row := range rows {
			m := resolve(row.RawSKU)
			row.CanonicalSKU = m.CanonicalSKU
			row.Category = categoryOf(p.Products, row.RawSKU, m.CanonicalSKU)
			out.Records = append(out.Records, row)
		}
	}

	for raw, m := range created {
		if _, known := p.Mappings[raw]; !known {
			out.Mappings = append(out.Mappings, m)
		}
	}
	sort.Slice(out.Mappings, func(i, j int) bool { return out.Mappings[i].RawSKU < out.Mappings[j].RawSKU })

	rep.RowsOut = out.Len()
	return out, rep, nil
}

// categoryOf prefers the raw SKU's product, then the canonical SKU's.
func categoryOf(products map[string]model.RawProduct, raw, canonical string) string {
	if c := strings.TrimSpace(products[raw].Category); c != "" {
		return c
	}
	if c := strings.TrimSpace(products[canonical].Category); c != "" {
		return c
	}
	return model.UncategorizedCategory
}

// allocateRefund splits a SKU-less refund across the order's lines in
// proportion to line revenue (quantity, then equal shares, when revenue is
// zero). The last share takes the rounding remainder so shares sum exactly.
func allocateRefund(r Record, lines []model.RawOrder) ([]Record, error) {
	var usable []model.RawOrder
	for _, l := range lines {
		// Negative lines are rejected upstream and would yield negative shares.
		if strings.TrimSpace(l.RawSKU) != "" && l.Quantity >= 0 && !l.Amount().IsNegative() {
			usable = append(usable, l)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("order %s has no SKU lines to allocate to", quote(r.ExternalOrderID))
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].LineIndex < usable[j].LineIndex })

	weights := make([]decimal.Decimal, len(usable))
	total := decimal.Zero
	for i, l := range usable {
		weights[i] = l.Amount()
		total = total.Add(weights[i])
	}
	if !total.IsPositive() {
		total = decimal.Zero
		for i, l := range usable {
			weights[i] = decimal.NewFromInt(l.Quantity)
			total = total.Add(weights[i])
		}
	}
	if !total.IsPositive() {
		total = decimal.NewFromInt(int64(len(usable)))
		for i := range weights {
			weights[i] = decimal.NewFromInt(1)
		}
	}

	out := make([]Record, 0, len(usable))
	amountLeft := r.BaseAmount
	qtyLeft := r.Quantity
	for i, l := range usable {
		row := r
		row.RawSKU = strings.TrimSpace(l.RawSKU)
		row.Ref = fmt.Sprintf("%s>%d", r.Ref, l.LineIndex)
		if i == len(usable)-1 {
			row.BaseAmount = amountLeft
			row.Quantity = qtyLeft
		} else {
			share := weights[i].Div(total)
			row.BaseAmount = r.BaseAmount.Mul(share).Round(RevenuePlaces)
			row.Quantity = r.Quantity * share.InexactFloat64()
			amountLeft = amountLeft.Sub(row.BaseAmount)
			qtyLeft -= row.Quantity
		}
		out = append(out, row)
	}
	return out, nil
}
