package tax

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/contazen/efactura-api/internal/domain/entity"
)

// LineComputation is the derived money of a single line, rounded to the
// currency minor unit at finalization. Never persisted on its own.
type LineComputation struct {
	Index int
	Net   decimal.Decimal
	VAT   decimal.Decimal
	Gross decimal.Decimal
}

// RateGroup aggregates all lines sharing a VAT rate. Amounts are rounded
// half-up to 2 decimals once at aggregation, never per line first, so
// rounding drift does not accumulate across many lines.
type RateGroup struct {
	Rate  decimal.Decimal
	Net   decimal.Decimal
	VAT   decimal.Decimal
	Gross decimal.Decimal
}

// InvoiceTotals is the Tax Engine output consumed by the document codec.
// Groups are ordered ascending by rate so encoding stays deterministic.
type InvoiceTotals struct {
	Currency string
	Groups   []RateGroup
	Net      decimal.Decimal
	VAT      decimal.Decimal
	Gross    decimal.Decimal

	// Reporting-currency figures: invoice totals multiplied by the
	// supplied exchange rate. Equal to the invoice figures when the
	// invoice is already in the reporting currency.
	ReportingCurrency string
	ReportingNet      decimal.Decimal
	ReportingVAT      decimal.Decimal
	ReportingGross    decimal.Decimal
}

// Engine computes per-line VAT, discounts and invoice totals. Pure and
// deterministic: same snapshot in, same totals out, no I/O.
type Engine struct {
	recognized        map[string]struct{}
	reportingCurrency string
}

// NewEngine builds the engine for a jurisdiction's recognized VAT rate set
// (percent values, e.g. 0, 5, 11, 21). The set comes from configuration so
// a rate change never needs a code change.
func NewEngine(rates []decimal.Decimal, reportingCurrency string) *Engine {
	recognized := make(map[string]struct{}, len(rates))
	for _, r := range rates {
		recognized[rateKey(r)] = struct{}{}
	}
	if reportingCurrency == "" {
		reportingCurrency = "RON"
	}
	return &Engine{recognized: recognized, reportingCurrency: reportingCurrency}
}

var hundred = decimal.NewFromInt(100)

// Compute produces the invoice totals and per-line computations for a
// snapshot. Fails with a VALIDATION error when a line is invalid
// (quantity ≤ 0, unit price < 0, unrecognized VAT rate, fixed discount
// above the line net).
func (e *Engine) Compute(snap *entity.InvoiceSnapshot) (*InvoiceTotals, []LineComputation, error) {
	if snap == nil || len(snap.Lines) == 0 {
		return nil, nil, entity.NewPipelineError(entity.ErrKindValidation, "invoice has no lines")
	}

	// 1) Raw nets per line, line discount applied, nothing rounded yet.
	nets := make([]decimal.Decimal, len(snap.Lines))
	var baseNet decimal.Decimal
	for i, line := range snap.Lines {
		net, err := lineNet(i, line)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := e.recognized[rateKey(line.VATRate)]; !ok {
			return nil, nil, entity.NewPipelineError(entity.ErrKindValidation,
				fmt.Sprintf("line %d: VAT rate %s is not a recognized rate", i+1, line.VATRate.String()))
		}
		nets[i] = net
		baseNet = baseNet.Add(net)
	}

	// 2) Invoice-level discount distributed pro-rata by net before VAT.
	if snap.Discount.IsPositive() {
		if snap.Discount.GreaterThan(baseNet) {
			return nil, nil, entity.NewPipelineError(entity.ErrKindValidation,
				"invoice discount exceeds invoice net")
		}
		if baseNet.IsPositive() {
			for i := range nets {
				share := snap.Discount.Mul(nets[i]).Div(baseNet)
				nets[i] = nets[i].Sub(share)
			}
		}
	}

	// 3) Aggregate by rate on the unrounded figures; round once per group.
	type acc struct{ net, vat decimal.Decimal }
	byRate := make(map[string]*acc)
	lines := make([]LineComputation, len(snap.Lines))
	for i, line := range snap.Lines {
		vat := nets[i].Mul(line.VATRate).Div(hundred)
		key := rateKey(line.VATRate)
		a, ok := byRate[key]
		if !ok {
			a = &acc{}
			byRate[key] = a
		}
		a.net = a.net.Add(nets[i])
		a.vat = a.vat.Add(vat)
		lines[i] = LineComputation{
			Index: i,
			Net:   nets[i].Round(2),
			VAT:   vat.Round(2),
			Gross: nets[i].Add(vat).Round(2),
		}
	}

	keys := make([]string, 0, len(byRate))
	for k := range byRate {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	totals := &InvoiceTotals{
		Currency:          snap.Currency,
		ReportingCurrency: e.reportingCurrency,
	}
	for _, k := range keys {
		a := byRate[k]
		rate, _ := decimal.NewFromString(k)
		g := RateGroup{
			Rate:  rate,
			Net:   a.net.Round(2),
			VAT:   a.vat.Round(2),
			Gross: a.net.Add(a.vat).Round(2),
		}
		totals.Groups = append(totals.Groups, g)
		totals.Net = totals.Net.Add(g.Net)
		totals.VAT = totals.VAT.Add(g.VAT)
		totals.Gross = totals.Gross.Add(g.Gross)
	}

	// 4) Reporting-currency conversion with the supplied rate. The rate is
	// an input (official BNR rate stored on the invoice), never computed
	// here.
	fx := snap.ExchangeRate
	if fx.IsZero() || snap.Currency == e.reportingCurrency {
		fx = decimal.NewFromInt(1)
	}
	totals.ReportingNet = totals.Net.Mul(fx).Round(2)
	totals.ReportingVAT = totals.VAT.Mul(fx).Round(2)
	totals.ReportingGross = totals.Gross.Mul(fx).Round(2)

	return totals, lines, nil
}

func lineNet(i int, line entity.LineItem) (decimal.Decimal, error) {
	if !line.Quantity.IsPositive() {
		return decimal.Zero, entity.NewPipelineError(entity.ErrKindValidation,
			fmt.Sprintf("line %d: quantity must be > 0", i+1))
	}
	if line.UnitPrice.IsNegative() {
		return decimal.Zero, entity.NewPipelineError(entity.ErrKindValidation,
			fmt.Sprintf("line %d: unit price must be >= 0", i+1))
	}
	net := line.Quantity.Mul(line.UnitPrice)
	switch line.DiscountKind {
	case entity.DiscountPercent:
		if line.Discount.IsNegative() || line.Discount.GreaterThan(hundred) {
			return decimal.Zero, entity.NewPipelineError(entity.ErrKindValidation,
				fmt.Sprintf("line %d: percent discount out of range", i+1))
		}
		net = net.Sub(net.Mul(line.Discount).Div(hundred))
	case entity.DiscountFixed, "":
		if line.Discount.IsNegative() {
			return decimal.Zero, entity.NewPipelineError(entity.ErrKindValidation,
				fmt.Sprintf("line %d: discount must be >= 0", i+1))
		}
		if line.Discount.GreaterThan(net) {
			return decimal.Zero, entity.NewPipelineError(entity.ErrKindValidation,
				fmt.Sprintf("line %d: fixed discount exceeds line net", i+1))
		}
		net = net.Sub(line.Discount)
	default:
		return decimal.Zero, entity.NewPipelineError(entity.ErrKindValidation,
			fmt.Sprintf("line %d: unknown discount kind %q", i+1, line.DiscountKind))
	}
	return net, nil
}

// rateKey normalizes a rate for map lookup and sorting ("21.00").
func rateKey(r decimal.Decimal) string {
	return r.Round(2).StringFixed(2)
}
