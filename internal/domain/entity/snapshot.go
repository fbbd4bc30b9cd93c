package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountKind distinguishes percentage discounts from fixed amounts.
type DiscountKind string

const (
	DiscountPercent DiscountKind = "PERCENT"
	DiscountFixed   DiscountKind = "FIXED"
)

// Party identifies one side of the invoice for the e-Factura document.
type Party struct {
	TaxID   string // CUI/CIF, with or without the RO prefix
	Name    string
	Address string
	City    string
	County  string // județ code (RO-B, RO-CJ, ...); defaults applied by the codec
}

// LineItem is one invoice line as read from the invoice record.
type LineItem struct {
	Description    string
	Classification string // CPV product/service classification code
	UnitCode       string // UN/ECE rec 20; "C62" (unit) when empty
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	VATRate        decimal.Decimal // percent: 0, 5, 11, 21, ...
	Discount       decimal.Decimal
	DiscountKind   DiscountKind
}

// InvoiceSnapshot is the read-only view of an invoice the pipeline works
// from. It is taken once per submission attempt and never mutated, so a
// stale invoice edit can never leak into an in-flight attempt.
type InvoiceSnapshot struct {
	InvoiceID    string
	Series       string
	Number       string
	IssueDate    time.Time
	DueDate      *time.Time
	Currency     string          // invoice currency (ISO 4217)
	ExchangeRate decimal.Decimal // invoice currency -> reporting currency; 1 when equal
	Supplier     Party
	Customer     Party
	Lines        []LineItem
	// Discount is an invoice-level fixed amount, distributed pro-rata
	// across lines by net amount before VAT is applied.
	Discount decimal.Decimal
	Notes    string
	TakenAt  time.Time
}

// DocumentID is the invoice identifier as it appears in the XML (series +
// number, the series optional).
func (s *InvoiceSnapshot) DocumentID() string {
	if s.Series == "" {
		return s.Number
	}
	return s.Series + s.Number
}
